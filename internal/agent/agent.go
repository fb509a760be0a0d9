package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"care-companion/internal/llm"
	"care-companion/internal/tools"
	"care-companion/pkg"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

const (
	// DefaultMaxIterations bounds the observe/think/act loop.
	DefaultMaxIterations = 5
	// DefaultConcurrency bounds how many tool calls from one model turn run
	// at the same time.
	DefaultConcurrency = 4
)

// ErrMaxIterations is returned when the model keeps calling tools after the
// iteration budget is spent.
var ErrMaxIterations = errors.New("agent: maximum iterations reached")

// ToolExecutor is the subset of tools.Registry the agent needs.
type ToolExecutor interface {
	Definitions() []tools.Definition
	Execute(ctx context.Context, name string, args json.RawMessage) (tools.Result, error)
}

// Agent runs the tool calling loop against the LLM on behalf of one user.
type Agent struct {
	LLM           llm.Client
	Tools         ToolExecutor
	MaxIterations int
	Concurrency   int
	Logger        zerolog.Logger
}

// New creates an Agent with default limits.
func New(client llm.Client, executor ToolExecutor, logger zerolog.Logger) *Agent {
	return &Agent{
		LLM:           client,
		Tools:         executor,
		MaxIterations: DefaultMaxIterations,
		Concurrency:   DefaultConcurrency,
		Logger:        logger.With().Str("component", "agent").Logger(),
	}
}

// Run sends messages to the model and executes the tools it asks for until
// it answers with plain text.  Tool failures are reported back to the model
// as error results instead of aborting the run.
func (a *Agent) Run(ctx context.Context, user *pkg.User, messages []pkg.Message) (pkg.AgentReply, error) {
	var out pkg.AgentReply
	if user == nil || user.UserID == "" {
		return out, errors.New("agent: no user")
	}
	ctx = tools.WithUserID(ctx, user.UserID)
	log := a.Logger.With().Str("user_id", user.UserID).Logger()

	conv := make([]llm.Message, 0, len(messages)+4)
	for _, m := range messages {
		conv = append(conv, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	defs := a.definitions()

	for out.Iterations < a.maxIterations() {
		out.Iterations++

		reply, err := a.LLM.Chat(ctx, conv, defs)
		if err != nil {
			return out, fmt.Errorf("agent: chat: %w", err)
		}
		if len(reply.ToolCalls) == 0 {
			out.Text = CleanReply(reply.Content)
			return out, nil
		}

		conv = append(conv, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})
		for _, tc := range reply.ToolCalls {
			out.ToolsUsed = append(out.ToolsUsed, tc.Name)
		}
		conv = append(conv, a.execute(ctx, log, reply.ToolCalls)...)
	}

	log.Warn().Int("iterations", out.Iterations).Strs("tools", out.ToolsUsed).Msg("tool loop did not converge")
	return out, ErrMaxIterations
}

// execute runs the calls of one model turn and returns the tool messages in
// call order.
func (a *Agent) execute(ctx context.Context, log zerolog.Logger, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))
	p := pool.New().WithMaxGoroutines(a.concurrency())
	for i, tc := range calls {
		i, tc := i, tc
		p.Go(func() {
			res, err := a.Tools.Execute(ctx, tc.Name, json.RawMessage(tc.Arguments))
			if err != nil {
				log.Warn().Err(err).Str("tool", tc.Name).Msg("tool call failed")
				res = tools.Result{Content: err.Error(), IsError: true}
			} else {
				log.Debug().Str("tool", tc.Name).Bool("is_error", res.IsError).Msg("tool executed")
			}
			content := res.Content
			if res.IsError {
				content = "Error: " + content
			}
			results[i] = llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: tc.ID}
		})
	}
	p.Wait()
	return results
}

func (a *Agent) definitions() []llm.ToolDefinition {
	if a.Tools == nil {
		return nil
	}
	defs := a.Tools.Definitions()
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return out
}

func (a *Agent) maxIterations() int {
	if a.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return a.MaxIterations
}

func (a *Agent) concurrency() int {
	if a.Concurrency <= 0 {
		return 1
	}
	return a.Concurrency
}

var thinkingBlock = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)

// CleanReply removes reasoning the model leaked into its answer: complete
// <thinking> blocks and anything before a dangling closing tag.
func CleanReply(s string) string {
	s = thinkingBlock.ReplaceAllString(s, "")
	if i := strings.LastIndex(s, "</thinking>"); i >= 0 {
		s = s[i+len("</thinking>"):]
	}
	return strings.TrimSpace(s)
}
