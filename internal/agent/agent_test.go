package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"care-companion/internal/llm"
	"care-companion/internal/tools"
	"care-companion/pkg"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM replays one reply per Chat call and records what it was sent.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []llm.Reply
	err     error
	calls   [][]llm.Message
	tools   []llm.ToolDefinition
}

func (s *scriptedLLM) Chat(_ context.Context, msgs []llm.Message, defs []llm.ToolDefinition) (llm.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]llm.Message(nil), msgs...))
	s.tools = defs
	if s.err != nil {
		return llm.Reply{}, s.err
	}
	if len(s.replies) == 0 {
		return llm.Reply{Content: "done"}, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedLLM) Summarize(context.Context, string) (string, error) { return "", nil }

func (s *scriptedLLM) DescribeImage(context.Context, string, []byte, string) (string, error) {
	return "", nil
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Definition{
		Name:        "whoami",
		Description: "returns the current user",
	}, func(ctx context.Context, _ json.RawMessage) (tools.Result, error) {
		id, _ := tools.UserIDFromContext(ctx)
		return tools.Result{Content: id}, nil
	}))
	require.NoError(t, r.Register(tools.Definition{
		Name: "echo",
		Parameters: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(_ context.Context, args json.RawMessage) (tools.Result, error) {
		var in struct{ Text string }
		if err := json.Unmarshal(args, &in); err != nil {
			return tools.Result{}, err
		}
		return tools.Result{Content: in.Text}, nil
	}))
	require.NoError(t, r.Register(tools.Definition{Name: "broken"}, func(context.Context, json.RawMessage) (tools.Result, error) {
		return tools.Result{}, errors.New("database down")
	}))
	return r
}

var user = &pkg.User{UserID: "u1"}

func TestRunPlainAnswer(t *testing.T) {
	fake := &scriptedLLM{replies: []llm.Reply{{Content: "<thinking>greet them</thinking>Hello Ada!"}}}
	a := New(fake, newRegistry(t), zerolog.Nop())

	out, err := a.Run(context.Background(), user, []pkg.Message{
		{Role: pkg.RoleSystem, Content: "be kind"},
		{Role: pkg.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada!", out.Text)
	assert.Equal(t, 1, out.Iterations)
	assert.Empty(t, out.ToolsUsed)

	require.Len(t, fake.calls, 1)
	assert.Equal(t, llm.RoleSystem, fake.calls[0][0].Role)
	assert.Equal(t, "hi", fake.calls[0][1].Content)
	assert.Len(t, fake.tools, 3)
}

func TestRunExecutesToolsInOrder(t *testing.T) {
	fake := &scriptedLLM{replies: []llm.Reply{
		{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "whoami", Arguments: `{}`},
			{ID: "c2", Name: "echo", Arguments: `{"text":"pong"}`},
			{ID: "c3", Name: "broken"},
			{ID: "c4", Name: "echo", Arguments: `{}`},
			{ID: "c5", Name: "missing"},
		}},
		{Content: "All set."},
	}}
	a := New(fake, newRegistry(t), zerolog.Nop())

	out, err := a.Run(context.Background(), user, []pkg.Message{{Role: pkg.RoleUser, Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "All set.", out.Text)
	assert.Equal(t, 2, out.Iterations)
	assert.Equal(t, []string{"whoami", "echo", "broken", "echo", "missing"}, out.ToolsUsed)

	require.Len(t, fake.calls, 2)
	second := fake.calls[1]
	require.Len(t, second, 7)
	assert.Equal(t, llm.RoleAssistant, second[1].Role)
	assert.Len(t, second[1].ToolCalls, 5)

	tool := second[2:]
	assert.Equal(t, "c1", tool[0].ToolCallID)
	assert.Equal(t, "u1", tool[0].Content)
	assert.Equal(t, "pong", tool[1].Content)
	assert.Contains(t, tool[2].Content, "database down")
	assert.Contains(t, tool[3].Content, "invalid tool arguments")
	assert.Contains(t, tool[4].Content, "tool not found")
	for i, m := range tool {
		assert.Equal(t, llm.RoleTool, m.Role)
		if i > 1 {
			assert.Contains(t, m.Content, "Error: ")
		}
	}
}

func TestRunStopsAtMaxIterations(t *testing.T) {
	loop := llm.Reply{ToolCalls: []llm.ToolCall{{ID: "c", Name: "whoami"}}}
	fake := &scriptedLLM{replies: []llm.Reply{loop, loop, loop, loop}}
	a := New(fake, newRegistry(t), zerolog.Nop())
	a.MaxIterations = 3

	out, err := a.Run(context.Background(), user, []pkg.Message{{Role: pkg.RoleUser, Content: "go"}})
	assert.ErrorIs(t, err, ErrMaxIterations)
	assert.Equal(t, 3, out.Iterations)
	assert.Len(t, fake.calls, 3)
}

func TestRunPropagatesLLMError(t *testing.T) {
	fake := &scriptedLLM{err: errors.New("rate limited")}
	a := New(fake, newRegistry(t), zerolog.Nop())

	_, err := a.Run(context.Background(), user, []pkg.Message{{Role: pkg.RoleUser, Content: "go"}})
	assert.ErrorContains(t, err, "rate limited")
}

func TestRunRequiresUser(t *testing.T) {
	a := New(&scriptedLLM{}, newRegistry(t), zerolog.Nop())
	_, err := a.Run(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestCleanReply(t *testing.T) {
	tests := map[string]string{
		"Hello":                              "Hello",
		"<thinking>a</thinking> Hello":       "Hello",
		"reasoning here</thinking>\n\nHello": "Hello",
		"<thinking>\na\nb\n</thinking>Hi <thinking>c</thinking>there": "Hi there",
		"  spaced  ": "spaced",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanReply(in), in)
	}
}
