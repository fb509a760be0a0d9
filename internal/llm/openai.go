package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"care-companion/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// Message roles understood by Client.
const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleTool      = openai.ChatMessageRoleTool
)

// Message is a chat message exchanged with the model.  Assistant messages
// may carry tool calls; tool messages answer one call by ToolCallID.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a function the model asked us to run.  Arguments is the raw
// JSON object the model produced.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool to the model.  Parameters is a JSON schema.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Reply is the model's answer: either text or tool calls.
type Reply struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// Client defines the methods required by the agent, the summariser and the
// photo intake.
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (Reply, error)
	Summarize(ctx context.Context, prompt string) (string, error)
	DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("llm: response has no choices")

// OpenAIClient calls an OpenAI compatible API.
type OpenAIClient struct {
	client       *openai.Client
	chatModel    string
	summaryModel string
	visionModel  string
	temperature  float32
}

// NewOpenAIClient constructs an OpenAI-backed LLM client.  Empty summary and
// vision models fall back to the chat model.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	summaryModel := cfg.SummaryModel
	if summaryModel == "" {
		summaryModel = chatModel
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = chatModel
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(oc),
		chatModel:    chatModel,
		summaryModel: summaryModel,
		visionModel:  visionModel,
		temperature:  cfg.Temperature,
	}
}

// Chat sends the message history and tool definitions to the chat
// completion API.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (Reply, error) {
	if c.client == nil {
		return Reply{}, errors.New("openai client not initialized")
	}

	oaMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMsgs = append(oaMsgs, toOpenAI(m))
	}

	req := openai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    oaMsgs,
		Temperature: c.temperature,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Reply{}, err
	}
	if len(resp.Choices) == 0 {
		return Reply{}, ErrNoChoices
	}

	choice := resp.Choices[0]
	out := Reply{Content: choice.Message.Content, FinishReason: string(choice.FinishReason)}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func toOpenAI(m Message) openai.ChatCompletionMessage {
	role := m.Role
	switch role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		// coerce anything unknown to user
		role = RoleUser
	}
	msg := openai.ChatCompletionMessage{Role: role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// Summarize generates a short summary of the prompt.
func (c *OpenAIClient) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You write short factual summaries of conversations."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

// DescribeImage sends an image with an instruction to the vision model and
// asks for a JSON object in return.
func (c *OpenAIClient) DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.visionModel,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL,
					Detail: openai.ImageURLDetailHigh,
				}},
			},
		}},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}
