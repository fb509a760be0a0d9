package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"care-companion/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.LLMConfig{APIKey: "test", BaseURL: srv.URL + "/v1", ChatModel: "test-model"})
}

func writeCompletion(t *testing.T, w http.ResponseWriter, message map[string]any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(map[string]any{
		"id":      "cmpl-1",
		"object":  "chat.completion",
		"model":   "test-model",
		"choices": []any{map[string]any{"index": 0, "message": message, "finish_reason": "stop"}},
	})
	require.NoError(t, err)
}

func TestChatSendsToolsAndParsesCalls(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(t, w, map[string]any{
			"role":    "assistant",
			"content": "",
			"tool_calls": []any{map[string]any{
				"id":       "call_1",
				"type":     "function",
				"function": map[string]any{"name": "get_user_profile", "arguments": "{}"},
			}},
		})
	})

	reply, err := client.Chat(context.Background(),
		[]Message{{Role: RoleSystem, Content: "be kind"}, {Role: "weird", Content: "hi"}},
		[]ToolDefinition{{Name: "get_user_profile", Description: "profile", Parameters: json.RawMessage(`{"type":"object"}`)}},
	)
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "call_1", reply.ToolCalls[0].ID)
	assert.Equal(t, "get_user_profile", reply.ToolCalls[0].Name)

	assert.Equal(t, "test-model", got["model"])
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	// unknown roles are sent as user
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
	tools := got["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "get_user_profile", fn["name"])
}

func TestChatToolMessagesRoundTrip(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(t, w, map[string]any{"role": "assistant", "content": "done"})
	})

	reply, err := client.Chat(context.Background(), []Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "x", Arguments: "{}"}}},
		{Role: RoleTool, ToolCallID: "c1", Content: `{"ok":true}`},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Content)

	msgs := got["messages"].([]any)
	assert.Equal(t, "c1", msgs[1].(map[string]any)["tool_call_id"])
	calls := msgs[0].(map[string]any)["tool_calls"].([]any)
	assert.Len(t, calls, 1)
}

func TestChatNoChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	assert.ErrorIs(t, err, ErrNoChoices)
}

func TestChatAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})
	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	assert.Error(t, err)
}

func TestDescribeImageSendsDataURL(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeCompletion(t, w, map[string]any{"role": "assistant", "content": `{"medications":[]}`})
	})

	out, err := client.DescribeImage(context.Background(), "read this", []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.JSONEq(t, `{"medications":[]}`, out)

	msg := got["messages"].([]any)[0].(map[string]any)
	parts := msg["content"].([]any)
	require.Len(t, parts, 2)
	img := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.Contains(t, img["url"], "data:image/jpeg;base64,")
	assert.Equal(t, "json_object", got["response_format"].(map[string]any)["type"])
}
