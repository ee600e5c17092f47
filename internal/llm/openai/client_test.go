package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestCompleteRequestsJSONMode(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"alertLevel":"NONE"}`}},
			},
		})
	}))
	defer srv.Close()

	var observed atomic.Int32
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second},
		WithHTTPClient(srv.Client()),
		WithObserver(func(agent string, _ time.Duration, err error) {
			if agent == "risk" && err == nil {
				observed.Add(1)
			}
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Agent:     "risk",
		System:    "system prompt",
		Prompt:    "context",
		Knowledge: []llm.KnowledgeCard{{Title: "Buffer", Content: "keep two months of payroll"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"alertLevel":"NONE"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	format, _ := captured.Body["response_format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Fatalf("json mode not requested: %v", captured.Body["response_format"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(messages))
	}
	system, _ := messages[0].(map[string]any)
	if !strings.Contains(system["content"].(string), "keep two months of payroll") {
		t.Fatalf("knowledge notes missing from system prompt: %v", system["content"])
	}
	if observed.Load() != 1 {
		t.Fatalf("observer not invoked")
	}
}

func TestChatDecodesToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "check_risks",
							"arguments": `{"totalDeployed":1000000}`,
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := client.Chat(context.Background(), llm.ChatRequest{
		Agent: "manager",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "s"},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "call_0", Name: "analyze_cashflow", Arguments: "{}"}}},
			{Role: llm.RoleTool, ToolCallID: "call_0", Name: "analyze_cashflow", Content: "{}"},
		},
		Tools: []llm.Tool{{Name: "check_risks", Description: "d", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "check_risks" || msg.ToolCalls[0].ID != "call_1" {
		t.Fatalf("unexpected tool calls: %+v", msg.ToolCalls)
	}
	if body["tool_choice"] != "auto" {
		t.Fatalf("tool_choice missing: %v", body["tool_choice"])
	}
	sent, _ := body["messages"].([]any)
	toolMsg, _ := sent[2].(map[string]any)
	if toolMsg["tool_call_id"] != "call_0" {
		t.Fatalf("tool message not forwarded: %v", toolMsg)
	}
}

func TestCompleteHTTPErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Complete(context.Background(), llm.Request{Agent: "risk"})
	if xerrors.CodeOf(err) != xerrors.CodeOracleUnavailable {
		t.Fatalf("expected ORACLE_UNAVAILABLE, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("5xx should be retryable")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error detail, got %v", err)
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Complete(ctx, llm.Request{Agent: "risk"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestCompleteEmptyContentIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  "}}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL}, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Complete(context.Background(), llm.Request{})
	if xerrors.CodeOf(err) != xerrors.CodeOracleMalformed {
		t.Fatalf("expected ORACLE_MALFORMED, got %v", err)
	}
}
