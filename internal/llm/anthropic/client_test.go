package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "gravity-claw/internal/errors"
	"gravity-claw/internal/llm"
)

func TestCompleteConvertsConversation(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test" {
			t.Errorf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"stop_reason":"tool_use",
			"content":[
				{"type":"text","text":"checking"},
				{"type":"tool_use","id":"tu_1","name":"get_current_time","input":{}}
			],
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Complete(context.Background(), llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "persona"},
			{Role: llm.RoleUser, Parts: []llm.Part{
				{Type: llm.PartText, Text: "look"},
				{Type: llm.PartImageURL, ImageURL: "data:image/png;base64,AAAA"},
			}},
			{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "tu_0", Name: "search_web", Arguments: json.RawMessage(`{"query":"x"}`)}}},
			{Role: llm.RoleTool, ToolCallID: "tu_0", Content: `{"results":[]}`},
		},
		Tools: []llm.ToolDeclaration{{Name: "get_current_time", Description: "clock", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "checking" || len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tu_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	system, _ := body["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system prompt should be lifted out of messages: %v", body["system"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected user, assistant and tool-result messages, got %d", len(messages))
	}
}

func TestCompleteProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{APIKey: "test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := client.Complete(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if !xerrors.IsCode(err, xerrors.CodeProviderFailure) {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestSplitDataURL(t *testing.T) {
	mediaType, data, err := splitDataURL("data:image/jpeg;base64,QUJD")
	if err != nil || mediaType != "image/jpeg" || data != "QUJD" {
		t.Fatalf("unexpected parse: %q %q %v", mediaType, data, err)
	}
	if _, _, err := splitDataURL("/tmp/file.png"); err == nil {
		t.Fatalf("bare paths must be rejected")
	}
}
