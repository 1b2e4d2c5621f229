package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/GoCodeAlone/steward/provider"
)

type apiRequest struct {
	Model    string `json:"model"`
	System   []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role string `json:"role"`
	} `json:"messages"`
}

func newTestServer(t *testing.T, reqs *[]apiRequest, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key=test-key, got %s", r.Header.Get("x-api-key"))
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*reqs = append(*reqs, req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_123",
			"type":          "message",
			"role":          "assistant",
			"model":         req.Model,
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
}

func TestProvider_QueryAndResume(t *testing.T) {
	var reqs []apiRequest
	srv := newTestServer(t, &reqs, "Hello! How can I help?")
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL, Options: []option.RequestOption{option.WithMaxRetries(0)}})
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}

	first, err := provider.Ask(context.Background(), p, provider.Request{Prompt: "Hello", System: "You are helpful."})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if first.Text != "Hello! How can I help?" {
		t.Errorf("Text = %q", first.Text)
	}
	if first.SessionToken == "" {
		t.Fatal("expected session token")
	}
	if reqs[0].Model != defaultModel {
		t.Errorf("model = %q, want %q", reqs[0].Model, defaultModel)
	}
	if len(reqs[0].System) != 1 || reqs[0].System[0].Text != "You are helpful." {
		t.Errorf("system = %+v", reqs[0].System)
	}

	second, err := provider.Ask(context.Background(), p, provider.Request{Prompt: "Again", ResumeToken: first.SessionToken})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if second.SessionToken != first.SessionToken {
		t.Errorf("resume token changed: %q -> %q", first.SessionToken, second.SessionToken)
	}
	if len(reqs[1].Messages) != 3 {
		t.Errorf("resumed request has %d messages, want 3", len(reqs[1].Messages))
	}
}

func TestProvider_UnknownResumeToken(t *testing.T) {
	var reqs []apiRequest
	srv := newTestServer(t, &reqs, "unused")
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	_, err := p.Query(context.Background(), provider.Request{Prompt: "x", ResumeToken: "sess_gone"})
	if !errors.Is(err, provider.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if len(reqs) != 0 {
		t.Errorf("API called %d times, want 0", len(reqs))
	}
}

func TestProvider_SessionsCapped(t *testing.T) {
	var reqs []apiRequest
	srv := newTestServer(t, &reqs, "ok")
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL, MaxSessions: 2, Options: []option.RequestOption{option.WithMaxRetries(0)}})
	var tokens []string
	for i := 0; i < 3; i++ {
		res, err := provider.Ask(context.Background(), p, provider.Request{Prompt: "hi"})
		if err != nil {
			t.Fatalf("Ask: %v", err)
		}
		tokens = append(tokens, res.SessionToken)
	}
	if _, err := p.Query(context.Background(), provider.Request{Prompt: "again", ResumeToken: tokens[0]}); !errors.Is(err, provider.ErrSessionNotFound) {
		t.Errorf("resume oldest err = %v, want ErrSessionNotFound", err)
	}
	if _, err := provider.Ask(context.Background(), p, provider.Request{Prompt: "again", ResumeToken: tokens[2]}); err != nil {
		t.Errorf("resume newest: %v", err)
	}
}

func TestProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	p := New(Config{APIKey: "test-key", BaseURL: srv.URL, Options: []option.RequestOption{option.WithMaxRetries(0)}})
	if _, err := p.Query(context.Background(), provider.Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestBuildMessages_DropsLeadingAssistant(t *testing.T) {
	msgs := buildMessages([]provider.Message{
		{Role: provider.RoleAssistant, Content: "orphan"},
		{Role: provider.RoleUser, Content: "q"},
		{Role: provider.RoleAssistant, Content: "a"},
	}, "next")
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}
