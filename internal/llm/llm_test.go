package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inkwell-ai/inkwell/internal/apperr"
)

func TestNewClientRequiresModel(t *testing.T) {
	_, err := NewClient(Config{Provider: "openai"}, nil)
	if err == nil {
		t.Fatal("expected error for missing model")
	}
	if !apperr.IsKind(err, apperr.Configuration) {
		t.Errorf("kind = %v, want Configuration", apperr.KindOf(err))
	}
}

func TestNewClientUnknownProvider(t *testing.T) {
	_, err := NewClient(Config{Provider: "carrier-pigeon", Model: "m"}, nil)
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "openai") || !strings.Contains(err.Error(), "ollama") {
		t.Errorf("error should list registered providers, got %q", err.Error())
	}
}

func TestOpenAIComplete(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "gpt-3.5-turbo",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "SELECT 1"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 5, "total_tokens": 25},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		Provider: "openai",
		Model:    "gpt-3.5-turbo",
		BaseURL:  srv.URL,
		APIKey:   "sk-test",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	temp := 0.1
	resp, err := client.Complete(context.Background(), Request{
		System:      "You write SQL.",
		Messages:    []Message{{Role: "user", Content: "count users"}},
		Temperature: &temp,
		JSONMode:    true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if resp.Content != "SELECT 1" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 25 {
		t.Errorf("total tokens = %d, want 25", resp.Usage.TotalTokens)
	}
	if resp.Usage.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", resp.Usage.CostUSD)
	}
	if resp.Usage.Model != "gpt-3.5-turbo" {
		t.Errorf("usage model = %q", resp.Usage.Model)
	}

	// Wire shape: system message first, JSON mode flagged, temperature kept.
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v, want system first", got.Messages)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", got.ResponseFormat)
	}
	if got.Temperature == nil || *got.Temperature != 0.1 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if got.Stream {
		t.Error("stream should be false for Complete")
	}
}

func TestOpenAIStreamComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("stream should be true for StreamComplete")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage should be set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"The answer\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" is 42.\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"model\":\"gpt-3.5-turbo\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":4,\"total_tokens\":14}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(Config{Provider: "openai", Model: "gpt-3.5-turbo", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	stream, err := client.StreamComplete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "what is the answer?"}},
	})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	var sb strings.Builder
	for tok := range stream.Tokens {
		sb.WriteString(tok)
	}
	if sb.String() != "The answer is 42." {
		t.Errorf("streamed text = %q", sb.String())
	}

	if err := <-stream.Err; err != nil {
		t.Errorf("stream error = %v", err)
	}

	select {
	case u, ok := <-stream.Usage:
		if !ok {
			t.Fatal("usage channel closed without a report")
		}
		if u.TotalTokens != 14 {
			t.Errorf("total tokens = %d, want 14", u.TotalTokens)
		}
		if u.CostUSD <= 0 {
			t.Errorf("cost = %v, want > 0", u.CostUSD)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for usage")
	}
}

func TestOpenAIStreamCanceled(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	client, err := NewClient(Config{Provider: "openai", Model: "gpt-3.5-turbo", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamComplete(ctx, Request{Messages: []Message{{Role: "user", Content: "q"}}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	if tok := <-stream.Tokens; tok != "partial" {
		t.Fatalf("first token = %q", tok)
	}
	cancel()

	// The token channel must close once the context is gone.
	select {
	case _, ok := <-stream.Tokens:
		if ok {
			// A second token may already be buffered; drain until close.
			for range stream.Tokens {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token channel did not close after cancel")
	}
}

func TestOpenAIRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := NewClient(Config{Provider: "openai", Model: "gpt-3.5-turbo", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "q"}}})
	if !apperr.IsKind(err, apperr.RateLimit) {
		t.Errorf("kind = %v, want RateLimit", apperr.KindOf(err))
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req ollamaChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			t.Error("stream should be false for Complete")
		}
		if req.Options == nil || req.Options.NumPredict != 256 {
			t.Errorf("options = %+v, want num_predict 256", req.Options)
		}
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3",
			Message:         Message{Role: "assistant", Content: "hello"},
			Done:            true,
			DoneReason:      "stop",
			PromptEvalCount: 8,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{Provider: "ollama", Model: "llama3", BaseURL: srv.URL, MaxTokens: 256}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 11 {
		t.Errorf("total tokens = %d, want 11", resp.Usage.TotalTokens)
	}
}

func TestOllamaStreamComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChatResponse{Message: Message{Content: "one "}})
		_ = enc.Encode(ollamaChatResponse{Message: Message{Content: "two"}})
		_ = enc.Encode(ollamaChatResponse{Model: "llama3", Done: true, PromptEvalCount: 6, EvalCount: 2})
	}))
	defer srv.Close()

	client, err := NewClient(Config{Provider: "ollama", Model: "llama3", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	stream, err := client.StreamComplete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "count"}}})
	if err != nil {
		t.Fatalf("StreamComplete: %v", err)
	}

	var sb strings.Builder
	for tok := range stream.Tokens {
		sb.WriteString(tok)
	}
	if sb.String() != "one two" {
		t.Errorf("streamed text = %q", sb.String())
	}

	u, ok := <-stream.Usage
	if !ok {
		t.Fatal("usage channel closed without a report")
	}
	if u.PromptTokens != 6 || u.CompletionTokens != 2 {
		t.Errorf("usage = %+v", u)
	}
}

func TestCompleteText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "plain text"}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{Provider: "openai", Model: "gpt-3.5-turbo", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	text, err := client.CompleteText(context.Background(), "sys", "prompt")
	if err != nil {
		t.Fatalf("CompleteText: %v", err)
	}
	if text != "plain text" {
		t.Errorf("text = %q", text)
	}
}

func TestProvidersRegistered(t *testing.T) {
	names := Providers()
	want := map[string]bool{"openai": false, "ollama": false}
	for _, n := range names {
		if _, ok := want[n]; ok {
			want[n] = true
		}
	}
	for n, seen := range want {
		if !seen {
			t.Errorf("provider %q not registered", n)
		}
	}
}
