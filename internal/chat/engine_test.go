package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

type fakeLLM struct {
	condensed    string
	streamTokens []string
	streamErr    error
	lastReq      llm.Request
	condenses    int
}

func (f *fakeLLM) Model() string { return "test-model" }

func (f *fakeLLM) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	f.condenses++
	return f.condensed, nil
}

func (f *fakeLLM) StreamComplete(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	f.lastReq = req
	tokens := make(chan string, len(f.streamTokens))
	for _, t := range f.streamTokens {
		tokens <- t
	}
	close(tokens)
	errCh := make(chan error, 1)
	if f.streamErr != nil {
		errCh <- f.streamErr
	}
	close(errCh)
	usage := make(chan models.TokenUsage)
	close(usage)
	return &llm.Stream{Tokens: tokens, Err: errCh, Usage: usage}, nil
}

type fakeRetriever struct {
	chunks    []models.ScoredChunk
	lastQuery string
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, error) {
	f.lastQuery = query
	return f.chunks, nil
}

func (f *fakeRetriever) Strategy() string { return "hybrid" }

type fakeConvStore struct {
	saved   [][]models.ConversationMessage
	recent  []models.ConversationMessage
	saveErr error
}

func (f *fakeConvStore) SaveConversationMessages(ctx context.Context, msgs []models.ConversationMessage) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, msgs)
	return nil
}

func (f *fakeConvStore) RecentMessages(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error) {
	return f.recent, nil
}

func TestMemoryEvictsOldestFirst(t *testing.T) {
	m := NewMemory(10) // ~40 characters
	m.Put(models.ConversationMessage{Role: "user", Content: strings.Repeat("a", 20)})
	m.Put(models.ConversationMessage{Role: "assistant", Content: strings.Repeat("b", 20)})
	m.Put(models.ConversationMessage{Role: "user", Content: strings.Repeat("c", 20)})

	turns := m.Messages()
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
	if turns[0].Content[0] != 'b' || turns[1].Content[0] != 'c' {
		t.Errorf("wrong turns survived: %q, %q", turns[0].Content, turns[1].Content)
	}
}

func TestMemoryKeepsNewestWhenOversized(t *testing.T) {
	m := NewMemory(1)
	m.Put(models.ConversationMessage{Role: "user", Content: strings.Repeat("x", 400)})
	if m.Len() != 1 {
		t.Fatalf("len = %d, want the oversized newest turn kept", m.Len())
	}
}

func TestMemoryCloneIsIndependent(t *testing.T) {
	m := NewMemory(100)
	m.Put(models.ConversationMessage{Role: "user", Content: "original"})
	clone := m.Clone()
	m.Put(models.ConversationMessage{Role: "user", Content: "after clone"})

	if clone.Len() != 1 {
		t.Errorf("clone len = %d, want 1", clone.Len())
	}
	if m.Len() != 2 {
		t.Errorf("source len = %d, want 2", m.Len())
	}
}

func TestLooksLikeFollowUp(t *testing.T) {
	tests := []struct {
		name       string
		message    string
		historyLen int
		want       bool
	}{
		{"no history", "and them?", 0, false},
		{"short message", "break it down", 2, true},
		{"pronoun in long sentence", "could you compare the revenue figures between them across regions", 2, true},
		{"follow-up phrase", "interesting, now what about the southern region numbers", 2, true},
		{"standalone question", "total revenue grouped per region during fiscal 2024 by quarter", 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksLikeFollowUp(tt.message, tt.historyLen); got != tt.want {
				t.Errorf("looksLikeFollowUp(%q) = %v, want %v", tt.message, got, tt.want)
			}
		})
	}
}

func newTestEngine(t *testing.T, l *fakeLLM, r *fakeRetriever, s ConversationStore) *Engine {
	t.Helper()
	deps := Deps{Retriever: r, LLM: l, Store: s}
	return NewEngine(context.Background(), config.ChatConfig{CondenseEnabled: true}, deps, "nb-1", "u1", zap.NewNop())
}

func TestStreamQuerySimpleModeWithoutSources(t *testing.T) {
	l := &fakeLLM{streamTokens: []string{"Hello", " there"}}
	r := &fakeRetriever{}
	e := newTestEngine(t, l, r, &fakeConvStore{})

	stream, err := e.StreamQuery(context.Background(), "hi, who are you exactly today assistant friend")
	if err != nil {
		t.Fatalf("StreamQuery: %v", err)
	}
	var got strings.Builder
	for tok := range stream.Tokens {
		got.WriteString(tok)
	}
	if err := <-stream.Err; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	answer := <-stream.Done
	if answer == nil {
		t.Fatal("expected final answer")
	}
	if answer.Response != "Hello there" || got.String() != "Hello there" {
		t.Errorf("response = %q / %q", answer.Response, got.String())
	}
	if l.lastReq.System != simpleSystemPrompt {
		t.Errorf("system = %q, want simple prompt when no sources", l.lastReq.System)
	}
	if answer.Metadata.NodeCount != 0 || answer.Metadata.Model != "test-model" {
		t.Errorf("metadata = %+v", answer.Metadata)
	}
}

func TestQueryUsesRetrievedContext(t *testing.T) {
	l := &fakeLLM{streamTokens: []string{"42"}}
	r := &fakeRetriever{chunks: []models.ScoredChunk{
		{Chunk: models.Chunk{ChunkID: "c1", Text: "the answer is forty-two"}, Score: 0.9},
	}}
	store := &fakeConvStore{}
	e := newTestEngine(t, l, r, store)

	answer, err := e.Query(context.Background(), "what number does the document say is the final answer")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(l.lastReq.System, "the answer is forty-two") {
		t.Error("system prompt must embed retrieved context")
	}
	if answer.Metadata.NodeCount != 1 || len(answer.Sources) != 1 {
		t.Errorf("sources = %d, node_count = %d", len(answer.Sources), answer.Metadata.NodeCount)
	}
	if answer.Metadata.RetrievalStrategy != "hybrid" {
		t.Errorf("strategy = %q", answer.Metadata.RetrievalStrategy)
	}
	if len(store.saved) != 1 || len(store.saved[0]) != 2 {
		t.Fatalf("expected one persisted pair, got %+v", store.saved)
	}
	if store.saved[0][0].Role != "user" || store.saved[0][1].Role != "assistant" {
		t.Errorf("roles = %s, %s", store.saved[0][0].Role, store.saved[0][1].Role)
	}
}

func TestFollowUpIsCondensedForRetrieval(t *testing.T) {
	l := &fakeLLM{condensed: "revenue for the northern region in 2024", streamTokens: []string{"ok"}}
	r := &fakeRetriever{}
	e := newTestEngine(t, l, r, &fakeConvStore{})
	e.Memory().Put(models.ConversationMessage{Role: "user", Content: "revenue by region in 2024?"})
	e.Memory().Put(models.ConversationMessage{Role: "assistant", Content: "north: 10M, south: 8M"})

	if _, err := e.Query(context.Background(), "what about them?"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if l.condenses != 1 {
		t.Fatalf("condense calls = %d, want 1", l.condenses)
	}
	if r.lastQuery != "revenue for the northern region in 2024" {
		t.Errorf("retrieval query = %q, want the condensed question", r.lastQuery)
	}
}

func TestSwitchNotebookFlushesAndReloads(t *testing.T) {
	l := &fakeLLM{streamTokens: []string{"answer"}}
	r := &fakeRetriever{}
	store := &fakeConvStore{saveErr: errors.New("db down")}
	e := newTestEngine(t, l, r, store)

	// Exchange fails to persist and stays queued.
	if _, err := e.Query(context.Background(), "first question about something very specific here"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(store.saved) != 0 {
		t.Fatalf("persist should have failed, saved = %d", len(store.saved))
	}

	store.saveErr = nil
	store.recent = []models.ConversationMessage{{Role: "user", Content: "older turn"}}
	if err := e.SwitchNotebook(context.Background(), "nb-2"); err != nil {
		t.Fatalf("SwitchNotebook: %v", err)
	}
	if len(store.saved) != 1 || len(store.saved[0]) != 2 {
		t.Fatalf("switch must flush the queued pair, saved = %+v", store.saved)
	}
	if e.NotebookID() != "nb-2" {
		t.Errorf("notebook = %s, want nb-2", e.NotebookID())
	}
	if e.Memory().Len() != 1 {
		t.Errorf("memory len = %d, want reloaded history of 1", e.Memory().Len())
	}
}

func TestRebuildCopiesBufferVerbatim(t *testing.T) {
	l := &fakeLLM{streamTokens: []string{"x"}}
	e := newTestEngine(t, l, &fakeRetriever{}, &fakeConvStore{})
	e.Memory().Put(models.ConversationMessage{Role: "user", Content: "kept across rebuilds"})

	clone := e.Rebuild()
	if clone.Memory().Len() != 1 {
		t.Fatalf("clone memory len = %d, want 1", clone.Memory().Len())
	}
	e.Memory().Put(models.ConversationMessage{Role: "user", Content: "only in original"})
	if clone.Memory().Len() != 1 {
		t.Error("rebuild must copy the buffer, not share it")
	}
}

func TestStreamErrorSkipsPersistence(t *testing.T) {
	l := &fakeLLM{streamTokens: []string{"partial"}, streamErr: errors.New("upstream died")}
	store := &fakeConvStore{}
	e := newTestEngine(t, l, &fakeRetriever{}, store)

	_, err := e.Query(context.Background(), "this one is going to fail midway through streaming")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(store.saved) != 0 {
		t.Errorf("failed exchanges must not be persisted, saved = %d", len(store.saved))
	}
}
