// Package chat implements the conversational RAG engine: condensed-
// context retrieval, bounded conversation memory, and streamed answers.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

// historyLimit is how many stored turns a notebook switch loads back.
const historyLimit = 50

// Retriever is the slice of the retrieval package the engine needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, error)
	Strategy() string
}

// RoutedRetriever adds per-query strategy selection.
type RoutedRetriever interface {
	Retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, string, error)
}

// LLM is the slice of the completion client the engine needs.
type LLM interface {
	Model() string
	CompleteText(ctx context.Context, system, prompt string) (string, error)
	StreamComplete(ctx context.Context, req llm.Request) (*llm.Stream, error)
}

// ConversationStore persists exchanges. Nil disables persistence.
type ConversationStore interface {
	SaveConversationMessages(ctx context.Context, msgs []models.ConversationMessage) error
	RecentMessages(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error)
}

// Metadata describes how an answer was produced.
type Metadata struct {
	ExecutionTimeMs   int64  `json:"execution_time_ms"`
	Model             string `json:"model"`
	RetrievalStrategy string `json:"retrieval_strategy"`
	NodeCount         int    `json:"node_count"`
}

// Answer is a finished chat response.
type Answer struct {
	Response string              `json:"response"`
	Sources  []models.ScoredChunk `json:"sources,omitempty"`
	Metadata Metadata            `json:"metadata"`
}

// Stream is a single-pass answer stream. Tokens closes at end of answer;
// Err then yields the terminal error if any; Done carries the finished
// Answer on clean completion. Sources are available immediately.
type Stream struct {
	Tokens  <-chan string
	Err     <-chan error
	Done    <-chan *Answer
	Sources []models.ScoredChunk
}

// Deps wires the engine's collaborators.
type Deps struct {
	Retriever Retriever
	Router    RoutedRetriever
	LLM       LLM
	Store     ConversationStore
}

// Engine answers questions over one notebook's chunks with conversation
// memory. One engine serves one session; the session layer serializes
// calls.
type Engine struct {
	cfg    config.ChatConfig
	deps   Deps
	llm    LLM
	logger *zap.Logger

	mu         sync.Mutex
	notebookID string
	userID     string
	memory     *Memory
	unsaved    []models.ConversationMessage
}

// NewEngine builds an engine for a notebook, loading recent history when
// a conversation store is configured.
func NewEngine(ctx context.Context, cfg config.ChatConfig, deps Deps, notebookID, userID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:        cfg,
		deps:       deps,
		llm:        deps.LLM,
		logger:     logger,
		notebookID: notebookID,
		userID:     userID,
		memory:     NewMemory(cfg.MemoryTokenLimit),
	}
	e.loadHistory(ctx)
	return e
}

func (e *Engine) loadHistory(ctx context.Context) {
	if e.deps.Store == nil {
		return
	}
	msgs, err := e.deps.Store.RecentMessages(ctx, e.notebookID, e.userID, historyLimit)
	if err != nil {
		e.logger.Warn("failed to load conversation history",
			zap.String("notebook_id", e.notebookID), zap.Error(err))
		return
	}
	e.memory.Reset(msgs)
}

// NotebookID returns the notebook this engine currently serves.
func (e *Engine) NotebookID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notebookID
}

// Memory exposes the buffer, mainly for rebuilds and tests.
func (e *Engine) Memory() *Memory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.memory
}

// SwitchNotebook flushes unsaved turns to the conversation store and
// loads the target notebook's recent history into a fresh buffer.
func (e *Engine) SwitchNotebook(ctx context.Context, notebookID string) error {
	e.mu.Lock()
	if notebookID == e.notebookID {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.Flush(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.notebookID = notebookID
	e.memory = NewMemory(e.cfg.MemoryTokenLimit)
	e.mu.Unlock()

	e.loadHistory(ctx)
	return nil
}

// Flush persists any turns that have not reached the store yet.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	pending := e.unsaved
	e.unsaved = nil
	e.mu.Unlock()

	if len(pending) == 0 || e.deps.Store == nil {
		return nil
	}
	if err := e.deps.Store.SaveConversationMessages(ctx, pending); err != nil {
		e.mu.Lock()
		e.unsaved = append(pending, e.unsaved...)
		e.mu.Unlock()
		return fmt.Errorf("failed to flush conversation memory: %w", err)
	}
	return nil
}

// Rebuild returns a new engine sharing the same configuration with the
// buffer copied verbatim. Used when the retrieval filter changes.
func (e *Engine) Rebuild() *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := &Engine{
		cfg:        e.cfg,
		deps:       e.deps,
		llm:        e.llm,
		logger:     e.logger,
		notebookID: e.notebookID,
		userID:     e.userID,
		memory:     e.memory.Clone(),
	}
	clone.unsaved = append(clone.unsaved, e.unsaved...)
	return clone
}

const contextSystemPrompt = `You are a helpful assistant that answers questions using the provided context from the user's documents. If the context does not contain the answer, say that the documents do not cover it instead of guessing.

Context information:
---------------------
%s
---------------------`

const simpleSystemPrompt = "You are a helpful assistant. Answer conversationally, using the chat history for context."

// StreamQuery answers a message with retrieval and memory, streaming
// tokens as they arrive. Cancel ctx to stop generation.
func (e *Engine) StreamQuery(ctx context.Context, message string) (*Stream, error) {
	start := time.Now()

	e.mu.Lock()
	notebookID := e.notebookID
	history := e.memory.Messages()
	e.mu.Unlock()

	// Condense follow-ups into a standalone retrieval query.
	standalone := message
	if e.cfg.CondenseEnabled && looksLikeFollowUp(message, len(history)) {
		standalone = e.condense(ctx, history, message)
	}

	filter := vectordb.Filter{"notebook_id": notebookID}
	sources, strategy, err := e.retrieve(ctx, standalone, filter)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		System:   simpleSystemPrompt,
		Messages: toLLMMessages(history, message),
	}
	if len(sources) > 0 {
		req.System = fmt.Sprintf(contextSystemPrompt, joinSources(sources))
	}

	upstream, err := e.llm.StreamComplete(ctx, req)
	if err != nil {
		return nil, err
	}

	tokens := make(chan string)
	errCh := make(chan error, 1)
	done := make(chan *Answer, 1)

	go func() {
		defer close(tokens)
		defer close(errCh)
		defer close(done)

		var b strings.Builder
		for tok := range upstream.Tokens {
			b.WriteString(tok)
			select {
			case tokens <- tok:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := <-upstream.Err; err != nil {
			errCh <- err
			return
		}

		answer := &Answer{
			Response: b.String(),
			Sources:  sources,
			Metadata: Metadata{
				ExecutionTimeMs:   time.Since(start).Milliseconds(),
				Model:             e.llm.Model(),
				RetrievalStrategy: strategy,
				NodeCount:         len(sources),
			},
		}
		e.rememberExchange(message, answer.Response)
		done <- answer
	}()

	return &Stream{Tokens: tokens, Err: errCh, Done: done, Sources: sources}, nil
}

// Query is the synchronous form of StreamQuery.
func (e *Engine) Query(ctx context.Context, message string) (*Answer, error) {
	stream, err := e.StreamQuery(ctx, message)
	if err != nil {
		return nil, err
	}
	for range stream.Tokens {
	}
	if err := <-stream.Err; err != nil {
		return nil, err
	}
	answer := <-stream.Done
	if answer == nil {
		return nil, fmt.Errorf("stream ended without an answer")
	}
	return answer, nil
}

func (e *Engine) retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, string, error) {
	if e.deps.Router != nil {
		return e.deps.Router.Retrieve(ctx, query, filter)
	}
	if e.deps.Retriever == nil {
		return nil, "none", nil
	}
	chunks, err := e.deps.Retriever.Retrieve(ctx, query, filter)
	return chunks, e.deps.Retriever.Strategy(), err
}

// rememberExchange buffers the finished turn pair and persists it; turns
// that fail to persist stay queued for the next flush.
func (e *Engine) rememberExchange(userText, assistantText string) {
	e.mu.Lock()
	pair := []models.ConversationMessage{
		{NotebookID: e.notebookID, UserID: e.userID, Role: "user", Content: userText},
		{NotebookID: e.notebookID, UserID: e.userID, Role: "assistant", Content: assistantText},
	}
	e.memory.Put(pair[0])
	e.memory.Put(pair[1])
	store := e.deps.Store
	if store == nil {
		e.unsaved = append(e.unsaved, pair...)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.SaveConversationMessages(ctx, pair); err != nil {
		e.logger.Warn("failed to persist exchange, queueing for flush", zap.Error(err))
		e.mu.Lock()
		e.unsaved = append(e.unsaved, pair...)
		e.mu.Unlock()
	}
}

func toLLMMessages(history []models.ConversationMessage, current string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, turn := range history {
		msgs = append(msgs, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: current})
}

func joinSources(sources []models.ScoredChunk) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = s.Text
	}
	return strings.Join(parts, "\n\n")
}
