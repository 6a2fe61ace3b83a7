package notebook

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/chat"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// defaultMaxSources caps the sources returned with an answer.
const defaultMaxSources = 6

// QueryRequest is one RAG question against a notebook.
type QueryRequest struct {
	NotebookID string `json:"notebook_id"`
	Query      string `json:"query"`
	Mode       string `json:"mode,omitempty"`
	// IncludeSources defaults to true when omitted.
	IncludeSources *bool  `json:"include_sources,omitempty"`
	MaxSources     int    `json:"max_sources,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

func (q *QueryRequest) mode() string {
	if q.Mode == "" {
		return "chat"
	}
	return q.Mode
}

func (q *QueryRequest) includeSources() bool {
	return q.IncludeSources == nil || *q.IncludeSources
}

func (q *QueryRequest) maxSources() int {
	if q.MaxSources <= 0 {
		return defaultMaxSources
	}
	return q.MaxSources
}

func (q *QueryRequest) validate() error {
	if q.NotebookID == "" {
		return apperr.New(apperr.Validation, "notebook_id must not be empty")
	}
	if strings.TrimSpace(q.Query) == "" {
		return apperr.New(apperr.Validation, "query must not be empty")
	}
	return nil
}

// Query answers a question over the notebook's chunks with conversation
// memory. One engine per user (or per session_id when given) carries the
// memory; asking about a different notebook switches the engine, flushing
// unsaved turns first.
func (s *Service) Query(ctx context.Context, userID string, req QueryRequest) (*chat.Answer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	engine, err := s.engines.get(ctx, engineKey(userID, req.SessionID), req.NotebookID, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	answer, err := engine.Query(ctx, req.Query)
	metrics.RAGQueryDuration.WithLabelValues(req.mode()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RAGQueries.WithLabelValues(req.mode(), "error").Inc()
		return nil, apperr.Wrap(apperr.ExternalService, err, "answering the question failed")
	}
	metrics.RAGQueries.WithLabelValues(req.mode(), "success").Inc()

	answer.Sources = capSources(answer.Sources, req.includeSources(), req.maxSources())
	return answer, nil
}

// StreamQuery is the streaming form of Query. Sources are capped both on
// the stream and on the final answer.
func (s *Service) StreamQuery(ctx context.Context, userID string, req QueryRequest) (*chat.Stream, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	engine, err := s.engines.get(ctx, engineKey(userID, req.SessionID), req.NotebookID, userID)
	if err != nil {
		return nil, err
	}

	st, err := engine.StreamQuery(ctx, req.Query)
	if err != nil {
		metrics.RAGQueries.WithLabelValues(req.mode(), "error").Inc()
		return nil, apperr.Wrap(apperr.ExternalService, err, "answering the question failed")
	}
	metrics.RAGQueries.WithLabelValues(req.mode(), "success").Inc()

	include, max := req.includeSources(), req.maxSources()
	done := make(chan *chat.Answer, 1)
	go func() {
		defer close(done)
		if a := <-st.Done; a != nil {
			a.Sources = capSources(a.Sources, include, max)
			done <- a
		}
	}()
	return &chat.Stream{
		Tokens:  st.Tokens,
		Err:     st.Err,
		Done:    done,
		Sources: capSources(st.Sources, include, max),
	}, nil
}

func capSources(sources []models.ScoredChunk, include bool, max int) []models.ScoredChunk {
	if !include {
		return nil
	}
	if len(sources) > max {
		return sources[:max]
	}
	return sources
}

// engineKey scopes conversation memory: explicit session ids get their
// own engine, otherwise all of a user's queries share one.
func engineKey(userID, sessionID string) string {
	if sessionID != "" {
		return userID + ":" + sessionID
	}
	return userID
}

// engineCache holds one chat engine per key, switching notebooks in
// place so memory flushes to the conversation store before it is lost.
type engineCache struct {
	cfg    config.ChatConfig
	deps   chat.Deps
	logger *zap.Logger

	mu      sync.Mutex
	engines map[string]*chat.Engine
}

func newEngineCache(cfg config.ChatConfig, deps chat.Deps, logger *zap.Logger) *engineCache {
	return &engineCache{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		engines: make(map[string]*chat.Engine),
	}
}

func (c *engineCache) get(ctx context.Context, key, notebookID, userID string) (*chat.Engine, error) {
	c.mu.Lock()
	engine, ok := c.engines[key]
	if !ok {
		engine = chat.NewEngine(ctx, c.cfg, c.deps, notebookID, userID, c.logger)
		c.engines[key] = engine
	}
	c.mu.Unlock()

	if engine.NotebookID() != notebookID {
		if err := engine.SwitchNotebook(ctx, notebookID); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// flushAll persists every engine's unsaved turns; used on shutdown.
func (c *engineCache) flushAll(ctx context.Context) {
	c.mu.Lock()
	engines := make([]*chat.Engine, 0, len(c.engines))
	for _, e := range c.engines {
		engines = append(engines, e)
	}
	c.mu.Unlock()

	for _, e := range engines {
		if err := e.Flush(ctx); err != nil {
			c.logger.Warn("failed to flush conversation memory on shutdown", zap.Error(err))
		}
	}
}
