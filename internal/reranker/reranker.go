// Package reranker scores (query, document) pairs through a hosted
// cross-encoder. One provider instance exists per process; the underlying
// model endpoint is stateful enough (batching, GPU queue) that every
// scoring call is serialized through a single lock.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
)

// Config mirrors the reranker block of the service config.
type Config struct {
	Enabled bool
	Model   string
	BaseURL string
	TopN    int
	Timeout time.Duration
}

const defaultModel = "BAAI/bge-reranker-v2-m3"

// modelAliases maps the short names accepted in config to full model IDs.
// Anything with a path separator is passed through untouched.
var modelAliases = map[string]string{
	"bge-reranker":       "BAAI/bge-reranker-v2-m3",
	"bge-reranker-base":  "BAAI/bge-reranker-base",
	"bge-reranker-large": "BAAI/bge-reranker-large",
	"minilm":             "cross-encoder/ms-marco-MiniLM-L-6-v2",
}

// Provider holds the process-wide reranker state.
type Provider struct {
	mu      sync.Mutex
	enabled bool
	modelID string
	topN    int
	loaded  bool // false until first Scorer call, and after a model change

	baseURL string
	hw      *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

var (
	instance *Provider
	initMu   sync.Mutex
)

// Initialize builds the process singleton. Later calls replace it, which
// the config hot-reload path uses.
func Initialize(cfg Config, logger *zap.Logger) *Provider {
	initMu.Lock()
	defer initMu.Unlock()

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TopN == 0 {
		cfg.TopN = 5
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8787"
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	instance = &Provider{
		enabled: cfg.Enabled,
		modelID: ResolveModel(cfg.Model),
		topN:    cfg.TopN,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		hw:      circuitbreaker.NewHTTPWrapper(httpClient, "reranker", "reranker", logger),
		logger:  logger,
	}
	return instance
}

// Get returns the singleton, or nil before Initialize.
func Get() *Provider {
	initMu.Lock()
	defer initMu.Unlock()
	return instance
}

// ResolveModel expands a config alias to a full model ID. Full IDs and
// local paths pass through unchanged.
func ResolveModel(model string) string {
	if model == "" {
		return defaultModel
	}
	if full, ok := modelAliases[strings.ToLower(model)]; ok {
		return full
	}
	return model
}

// Enabled reports whether reranking is switched on.
func (p *Provider) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// TopN returns the configured result cap.
func (p *Provider) TopN() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topN
}

// Scorer returns a scorer bound to the requested model, marking it loaded
// on first use or when the model differs from the current one. Empty model
// keeps the configured one; topN <= 0 keeps the configured cap.
func (p *Provider) Scorer(model string, topN int) (*Scorer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return nil, apperr.New(apperr.Configuration, "reranker is disabled")
	}

	if model != "" {
		resolved := ResolveModel(model)
		if resolved != p.modelID {
			p.modelID = resolved
			p.loaded = false
		}
	}
	n := p.topN
	if topN > 0 {
		n = topN
	}

	if !p.loaded {
		p.loaded = true
		p.logger.Info("reranker model loaded",
			zap.String("model", p.modelID))
	}
	return &Scorer{provider: p, modelID: p.modelID, topN: n}, nil
}

// Set reconfigures the provider at runtime. Nil fields keep their current
// value. A model change drops the loaded state; the next Scorer call
// reloads.
func (p *Provider) Set(model *string, enabled *bool, topN *int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if model != nil {
		resolved := ResolveModel(*model)
		if resolved != p.modelID {
			p.modelID = resolved
			p.loaded = false
		}
	}
	if enabled != nil {
		p.enabled = *enabled
	}
	if topN != nil && *topN > 0 {
		p.topN = *topN
	}
}

// Model returns the currently resolved model ID.
func (p *Provider) Model() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelID
}

// Loaded reports whether a scorer has been handed out for the current
// model.
func (p *Provider) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Scorer scores documents against a query, bound to one model and result
// cap. All calls funnel through the provider lock; callers may share one
// Scorer across goroutines.
type Scorer struct {
	provider *Provider
	modelID  string
	topN     int
}

// Result is one reranked document.
type Result struct {
	Index int
	Score float64
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one relevance score per document, aligned with the input
// order.
func (s *Scorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	results, err := s.call(ctx, query, docs, len(docs))
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(docs))
	for _, r := range results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.Score
		}
	}
	return scores, nil
}

// Rerank returns documents ordered by relevance, capped at the scorer's
// top-N.
func (s *Scorer) Rerank(ctx context.Context, query string, docs []string) ([]Result, error) {
	results, err := s.call(ctx, query, docs, s.topN)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if s.topN > 0 && len(results) > s.topN {
		results = results[:s.topN]
	}
	return results, nil
}

func (s *Scorer) call(ctx context.Context, query string, docs []string, topN int) ([]Result, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	p := s.provider
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	results, err := p.rerankLocked(ctx, s.modelID, query, docs, topN)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		pmetrics.RecordRerankerMetrics(s.modelID, "error", elapsed)
		return nil, err
	}
	pmetrics.RecordRerankerMetrics(s.modelID, "ok", elapsed)
	return results, nil
}

func (p *Provider) rerankLocked(ctx context.Context, model, query string, docs []string, topN int) ([]Result, error) {
	buf, err := json.Marshal(rerankRequest{
		Model:     model,
		Query:     query,
		Documents: docs,
		TopN:      topN,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rerank", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.hw.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "reranker request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.New(apperr.ExternalService, "reranker returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "reranker response decode failed")
	}

	results := make([]Result, 0, len(out.Results))
	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(docs) {
			continue
		}
		results = append(results, Result{Index: r.Index, Score: r.RelevanceScore})
	}
	return results, nil
}
