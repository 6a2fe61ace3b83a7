package llm

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/pricing"
)

// Config controls the completion client.
type Config struct {
	// Provider selects a registered backend ("openai", "ollama"); any
	// OpenAI-compatible endpoint works through "openai" with a BaseURL.
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64

	// RequestsPerMinute paces outbound calls client-side; zero disables.
	RequestsPerMinute int
}

// Message is one prompt turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Model, MaxTokens and Temperature
// override the client defaults when set.
type Request struct {
	System      string
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature *float64
	// JSONMode asks the provider for a JSON-only response where supported.
	JSONMode bool
}

// Response is a finished completion.
type Response struct {
	Content      string
	FinishReason string
	Usage        models.TokenUsage
}

// Stream is a single-pass token stream. Tokens closes at end-of-stream;
// afterwards Err yields the terminal error (if any) and Usage the final
// accounting when the provider reports it.
type Stream struct {
	Tokens <-chan string
	Err    <-chan error
	Usage  <-chan models.TokenUsage
}

// Provider is one completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	StreamComplete(ctx context.Context, req Request) (*Stream, error)
}

// Factory builds a provider from config plus a breaker-wrapped HTTP client.
type Factory func(cfg Config, hw *circuitbreaker.HTTPWrapper) Provider

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a provider factory under a name. Called from provider
// init() functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Providers lists registered backend names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client wraps a provider with client-side pacing, metrics and cost
// accounting. All pipeline LLM calls go through one Client.
type Client struct {
	cfg      Config
	provider Provider
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient builds a client for the configured provider.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	if cfg.Model == "" {
		return nil, apperr.New(apperr.Configuration, "llm model is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registryMu.RLock()
	factory, ok := registry[cfg.Provider]
	registryMu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.Configuration, "unknown llm provider %q (registered: %s)",
			cfg.Provider, strings.Join(Providers(), ", "))
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	hw := circuitbreaker.NewHTTPWrapper(httpClient, "llm", cfg.Provider, logger)

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		perSecond := float64(cfg.RequestsPerMinute) / 60.0
		limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.RequestsPerMinute)
	}

	return &Client{
		cfg:      cfg,
		provider: factory(cfg, hw),
		limiter:  limiter,
		logger:   logger,
	}, nil
}

// Model returns the default model name.
func (c *Client) Model() string { return c.cfg.Model }

// Complete runs one completion, blocking on the pacing limiter first.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	model := c.effectiveModel(req)

	start := time.Now()
	resp, err := c.provider.Complete(ctx, req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		pmetrics.RecordLLMMetrics(c.cfg.Provider, model, "error", elapsed, 0, 0)
		return nil, err
	}

	c.account(&resp.Usage, model)
	pmetrics.RecordLLMMetrics(c.cfg.Provider, model, "ok", elapsed, resp.Usage.TotalTokens, resp.Usage.CostUSD)
	return resp, nil
}

// StreamComplete starts a streaming completion. Usage is accounted when
// the provider reports it on the Usage channel.
func (c *Client) StreamComplete(ctx context.Context, req Request) (*Stream, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	model := c.effectiveModel(req)

	start := time.Now()
	inner, err := c.provider.StreamComplete(ctx, req)
	if err != nil {
		pmetrics.RecordLLMMetrics(c.cfg.Provider, model, "error", time.Since(start).Seconds(), 0, 0)
		return nil, err
	}

	usageOut := make(chan models.TokenUsage, 1)
	go func() {
		defer close(usageOut)
		for u := range inner.Usage {
			c.account(&u, model)
			pmetrics.RecordLLMMetrics(c.cfg.Provider, model, "stream_ok", time.Since(start).Seconds(), u.TotalTokens, u.CostUSD)
			usageOut <- u
		}
	}()

	return &Stream{Tokens: inner.Tokens, Err: inner.Err, Usage: usageOut}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.RateLimit, err, "llm pacing wait canceled")
	}
	return nil
}

func (c *Client) effectiveModel(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.cfg.Model
}

func (c *Client) account(u *models.TokenUsage, model string) {
	if u.Model == "" {
		u.Model = model
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.CostUSD == 0 && u.TotalTokens > 0 {
		u.CostUSD = pricing.CostForSplit(u.Model, u.PromptTokens, u.CompletionTokens)
	}
}

// CompleteText is a convenience wrapper for single-prompt calls that only
// need the response text.
func (c *Client) CompleteText(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.Complete(ctx, Request{
		System:   system,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
