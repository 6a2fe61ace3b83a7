package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/inkwell-ai/inkwell/internal/circuitbreaker"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/tracing"
)

// Service provides embedding generation with caching
type Service struct {
	cfg   Config
	http  *circuitbreaker.HTTPWrapper
	cache EmbeddingCache
	lru   *LocalLRU
}

// Global singleton for simple wiring
var globalSvc *Service

func Initialize(cfg Config, cache EmbeddingCache) {
	c := cfg
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL(c.Provider)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	// Set default chunking config only if enabled but incomplete
	if c.Chunking.Enabled && c.Chunking.MaxTokens == 0 {
		c.Chunking = DefaultChunkingConfig()
	}

	httpClient := &http.Client{Timeout: c.Timeout}
	wrapper := circuitbreaker.NewHTTPWrapper(httpClient, "embeddings", c.Provider, nil)
	globalSvc = &Service{cfg: c, http: wrapper, cache: cache, lru: NewLocalLRU(c.MaxLRU)}
}

func Get() *Service { return globalSvc }

// GetConfig returns the current configuration
func (s *Service) GetConfig() Config {
	if s == nil {
		return Config{
			Provider:     "openai",
			DefaultModel: "text-embedding-3-small",
			Chunking:     DefaultChunkingConfig(),
		}
	}
	return s.cfg
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "ollama":
		return "http://localhost:11434"
	case "openai":
		return "https://api.openai.com"
	default:
		return "http://localhost:8000"
	}
}

// GenerateEmbedding returns the vector for a single text using the configured provider
func (s *Service) GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}
	key := MakeKey(m, text)

	// LRU first
	if v, ok := s.lru.Get(ctx, key); ok {
		pmetrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
		return v, nil
	}
	// Redis next
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			pmetrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
			return v, nil
		}
	}

	vecs, err := s.requestEmbeddings(ctx, []string{text}, m)
	if err != nil {
		return nil, err
	}
	out := vecs[0]

	s.lru.Set(ctx, key, out, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
	}
	return out, nil
}

// GenerateBatchEmbeddings generates embeddings for multiple texts in a single request
// This is more efficient than calling GenerateEmbedding multiple times
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	m := model
	if m == "" {
		m = s.cfg.DefaultModel
	}

	// Check cache for each text
	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(m, text)

		if v, ok := s.lru.Get(ctx, key); ok {
			results[i] = v
			pmetrics.RecordEmbeddingMetrics(m, "lru_hit", 0)
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				results[i] = v
				s.lru.Set(ctx, key, v, 30*time.Minute)
				pmetrics.RecordEmbeddingMetrics(m, "cache_hit", 0)
				continue
			}
		}

		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	// If all texts were cached, return early
	if len(uncachedTexts) == 0 {
		return results, nil
	}

	vecs, err := s.requestEmbeddings(ctx, uncachedTexts, m)
	if err != nil {
		return nil, err
	}

	for i, out := range vecs {
		idx := uncachedIndices[i]
		results[idx] = out

		key := MakeKey(m, uncachedTexts[i])
		s.lru.Set(ctx, key, out, 30*time.Minute)
		if s.cache != nil {
			s.cache.Set(ctx, key, out, s.cfg.CacheTTL)
		}
	}

	return results, nil
}

// requestEmbeddings performs one provider call for a batch of texts and
// returns vectors in input order.
func (s *Service) requestEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	start := time.Now()

	url, body, err := s.encodeRequest(texts, model)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		pmetrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		pmetrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(msg))
	}

	vecs, err := s.decodeResponse(resp.Body)
	if err != nil {
		pmetrics.RecordEmbeddingMetrics(model, "error", time.Since(start).Seconds())
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts", len(vecs), len(texts))
	}

	status := "ok"
	if len(texts) > 1 {
		status = "batch_ok"
	}
	pmetrics.RecordEmbeddingMetrics(model, status, time.Since(start).Seconds())
	return vecs, nil
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type serviceEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type serviceEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

func (s *Service) encodeRequest(texts []string, model string) (string, []byte, error) {
	switch s.cfg.Provider {
	case "ollama":
		body, err := json.Marshal(ollamaEmbedRequest{Model: model, Input: texts})
		return s.cfg.BaseURL + "/api/embed", body, err
	case "service":
		body, err := json.Marshal(serviceEmbedRequest{Texts: texts, Model: model})
		return s.cfg.BaseURL + "/embeddings/", body, err
	default: // openai-compatible
		body, err := json.Marshal(openAIEmbedRequest{Model: model, Input: texts})
		return s.cfg.BaseURL + "/v1/embeddings", body, err
	}
}

func (s *Service) decodeResponse(r io.Reader) ([][]float32, error) {
	switch s.cfg.Provider {
	case "ollama":
		var er ollamaEmbedResponse
		if err := json.NewDecoder(r).Decode(&er); err != nil {
			return nil, err
		}
		return toFloat32(er.Embeddings), nil
	case "service":
		var er serviceEmbedResponse
		if err := json.NewDecoder(r).Decode(&er); err != nil {
			return nil, err
		}
		return toFloat32(er.Embeddings), nil
	default:
		var er openAIEmbedResponse
		if err := json.NewDecoder(r).Decode(&er); err != nil {
			return nil, err
		}
		// The API is allowed to reorder entries; Index restores input order.
		sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
		out := make([][]float64, len(er.Data))
		for i, d := range er.Data {
			out[i] = d.Embedding
		}
		return toFloat32(out), nil
	}
}

func toFloat32(in [][]float64) [][]float32 {
	out := make([][]float32, len(in))
	for i, vec := range in {
		v := make([]float32, len(vec))
		for j, f := range vec {
			v[j] = float32(f)
		}
		out[i] = v
	}
	return out
}
