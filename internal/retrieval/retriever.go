// Package retrieval implements hybrid lexical+vector retrieval over the
// chunk store, with an optional cross-encoder rerank stage and a router
// that picks a strategy per query.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/reranker"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

// Retrieval strategies.
const (
	StrategyHybrid  = "hybrid"
	StrategyVector  = "vector"
	StrategyKeyword = "keyword"
	StrategyRouter  = "router"
)

// ChunkStore is the slice of the vector store the retriever needs.
type ChunkStore interface {
	CountBy(ctx context.Context, filter vectordb.Filter) (int, error)
	LoadAllBy(ctx context.Context, filter vectordb.Filter) ([]models.Chunk, error)
	Query(ctx context.Context, filter vectordb.Filter, k int, embedding []float32) ([]models.ScoredChunk, error)
}

// Embedder produces query embeddings.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Retriever runs filtered retrieval against the chunk store. The metadata
// filter is compiled into the store queries, so ranking only ever sees
// chunks the caller is allowed to read.
type Retriever struct {
	cfg    config.RetrievalConfig
	store  ChunkStore
	embed  Embedder
	logger *zap.Logger
}

// New builds a retriever, filling config defaults.
func New(cfg config.RetrievalConfig, store ChunkStore, embed Embedder, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 6
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 2
	}
	if cfg.LexicalWeight == 0 && cfg.VectorWeight == 0 {
		cfg.LexicalWeight = 0.5
		cfg.VectorWeight = 0.5
	}
	if cfg.RerankThreshold <= 0 {
		cfg.RerankThreshold = 10
	}
	return &Retriever{cfg: cfg, store: store, embed: embed, logger: logger}
}

// TopK returns the configured final result count.
func (r *Retriever) TopK() int { return r.cfg.TopK }

// Strategy returns the configured strategy name.
func (r *Retriever) Strategy() string { return r.cfg.Strategy }

// Retrieve returns up to TopK chunks for the query under the filter.
func (r *Retriever) Retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, error) {
	start := time.Now()

	count, err := r.store.CountBy(ctx, filter)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}

	var out []models.ScoredChunk
	switch {
	case r.cfg.Strategy == StrategyKeyword:
		out, err = r.keywordSearch(ctx, query, filter, r.cfg.TopK)
	case r.cfg.Strategy == StrategyVector || count <= r.cfg.RerankThreshold:
		out, err = r.vectorSearch(ctx, query, filter, r.cfg.TopK)
	default:
		out, err = r.hybridSearch(ctx, query, filter)
	}
	if err != nil {
		return nil, err
	}

	out = r.applyMinScore(out)
	if len(out) > r.cfg.TopK {
		out = out[:r.cfg.TopK]
	}

	r.logger.Debug("retrieval finished",
		zap.String("strategy", r.cfg.Strategy),
		zap.Int("candidates", count),
		zap.Int("results", len(out)),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}

func (r *Retriever) vectorSearch(ctx context.Context, query string, filter vectordb.Filter, k int) ([]models.ScoredChunk, error) {
	emb, err := r.embed.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, err
	}
	return r.store.Query(ctx, filter, k, emb)
}

func (r *Retriever) keywordSearch(ctx context.Context, query string, filter vectordb.Filter, k int) ([]models.ScoredChunk, error) {
	nodes, err := r.store.LoadAllBy(ctx, filter)
	if err != nil {
		return nil, err
	}
	return newBM25Index(nodes).search(query, k), nil
}

// hybridSearch runs the lexical and vector legs in parallel, fuses them
// with relative-score weighting, and reranks when a cross-encoder is
// configured.
func (r *Retriever) hybridSearch(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, error) {
	emb, err := r.embed.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, err
	}

	candidateK := r.cfg.TopK * r.cfg.CandidateMultiplier

	var lex, vec []models.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		nodes, err := r.store.LoadAllBy(gctx, filter)
		if err != nil {
			return err
		}
		lex = newBM25Index(nodes).search(query, candidateK)
		return nil
	})
	g.Go(func() error {
		res, err := r.store.Query(gctx, filter, candidateK, emb)
		if err != nil {
			return err
		}
		vec = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := fuse(
		[][]models.ScoredChunk{lex, vec},
		[]float64{r.cfg.LexicalWeight, r.cfg.VectorWeight},
	)
	return r.rerankStage(ctx, query, fused), nil
}

// fuse normalizes each leg's scores to [0,1] relative to that leg's own
// range, weights them, and deduplicates by chunk id keeping the maximum
// weighted score. Ties keep first-seen order.
func fuse(legs [][]models.ScoredChunk, weights []float64) []models.ScoredChunk {
	type entry struct {
		chunk models.Chunk
		score float64
	}
	byID := make(map[string]*entry)
	var ordered []*entry

	for li, leg := range legs {
		if len(leg) == 0 {
			continue
		}
		lo, hi := leg[0].Score, leg[0].Score
		for _, sc := range leg {
			if sc.Score < lo {
				lo = sc.Score
			}
			if sc.Score > hi {
				hi = sc.Score
			}
		}
		for _, sc := range leg {
			norm := 1.0
			if hi > lo {
				norm = (sc.Score - lo) / (hi - lo)
			}
			weighted := norm * weights[li]
			if e, ok := byID[sc.ChunkID]; ok {
				if weighted > e.score {
					e.score = weighted
				}
				continue
			}
			e := &entry{chunk: sc.Chunk, score: weighted}
			byID[sc.ChunkID] = e
			ordered = append(ordered, e)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	out := make([]models.ScoredChunk, len(ordered))
	for i, e := range ordered {
		out[i] = models.ScoredChunk{Chunk: e.chunk, Score: e.score}
	}
	return out
}

// rerankStage rescores fused candidates with the cross-encoder when one
// is enabled. Rerank failures fall back to the fusion order.
func (r *Retriever) rerankStage(ctx context.Context, query string, chunks []models.ScoredChunk) []models.ScoredChunk {
	p := reranker.Get()
	if p == nil || !p.Enabled() || len(chunks) == 0 {
		return chunks
	}
	scorer, err := p.Scorer("", r.cfg.TopK)
	if err != nil {
		r.logger.Warn("reranker unavailable, keeping fusion order", zap.Error(err))
		return chunks
	}

	docs := make([]string, len(chunks))
	for i, c := range chunks {
		docs[i] = c.Text
	}
	results, err := scorer.Rerank(ctx, query, docs)
	if err != nil {
		r.logger.Warn("rerank failed, keeping fusion order", zap.Error(err))
		return chunks
	}

	out := make([]models.ScoredChunk, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(chunks) {
			continue
		}
		sc := chunks[res.Index]
		sc.Score = res.Score
		out = append(out, sc)
	}
	return out
}

func (r *Retriever) applyMinScore(chunks []models.ScoredChunk) []models.ScoredChunk {
	if r.cfg.MinScore <= 0 {
		return chunks
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c.Score >= r.cfg.MinScore {
			out = append(out, c)
		}
	}
	return out
}
