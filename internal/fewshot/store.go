// Package fewshot stores curated (question, SQL) pairs and retrieves the
// ones most similar to an incoming question. Retrieval is hybrid: postgres
// full-text rank and vector cosine combined in one query, optionally
// re-ordered by the cross-encoder.
package fewshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/reranker"
)

// Lexical and vector weights for the hybrid score. Vector similarity
// dominates; keyword rank mostly breaks ties between near-duplicates.
const (
	lexWeight = 0.3
	vecWeight = 0.7
)

// Embedder is the slice of the embedding service the store needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Store reads and writes the nl_sql_examples table. It shares the vector
// store's database handle; the fewshot migrations run alongside the
// vector ones.
type Store struct {
	db       *sqlx.DB
	embedder Embedder
	timeout  time.Duration
	logger   *zap.Logger
}

// NewStore builds a few-shot store over an existing database handle.
func NewStore(db *sqlx.DB, embedder Embedder, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, embedder: embedder, timeout: 10 * time.Second, logger: logger}
}

func validComplexity(c string) bool {
	switch c {
	case "", models.ComplexityBasic, models.ComplexityJoins, models.ComplexityAggregation,
		models.ComplexitySubqueries, models.ComplexityWindow:
		return true
	}
	return false
}

// Add inserts one example, embedding the question if no vector was
// supplied. Questions already present (by md5 of the exact text) are
// skipped; the bool reports whether a row landed.
func (s *Store) Add(ctx context.Context, ex *models.FewShotExample) (bool, error) {
	if strings.TrimSpace(ex.Question) == "" {
		return false, apperr.New(apperr.Validation, "example question must not be empty")
	}
	if strings.TrimSpace(ex.SQL) == "" {
		return false, apperr.New(apperr.Validation, "example sql must not be empty")
	}
	if !validComplexity(ex.Complexity) {
		return false, apperr.New(apperr.Validation, "invalid complexity %q", ex.Complexity)
	}

	if len(ex.Embedding) == 0 {
		vec, err := s.embedder.GenerateEmbedding(ctx, ex.Question, "")
		if err != nil {
			return false, fmt.Errorf("embed example question: %w", err)
		}
		ex.Embedding = vec
	}
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO nl_sql_examples (id, natural_question, sql_query, sql_context, complexity, domain, embedding)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7::vector)
        ON CONFLICT (md5(natural_question)) DO NOTHING
    `, ex.ID, ex.Question, ex.SQL, ex.SQLContext, ex.Complexity, ex.Domain, pgvector.NewVector(ex.Embedding))
	if err != nil {
		return false, fmt.Errorf("insert example: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the number of stored examples.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nl_sql_examples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count examples: %w", err)
	}
	return n, nil
}

// SearchOptions tune one retrieval call. Zero values mean: 3 results, no
// domain or complexity filter, candidate pool of 3*TopK.
type SearchOptions struct {
	TopK       int
	Domain     string
	Complexity string
	// RerankTopK is the candidate pool handed to the reranker. Ignored
	// when reranking is off.
	RerankTopK int
}

// Search returns the examples most similar to query, hybrid-scored and
// optionally reranked. An empty table short-circuits to nil. Hybrid
// failures fall back to pure vector search before giving up.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]models.FewShotExample, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.Validation, "query must not be empty")
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.RerankTopK <= 0 {
		opts.RerankTopK = opts.TopK * 3
	}
	if opts.RerankTopK < opts.TopK {
		opts.RerankTopK = opts.TopK
	}

	empty, err := s.isEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}

	queryVec, err := s.embedder.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := s.hybridSearch(ctx, query, queryVec, opts)
	if err != nil {
		s.logger.Warn("hybrid example search failed, falling back to vector-only", zap.Error(err))
		candidates, err = s.vectorSearch(ctx, queryVec, opts)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	candidates = s.rerank(ctx, query, candidates, opts.TopK)
	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	return candidates, nil
}

func (s *Store) isEmpty(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM nl_sql_examples)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("probe examples table: %w", err)
	}
	return !exists, nil
}

const exampleColumns = `
    id, natural_question, sql_query,
    COALESCE(sql_context, ''), COALESCE(complexity, ''), COALESCE(domain, '')`

// hybridSearch combines full-text rank over the generated tsvector with
// vector cosine in a single scored query. Domain-filtered searches also
// accept 'general' examples so thin domains still get coverage.
func (s *Store) hybridSearch(ctx context.Context, query string, queryVec []float32, opts SearchOptions) ([]models.FewShotExample, error) {
	args := []interface{}{pgvector.NewVector(queryVec), query}
	conds := []string{"embedding IS NOT NULL"}

	if opts.Domain != "" {
		args = append(args, opts.Domain)
		conds = append(conds, fmt.Sprintf("(domain = $%d OR domain = 'general' OR domain IS NULL)", len(args)))
	}
	if opts.Complexity != "" {
		args = append(args, opts.Complexity)
		conds = append(conds, fmt.Sprintf("complexity = $%d", len(args)))
	}

	q := fmt.Sprintf(`
        SELECT %s,
               %.2f * ts_rank(question_tsv, plainto_tsquery('english', $2)) +
               %.2f * (1 - (embedding <=> $1::vector)) AS score
        FROM nl_sql_examples
        WHERE %s
        ORDER BY score DESC
        LIMIT %d
    `, exampleColumns, lexWeight, vecWeight, strings.Join(conds, " AND "), opts.RerankTopK)

	return s.scanExamples(ctx, q, args...)
}

// vectorSearch is the fallback path: cosine similarity only, same
// filters.
func (s *Store) vectorSearch(ctx context.Context, queryVec []float32, opts SearchOptions) ([]models.FewShotExample, error) {
	args := []interface{}{pgvector.NewVector(queryVec)}
	conds := []string{"embedding IS NOT NULL"}

	if opts.Domain != "" {
		args = append(args, opts.Domain)
		conds = append(conds, fmt.Sprintf("(domain = $%d OR domain = 'general' OR domain IS NULL)", len(args)))
	}
	if opts.Complexity != "" {
		args = append(args, opts.Complexity)
		conds = append(conds, fmt.Sprintf("complexity = $%d", len(args)))
	}

	q := fmt.Sprintf(`
        SELECT %s,
               1 - (embedding <=> $1::vector) AS score
        FROM nl_sql_examples
        WHERE %s
        ORDER BY embedding <=> $1::vector ASC
        LIMIT %d
    `, exampleColumns, strings.Join(conds, " AND "), opts.RerankTopK)

	return s.scanExamples(ctx, q, args...)
}

func (s *Store) scanExamples(ctx context.Context, query string, args ...interface{}) ([]models.FewShotExample, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search examples: %w", err)
	}
	defer rows.Close()

	var out []models.FewShotExample
	for rows.Next() {
		var ex models.FewShotExample
		if err := rows.Scan(&ex.ID, &ex.Question, &ex.SQL, &ex.SQLContext, &ex.Complexity, &ex.Domain, &ex.Similarity); err != nil {
			return nil, fmt.Errorf("scan example: %w", err)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// rerank reorders candidates through the cross-encoder when one is
// enabled. Any failure keeps the hybrid order.
func (s *Store) rerank(ctx context.Context, query string, candidates []models.FewShotExample, topK int) []models.FewShotExample {
	p := reranker.Get()
	if p == nil || !p.Enabled() || len(candidates) <= 1 {
		return candidates
	}
	scorer, err := p.Scorer("", topK)
	if err != nil {
		return candidates
	}

	docs := make([]string, len(candidates))
	for i, ex := range candidates {
		docs[i] = ex.Question
	}
	results, err := scorer.Rerank(ctx, query, docs)
	if err != nil {
		s.logger.Warn("example rerank failed, keeping hybrid order", zap.Error(err))
		return candidates
	}

	out := make([]models.FewShotExample, 0, len(results))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		ex := candidates[res.Index]
		ex.Similarity = res.Score
		out = append(out, ex)
	}
	if len(out) == 0 {
		return candidates
	}
	return out
}
