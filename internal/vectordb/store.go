// Package vectordb is the pgvector-backed chunk store shared by both
// pipelines. One row per chunk: text, embedding, JSONB metadata. Dedup is
// enforced in the database (unique md5(text) per notebook) so concurrent
// ingests of the same content stay idempotent.
package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/config"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/migrations"
)

// Filter selects chunks by metadata equality, one condition per key.
type Filter map[string]string

// Store is the chunk store. Safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	table   string
	dim     int
	timeout time.Duration
	ownsDB  bool
	logger  *zap.Logger
}

var (
	instance *Store
	initMu   sync.Mutex
)

var metaKeyRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Initialize opens the store and applies its migrations. An existing db
// handle may be passed in (tests, shared pools); the store then does not
// own or close it.
func Initialize(cfg config.VectorStoreConfig, db *sqlx.DB, logger *zap.Logger) (*Store, error) {
	initMu.Lock()
	defer initMu.Unlock()

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TableName == "" {
		cfg.TableName = "inkwell_chunks"
	}
	if cfg.EmbedDim == 0 {
		cfg.EmbedDim = 1536
	}
	if cfg.IndexLists == 0 {
		cfg.IndexLists = 100
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if !metaKeyRe.MatchString(cfg.TableName) {
		return nil, apperr.New(apperr.Configuration, "invalid vector table name %q", cfg.TableName)
	}

	ownsDB := false
	if db == nil {
		var err error
		db, err = sqlx.Open("postgres", cfg.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping vector store: %w", err)
		}

		ctx, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		if err := migrations.Apply(ctx, db.DB, "vector", map[string]string{
			"table": cfg.TableName,
			"dim":   fmt.Sprintf("%d", cfg.EmbedDim),
			"lists": fmt.Sprintf("%d", cfg.IndexLists),
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate vector store: %w", err)
		}
	}

	instance = &Store{
		db:      db,
		table:   cfg.TableName,
		dim:     cfg.EmbedDim,
		timeout: cfg.QueryTimeout,
		ownsDB:  ownsDB,
		logger:  logger,
	}
	logger.Info("Vector store initialized",
		zap.String("table", cfg.TableName),
		zap.Int("dim", cfg.EmbedDim))
	return instance, nil
}

// Get returns the singleton, or nil before Initialize.
func Get() *Store {
	initMu.Lock()
	defer initMu.Unlock()
	return instance
}

// DB exposes the underlying handle for stores that share the same
// database (few-shot examples).
func (s *Store) DB() *sqlx.DB { return s.db }

// Dimension returns the embedding dimension the store enforces.
func (s *Store) Dimension() int { return s.dim }

// Close releases the connection pool if the store owns it.
func (s *Store) Close() error {
	if s.ownsDB && s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Add inserts chunks, silently skipping any whose (md5(text), notebook_id)
// already exists. Returns the number actually inserted. Chunks without an
// ID are assigned one.
func (s *Store) Add(ctx context.Context, chunks []models.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	for i := range chunks {
		if err := s.validateEmbedding(chunks[i].Embedding); err != nil {
			return 0, fmt.Errorf("chunk %d: %w", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (chunk_id, text, embedding, metadata, created_at)
		VALUES ($1, $2, $3::vector, $4, $5)
		ON CONFLICT (md5(text), (metadata->>'notebook_id')) DO NOTHING
	`, s.table))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	now := time.Now()
	for i := range chunks {
		c := &chunks[i]
		if c.ChunkID == "" {
			c.ChunkID = uuid.New().String()
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return inserted, fmt.Errorf("marshal metadata for chunk %s: %w", c.ChunkID, err)
		}

		res, err := stmt.ExecContext(ctx, c.ChunkID, c.Text, pgvector.NewVector(c.Embedding), meta, now)
		if err != nil {
			return inserted, fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return inserted, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

// DeleteBy removes every chunk matching the filter. An empty filter is
// rejected; unscoped deletes are never allowed.
func (s *Store) DeleteBy(ctx context.Context, filter Filter) (int64, error) {
	where, args, err := buildFilter(filter, 1)
	if err != nil {
		return 0, err
	}
	if where == "" {
		return 0, apperr.New(apperr.Validation, "delete filter must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, s.table, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Query returns the top-k chunks matching the filter, ranked by cosine
// similarity to the query embedding. A nil embedding returns the first k
// matches in insertion order with zero scores.
func (s *Store) Query(ctx context.Context, filter Filter, k int, embedding []float32) ([]models.ScoredChunk, error) {
	if k <= 0 {
		k = 10
	}
	if embedding == nil {
		chunks, err := s.loadBy(ctx, filter, k)
		if err != nil {
			return nil, err
		}
		scored := make([]models.ScoredChunk, len(chunks))
		for i, c := range chunks {
			scored[i] = models.ScoredChunk{Chunk: c}
		}
		return scored, nil
	}
	if err := s.validateEmbedding(embedding); err != nil {
		return nil, err
	}

	where, args, err := buildFilter(filter, 2)
	if err != nil {
		return nil, err
	}
	cond := "embedding IS NOT NULL"
	if where != "" {
		cond += " AND " + where
	}

	query := fmt.Sprintf(`
		SELECT chunk_id, text, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM %s
		WHERE %s
		ORDER BY embedding <=> $1::vector ASC
		LIMIT %d
	`, s.table, cond, k)
	queryArgs := append([]interface{}{pgvector.NewVector(embedding)}, args...)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		pmetrics.RecordVectorSearchMetrics(s.table, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var (
			sc       models.ScoredChunk
			metaJSON []byte
		)
		if err := rows.Scan(&sc.ChunkID, &sc.Text, &metaJSON, &sc.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &sc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for chunk %s: %w", sc.ChunkID, err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		pmetrics.RecordVectorSearchMetrics(s.table, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("vector query rows: %w", err)
	}

	pmetrics.RecordVectorSearchMetrics(s.table, "ok", time.Since(start).Seconds())
	return out, nil
}

// LoadAllBy returns every chunk matching the filter in insertion order.
// Embeddings are not loaded; callers needing vectors should Query.
func (s *Store) LoadAllBy(ctx context.Context, filter Filter) ([]models.Chunk, error) {
	return s.loadBy(ctx, filter, 0)
}

// CountBy returns the number of chunks matching the filter.
func (s *Store) CountBy(ctx context.Context, filter Filter) (int, error) {
	where, args, err := buildFilter(filter, 1)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if where != "" {
		query += " WHERE " + where
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (s *Store) loadBy(ctx context.Context, filter Filter, limit int) ([]models.Chunk, error) {
	where, args, err := buildFilter(filter, 1)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT chunk_id, text, metadata FROM %s`, s.table)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY created_at, chunk_id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c        models.Chunk
			metaJSON []byte
		)
		if err := rows.Scan(&c.ChunkID, &c.Text, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for chunk %s: %w", c.ChunkID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return apperr.New(apperr.Validation, "embedding is empty")
	}
	if s.dim > 0 && len(embedding) != s.dim {
		return apperr.New(apperr.Validation, "embedding dimension mismatch: got %d, want %d", len(embedding), s.dim)
	}
	for _, v := range embedding {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return apperr.New(apperr.Validation, "embedding contains NaN or Inf")
		}
	}
	return nil
}

// buildFilter renders metadata equality conditions with positional args
// starting at argStart. Keys are restricted to identifier characters; the
// values are always parameterized.
func buildFilter(filter Filter, argStart int) (string, []interface{}, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for i, k := range keys {
		if !metaKeyRe.MatchString(k) {
			return "", nil, apperr.New(apperr.Validation, "invalid metadata filter key %q", k)
		}
		conds = append(conds, fmt.Sprintf("metadata->>'%s' = $%d", k, argStart+i))
		args = append(args, filter[k])
	}
	return strings.Join(conds, " AND "), args, nil
}
