package schema

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// Embedder is the slice of the embedding service the linker needs.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// Linker selects the tables a question is about. Each table is embedded
// once per schema version (name + columns + short samples); the question
// embedding is compared by cosine, the top-K tables win, and foreign keys
// pull in their direct neighbors so joins stay expressible.
type Linker struct {
	embedder Embedder
	topK     int
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]*tableVectors
}

// tableVectors carries one connection's table embeddings, valid only for
// the fingerprint they were computed from.
type tableVectors struct {
	fingerprint string
	vectors     map[string][]float32
}

// LinkResult is the question-relevant sub-schema plus the similarity
// signals the confidence scorer consumes.
type LinkResult struct {
	Schema *models.SchemaInfo
	// Relevance maps selected table names to their cosine similarity.
	Relevance map[string]float64
	// MeanTopScore is the average similarity over the directly selected
	// (pre-expansion) tables.
	MeanTopScore float64
}

// NewLinker builds a linker selecting topK tables per question.
func NewLinker(embedder Embedder, topK int, logger *zap.Logger) *Linker {
	if topK <= 0 {
		topK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{
		embedder: embedder,
		topK:     topK,
		logger:   logger,
		cache:    make(map[string]*tableVectors),
	}
}

// Link returns the sub-schema relevant to the query. Schemas with at most
// topK tables pass through whole.
func (l *Linker) Link(ctx context.Context, connID string, schema *models.SchemaInfo, query string) (*LinkResult, error) {
	if schema == nil || len(schema.Tables) == 0 {
		return &LinkResult{Schema: schema, Relevance: map[string]float64{}}, nil
	}

	if len(schema.Tables) <= l.topK {
		relevance := make(map[string]float64, len(schema.Tables))
		for _, t := range schema.Tables {
			relevance[t.Name] = 1
		}
		return &LinkResult{Schema: schema, Relevance: relevance, MeanTopScore: 1}, nil
	}

	vectors, err := l.tableEmbeddings(ctx, connID, schema)
	if err != nil {
		return nil, err
	}

	queryVec, err := l.embedder.GenerateEmbedding(ctx, query, "")
	if err != nil {
		return nil, fmt.Errorf("embed query for schema linking: %w", err)
	}

	ranked := make([]rankedTable, 0, len(schema.Tables))
	for _, t := range schema.Tables {
		vec, ok := vectors[t.Name]
		if !ok {
			continue
		}
		ranked = append(ranked, rankedTable{name: t.Name, score: cosine(queryVec, vec)})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	k := l.topK
	if k > len(ranked) {
		k = len(ranked)
	}

	selected := make(map[string]bool, k)
	relevance := make(map[string]float64, k)
	var sum float64
	for _, r := range ranked[:k] {
		selected[strings.ToLower(r.name)] = true
		relevance[r.name] = r.score
		sum += r.score
	}
	var mean float64
	if k > 0 {
		mean = sum / float64(k)
	}

	// FK expansion in both directions keeps join paths intact.
	for _, fk := range schema.Relationships {
		from, to := strings.ToLower(fk.FromTable), strings.ToLower(fk.ToTable)
		if selected[from] && !selected[to] {
			selected[to] = true
			relevance[fk.ToTable] = relevanceOf(ranked, fk.ToTable)
		}
		if selected[to] && !selected[from] {
			selected[from] = true
			relevance[fk.FromTable] = relevanceOf(ranked, fk.FromTable)
		}
	}

	sub := &models.SchemaInfo{
		DatabaseName: schema.DatabaseName,
		CachedAt:     schema.CachedAt,
		Fingerprint:  schema.Fingerprint,
	}
	for _, t := range schema.Tables {
		if selected[strings.ToLower(t.Name)] {
			sub.Tables = append(sub.Tables, t)
		}
	}
	for _, fk := range schema.Relationships {
		if selected[strings.ToLower(fk.FromTable)] && selected[strings.ToLower(fk.ToTable)] {
			sub.Relationships = append(sub.Relationships, fk)
		}
	}

	l.logger.Debug("schema linked",
		zap.String("connection_id", connID),
		zap.Int("tables_in", len(schema.Tables)),
		zap.Int("tables_out", len(sub.Tables)),
		zap.Float64("mean_top_score", mean),
	)
	return &LinkResult{Schema: sub, Relevance: relevance, MeanTopScore: mean}, nil
}

type rankedTable struct {
	name  string
	score float64
}

func relevanceOf(ranked []rankedTable, name string) float64 {
	for _, r := range ranked {
		if strings.EqualFold(r.name, name) {
			return r.score
		}
	}
	return 0
}

// tableEmbeddings returns the connection's per-table vectors, recomputing
// them when the schema fingerprint moved.
func (l *Linker) tableEmbeddings(ctx context.Context, connID string, schema *models.SchemaInfo) (map[string][]float32, error) {
	l.mu.RLock()
	entry := l.cache[connID]
	l.mu.RUnlock()
	if entry != nil && entry.fingerprint == schema.Fingerprint {
		return entry.vectors, nil
	}

	texts := make([]string, len(schema.Tables))
	for i, t := range schema.Tables {
		texts[i] = tableDescription(&t)
	}

	embeddings, err := l.embedder.GenerateBatchEmbeddings(ctx, texts, "")
	if err != nil {
		return nil, fmt.Errorf("embed tables for schema linking: %w", err)
	}
	if len(embeddings) != len(schema.Tables) {
		return nil, fmt.Errorf("embed tables: got %d vectors for %d tables", len(embeddings), len(schema.Tables))
	}

	vectors := make(map[string][]float32, len(schema.Tables))
	for i, t := range schema.Tables {
		vectors[t.Name] = embeddings[i]
	}

	l.mu.Lock()
	l.cache[connID] = &tableVectors{fingerprint: schema.Fingerprint, vectors: vectors}
	l.mu.Unlock()
	return vectors, nil
}

// Invalidate drops a connection's cached table embeddings.
func (l *Linker) Invalidate(connID string) {
	l.mu.Lock()
	delete(l.cache, connID)
	l.mu.Unlock()
}

// tableDescription renders the text that stands in for a table in
// embedding space: name, columns, and a few sample values when present.
func tableDescription(t *models.TableInfo) string {
	var b strings.Builder
	b.WriteString("table ")
	b.WriteString(t.Name)
	b.WriteString(" columns: ")
	b.WriteString(strings.Join(t.ColumnNames(), ", "))
	if len(t.SampleValues) > 0 {
		keys := make([]string, 0, len(t.SampleValues))
		for k := range t.SampleValues {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			vals := t.SampleValues[k]
			if len(vals) > 2 {
				vals = vals[:2]
			}
			fmt.Fprintf(&b, "; %s e.g. %s", k, strings.Join(vals, ", "))
		}
	}
	return b.String()
}

func cosine(a []float32, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
