package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/vectordb"
)

// Router strategies, reported back in query metadata.
const (
	RouteFusionRewrite = "fusion_rewrite"
	RouteTwoStage      = "two_stage"
)

// Completer is the slice of the LLM client the router needs.
type Completer interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// Router lets an LLM pick between rewrite-and-fuse retrieval for
// ambiguous queries and plain two-stage retrieval for clear ones.
type Router struct {
	retriever   *Retriever
	llm         Completer
	numRewrites int
	logger      *zap.Logger
}

// NewRouter wraps a retriever with LLM strategy selection.
func NewRouter(retriever *Retriever, llm Completer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		retriever:   retriever,
		llm:         llm,
		numRewrites: 3,
		logger:      logger,
	}
}

const selectorSystem = "You select the single best tool for a search question. Reply with the tool number only."

const selectorPrompt = `Some tools are listed below, numbered 1 to 2.

(1) Useful when the question is ambiguous, underspecified, or could mean several things: rewrites the question into multiple paraphrases and fuses all results.
(2) Useful when the question is clear and specific: retrieves once and reranks the results.

Using only the descriptions above, return the number of the tool most appropriate for this question: %q`

// Retrieve routes the query and returns results plus the strategy used.
func (r *Router) Retrieve(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, string, error) {
	strategy := r.route(ctx, query)
	if strategy == RouteFusionRewrite {
		chunks, err := r.fusionRewrite(ctx, query, filter)
		return chunks, strategy, err
	}
	chunks, err := r.retriever.Retrieve(ctx, query, filter)
	return chunks, strategy, err
}

// route asks the LLM to pick a tool; anything unparseable falls back to
// two-stage retrieval.
func (r *Router) route(ctx context.Context, query string) string {
	reply, err := r.llm.CompleteText(ctx, selectorSystem, fmt.Sprintf(selectorPrompt, query))
	if err != nil {
		r.logger.Warn("router selection failed, using two_stage", zap.Error(err))
		return RouteTwoStage
	}
	if parseChoice(reply) == 1 {
		return RouteFusionRewrite
	}
	return RouteTwoStage
}

// parseChoice extracts the first integer from a selector reply, 0 if none.
func parseChoice(reply string) int {
	for _, field := range strings.FieldsFunc(reply, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		if n, err := strconv.Atoi(field); err == nil {
			return n
		}
	}
	return 0
}

const rewriteSystem = "You generate alternative search queries. Output one query per line with no numbering or commentary."

const rewritePrompt = `Generate %d search queries, one per line, that rephrase the following question for document retrieval:

%s`

// fusionRewrite retrieves for the original query plus LLM paraphrases and
// fuses the union, deduplicating by chunk id and keeping the best score.
func (r *Router) fusionRewrite(ctx context.Context, query string, filter vectordb.Filter) ([]models.ScoredChunk, error) {
	queries := []string{query}
	reply, err := r.llm.CompleteText(ctx, rewriteSystem, fmt.Sprintf(rewritePrompt, r.numRewrites, query))
	if err != nil {
		r.logger.Warn("query rewrite failed, retrieving with original only", zap.Error(err))
	} else {
		queries = append(queries, parseRewrites(reply, r.numRewrites)...)
	}

	results := make([][]models.ScoredChunk, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			chunks, err := r.retriever.Retrieve(gctx, q, filter)
			if err != nil {
				return err
			}
			results[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type entry struct {
		chunk models.Chunk
		score float64
	}
	byID := make(map[string]*entry)
	var ordered []*entry
	for _, chunks := range results {
		for _, sc := range chunks {
			if e, ok := byID[sc.ChunkID]; ok {
				if sc.Score > e.score {
					e.score = sc.Score
				}
				continue
			}
			e := &entry{chunk: sc.Chunk, score: sc.Score}
			byID[sc.ChunkID] = e
			ordered = append(ordered, e)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score > ordered[j].score })

	k := r.retriever.TopK()
	if len(ordered) > k {
		ordered = ordered[:k]
	}
	out := make([]models.ScoredChunk, len(ordered))
	for i, e := range ordered {
		out[i] = models.ScoredChunk{Chunk: e.chunk, Score: e.score}
	}
	return out, nil
}

// parseRewrites splits LLM output into clean query lines, stripping any
// numbering the model added anyway.
func parseRewrites(reply string, max int) []string {
	var out []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.)- ")
		line = strings.Trim(line, `"`)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) >= max {
			break
		}
	}
	return out
}
