package confidence

import (
	"strings"
	"unicode"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/util"
)

// Scorer combines pipeline signals into a single confidence value for a
// generated query. Signals are each in [0,1]; the weighted sum is clamped
// and bucketed into high / medium / low.

// Weights for each signal. They should sum to 1.
type Weights struct {
	TableRelevance    float64
	FewShotSimilarity float64
	RetryPenalty      float64
	ColumnOverlap     float64
}

// DefaultWeights returns the standard signal weighting.
func DefaultWeights() Weights {
	return Weights{
		TableRelevance:    0.30,
		FewShotSimilarity: 0.30,
		RetryPenalty:      0.20,
		ColumnOverlap:     0.20,
	}
}

// Input carries the raw signals from the pipeline stages.
type Input struct {
	// Query is the user's natural-language question.
	Query string
	// Columns are the result column names from the executed SQL.
	Columns []string
	// TableRelevance is the mean similarity of the schema-linked tables.
	TableRelevance float64
	// FewShotSimilarity is the best retrieved example similarity.
	FewShotSimilarity float64
	// Retries is the total correction-loop retry count.
	Retries int
}

type Scorer struct {
	weights Weights
}

func NewScorer() *Scorer {
	return &Scorer{weights: DefaultWeights()}
}

func NewScorerWithWeights(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Score computes the weighted confidence and level for one query.
func (s *Scorer) Score(in Input) *models.ConfidenceScore {
	tableRel := clamp01(in.TableRelevance)
	fewShot := clamp01(in.FewShotSimilarity)
	retryPen := RetryPenalty(in.Retries)
	colOverlap := ColumnOverlap(in.Query, in.Columns)

	score := clamp01(
		s.weights.TableRelevance*tableRel +
			s.weights.FewShotSimilarity*fewShot +
			s.weights.RetryPenalty*retryPen +
			s.weights.ColumnOverlap*colOverlap)

	return &models.ConfidenceScore{
		Score: score,
		Level: Level(score),
		Signals: map[string]float64{
			"table_relevance":     tableRel,
			"few_shot_similarity": fewShot,
			"retry_penalty":       retryPen,
			"column_overlap":      colOverlap,
		},
	}
}

// RetryPenalty is 1 - retries/3 clamped to [0,1]: zero retries scores a
// full point, three or more scores zero.
func RetryPenalty(retries int) float64 {
	if retries < 0 {
		retries = 0
	}
	return clamp01(1.0 - float64(retries)/3.0)
}

// Level buckets a score: >= 0.8 high, >= 0.5 medium, else low.
func Level(score float64) string {
	switch {
	case score >= 0.8:
		return models.ConfidenceHigh
	case score >= 0.5:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// ColumnOverlap is a boosted Jaccard similarity between the query tokens
// and the normalized result-column tokens. Plain Jaccard punishes the size
// difference between a sentence and a handful of column names, so the raw
// index is doubled before clamping.
func ColumnOverlap(query string, columns []string) float64 {
	queryTokens := toSet(util.Tokenize(query))
	columnTokens := toSet(tokenizeColumns(columns))
	if len(queryTokens) == 0 || len(columnTokens) == 0 {
		return 0
	}

	inter := 0
	for tok := range columnTokens {
		if queryTokens[tok] {
			inter++
		}
	}
	union := len(queryTokens) + len(columnTokens) - inter
	if union == 0 {
		return 0
	}
	return clamp01(2.0 * float64(inter) / float64(union))
}

// tokenizeColumns splits column names on underscores, dashes and camelCase
// boundaries, lowercases the parts and drops single characters.
func tokenizeColumns(columns []string) []string {
	var out []string
	for _, col := range columns {
		var b strings.Builder
		for i, r := range col {
			if r == '_' || r == '-' || r == '.' {
				b.WriteByte(' ')
				continue
			}
			if unicode.IsUpper(r) && i > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(unicode.ToLower(r))
		}
		for _, tok := range strings.Fields(b.String()) {
			if len(tok) > 1 {
				out = append(out, tok)
			}
		}
	}
	return out
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
