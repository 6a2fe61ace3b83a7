package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/util"
)

// Classifier maps a natural-language question to one of the fixed query
// intents using keyword lists. Each intent's raw match count is normalized
// by its list size so longer lists don't dominate; the highest score wins,
// lookup is the fallback when nothing matches.

var intentKeywords = map[string][]string{
	models.IntentLookup: {
		"find", "get", "list", "which", "who", "where", "details",
		"lookup", "search", "specific",
	},
	models.IntentAggregation: {
		"total", "sum", "count", "average", "avg", "mean", "max",
		"min", "how many", "how much", "per", "each", "group",
	},
	models.IntentComparison: {
		"compare", "versus", "vs", "difference", "between", "against",
		"higher", "lower", "more than", "less than",
	},
	models.IntentTrend: {
		"trend", "over time", "growth", "change", "monthly", "weekly",
		"daily", "yearly", "quarterly", "history", "evolution",
	},
	models.IntentTopK: {
		"top", "best", "worst", "highest", "lowest", "largest",
		"smallest", "most", "least", "first", "ranking",
	},
}

// Generation hints appended to the SQL prompt per intent.
var intentHints = map[string]string{
	models.IntentLookup:      "Select identifying columns and apply a precise WHERE filter.",
	models.IntentAggregation: "Use GROUP BY with aggregate functions; consider HAVING for aggregate filters.",
	models.IntentComparison:  "Place the compared metrics side by side using CASE expressions, UNION, or a self-join.",
	models.IntentTrend:       "Include a date column, bucket it with date truncation, and ORDER BY the date.",
	models.IntentTopK:        "ORDER BY the ranking metric and apply LIMIT.",
}

var granularityKeywords = map[string][]string{
	"day":     {"daily", "day", "days", "per day"},
	"week":    {"weekly", "week", "weeks", "per week"},
	"month":   {"monthly", "month", "months", "per month"},
	"quarter": {"quarterly", "quarter", "quarters", "per quarter"},
	"year":    {"yearly", "annual", "annually", "year", "years", "per year"},
}

var limitRe = regexp.MustCompile(`\b(?:top|first|best|worst|highest|lowest|largest|smallest)\s+(\d+)\b`)

// Classification is the classifier output attached to the pipeline state.
type Classification struct {
	Intent      string  `json:"intent"`
	Score       float64 `json:"score"`
	Hint        string  `json:"hint"`
	Granularity string  `json:"granularity,omitempty"`
	Limit       int     `json:"limit,omitempty"`
}

// Classify scores the question against every intent keyword list and
// returns the winner plus extracted granularity and limit.
func Classify(query string) Classification {
	normalized := normalize(query)

	best := models.IntentLookup
	bestScore := 0.0
	// Iterate in a fixed order so ties resolve deterministically.
	for _, intent := range []string{
		models.IntentLookup,
		models.IntentAggregation,
		models.IntentComparison,
		models.IntentTrend,
		models.IntentTopK,
	} {
		keywords := intentKeywords[intent]
		matches := 0
		for _, kw := range keywords {
			if containsKeyword(normalized, kw) {
				matches++
			}
		}
		score := float64(matches) / float64(len(keywords))
		if score > bestScore {
			best = intent
			bestScore = score
		}
	}

	c := Classification{
		Intent:      best,
		Score:       bestScore,
		Hint:        intentHints[best],
		Granularity: extractGranularity(normalized),
		Limit:       extractLimit(normalized),
	}
	return c
}

// extractGranularity returns the finest temporal bucket mentioned, or "".
func extractGranularity(normalized string) string {
	for _, g := range []string{"day", "week", "month", "quarter", "year"} {
		for _, kw := range granularityKeywords[g] {
			if containsKeyword(normalized, kw) {
				return g
			}
		}
	}
	return ""
}

// extractLimit pulls N out of phrases like "top 10 customers"; 0 when absent.
func extractLimit(normalized string) int {
	m := limitRe.FindStringSubmatch(normalized)
	if len(m) != 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func normalize(query string) string {
	return " " + strings.Join(util.TokenizeAll(query), " ") + " "
}

// containsKeyword does word-bounded matching; multi-word keywords match as
// phrases over the normalized text.
func containsKeyword(normalized, keyword string) bool {
	return strings.Contains(normalized, " "+keyword+" ")
}
