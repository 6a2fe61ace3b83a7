package confidence

import (
	"math"
	"testing"

	"github.com/inkwell-ai/inkwell/internal/models"
)

func TestRetryPenalty(t *testing.T) {
	tests := []struct {
		retries int
		want    float64
	}{
		{0, 1.0},
		{1, 2.0 / 3.0},
		{2, 1.0 / 3.0},
		{3, 0.0},
		{5, 0.0},
		{-1, 1.0},
	}
	for _, tt := range tests {
		got := RetryPenalty(tt.retries)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("RetryPenalty(%d) = %f, want %f", tt.retries, got, tt.want)
		}
	}
}

func TestLevelBuckets(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0.95, models.ConfidenceHigh},
		{0.8, models.ConfidenceHigh},
		{0.79, models.ConfidenceMedium},
		{0.5, models.ConfidenceMedium},
		{0.49, models.ConfidenceLow},
		{0, models.ConfidenceLow},
	}
	for _, tt := range tests {
		if got := Level(tt.score); got != tt.want {
			t.Errorf("Level(%f) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestColumnOverlap(t *testing.T) {
	// Query tokens after stopword removal: top, customers, revenue.
	overlap := ColumnOverlap("top 5 customers by revenue", []string{"customer_name", "total_revenue"})
	if overlap <= 0 {
		t.Errorf("overlap = %f, want > 0 for shared terms", overlap)
	}

	none := ColumnOverlap("weather tomorrow", []string{"invoice_id", "amount"})
	if none != 0 {
		t.Errorf("overlap = %f, want 0 for disjoint terms", none)
	}

	if got := ColumnOverlap("", []string{"a_b"}); got != 0 {
		t.Errorf("empty query overlap = %f, want 0", got)
	}
	if got := ColumnOverlap("customers", nil); got != 0 {
		t.Errorf("no-columns overlap = %f, want 0", got)
	}
}

func TestColumnOverlapCamelCase(t *testing.T) {
	a := ColumnOverlap("order totals by region", []string{"orderTotal", "regionName"})
	if a <= 0 {
		t.Errorf("camelCase columns should tokenize: overlap = %f", a)
	}
}

func TestScoreWeighting(t *testing.T) {
	s := NewScorer()
	res := s.Score(Input{
		Query:             "revenue by customer",
		Columns:           []string{"customer", "revenue"},
		TableRelevance:    1.0,
		FewShotSimilarity: 1.0,
		Retries:           0,
	})

	if res.Level != models.ConfidenceHigh {
		t.Errorf("perfect signals level = %s, want high", res.Level)
	}
	if res.Score < 0.8 {
		t.Errorf("perfect signals score = %f, want >= 0.8", res.Score)
	}
	for _, key := range []string{"table_relevance", "few_shot_similarity", "retry_penalty", "column_overlap"} {
		if _, ok := res.Signals[key]; !ok {
			t.Errorf("missing signal %q", key)
		}
	}
}

func TestScoreDegradesWithRetries(t *testing.T) {
	s := NewScorer()
	base := Input{
		Query:             "revenue by customer",
		Columns:           []string{"customer", "revenue"},
		TableRelevance:    0.9,
		FewShotSimilarity: 0.9,
	}

	clean := s.Score(base)
	base.Retries = 3
	retried := s.Score(base)

	if retried.Score >= clean.Score {
		t.Errorf("retried score %f should be below clean score %f", retried.Score, clean.Score)
	}
}

func TestScoreClampsSignals(t *testing.T) {
	s := NewScorer()
	res := s.Score(Input{Query: "q", TableRelevance: 3.0, FewShotSimilarity: -1.0})
	if res.Signals["table_relevance"] != 1.0 {
		t.Errorf("table_relevance = %f, want clamped to 1", res.Signals["table_relevance"])
	}
	if res.Signals["few_shot_similarity"] != 0.0 {
		t.Errorf("few_shot_similarity = %f, want clamped to 0", res.Signals["few_shot_similarity"])
	}
}
