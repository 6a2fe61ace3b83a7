package sqlgen

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/models"
)

func TestShouldDecompose(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"compare revenue this month versus last month", true},
		{"sales this quarter vs last quarter", true},
		{"what is the difference between signups and churn", true},
		{"revenue this month and last month", true},
		{"revenue by region and by product line", true},
		{"break down sales by channel", true},
		{"cohort retention for January signups", true},
		{"how many orders came in last week", false},
		{"list all users", false},
		{"total revenue by region", false},
	}
	for _, tc := range cases {
		if got := ShouldDecompose(tc.query); got != tc.want {
			t.Errorf("ShouldDecompose(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

const threeWayDecomposition = `{"sub_questions": [
  {"id": "a", "question": "revenue this month", "depends_on": []},
  {"id": "b", "question": "revenue last month", "depends_on": []},
  {"id": "c", "question": "difference between the two", "depends_on": ["a", "b"]}
]}`

func TestDecomposeAssemblesCTEs(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		threeWayDecomposition,
		"SELECT SUM(total) AS cur FROM orders",
		"SELECT SUM(total) AS prev FROM orders",
		"SELECT cur - prev FROM sub_a, sub_b",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question:   "compare revenue this month versus last month",
		Dialect:    models.DialectPostgres,
		SchemaText: "TABLE orders",
	}, testSchema(), 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}

	if !strings.HasPrefix(res.SQL, "WITH sub_a AS (") {
		t.Errorf("assembled SQL missing leading CTE:\n%s", res.SQL)
	}
	if !strings.Contains(res.SQL, "sub_b AS (") {
		t.Errorf("assembled SQL missing second CTE:\n%s", res.SQL)
	}
	if !strings.HasSuffix(res.SQL, "SELECT cur - prev FROM sub_a, sub_b") {
		t.Errorf("assembled SQL missing outer statement:\n%s", res.SQL)
	}
	if res.Usage.TotalTokens != 480 {
		t.Errorf("TotalTokens = %d, want 480 across four calls", res.Usage.TotalTokens)
	}
	if len(fake.requests) != 4 {
		t.Fatalf("llm calls = %d, want 4", len(fake.requests))
	}

	// The dependent sub-question must see earlier CTEs as tables.
	last := fake.requests[3].Messages[0].Content
	if !strings.Contains(last, "sub_a (answers: revenue this month)") ||
		!strings.Contains(last, "sub_b (answers: revenue last month)") {
		t.Errorf("dependent prompt missing CTE context:\n%s", last)
	}
	if !fake.requests[0].JSONMode {
		t.Error("decomposition request should use JSON mode")
	}
}

func TestDecomposeSingleSubFallsBack(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		`{"sub_questions": [{"id": "a", "question": "count orders", "depends_on": []}]}`,
		"SELECT COUNT(*) FROM orders",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question: "how many orders", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema(), 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if res.SQL != "SELECT COUNT(*) FROM orders" {
		t.Errorf("SQL = %q", res.SQL)
	}
	if len(fake.requests) != 2 {
		t.Errorf("llm calls = %d, want 2 (split + direct)", len(fake.requests))
	}
	if res.Usage.TotalTokens != 240 {
		t.Errorf("TotalTokens = %d, want 240 (split spend preserved)", res.Usage.TotalTokens)
	}
}

func TestDecomposeParseFailureFallsBack(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		"I cannot split this question.",
		"SELECT COUNT(*) FROM orders",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question: "compare things", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema(), 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if res.SQL != "SELECT COUNT(*) FROM orders" {
		t.Errorf("SQL = %q", res.SQL)
	}
}

func TestDecomposeTruncatesToMax(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		threeWayDecomposition,
		"SELECT SUM(total) AS cur FROM orders",
		"SELECT SUM(total) AS prev FROM orders",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question: "compare revenue", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema(), 2)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(fake.requests) != 3 {
		t.Fatalf("llm calls = %d, want 3 (split + two subs)", len(fake.requests))
	}
	if !strings.HasPrefix(res.SQL, "WITH sub_a AS (") {
		t.Errorf("assembled SQL:\n%s", res.SQL)
	}
	if strings.Contains(res.SQL, "sub_c") {
		t.Errorf("truncated sub-question leaked into SQL:\n%s", res.SQL)
	}
}

func TestDecomposeCycleKeepsArrivalOrder(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		`{"sub_questions": [
		  {"id": "a", "question": "first", "depends_on": ["b"]},
		  {"id": "b", "question": "second", "depends_on": ["a"]}
		]}`,
		"SELECT 1 AS x FROM orders",
		"SELECT 2 AS y FROM orders",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question: "compare a and b", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema(), 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if !strings.HasPrefix(res.SQL, "WITH sub_a AS (") {
		t.Errorf("cycle should keep arrival order:\n%s", res.SQL)
	}
}

func TestDecomposeNestedWithFallsBack(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		`{"sub_questions": [
		  {"id": "a", "question": "first", "depends_on": []},
		  {"id": "b", "question": "second", "depends_on": ["a"]}
		]}`,
		"SELECT id FROM orders",
		"WITH t AS (SELECT id FROM orders) SELECT * FROM t",
		"SELECT COUNT(*) FROM orders",
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Decompose(context.Background(), PromptInput{
		Question: "compare things", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema(), 0)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if res.SQL != "SELECT COUNT(*) FROM orders" {
		t.Errorf("SQL = %q, want direct fallback", res.SQL)
	}
	if res.Usage.TotalTokens != 480 {
		t.Errorf("TotalTokens = %d, want 480 (decomposition spend preserved)", res.Usage.TotalTokens)
	}
}

func TestCTEName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"a", "sub_a"},
		{"Step 1", "sub_step_1"},
		{"B-2", "sub_b_2"},
		{"--", "sub_step"},
	}
	for _, tc := range cases {
		if got := cteName(tc.in); got != tc.want {
			t.Errorf("cteName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
