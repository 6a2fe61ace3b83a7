package sqlgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// scriptedLLM returns canned responses in order and records the prompts
// it saw.
type scriptedLLM struct {
	responses []string
	err       error
	requests  []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return &llm.Response{
		Content: s.responses[i],
		Usage:   models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

func testSchema() *models.SchemaInfo {
	return &models.SchemaInfo{
		Tables: []models.TableInfo{
			{Name: "orders", Columns: []models.ColumnInfo{
				{Name: "id"}, {Name: "user_id"}, {Name: "total"}, {Name: "created_at"},
			}},
			{Name: "users", Columns: []models.ColumnInfo{
				{Name: "id"}, {Name: "email"},
			}},
		},
	}
}

func TestGenerateFirstTryValid(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"SELECT id, total FROM orders"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Generate(context.Background(), PromptInput{
		Question: "show orders", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != "SELECT id, total FROM orders" {
		t.Errorf("SQL = %q", res.SQL)
	}
	if res.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", res.Attempts)
	}
	if res.Usage.TotalTokens != 120 {
		t.Errorf("TotalTokens = %d", res.Usage.TotalTokens)
	}
	if len(fake.requests) != 1 {
		t.Errorf("llm calls = %d", len(fake.requests))
	}
}

func TestGenerateStripsFences(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"```sql\nSELECT id FROM orders\n```"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Generate(context.Background(), PromptInput{
		Question: "ids", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != "SELECT id FROM orders" {
		t.Errorf("SQL = %q", res.SQL)
	}
}

func TestGenerateCorrectionLoop(t *testing.T) {
	fake := &scriptedLLM{responses: []string{
		"DELETE FROM orders",                 // rejected: forbidden op
		"SELECT id FROM order",               // rejected: unknown table
		"SELECT id, total FROM orders",       // valid
	}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Generate(context.Background(), PromptInput{
		Question: "show orders", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != "SELECT id, total FROM orders" {
		t.Errorf("SQL = %q", res.SQL)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if res.Usage.TotalTokens != 360 {
		t.Errorf("TotalTokens = %d, want 360 across three calls", res.Usage.TotalTokens)
	}

	// Correction prompts must carry the failing SQL and the error.
	second := fake.requests[1].Messages[0].Content
	if !strings.Contains(second, "DELETE FROM orders") || !strings.Contains(second, "forbidden operation") {
		t.Errorf("correction prompt missing context:\n%s", second)
	}
}

func TestGenerateExhaustsAttempts(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"DROP TABLE orders"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.Generate(context.Background(), PromptInput{
		Question: "q", Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema())
	if !apperr.IsKind(err, apperr.Validation) {
		t.Fatalf("kind = %v, want Validation", apperr.KindOf(err))
	}
	// The last attempt is preserved for sql_generated.
	if res == nil || res.SQL == "" {
		t.Error("expected last SQL to be returned alongside the error")
	}
	if len(fake.requests) != 3 {
		t.Errorf("llm calls = %d, want 3", len(fake.requests))
	}
}

func TestGenerateLLMFailure(t *testing.T) {
	fake := &scriptedLLM{err: errors.New("connection refused")}
	g := NewGenerator(fake, 3, zap.NewNop())

	_, err := g.Generate(context.Background(), PromptInput{Question: "q"}, nil)
	if !apperr.IsKind(err, apperr.ExternalService) {
		t.Errorf("kind = %v, want ExternalService", apperr.KindOf(err))
	}
}

func TestBuildPromptIncludesEverything(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"SELECT id FROM orders"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	_, err := g.Generate(context.Background(), PromptInput{
		Question:   "top products by revenue",
		Dialect:    models.DialectMySQL,
		SchemaText: "TABLE orders\n  id integer",
		Examples: []models.FewShotExample{
			{Question: "count users", SQL: "SELECT COUNT(*) FROM users"},
		},
		IntentHint:  "ORDER BY the ranking metric and apply LIMIT.",
		Granularity: "month",
		Limit:       10,
		JoinHints:   []string{"JOIN users ON orders.user_id = users.id"},
	}, testSchema())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	prompt := fake.requests[0].Messages[0].Content
	for _, want := range []string{
		"Q: count users",
		"SQL: SELECT COUNT(*) FROM users",
		"Database schema (MySQL):",
		"JOIN users ON orders.user_id = users.id",
		"ORDER BY the ranking metric",
		"Bucket time by month.",
		"LIMIT 10",
		"Question: top products by revenue",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if fake.requests[0].Temperature == nil || *fake.requests[0].Temperature != 0 {
		t.Error("generation should run at temperature 0")
	}
}

func TestRefineUsesContext(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"SELECT id, total FROM orders WHERE total > 100"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	refCtx := "Previous question: show orders\nPrevious SQL:\nSELECT id, total FROM orders\n"
	res, err := g.Refine(context.Background(), "only totals above 100", refCtx, PromptInput{
		Dialect: models.DialectPostgres, SchemaText: "TABLE orders",
	}, testSchema())
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if !strings.Contains(res.SQL, "WHERE total > 100") {
		t.Errorf("SQL = %q", res.SQL)
	}

	prompt := fake.requests[0].Messages[0].Content
	for _, want := range []string{"Previous SQL", "New instruction: only totals above 100", "Modify the previous SQL"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestCorrectWithFeedback(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"SELECT id FROM orders WHERE total > 0"}}
	g := NewGenerator(fake, 3, zap.NewNop())

	res, err := g.CorrectWithFeedback(context.Background(),
		"orders with revenue", "SELECT id FROM orders", "The query returned no rows; check the WHERE clause.", testSchema())
	if err != nil {
		t.Fatalf("CorrectWithFeedback: %v", err)
	}
	if !strings.Contains(res.SQL, "WHERE total > 0") {
		t.Errorf("SQL = %q", res.SQL)
	}
}

func TestExplain(t *testing.T) {
	fake := &scriptedLLM{responses: []string{"Across all regions the store sold 42 orders."}}
	g := NewGenerator(fake, 3, zap.NewNop())

	text, usage, err := g.Explain(context.Background(), "how many orders", "SELECT COUNT(*) FROM orders",
		1, []string{"count"}, []map[string]interface{}{{"count": 42}})
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if text == "" {
		t.Error("empty explanation")
	}
	if usage.TotalTokens == 0 {
		t.Error("usage not propagated")
	}
	prompt := fake.requests[0].Messages[0].Content
	if !strings.Contains(prompt, "SELECT COUNT(*) FROM orders") || !strings.Contains(prompt, "1 rows") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SELECT 1", "SELECT 1"},
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT 1\n```", "SELECT 1"},
		{"  ```sql\nSELECT 1;\n```  ", "SELECT 1;"},
		{"sql\nSELECT 1", "SELECT 1"},
		{"```sql\nSELECT *\nFROM orders\n```", "SELECT *\nFROM orders"},
	}
	for _, tc := range cases {
		if got := StripFences(tc.in); got != tc.want {
			t.Errorf("StripFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
