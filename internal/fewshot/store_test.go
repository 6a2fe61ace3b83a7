package fewshot

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

type stubEmbedder struct {
	vec        []float32
	batchCalls int
	err        error
}

func (s *stubEmbedder) GenerateEmbedding(context.Context, string, string) ([]float32, error) {
	return s.vec, s.err
}

func (s *stubEmbedder) GenerateBatchEmbeddings(_ context.Context, texts []string, _ string) ([][]float32, error) {
	s.batchCalls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *stubEmbedder) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	emb := &stubEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	return NewStore(sqlx.NewDb(mockDB, "sqlmock"), emb, zap.NewNop()), mock, emb
}

func exampleRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "natural_question", "sql_query", "sql_context", "complexity", "domain", "score"})
}

func TestAddInsertsAndFillsID(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectExec("INSERT INTO nl_sql_examples").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ex := &models.FewShotExample{Question: "count users", SQL: "SELECT COUNT(*) FROM users"}
	inserted, err := s.Add(context.Background(), ex)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !inserted {
		t.Error("expected insert")
	}
	if ex.ID == "" {
		t.Error("expected generated id")
	}
	if len(ex.Embedding) == 0 {
		t.Error("expected question to be embedded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAddSkipsDuplicateQuestion(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectExec("INSERT INTO nl_sql_examples").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.Add(context.Background(), &models.FewShotExample{
		Question: "count users", SQL: "SELECT 1", Embedding: []float32{1},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if inserted {
		t.Error("duplicate should not report an insert")
	}
}

func TestAddValidation(t *testing.T) {
	s, _, _ := newTestStore(t)
	cases := []models.FewShotExample{
		{SQL: "SELECT 1"},
		{Question: "q"},
		{Question: "q", SQL: "SELECT 1", Complexity: "expert"},
	}
	for i, ex := range cases {
		if _, err := s.Add(context.Background(), &ex); !apperr.IsKind(err, apperr.Validation) {
			t.Errorf("case %d: kind = %v, want Validation", i, apperr.KindOf(err))
		}
	}
}

func TestSearchShortCircuitsEmptyTable(t *testing.T) {
	s, mock, emb := newTestStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	got, err := s.Search(context.Background(), "total revenue", SearchOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got != nil {
		t.Errorf("got %d examples, want none", len(got))
	}
	// The query must not be embedded when there is nothing to search.
	if emb.batchCalls != 0 {
		t.Error("unexpected embedding calls")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSearchHybrid(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("ts_rank").
		WillReturnRows(exampleRows().
			AddRow("e1", "total revenue by region", "SELECT region, SUM(total) FROM orders GROUP BY region", "", "aggregation", "retail", 0.91).
			AddRow("e2", "revenue last month", "SELECT SUM(total) FROM orders", "", "aggregation", "retail", 0.74))

	got, err := s.Search(context.Background(), "revenue by region", SearchOptions{TopK: 2, Domain: "retail"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("examples = %d, want 2", len(got))
	}
	if got[0].ID != "e1" || got[0].Similarity != 0.91 {
		t.Errorf("first = %+v", got[0])
	}
	if got[0].Complexity != "aggregation" || got[0].Domain != "retail" {
		t.Errorf("metadata = %+v", got[0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSearchTrimsToTopK(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	rows := exampleRows()
	for _, id := range []string{"e1", "e2", "e3", "e4"} {
		rows.AddRow(id, "q "+id, "SELECT 1", "", "", "", 0.5)
	}
	mock.ExpectQuery("ts_rank").WillReturnRows(rows)

	got, err := s.Search(context.Background(), "q", SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("examples = %d, want 2", len(got))
	}
}

func TestSearchFallsBackToVector(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("ts_rank").
		WillReturnError(errors.New("function plainto_tsquery does not exist"))
	mock.ExpectQuery("ORDER BY embedding").
		WillReturnRows(exampleRows().
			AddRow("e1", "count users", "SELECT COUNT(*) FROM users", "", "basic", "", 0.88))

	got, err := s.Search(context.Background(), "how many users", SearchOptions{TopK: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("examples = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	s, _, _ := newTestStore(t)
	if _, err := s.Search(context.Background(), "  ", SearchOptions{}); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("kind = %v, want Validation", apperr.KindOf(err))
	}
}

func TestCount(t *testing.T) {
	s, mock, _ := newTestStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(7))

	n, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 7 {
		t.Errorf("Count = %d", n)
	}
}
