package vectordb

import (
	"context"
	"math"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	return &Store{
		db:      sqlx.NewDb(mockDB, "sqlmock"),
		table:   "inkwell_chunks",
		dim:     3,
		timeout: 2 * time.Second,
		logger:  zap.NewNop(),
	}, mock
}

func TestValidateEmbedding(t *testing.T) {
	s, _ := newMockStore(t)

	tests := []struct {
		name string
		emb  []float32
		ok   bool
	}{
		{"valid", []float32{0.1, 0.2, 0.3}, true},
		{"empty", nil, false},
		{"wrong dimension", []float32{0.1, 0.2}, false},
		{"NaN", []float32{0.1, float32(math.NaN()), 0.3}, false},
		{"Inf", []float32{0.1, float32(math.Inf(1)), 0.3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.validateEmbedding(tt.emb)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !apperr.IsKind(err, apperr.Validation) {
					t.Errorf("kind = %v, want Validation", apperr.KindOf(err))
				}
			}
		})
	}
}

func TestBuildFilter(t *testing.T) {
	where, args, err := buildFilter(Filter{"source_id": "s1", "notebook_id": "nb1"}, 2)
	if err != nil {
		t.Fatalf("buildFilter: %v", err)
	}
	// Keys are sorted for deterministic SQL.
	want := "metadata->>'notebook_id' = $2 AND metadata->>'source_id' = $3"
	if where != want {
		t.Errorf("where = %q, want %q", where, want)
	}
	if len(args) != 2 || args[0] != "nb1" || args[1] != "s1" {
		t.Errorf("args = %v", args)
	}

	if _, _, err := buildFilter(Filter{"bad-key!": "x"}, 1); !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("bad key should be rejected, got %v", err)
	}

	where, args, err = buildFilter(nil, 1)
	if err != nil || where != "" || args != nil {
		t.Errorf("empty filter: where=%q args=%v err=%v", where, args, err)
	}
}

func TestAddCountsOnlyInsertedRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO inkwell_chunks")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0)) // dedup conflict
	mock.ExpectCommit()

	chunks := []models.Chunk{
		{Text: "alpha", Embedding: []float32{1, 0, 0}, Metadata: map[string]interface{}{"notebook_id": "nb1"}},
		{Text: "alpha", Embedding: []float32{1, 0, 0}, Metadata: map[string]interface{}{"notebook_id": "nb1"}},
	}
	n, err := s.Add(context.Background(), chunks)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if n != 1 {
		t.Errorf("inserted = %d, want 1", n)
	}
	if chunks[0].ChunkID == "" || chunks[1].ChunkID == "" {
		t.Error("chunk IDs should be assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestAddRejectsBadEmbeddingBeforeSQL(t *testing.T) {
	s, mock := newMockStore(t)

	_, err := s.Add(context.Background(), []models.Chunk{
		{Text: "x", Embedding: []float32{1, 2}, Metadata: map[string]interface{}{}},
	})
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("kind = %v, want Validation", apperr.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("no SQL should run on validation failure: %v", err)
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"chunk_id", "text", "metadata", "similarity"}).
		AddRow("c1", "alpha", []byte(`{"notebook_id":"nb1"}`), 0.92).
		AddRow("c2", "beta", []byte(`{"notebook_id":"nb1"}`), 0.81)
	mock.ExpectQuery(`1 - \(embedding <=> \$1::vector\) AS similarity`).
		WithArgs(sqlmock.AnyArg(), "nb1").
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), Filter{"notebook_id": "nb1"}, 5, []float32{1, 0, 0})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ChunkID != "c1" || got[0].Score != 0.92 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].NotebookID() != "nb1" {
		t.Errorf("metadata not unmarshaled: %+v", got[1].Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestQueryWithoutEmbeddingLoadsInOrder(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"chunk_id", "text", "metadata"}).
		AddRow("c1", "alpha", []byte(`{}`)).
		AddRow("c2", "beta", []byte(`{}`))
	mock.ExpectQuery("SELECT chunk_id, text, metadata FROM inkwell_chunks").
		WithArgs("nb1").
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), Filter{"notebook_id": "nb1"}, 5, nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Score != 0 || got[1].Score != 0 {
		t.Errorf("scores should be zero without an embedding: %+v", got)
	}
}

func TestDeleteByRequiresFilter(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.DeleteBy(context.Background(), nil)
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("kind = %v, want Validation", apperr.KindOf(err))
	}
}

func TestDeleteByScopedFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM inkwell_chunks WHERE metadata->>'source_id' = \$1`).
		WithArgs("doc-9").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteBy(context.Background(), Filter{"source_id": "doc-9"})
	if err != nil {
		t.Fatalf("DeleteBy: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestCountBy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM inkwell_chunks WHERE metadata->>'notebook_id' = \$1`).
		WithArgs("nb1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountBy(context.Background(), Filter{"notebook_id": "nb1"})
	if err != nil {
		t.Fatalf("CountBy: %v", err)
	}
	if n != 42 {
		t.Errorf("count = %d, want 42", n)
	}
}
