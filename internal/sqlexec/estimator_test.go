package sqlexec

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func TestEstimatePostgres(t *testing.T) {
	db, mock := mockDB(t)
	plan := `[{"Plan": {
		"Node Type": "Hash Join",
		"Total Cost": 1234.5,
		"Plan Rows": 42,
		"Hash Cond": "(orders.user_id = users.id)",
		"Plans": [
			{"Node Type": "Seq Scan", "Relation Name": "orders"},
			{"Node Type": "Hash", "Plans": [{"Node Type": "Seq Scan", "Relation Name": "users"}]}
		]
	}}]`
	mock.ExpectQuery(`EXPLAIN \(FORMAT JSON\) SELECT`).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(plan))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectPostgres, "SELECT * FROM orders JOIN users ON orders.user_id = users.id")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if est.TotalCost != 1234.5 {
		t.Errorf("TotalCost = %v", est.TotalCost)
	}
	if est.EstimatedRows != 42 {
		t.Errorf("EstimatedRows = %d", est.EstimatedRows)
	}
	if !est.HasSeqScan {
		t.Error("HasSeqScan = false, want true")
	}
	if est.HasCartesian {
		t.Error("HasCartesian = true for a hash join")
	}
	if est.PlanJSON == "" {
		t.Error("PlanJSON not kept")
	}
}

func TestEstimatePostgresCartesian(t *testing.T) {
	db, mock := mockDB(t)
	plan := `[{"Plan": {
		"Node Type": "Nested Loop",
		"Total Cost": 90000,
		"Plan Rows": 4000000,
		"Plans": [
			{"Node Type": "Seq Scan", "Relation Name": "orders"},
			{"Node Type": "Seq Scan", "Relation Name": "users"}
		]
	}}]`
	mock.ExpectQuery(`EXPLAIN \(FORMAT JSON\)`).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(plan))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectPostgres, "SELECT * FROM orders, users")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if !est.HasCartesian {
		t.Error("HasCartesian = false for a nested loop without conditions")
	}
}

func TestEstimatePostgresKeyedNestedLoop(t *testing.T) {
	db, mock := mockDB(t)
	plan := `[{"Plan": {
		"Node Type": "Nested Loop",
		"Total Cost": 88.2,
		"Plan Rows": 10,
		"Plans": [
			{"Node Type": "Seq Scan", "Relation Name": "orders"},
			{"Node Type": "Index Scan", "Index Cond": "(users.id = orders.user_id)"}
		]
	}}]`
	mock.ExpectQuery(`EXPLAIN \(FORMAT JSON\)`).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow(plan))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectPostgres, "SELECT 1")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if est.HasCartesian {
		t.Error("index-driven nested loop flagged as cartesian")
	}
}

func TestEstimateMySQL(t *testing.T) {
	db, mock := mockDB(t)
	plan := `{"query_block": {
		"select_id": 1,
		"cost_info": {"query_cost": "8123.40"},
		"nested_loop": [
			{"table": {"table_name": "orders", "access_type": "ALL", "rows_produced_per_join": 120000}},
			{"table": {"table_name": "users", "access_type": "ALL", "rows_produced_per_join": 500,
				"using_join_buffer": "Block Nested Loop"}}
		]
	}}`
	mock.ExpectQuery(`EXPLAIN FORMAT=JSON`).
		WillReturnRows(sqlmock.NewRows([]string{"EXPLAIN"}).AddRow(plan))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectMySQL, "SELECT * FROM orders, users")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if est.TotalCost != 8123.40 {
		t.Errorf("TotalCost = %v", est.TotalCost)
	}
	if est.EstimatedRows != 120000 {
		t.Errorf("EstimatedRows = %d", est.EstimatedRows)
	}
	if !est.HasSeqScan {
		t.Error("HasSeqScan = false")
	}
	if !est.HasCartesian {
		t.Error("HasCartesian = false with a block nested loop join buffer")
	}
}

func TestEstimateSQLite(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery(`EXPLAIN QUERY PLAN`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent", "notused", "detail"}).
			AddRow(2, 0, 0, "SCAN orders").
			AddRow(3, 0, 0, "SEARCH users USING INTEGER PRIMARY KEY (rowid=?)"))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectSQLite, "SELECT 1")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if !est.HasSeqScan {
		t.Error("HasSeqScan = false")
	}
	if est.HasCartesian {
		t.Error("single SCAN flagged as cartesian")
	}
}

func TestEstimateSQLiteCartesian(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery(`EXPLAIN QUERY PLAN`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent", "notused", "detail"}).
			AddRow(2, 0, 0, "SCAN orders").
			AddRow(3, 0, 0, "SCAN users"))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectSQLite, "SELECT 1")
	if est == nil {
		t.Fatal("estimate is nil")
	}
	if !est.HasCartesian {
		t.Error("two full scans should flag a cartesian rescan")
	}
}

func TestEstimateFailureIsSoft(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectQuery(`EXPLAIN \(FORMAT JSON\)`).
		WillReturnError(errors.New("syntax error at or near"))

	est := NewEstimator(100000, 50000, zap.NewNop()).
		Estimate(context.Background(), db, models.DialectPostgres, "SELECT 1")
	if est != nil {
		t.Errorf("estimate = %+v, want nil on EXPLAIN failure", est)
	}
}

func TestGate(t *testing.T) {
	e := NewEstimator(100000, 50000, zap.NewNop())

	cases := []struct {
		name    string
		est     *models.CostEstimate
		dialect string
		wantErr bool
	}{
		{"nil estimate passes", nil, models.DialectPostgres, false},
		{"cartesian rejected", &models.CostEstimate{HasCartesian: true}, models.DialectSQLite, true},
		{"rows over limit rejected", &models.CostEstimate{EstimatedRows: 100001}, models.DialectMySQL, true},
		{"postgres cost over limit rejected", &models.CostEstimate{TotalCost: 50001}, models.DialectPostgres, true},
		{"mysql cost not gated", &models.CostEstimate{TotalCost: 50001}, models.DialectMySQL, false},
		{"seq scan informational", &models.CostEstimate{HasSeqScan: true, EstimatedRows: 10}, models.DialectPostgres, false},
	}
	for _, tc := range cases {
		err := e.Gate(tc.est, tc.dialect)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v", tc.name, err)
		}
		if err != nil && !apperr.IsKind(err, apperr.Validation) {
			t.Errorf("%s: kind = %v, want Validation", tc.name, apperr.KindOf(err))
		}
	}
}
