package circuitbreaker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "question"}).
		AddRow(1, "total revenue by region").
		AddRow(2, "top customers")
	mock.ExpectQuery("SELECT (.+) FROM query_telemetry").WillReturnRows(rows)

	queryRows, err := wrapper.QueryContext(ctx, "SELECT id, question FROM query_telemetry")
	if err != nil {
		t.Errorf("QueryContext failed: %v", err)
	}
	defer queryRows.Close()

	mock.ExpectExec("INSERT INTO notebooks").
		WithArgs("nb-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := wrapper.ExecContext(ctx, "INSERT INTO notebooks (id) VALUES ($1)", "nb-1")
	if err != nil {
		t.Errorf("ExecContext failed: %v", err)
	}
	if affected, _ := result.RowsAffected(); affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_QueryRowContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "sales")
	mock.ExpectQuery("SELECT (.+) FROM connections WHERE id = \\$1").
		WithArgs(1).
		WillReturnRows(rows)

	row, err := wrapper.QueryRowContext(ctx, "SELECT id, name FROM connections WHERE id = $1", 1)
	if err != nil {
		t.Fatalf("QueryRowContext failed: %v", err)
	}

	var id int
	var name string
	if err := row.Scan(&id, &name); err != nil {
		t.Errorf("Row scan failed: %v", err)
	}
	if id != 1 || name != "sales" {
		t.Errorf("Expected id=1, name='sales', got id=%d, name=%q", id, name)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_CircuitBreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	// Breaker opens after 5 consecutive failures.
	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	for i := 0; i < 5; i++ {
		if err := wrapper.PingContext(ctx); err == nil {
			t.Error("Expected ping to fail")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	if err := wrapper.PingContext(ctx); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	// Fail-fast path returns before touching the pool.
	if _, err := wrapper.QueryRowContext(ctx, "SELECT 1"); err != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}
