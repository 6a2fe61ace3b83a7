package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/formatting"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// Executor runs validated SELECT statements with three guards stacked:
// the statement executes inside a transaction that is always rolled back,
// a LIMIT is injected when the statement has none, and the scan loop caps
// rows read regardless of what the statement asked for.
type Executor struct {
	timeout time.Duration
	maxRows int
	logger  *zap.Logger
}

// NewExecutor builds an executor. timeout bounds one statement (30s when
// unset); maxRows caps returned rows (10000 when unset).
func NewExecutor(timeout time.Duration, maxRows int, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRows <= 0 {
		maxRows = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{timeout: timeout, maxRows: maxRows, logger: logger}
}

// ExecResult is one successful execution.
type ExecResult struct {
	Columns   []string
	Rows      []map[string]interface{}
	RowCount  int
	Duration  time.Duration
	Truncated bool
}

// Execute runs the statement and returns encoded rows. The transaction is
// rolled back on every path; Postgres additionally gets a server-side
// statement timeout, other dialects rely on the context deadline.
func (e *Executor) Execute(ctx context.Context, db *sqlx.DB, dialect, sqlText string) (*ExecResult, error) {
	sqlText = EnsureLimit(sqlText, e.maxRows)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "could not start query transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if dialect == models.DialectPostgres {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", e.timeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return nil, apperr.Wrap(apperr.ExternalService, err, "could not set statement timeout")
		}
	}

	start := time.Now()
	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, e.friendlyError(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "could not read result columns")
	}
	dbTypes := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			if i < len(dbTypes) {
				dbTypes[i] = ct.DatabaseTypeName()
			}
		}
	}

	out := make([]map[string]interface{}, 0, 64)
	truncated := false
	for rows.Next() {
		if len(out) >= e.maxRows {
			truncated = true
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperr.Wrap(apperr.ExternalService, err, "could not scan result row")
		}
		out = append(out, formatting.EncodeRow(columns, dbTypes, values))
	}
	if err := rows.Err(); err != nil {
		return nil, e.friendlyError(err)
	}
	elapsed := time.Since(start)

	if truncated {
		e.logger.Warn("result truncated at row cap", zap.Int("max_rows", e.maxRows))
	}

	return &ExecResult{
		Columns:   columns,
		Rows:      out,
		RowCount:  len(out),
		Duration:  elapsed,
		Truncated: truncated,
	}, nil
}

var limitRe = regexp.MustCompile(`(?i)\b(LIMIT\s+\d+|FETCH\s+(FIRST|NEXT)\s)`)

// EnsureLimit appends a LIMIT when the statement has none. A LIMIT inside
// a subquery also counts; the scan-loop row cap covers that gap.
func EnsureLimit(sqlText string, maxRows int) string {
	trimmed := strings.TrimRight(strings.TrimSpace(sqlText), "; \t\n")
	if limitRe.MatchString(trimmed) {
		return trimmed
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, maxRows)
}

// friendlyError maps the driver errors users can act on to plain
// messages; anything else surfaces as a generic execution failure.
func (e *Executor) friendlyError(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "statement timeout"),
		strings.Contains(msg, "query execution was interrupted"),
		strings.Contains(msg, "context deadline exceeded"):
		return apperr.Wrap(apperr.Validation, err,
			"query timed out after %s; add filters or narrow the time range", e.timeout)
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "command denied"),
		strings.Contains(msg, "insufficient privilege"):
		return apperr.Wrap(apperr.ExternalService, err,
			"the database account may not read one of the referenced tables; check its grants")
	default:
		return apperr.Wrap(apperr.ExternalService, err, "query execution failed: %s", msg)
	}
}
