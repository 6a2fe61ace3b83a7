// Package sqlexec runs generated SQL against target databases: an EXPLAIN
// cost gate that rejects runaway plans before execution, and an executor
// that wraps every query in a transaction that is always rolled back.
package sqlexec

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// Estimator runs the dialect-appropriate EXPLAIN and extracts the plan
// signals the cost gate acts on. EXPLAIN failures are soft: the estimate
// is nil and execution proceeds.
type Estimator struct {
	maxRows int64
	maxCost float64
	logger  *zap.Logger
}

// NewEstimator builds an estimator. Zero thresholds disable the
// corresponding gate.
func NewEstimator(maxEstimatedRows int64, maxEstimatedCost float64, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{maxRows: maxEstimatedRows, maxCost: maxEstimatedCost, logger: logger}
}

// Estimate EXPLAINs the statement. A nil return means the plan could not
// be obtained; callers treat that as "no opinion", never as a rejection.
func (e *Estimator) Estimate(ctx context.Context, db *sqlx.DB, dialect, sqlText string) *models.CostEstimate {
	var (
		est *models.CostEstimate
		err error
	)
	switch dialect {
	case models.DialectPostgres:
		est, err = explainPostgres(ctx, db, sqlText)
	case models.DialectMySQL:
		est, err = explainMySQL(ctx, db, sqlText)
	case models.DialectSQLite:
		est, err = explainSQLite(ctx, db, sqlText)
	default:
		return nil
	}
	if err != nil {
		e.logger.Warn("EXPLAIN failed, skipping cost gate",
			zap.String("dialect", dialect),
			zap.Error(err))
		return nil
	}
	return est
}

// Gate applies the safety policy to an estimate. Sequential scans are
// informational only. The planner cost threshold is calibrated to
// Postgres cost units and is not applied to other dialects.
func (e *Estimator) Gate(est *models.CostEstimate, dialect string) error {
	if est == nil {
		return nil
	}
	if est.HasCartesian {
		return apperr.New(apperr.Validation,
			"query rejected: the plan contains a cartesian product; add a join condition between the tables")
	}
	if e.maxRows > 0 && est.EstimatedRows > e.maxRows {
		return apperr.New(apperr.Validation,
			"query rejected: estimated %d rows exceeds the %d row limit; add filters or aggregate",
			est.EstimatedRows, e.maxRows)
	}
	if dialect == models.DialectPostgres && e.maxCost > 0 && est.TotalCost > e.maxCost {
		return apperr.New(apperr.Validation,
			"query rejected: estimated plan cost %.0f exceeds the %.0f limit; narrow the query",
			est.TotalCost, e.maxCost)
	}
	return nil
}

func explainPostgres(ctx context.Context, db *sqlx.DB, sqlText string) (*models.CostEstimate, error) {
	var planText string
	if err := db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+sqlText).Scan(&planText); err != nil {
		return nil, err
	}

	var doc []struct {
		Plan map[string]interface{} `json:"Plan"`
	}
	if err := json.Unmarshal([]byte(planText), &doc); err != nil {
		return nil, err
	}
	if len(doc) == 0 || doc[0].Plan == nil {
		return nil, nil
	}

	root := doc[0].Plan
	est := &models.CostEstimate{PlanJSON: planText}
	if v, ok := root["Total Cost"].(float64); ok {
		est.TotalCost = v
	}
	if v, ok := root["Plan Rows"].(float64); ok {
		est.EstimatedRows = int64(v)
	}
	walkPostgresPlan(root, est)
	return est, nil
}

func walkPostgresPlan(node map[string]interface{}, est *models.CostEstimate) {
	if nt, _ := node["Node Type"].(string); nt == "Seq Scan" {
		est.HasSeqScan = true
	}
	if isCartesianNode(node) {
		est.HasCartesian = true
	}
	children, _ := node["Plans"].([]interface{})
	for _, c := range children {
		if child, ok := c.(map[string]interface{}); ok {
			walkPostgresPlan(child, est)
		}
	}
}

// isCartesianNode flags a nested loop with neither a join filter of its
// own nor any keyed access in its children.
func isCartesianNode(node map[string]interface{}) bool {
	if nt, _ := node["Node Type"].(string); nt != "Nested Loop" {
		return false
	}
	if _, ok := node["Join Filter"]; ok {
		return false
	}
	children, _ := node["Plans"].([]interface{})
	for _, c := range children {
		child, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range []string{"Index Cond", "Hash Cond", "Merge Cond", "Recheck Cond"} {
			if _, ok := child[key]; ok {
				return false
			}
		}
	}
	return true
}

func explainMySQL(ctx context.Context, db *sqlx.DB, sqlText string) (*models.CostEstimate, error) {
	var planText string
	if err := db.QueryRowContext(ctx, "EXPLAIN FORMAT=JSON "+sqlText).Scan(&planText); err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(planText), &doc); err != nil {
		return nil, err
	}

	est := &models.CostEstimate{PlanJSON: planText}
	walkMySQLPlan(doc, est)
	return est, nil
}

// walkMySQLPlan scans the whole document: the optimizer nests tables
// under query_block, nested_loop, materialized subqueries and unions, so
// a generic walk is simpler than mirroring every shape.
func walkMySQLPlan(v interface{}, est *models.CostEstimate) {
	switch node := v.(type) {
	case map[string]interface{}:
		if at, ok := node["access_type"].(string); ok && at == "ALL" {
			est.HasSeqScan = true
		}
		if jb, ok := node["using_join_buffer"].(string); ok &&
			strings.Contains(jb, "Block Nested Loop") {
			est.HasCartesian = true
		}
		if r, ok := node["rows_produced_per_join"].(float64); ok && int64(r) > est.EstimatedRows {
			est.EstimatedRows = int64(r)
		}
		if qc, ok := node["query_cost"].(string); ok {
			if f, err := strconv.ParseFloat(qc, 64); err == nil && f > est.TotalCost {
				est.TotalCost = f
			}
		}
		for _, child := range node {
			walkMySQLPlan(child, est)
		}
	case []interface{}:
		for _, child := range node {
			walkMySQLPlan(child, est)
		}
	}
}

// explainSQLite parses EXPLAIN QUERY PLAN rows. SQLite exposes no cost or
// row numbers, so only the scan shape feeds the gate: a second full SCAN
// means the inner table is rescanned per outer row.
func explainSQLite(ctx context.Context, db *sqlx.DB, sqlText string) (*models.CostEstimate, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	est := &models.CostEstimate{}
	scans := 0
	for rows.Next() {
		var id, parent, notused int
		var detail string
		if err := rows.Scan(&id, &parent, &notused, &detail); err != nil {
			return nil, err
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(detail)), "SCAN") {
			est.HasSeqScan = true
			scans++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	est.HasCartesian = scans > 1
	return est, nil
}
