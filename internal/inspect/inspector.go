// Package inspect reruns suspicious query results through targeted
// regeneration. Executing without error is not the same as answering the
// question: empty results, runaway row counts, unrelated columns and
// all-NULL aggregates each get a feedback string and another attempt.
package inspect

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/sqlexec"
	"github.com/inkwell-ai/inkwell/internal/sqlgen"
)

// Corrector regenerates SQL from a feedback string. *sqlgen.Generator
// satisfies it.
type Corrector interface {
	CorrectWithFeedback(ctx context.Context, question, previousSQL, feedback string, schema *models.SchemaInfo) (*sqlgen.Result, error)
}

// ExecFunc re-executes a regenerated statement.
type ExecFunc func(ctx context.Context, sqlText string) (*sqlexec.ExecResult, error)

// Inspector applies the semantic checks and drives the retry loop.
type Inspector struct {
	maxAcceptableRows int
	maxRetries        int
	logger            *zap.Logger
}

// NewInspector builds an inspector. maxAcceptableRows defaults to 5000
// and maxRetries to 3 when unset.
func NewInspector(maxAcceptableRows, maxRetries int, logger *zap.Logger) *Inspector {
	if maxAcceptableRows <= 0 {
		maxAcceptableRows = 5000
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{maxAcceptableRows: maxAcceptableRows, maxRetries: maxRetries, logger: logger}
}

// Finding is one inspection verdict.
type Finding struct {
	Suspicious bool
	Reason     string
	Feedback   string
}

// Outcome is the loop result: the last result and SQL (suspicious or
// not), retries spent, and the token usage of the regenerations.
type Outcome struct {
	Result  *sqlexec.ExecResult
	SQL     string
	Retries int
	Usage   models.TokenUsage
}

// Run inspects the first result and, while it looks wrong, regenerates
// and re-executes. The loop keeps the last result it obtained: a failed
// regeneration or re-execution ends the loop with the previous result
// rather than discarding it.
func (i *Inspector) Run(ctx context.Context, corrector Corrector, question string, sqlText string, first *sqlexec.ExecResult, schema *models.SchemaInfo, exec ExecFunc) Outcome {
	out := Outcome{Result: first, SQL: sqlText}

	for out.Retries < i.maxRetries {
		finding := i.Inspect(question, out.SQL, out.Result)
		if !finding.Suspicious {
			return out
		}

		metrics.SQLSemanticRetries.Inc()
		i.logger.Info("semantic inspection flagged result",
			zap.String("reason", finding.Reason),
			zap.Int("retry", out.Retries+1))

		fixed, err := corrector.CorrectWithFeedback(ctx, question, out.SQL, finding.Feedback, schema)
		if fixed != nil {
			addUsage(&out.Usage, fixed.Usage)
		}
		if err != nil {
			i.logger.Warn("regeneration failed, keeping previous result", zap.Error(err))
			return out
		}

		res, err := exec(ctx, fixed.SQL)
		if err != nil {
			i.logger.Warn("regenerated SQL failed to execute, keeping previous result", zap.Error(err))
			return out
		}

		out.SQL = fixed.SQL
		out.Result = res
		out.Retries++
	}

	return out
}

// Inspect applies the checks in order and reports the first hit.
func (i *Inspector) Inspect(question, sqlText string, res *sqlexec.ExecResult) Finding {
	if res == nil {
		return Finding{}
	}

	if res.RowCount == 0 {
		return Finding{
			Suspicious: true,
			Reason:     "empty_result",
			Feedback: "The query returned no rows. Re-examine the WHERE clause and JOIN conditions; " +
				"a filter may be too strict or a join key wrong.",
		}
	}

	if res.RowCount > i.maxAcceptableRows {
		return Finding{
			Suspicious: true,
			Reason:     "too_many_rows",
			Feedback: "The query returned " + strconv.Itoa(res.RowCount) + " rows, far more than useful. " +
				"Add a WHERE filter, aggregate the data, or apply a tighter LIMIT.",
		}
	}

	if unrelated, cols := columnsUnrelated(question, res.Columns); unrelated {
		return Finding{
			Suspicious: true,
			Reason:     "unrelated_columns",
			Feedback: "The result columns (" + cols + ") do not appear related to the question. " +
				"Revise the SELECT list to return the fields the question asks about.",
		}
	}

	if isAggregation(sqlText) && res.RowCount == 1 && mostlyNull(res.Rows[0]) {
		return Finding{
			Suspicious: true,
			Reason:     "null_aggregation",
			Feedback: "The aggregation returned NULL values. The aggregated column may not exist, " +
				"may be misspelled, or may hold no data; verify the column names against the schema.",
		}
	}

	return Finding{}
}

var questionTokenRe = regexp.MustCompile(`[a-z0-9]+`)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"for": true, "to": true, "and": true, "or": true, "by": true, "with": true,
	"show": true, "me": true, "all": true, "list": true, "what": true,
	"which": true, "how": true, "many": true, "much": true, "is": true,
	"are": true, "was": true, "were": true, "per": true, "from": true,
	"each": true, "every": true, "top": true, "give": true, "get": true,
	"find": true, "their": true, "our": true, "have": true, "has": true,
	"did": true, "does": true, "do": true,
}

// aggregateOutputs are column names that never match question wording but
// are legitimate outputs of aggregate queries.
var aggregateOutputs = map[string]bool{
	"count": true, "cnt": true, "total": true, "sum": true, "avg": true,
	"average": true, "min": true, "max": true, "mean": true, "median": true,
	"num": true, "number": true, "pct": true, "percent": true,
	"percentage": true, "rate": true, "ratio": true,
}

// columnsUnrelated reports whether no result column shares a content term
// with the question. Aggregate output names count as related.
func columnsUnrelated(question string, columns []string) (bool, string) {
	if len(columns) == 0 {
		return false, ""
	}

	terms := make([]string, 0, 8)
	for _, tok := range questionTokenRe.FindAllString(strings.ToLower(question), -1) {
		if len(tok) >= 3 && !stopwords[tok] {
			terms = append(terms, tok)
		}
	}
	if len(terms) == 0 {
		return false, ""
	}

	for _, col := range columns {
		for _, part := range questionTokenRe.FindAllString(strings.ToLower(col), -1) {
			if aggregateOutputs[part] {
				return false, ""
			}
			for _, term := range terms {
				if termsMatch(term, part) {
					return false, ""
				}
			}
		}
	}
	return true, strings.Join(columns, ", ")
}

// termsMatch lines up plural and suffixed forms: an exact plural always
// matches (id/ids), longer terms match on a shared prefix (order/orders,
// total/totals).
func termsMatch(a, b string) bool {
	if a == b || a+"s" == b || b+"s" == a {
		return true
	}
	if len(a) >= 4 && len(b) >= 4 {
		return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
	}
	return false
}

var aggregationRe = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX)\s*\(|GROUP\s+BY`)

func isAggregation(sqlText string) bool {
	return aggregationRe.MatchString(sqlText)
}

// mostlyNull reports whether over half of the row's values are NULL.
func mostlyNull(row map[string]interface{}) bool {
	if len(row) == 0 {
		return false
	}
	nulls := 0
	for _, v := range row {
		if v == nil {
			nulls++
		}
	}
	return nulls*2 > len(row)
}

func addUsage(total *models.TokenUsage, u models.TokenUsage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.CostUSD += u.CostUSD
	if total.Model == "" {
		total.Model = u.Model
	}
}
