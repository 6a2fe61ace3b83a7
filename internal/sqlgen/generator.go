// Package sqlgen turns natural-language questions into validated SQL:
// prompt assembly from linked schema and few-shot examples, a bounded
// syntactic correction loop, refinement of previous statements, and short
// result explanations.
package sqlgen

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/llm"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/validation"
)

const generateSystem = `You translate natural-language questions into read-only SQL.
Output exactly one SELECT statement (WITH clauses are allowed) and nothing else:
no commentary, no markdown fences, no DML or DDL.`

const explainSystem = `You summarize SQL query results for non-technical readers.
Answer in one or two plain sentences. Never mention SQL syntax.`

// Completer is the slice of the LLM client the generator needs.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Generator produces SQL through the configured LLM client.
type Generator struct {
	client     Completer
	maxRetries int
	logger     *zap.Logger
}

// NewGenerator builds a generator with a correction loop bounded at
// maxRetries attempts (3 when unset).
func NewGenerator(client Completer, maxRetries int, logger *zap.Logger) *Generator {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, maxRetries: maxRetries, logger: logger}
}

// PromptInput is everything that conditions one generation.
type PromptInput struct {
	Question    string
	Dialect     string
	SchemaText  string
	Examples    []models.FewShotExample
	IntentHint  string
	Granularity string
	Limit       int
	JoinHints   []string
}

// Result is a validated generation outcome. Attempts counts correction
// rounds beyond the first try; Usage sums tokens across all rounds.
type Result struct {
	SQL      string
	Attempts int
	Usage    models.TokenUsage
}

var zeroTemp = 0.0

// Generate produces SQL for the prompt input and loops through bounded
// corrections until the statement passes validation. When all attempts
// fail, the last SQL and the last validation error are both returned so
// callers can surface what was tried.
func (g *Generator) Generate(ctx context.Context, in PromptInput, schema *models.SchemaInfo) (*Result, error) {
	prompt := buildPrompt(in)
	return g.generateLoop(ctx, in.Question, prompt, schema)
}

// Refine modifies the previous statement per a follow-up instruction. The
// same validation and correction loop applies; only the prompt differs.
func (g *Generator) Refine(ctx context.Context, instruction, refinementContext string, in PromptInput, schema *models.SchemaInfo) (*Result, error) {
	var b strings.Builder
	b.WriteString(refinementContext)
	b.WriteString("\n")
	if in.SchemaText != "" {
		fmt.Fprintf(&b, "Database schema (%s):\n%s\n", dialectName(in.Dialect), in.SchemaText)
	}
	fmt.Fprintf(&b, "New instruction: %s\n", instruction)
	fmt.Fprintf(&b, "Modify the previous SQL to satisfy the new instruction. Respond with a single %s SELECT statement and nothing else.", dialectName(in.Dialect))

	return g.generateLoop(ctx, instruction, b.String(), schema)
}

func (g *Generator) generateLoop(ctx context.Context, question, prompt string, schema *models.SchemaInfo) (*Result, error) {
	res := &Result{}

	resp, err := g.client.Complete(ctx, llm.Request{
		System:      generateSystem,
		Messages:    []llm.Message{{Role: models.RoleUser, Content: prompt}},
		Temperature: &zeroTemp,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "SQL generation failed")
	}
	accumulate(&res.Usage, resp.Usage)
	res.SQL = StripFences(resp.Content)

	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = validateGenerated(res.SQL, schema)
		if lastErr == nil {
			return res, nil
		}
		if attempt >= g.maxRetries-1 {
			break
		}

		pmetrics.SQLValidationRejections.WithLabelValues("generated", "correction").Inc()
		g.logger.Debug("generated SQL rejected, correcting",
			zap.Int("attempt", attempt+1),
			zap.String("error", lastErr.Error()))

		fixed, usage, err := g.correct(ctx, question, res.SQL, lastErr)
		if err != nil {
			return res, apperr.Wrap(apperr.ExternalService, err, "SQL correction failed")
		}
		accumulate(&res.Usage, usage)
		res.SQL = fixed
		res.Attempts++
	}

	return res, apperr.Wrap(apperr.Validation, lastErr,
		"could not produce valid SQL after %d attempts: %s", g.maxRetries, lastErr.Error())
}

func (g *Generator) correct(ctx context.Context, question, badSQL string, cause error) (string, models.TokenUsage, error) {
	prompt := fmt.Sprintf(
		"The SQL below failed validation.\nQuestion: %s\nSQL:\n%s\nError: %s\nReturn the corrected statement only.",
		question, badSQL, cause.Error())

	resp, err := g.client.Complete(ctx, llm.Request{
		System:      generateSystem,
		Messages:    []llm.Message{{Role: models.RoleUser, Content: prompt}},
		Temperature: &zeroTemp,
	})
	if err != nil {
		return "", models.TokenUsage{}, err
	}
	return StripFences(resp.Content), resp.Usage, nil
}

// CorrectWithFeedback reruns generation with a targeted feedback string.
// The semantic inspector drives this after suspicious results.
func (g *Generator) CorrectWithFeedback(ctx context.Context, question, previousSQL, feedback string, schema *models.SchemaInfo) (*Result, error) {
	res := &Result{}
	fixed, usage, err := g.correct(ctx, question, previousSQL, fmt.Errorf("%s", feedback))
	if err != nil {
		return nil, apperr.Wrap(apperr.ExternalService, err, "SQL regeneration failed")
	}
	accumulate(&res.Usage, usage)
	res.SQL = fixed

	if err := validateGenerated(res.SQL, schema); err != nil {
		return res, apperr.Wrap(apperr.Validation, err, "regenerated SQL failed validation: %s", err.Error())
	}
	return res, nil
}

// Explain produces the short natural-language summary attached to a
// successful result.
func (g *Generator) Explain(ctx context.Context, question, sql string, rowCount int, columns []string, rows []map[string]interface{}) (string, models.TokenUsage, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", question)
	fmt.Fprintf(&b, "SQL used:\n%s\n", sql)
	fmt.Fprintf(&b, "Result: %d rows, columns: %s\n", rowCount, strings.Join(columns, ", "))
	for i, row := range rows {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "Row %d: %v\n", i+1, row)
	}
	b.WriteString("Explain what this result says, in one or two sentences.")

	resp, err := g.client.Complete(ctx, llm.Request{
		System:    explainSystem,
		Messages:  []llm.Message{{Role: models.RoleUser, Content: b.String()}},
		MaxTokens: 160,
	})
	if err != nil {
		return "", models.TokenUsage{}, err
	}
	return strings.TrimSpace(resp.Content), resp.Usage, nil
}

// buildPrompt renders the enriched generation prompt: examples first,
// then schema, join patterns, intent guidance, and finally the question.
func buildPrompt(in PromptInput) string {
	var b strings.Builder

	if len(in.Examples) > 0 {
		b.WriteString("Example question-to-SQL pairs:\n")
		for _, ex := range in.Examples {
			fmt.Fprintf(&b, "Q: %s\n", ex.Question)
			if ex.SQLContext != "" {
				fmt.Fprintf(&b, "Context: %s\n", ex.SQLContext)
			}
			fmt.Fprintf(&b, "SQL: %s\n\n", ex.SQL)
		}
	}

	fmt.Fprintf(&b, "Database schema (%s):\n%s\n", dialectName(in.Dialect), in.SchemaText)

	if len(in.JoinHints) > 0 {
		b.WriteString("Known join patterns:\n")
		for _, h := range in.JoinHints {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if in.IntentHint != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", in.IntentHint)
	}
	if in.Granularity != "" {
		fmt.Fprintf(&b, "Bucket time by %s.\n", in.Granularity)
	}
	if in.Limit > 0 {
		fmt.Fprintf(&b, "Return at most %d ranked rows (use LIMIT %d).\n", in.Limit, in.Limit)
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", in.Question)
	fmt.Fprintf(&b, "Respond with a single %s SELECT statement and nothing else.", dialectName(in.Dialect))
	return b.String()
}

func dialectName(d string) string {
	switch d {
	case models.DialectPostgres:
		return "PostgreSQL"
	case models.DialectMySQL:
		return "MySQL"
	case models.DialectSQLite:
		return "SQLite"
	default:
		return "SQL"
	}
}

func validateGenerated(sql string, schema *models.SchemaInfo) error {
	if err := validation.ValidateSQL(sql); err != nil {
		return err
	}
	if schema != nil {
		return validation.ValidateSchemaRefs(sql, schema)
	}
	return nil
}

func accumulate(total *models.TokenUsage, u models.TokenUsage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
	total.CostUSD += u.CostUSD
	if total.Model == "" {
		total.Model = u.Model
	}
}

// StripFences removes markdown code fences and a leading language tag
// from an LLM response, leaving bare SQL.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			first := strings.TrimSpace(s[:i])
			// Language tags ride on the opening fence: ```sql
			if len(first) <= 10 && !strings.ContainsAny(first, " \t") {
				s = s[i+1:]
			}
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	s = strings.TrimSpace(s)
	// A bare "sql" prefix line survives some providers' fence stripping.
	if lower := strings.ToLower(s); strings.HasPrefix(lower, "sql\n") {
		s = strings.TrimSpace(s[4:])
	}
	return s
}
