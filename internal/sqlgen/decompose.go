package sqlgen

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/validation"
)

// DefaultMaxSubQuestions bounds decomposition when no limit is configured.
const DefaultMaxSubQuestions = 5

// decomposeTriggers match question shapes that usually need more than one
// logical step: comparisons, period-over-period splits, multi-grouping,
// and segmentation.
var decomposeTriggers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcompare(d)?\b`),
	regexp.MustCompile(`(?i)\bversus\b|\bvs\.?\b`),
	regexp.MustCompile(`(?i)\bdifference between\b`),
	regexp.MustCompile(`(?i)\b(this|last|previous|current)\s+(week|month|quarter|year)\b.*\b(this|last|previous|current)\s+(week|month|quarter|year)\b`),
	regexp.MustCompile(`(?i)\bby\s+\w+(,| and)\s+(then\s+)?by\s+\w+\b`),
	regexp.MustCompile(`(?i)\bsegment(ed)?\b|\bcohort\b|\bbreak(ing)?\s+down\b`),
	regexp.MustCompile(`(?i)\bfor each\b.*\band\b.*\bfor each\b`),
}

// ShouldDecompose reports whether the question matches a complexity
// trigger worth splitting into sub-questions.
func ShouldDecompose(query string) bool {
	for _, re := range decomposeTriggers {
		if re.MatchString(query) {
			return true
		}
	}
	return false
}

const decomposeSystem = `You split complex analytical questions into ordered sub-questions.
Respond with JSON only, in this shape:
{"sub_questions": [{"id": "a", "question": "...", "depends_on": []}]}
Each sub-question must be answerable with one SQL query. Use depends_on to
reference earlier ids whose results a step builds on. The final sub-question
must produce the answer to the original question.`

type subQuestion struct {
	ID        string   `json:"id"`
	Question  string   `json:"question"`
	DependsOn []string `json:"depends_on"`
}

type decomposition struct {
	SubQuestions []subQuestion `json:"sub_questions"`
}

// Decompose splits the question, generates SQL per sub-question in
// dependency order, and assembles one statement: every sub-result becomes
// a CTE and the last becomes the outer SELECT. Any shape the assembly
// cannot express falls back to single-shot generation.
func (g *Generator) Decompose(ctx context.Context, in PromptInput, schema *models.SchemaInfo, maxSub int) (*Result, error) {
	if maxSub <= 0 {
		maxSub = DefaultMaxSubQuestions
	}

	subs, usage, err := g.splitQuestion(ctx, in.Question)
	if err != nil {
		g.logger.Warn("decomposition failed, generating directly", zap.Error(err))
		return g.fallbackDirect(ctx, in, schema, &Result{Usage: usage})
	}
	if len(subs) <= 1 {
		return g.fallbackDirect(ctx, in, schema, &Result{Usage: usage})
	}
	if len(subs) > maxSub {
		g.logger.Warn("decomposition truncated",
			zap.Int("sub_questions", len(subs)),
			zap.Int("max", maxSub))
		subs = subs[:maxSub]
	}

	ordered := orderSubQuestions(subs, g.logger)

	res := &Result{Usage: usage}
	type subResult struct {
		cte string
		sql string
	}
	results := make([]subResult, 0, len(ordered))
	available := make([]string, 0, len(ordered))

	for _, sub := range ordered {
		subIn := in
		subIn.Question = sub.Question
		if len(available) > 0 {
			subIn.SchemaText = in.SchemaText + "\n" + cteContext(available, ordered)
		}

		// Sub-statements may reference earlier CTE names the schema does
		// not know; only the assembled statement gets schema validation.
		subRes, err := g.Generate(ctx, subIn, nil)
		if subRes != nil {
			accumulate(&res.Usage, subRes.Usage)
			res.Attempts += subRes.Attempts
		}
		if err != nil {
			g.logger.Warn("sub-question generation failed, generating directly",
				zap.String("sub_question", sub.Question), zap.Error(err))
			return g.fallbackDirect(ctx, in, schema, res)
		}
		// Nested WITH cannot be folded into a CTE body portably.
		if startsWithWith(subRes.SQL) {
			g.logger.Debug("sub-question produced a WITH statement, generating directly")
			return g.fallbackDirect(ctx, in, schema, res)
		}
		results = append(results, subResult{cte: cteName(sub.ID), sql: subRes.SQL})
		available = append(available, sub.ID)
	}

	var b strings.Builder
	if len(results) > 1 {
		b.WriteString("WITH ")
		for i, r := range results[:len(results)-1] {
			if i > 0 {
				b.WriteString(",\n")
			}
			fmt.Fprintf(&b, "%s AS (\n%s\n)", r.cte, strings.TrimSuffix(strings.TrimSpace(r.sql), ";"))
		}
		b.WriteString("\n")
	}
	final := results[len(results)-1].sql
	b.WriteString(strings.TrimSpace(final))

	assembled := b.String()
	if err := validateGenerated(assembled, schema); err != nil {
		g.logger.Warn("assembled decomposition failed validation, generating directly", zap.Error(err))
		return g.fallbackDirect(ctx, in, schema, res)
	}

	res.SQL = assembled
	return res, nil
}

// fallbackDirect runs plain generation while preserving the usage already
// spent on the abandoned decomposition.
func (g *Generator) fallbackDirect(ctx context.Context, in PromptInput, schema *models.SchemaInfo, spent *Result) (*Result, error) {
	direct, err := g.Generate(ctx, in, schema)
	if direct != nil {
		accumulate(&direct.Usage, spent.Usage)
		direct.Attempts += spent.Attempts
	}
	return direct, err
}

func (g *Generator) splitQuestion(ctx context.Context, question string) ([]subQuestion, models.TokenUsage, error) {
	resp, err := g.client.Complete(ctx, llm.Request{
		System:      decomposeSystem,
		Messages:    []llm.Message{{Role: models.RoleUser, Content: question}},
		Temperature: &zeroTemp,
		JSONMode:    true,
	})
	if err != nil {
		return nil, models.TokenUsage{}, err
	}

	var d decomposition
	if err := json.Unmarshal([]byte(StripFences(resp.Content)), &d); err != nil {
		return nil, resp.Usage, fmt.Errorf("parse decomposition: %w", err)
	}

	subs := make([]subQuestion, 0, len(d.SubQuestions))
	for _, sub := range d.SubQuestions {
		if strings.TrimSpace(sub.Question) == "" {
			continue
		}
		if sub.ID == "" {
			sub.ID = fmt.Sprintf("s%d", len(subs)+1)
		}
		subs = append(subs, sub)
	}
	return subs, resp.Usage, nil
}

// orderSubQuestions topologically sorts by declared dependencies; cycles
// fall back to arrival order with a logged warning.
func orderSubQuestions(subs []subQuestion, logger *zap.Logger) []subQuestion {
	nodes := make([]validation.DependencyNode, len(subs))
	byID := make(map[string]subQuestion, len(subs))
	for i, s := range subs {
		nodes[i] = validation.DependencyNode{ID: s.ID, DependsOn: s.DependsOn}
		byID[s.ID] = s
	}

	sorted := validation.SortByDependencies(nodes)
	if sorted.HasCycle {
		logger.Warn("sub-question dependencies contain a cycle", zap.String("detail", sorted.Warning))
	}

	out := make([]subQuestion, 0, len(subs))
	for _, id := range sorted.Order {
		out = append(out, byID[id])
	}
	return out
}

// cteContext tells the model which earlier sub-results it can reference.
func cteContext(available []string, subs []subQuestion) string {
	questions := make(map[string]string, len(subs))
	for _, s := range subs {
		questions[s.ID] = s.Question
	}
	var b strings.Builder
	b.WriteString("Earlier sub-results are available as tables:\n")
	for _, id := range available {
		fmt.Fprintf(&b, "- %s (answers: %s)\n", cteName(id), questions[id])
	}
	return b.String()
}

var cteNameRe = regexp.MustCompile(`[^a-z0-9_]+`)

func cteName(id string) string {
	clean := cteNameRe.ReplaceAllString(strings.ToLower(id), "_")
	clean = strings.Trim(clean, "_")
	if clean == "" {
		clean = "step"
	}
	return "sub_" + clean
}

func startsWithWith(sql string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "WITH ")
}
