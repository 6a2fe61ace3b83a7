package sqlchat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/confidence"
	"github.com/inkwell-ai/inkwell/internal/fewshot"
	"github.com/inkwell-ai/inkwell/internal/intent"
	"github.com/inkwell-ai/inkwell/internal/masking"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/schema"
	"github.com/inkwell-ai/inkwell/internal/session"
	"github.com/inkwell-ai/inkwell/internal/sqlexec"
	"github.com/inkwell-ai/inkwell/internal/sqlgen"
	"github.com/inkwell-ai/inkwell/internal/sqlmemory"
	"github.com/inkwell-ai/inkwell/internal/streaming"
	"github.com/inkwell-ai/inkwell/internal/validation"
)

// run is the per-query pipeline state. One run exists per ExecuteQuery
// call; the session's execution slot is held for its whole lifetime.
type run struct {
	svc      *Service
	sess     *session.Session
	conn     *models.DatabaseConnection
	pool     *sqlx.DB
	question string

	res     *models.QueryResult
	timings map[string]int64
	usage   models.TokenUsage
	start   time.Time

	// populated by the link stage
	linked     *models.SchemaInfo
	schemaText string
	relevance  float64
	fewShotSim float64
	examples   []models.FewShotExample
}

// ExecuteQuery runs one natural-language query against the session's
// connection. Queries within a session run in submission order. Stage
// failures return a failed QueryResult, not an error; errors are
// reserved for unknown sessions and connections.
func (s *Service) ExecuteQuery(ctx context.Context, sessionID, userID, question string) (*models.QueryResult, error) {
	sess, err := s.ownedSession(sessionID, userID)
	if err != nil {
		return nil, err
	}
	conn, err := s.conns.Get(ctx, sess.ConnectionID, userID)
	if err != nil {
		return nil, err
	}

	sess.BeginExec()
	defer sess.EndExec()

	r := &run{
		svc:      s,
		sess:     sess,
		conn:     conn,
		question: question,
		res:      &models.QueryResult{},
		timings:  make(map[string]int64),
		start:    time.Now(),
	}
	return r.execute(ctx), nil
}

func (r *run) execute(ctx context.Context) *models.QueryResult {
	// Stage 1: validate the natural-language input.
	t0 := time.Now()
	r.status("validate", "validating input")
	if err := validation.ValidateUserInput(r.question); err != nil {
		metrics.SQLValidationRejections.WithLabelValues("user_input", "rejected").Inc()
		return r.fail(err)
	}
	r.mark("validate", t0)

	// Stage 2: refinement branch when the question modifies the
	// previous exchange. IsFollowUp is always false on empty history.
	if r.sess.Memory.IsFollowUp(r.question) {
		return r.refine(ctx)
	}

	r.sess.SetStatus(models.SessionStatusGenerating)

	// Stage 3: classify intent.
	t0 = time.Now()
	r.status("intent", "classifying intent")
	cls := intent.Classify(r.question)
	r.res.Intent = cls.Intent
	r.mark("intent", t0)

	// Stage 4: narrow the schema to the tables this question needs.
	t0 = time.Now()
	r.status("schema_link", "linking schema")
	if err := r.linkSchema(ctx); err != nil {
		return r.fail(err)
	}
	r.mark("schema_link", t0)

	// Few-shot retrieval is advisory; failures only cost examples.
	t0 = time.Now()
	r.retrieveExamples(ctx)
	r.mark("few_shot", t0)

	// Stage 5: generate SQL, decomposing multi-part questions.
	t0 = time.Now()
	r.status("generate", "generating SQL")
	in := sqlgen.PromptInput{
		Question:    r.question,
		Dialect:     r.conn.Type,
		SchemaText:  r.schemaText,
		Examples:    r.examples,
		IntentHint:  cls.Hint,
		Granularity: cls.Granularity,
		Limit:       cls.Limit,
		JoinHints:   schema.JoinHints(r.linked),
	}
	var (
		genRes *sqlgen.Result
		err    error
	)
	if sqlgen.ShouldDecompose(r.question) {
		genRes, err = r.svc.generator.Decompose(ctx, in, r.linked, r.svc.cfg.MaxSubQuestions)
	} else {
		genRes, err = r.svc.generator.Generate(ctx, in, r.linked)
	}
	if genRes != nil {
		r.res.SQLGenerated = genRes.SQL
		r.res.RetryCount = genRes.Attempts
		r.addUsage(genRes.Usage)
	}
	if err != nil {
		metrics.SQLValidationRejections.WithLabelValues("generated", "invalid").Inc()
		return r.fail(err)
	}
	r.mark("generate", t0)
	r.event(streaming.Event{Type: streaming.EventSQL, Message: genRes.SQL})

	// Stage 6: cost gate.
	r.sess.SetStatus(models.SessionStatusValidating)
	t0 = time.Now()
	r.status("estimate", "estimating cost")
	if r.pool == nil {
		pool, perr := r.svc.conns.Pool(ctx, r.conn)
		if perr != nil {
			return r.fail(perr)
		}
		r.pool = pool
	}
	est := r.svc.estimator.Estimate(ctx, r.pool, r.conn.Type, genRes.SQL)
	r.res.CostEstimate = est
	if est != nil && est.HasSeqScan {
		r.res.ValidationWarnings = append(r.res.ValidationWarnings, "query plan includes a sequential scan")
	}
	if err := r.svc.estimator.Gate(est, r.conn.Type); err != nil {
		metrics.SQLValidationRejections.WithLabelValues("cost_gate", "unsafe").Inc()
		return r.fail(err)
	}
	r.mark("estimate", t0)

	// Stage 7: execute, then let the semantic inspector retry while the
	// result looks wrong.
	r.sess.SetStatus(models.SessionStatusExecuting)
	t0 = time.Now()
	r.status("execute", "executing query")
	execRes, err := r.svc.executor.Execute(ctx, r.pool, r.conn.Type, genRes.SQL)
	if err != nil {
		return r.fail(err)
	}
	outcome := r.svc.inspector.Run(ctx, r.svc.generator, r.question, genRes.SQL, execRes, r.linked,
		func(ctx context.Context, sqlText string) (*sqlexec.ExecResult, error) {
			return r.svc.executor.Execute(ctx, r.pool, r.conn.Type, sqlText)
		})
	r.res.SQLGenerated = outcome.SQL
	r.res.RetryCount += outcome.Retries
	r.addUsage(outcome.Usage)
	r.mark("execute", t0)

	return r.finish(ctx, outcome.Result)
}

// refine modifies the previous SQL per the new instruction. Intent
// classification and the cost gate are skipped; the statement still goes
// through validation inside Refine and through the safe executor.
func (r *run) refine(ctx context.Context) *models.QueryResult {
	r.sess.SetStatus(models.SessionStatusGenerating)
	t0 := time.Now()
	r.status("refine", "refining previous SQL")

	schemaInfo, schemaText := r.sess.Schema()
	in := sqlgen.PromptInput{
		Question:   r.question,
		Dialect:    r.conn.Type,
		SchemaText: schemaText,
	}
	genRes, err := r.svc.generator.Refine(ctx, r.question, r.sess.Memory.RefinementContext(), in, schemaInfo)
	if genRes != nil {
		r.res.SQLGenerated = genRes.SQL
		r.res.RetryCount = genRes.Attempts
		r.addUsage(genRes.Usage)
	}
	if err != nil {
		metrics.SQLValidationRejections.WithLabelValues("generated", "invalid").Inc()
		return r.fail(err)
	}
	r.mark("refine", t0)
	r.event(streaming.Event{Type: streaming.EventSQL, Message: genRes.SQL})

	r.sess.SetStatus(models.SessionStatusExecuting)
	t0 = time.Now()
	r.status("execute", "executing query")
	if r.pool == nil {
		pool, perr := r.svc.conns.Pool(ctx, r.conn)
		if perr != nil {
			return r.fail(perr)
		}
		r.pool = pool
	}
	execRes, err := r.svc.executor.Execute(ctx, r.pool, r.conn.Type, genRes.SQL)
	if err != nil {
		return r.fail(err)
	}
	r.mark("execute", t0)

	return r.finish(ctx, execRes)
}

// linkSchema loads the session schema (introspecting lazily when the
// session was opened without one) and narrows it to the question.
func (r *run) linkSchema(ctx context.Context) error {
	schemaInfo, schemaText := r.sess.Schema()
	if schemaInfo == nil {
		info, err := r.svc.schemas.Introspect(ctx, r.conn, false)
		if err != nil {
			return apperr.Wrap(apperr.ExternalService, err, "schema introspection failed")
		}
		schemaInfo = info
		schemaText = schema.FormatForPrompt(info)
		r.sess.SetSchema(info, schemaText)
	}

	linkRes, err := r.svc.linker.Link(ctx, r.conn.ID, schemaInfo, r.question)
	if err != nil {
		// Linking is an optimization; fall back to the full schema.
		r.svc.logger.Warn("schema linking failed, using full schema",
			zap.String("session_id", r.sess.ID), zap.Error(err))
		r.linked = schemaInfo
		r.schemaText = schemaText
		return nil
	}
	r.linked = linkRes.Schema
	r.schemaText = schema.FormatForPrompt(linkRes.Schema)
	r.relevance = linkRes.MeanTopScore
	return nil
}

// retrieveExamples pulls few-shot pairs when a store is wired. Soft.
func (r *run) retrieveExamples(ctx context.Context) {
	if r.svc.fewshots == nil {
		return
	}
	examples, err := r.svc.fewshots.Search(ctx, r.question, fewshot.SearchOptions{
		TopK:   r.svc.cfg.FewShotTopK,
		Domain: fewshot.InferDomain(r.schemaText),
	})
	if err != nil {
		r.svc.logger.Warn("few-shot retrieval failed",
			zap.String("session_id", r.sess.ID), zap.Error(err))
		return
	}
	r.examples = examples
	if len(examples) > 0 {
		r.fewShotSim = examples[0].Similarity
	}
}

// finish masks, scores, explains, and records a successful execution.
func (r *run) finish(ctx context.Context, execRes *sqlexec.ExecResult) *models.QueryResult {
	// Stage 8: masking per connection policy.
	t0 := time.Now()
	r.status("mask", "applying masking policy")
	masker := masking.New(r.conn.MaskingPolicy)
	r.res.Rows = masker.Apply(execRes.Rows)
	r.res.Columns = masker.Columns(execRes.Columns)
	r.res.RowCount = execRes.RowCount
	r.res.ExecutionTimeMs = execRes.Duration.Milliseconds()
	if execRes.Truncated {
		r.res.ValidationWarnings = append(r.res.ValidationWarnings,
			fmt.Sprintf("result truncated to %d rows", execRes.RowCount))
	}
	r.mark("mask", t0)

	// Stage 9: confidence.
	t0 = time.Now()
	r.res.Confidence = r.svc.scorer.Score(confidence.Input{
		Query:             r.question,
		Columns:           r.res.Columns,
		TableRelevance:    r.relevance,
		FewShotSimilarity: r.fewShotSim,
		Retries:           r.res.RetryCount,
	})
	metrics.SQLQueryConfidence.Observe(r.res.Confidence.Score)
	r.mark("confidence", t0)

	// Stage 10: short natural-language explanation. Advisory.
	t0 = time.Now()
	r.status("explain", "summarizing result")
	expl, exUsage, err := r.svc.generator.Explain(ctx, r.question, r.res.SQLGenerated,
		r.res.RowCount, r.res.Columns, r.res.Rows)
	r.addUsage(exUsage)
	if err != nil {
		r.svc.logger.Warn("result explanation failed",
			zap.String("session_id", r.sess.ID), zap.Error(err))
	} else {
		r.res.Explanation = expl
	}
	r.mark("explain", t0)

	// Stage 11: telemetry, history, memory.
	r.res.Success = true
	r.seal()
	r.sess.SetStatus(models.SessionStatusComplete)
	r.sess.Memory.Record(sqlmemory.Exchange{
		UserQuery:     r.question,
		SQL:           r.res.SQLGenerated,
		ResultSummary: sqlmemory.Summarize(r.res.RowCount, r.res.Columns),
		Columns:       r.res.Columns,
	})
	r.record()
	metrics.SQLQueries.WithLabelValues(intentLabel(r.res.Intent), "success").Inc()

	if data, err := json.Marshal(r.res); err == nil {
		r.event(streaming.Event{Type: streaming.EventResult, Data: data})
	}
	r.event(streaming.Event{Type: streaming.EventDone})
	return r.res
}

// fail seals a failed result: public error message, telemetry, history,
// error event. The pipeline never surfaces stage errors as Go errors.
func (r *run) fail(err error) *models.QueryResult {
	r.res.Success = false
	r.res.Error = apperr.PublicMessage(err)
	r.seal()
	r.sess.SetStatus(models.SessionStatusError)
	r.record()
	metrics.SQLQueries.WithLabelValues(intentLabel(r.res.Intent), "error").Inc()

	r.svc.logger.Warn("query pipeline failed",
		zap.String("session_id", r.sess.ID),
		zap.String("intent", r.res.Intent),
		zap.Error(err),
	)
	r.event(streaming.Event{Type: streaming.EventError, Message: r.res.Error})
	r.event(streaming.Event{Type: streaming.EventDone})
	return r.res
}

// seal fixes total timing and attaches the timings map and appends the
// result to session history.
func (r *run) seal() {
	r.timings["total"] = time.Since(r.start).Milliseconds()
	r.res.Timings = r.timings
	r.sess.AppendHistory(*r.res)
}

// record writes the telemetry entry for this run.
func (r *run) record() {
	if r.svc.telemetry == nil {
		return
	}
	rec := &models.QueryTelemetry{
		SessionID:       r.sess.ID,
		UserQuery:       r.question,
		GeneratedSQL:    r.res.SQLGenerated,
		Intent:          r.res.Intent,
		RetryCount:      r.res.RetryCount,
		ExecutionTimeMs: r.res.ExecutionTimeMs,
		RowCount:        r.res.RowCount,
		TokensUsed:      r.usage.TotalTokens,
		CostUSD:         r.usage.CostUSD,
		Success:         r.res.Success,
		Error:           r.res.Error,
	}
	if r.res.Confidence != nil {
		rec.ConfidenceScore = r.res.Confidence.Score
	}
	if r.res.CostEstimate != nil {
		rec.CostEstimate = r.res.CostEstimate.TotalCost
	}
	r.svc.telemetry.Record(rec)
}

func (r *run) addUsage(u models.TokenUsage) {
	r.usage.PromptTokens += u.PromptTokens
	r.usage.CompletionTokens += u.CompletionTokens
	r.usage.TotalTokens += u.TotalTokens
	r.usage.CostUSD += u.CostUSD
	if r.usage.Model == "" {
		r.usage.Model = u.Model
	}
}

// mark records a stage's elapsed time in the timings map and metrics.
func (r *run) mark(stage string, t0 time.Time) {
	elapsed := time.Since(t0)
	r.timings[stage] = elapsed.Milliseconds()
	metrics.RecordSQLStage(stage, elapsed.Seconds())
}

// status publishes a stage-transition event.
func (r *run) status(stage, message string) {
	r.event(streaming.Event{Type: streaming.EventStatus, Stage: stage, Message: message})
}

func (r *run) event(evt streaming.Event) {
	if r.svc.events == nil {
		return
	}
	r.svc.events.Publish(r.sess.ID, evt)
}

func intentLabel(in string) string {
	if in == "" {
		return "unknown"
	}
	return in
}
