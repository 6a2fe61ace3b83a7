// Package sqlchat orchestrates natural-language-to-SQL conversations:
// session lifecycle against stored connections, and the staged query
// pipeline (validate, refine or classify+link+generate, cost gate,
// execute with semantic inspection, mask, score, explain, log).
package sqlchat

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/confidence"
	"github.com/inkwell-ai/inkwell/internal/fewshot"
	"github.com/inkwell-ai/inkwell/internal/inspect"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/schema"
	"github.com/inkwell-ai/inkwell/internal/session"
	"github.com/inkwell-ai/inkwell/internal/sqlexec"
	"github.com/inkwell-ai/inkwell/internal/sqlgen"
	"github.com/inkwell-ai/inkwell/internal/streaming"
	"github.com/inkwell-ai/inkwell/internal/telemetry"
)

// Connections is the slice of the connection manager the service needs.
type Connections interface {
	Get(ctx context.Context, id, userID string) (*models.DatabaseConnection, error)
	Pool(ctx context.Context, conn *models.DatabaseConnection) (*sqlx.DB, error)
}

// SchemaProvider introspects target schemas with caching.
type SchemaProvider interface {
	Introspect(ctx context.Context, conn *models.DatabaseConnection, force bool) (*models.SchemaInfo, error)
}

// Linker narrows a schema to the tables one question needs.
type Linker interface {
	Link(ctx context.Context, connID string, schema *models.SchemaInfo, query string) (*schema.LinkResult, error)
	Invalidate(connID string)
}

// Generator produces, refines, repairs, and explains SQL.
type Generator interface {
	Generate(ctx context.Context, in sqlgen.PromptInput, schema *models.SchemaInfo) (*sqlgen.Result, error)
	Refine(ctx context.Context, instruction, refinementContext string, in sqlgen.PromptInput, schema *models.SchemaInfo) (*sqlgen.Result, error)
	Decompose(ctx context.Context, in sqlgen.PromptInput, schema *models.SchemaInfo, maxSub int) (*sqlgen.Result, error)
	CorrectWithFeedback(ctx context.Context, question, previousSQL, feedback string, schema *models.SchemaInfo) (*sqlgen.Result, error)
	Explain(ctx context.Context, question, sql string, rowCount int, columns []string, rows []map[string]interface{}) (string, models.TokenUsage, error)
}

// ExampleSearcher retrieves few-shot examples. Optional; nil disables
// the stage.
type ExampleSearcher interface {
	Search(ctx context.Context, query string, opts fewshot.SearchOptions) ([]models.FewShotExample, error)
}

// Deps collects everything the service composes.
type Deps struct {
	Config    config.SQLChatConfig
	Conns     Connections
	Sessions  *session.Manager
	Schemas   SchemaProvider
	Linker    Linker
	FewShots  ExampleSearcher
	Generator Generator
	Estimator *sqlexec.Estimator
	Executor  *sqlexec.Executor
	Inspector *inspect.Inspector
	Telemetry *telemetry.Logger
	Events    *streaming.Manager
	Logger    *zap.Logger
}

// Service runs SQL chat sessions end to end.
type Service struct {
	cfg       config.SQLChatConfig
	conns     Connections
	sessions  *session.Manager
	schemas   SchemaProvider
	linker    Linker
	fewshots  ExampleSearcher
	generator Generator
	estimator *sqlexec.Estimator
	executor  *sqlexec.Executor
	inspector *inspect.Inspector
	scorer    *confidence.Scorer
	telemetry *telemetry.Logger
	events    *streaming.Manager
	logger    *zap.Logger
}

// NewService wires the orchestrator.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       d.Config,
		conns:     d.Conns,
		sessions:  d.Sessions,
		schemas:   d.Schemas,
		linker:    d.Linker,
		fewshots:  d.FewShots,
		generator: d.Generator,
		estimator: d.Estimator,
		executor:  d.Executor,
		inspector: d.Inspector,
		scorer:    confidence.NewScorer(),
		telemetry: d.Telemetry,
		events:    d.Events,
		logger:    logger,
	}
}

// CreateSession opens a session on a stored connection and loads its
// schema. With skipSchemaRefresh the cached schema is reused when fresh;
// otherwise introspection is forced. Returns the session and the
// prompt-ready schema rendering.
func (s *Service) CreateSession(ctx context.Context, userID, connectionID string, skipSchemaRefresh bool) (*session.Session, string, error) {
	conn, err := s.conns.Get(ctx, connectionID, userID)
	if err != nil {
		return nil, "", err
	}

	sess := s.sessions.Create(userID, connectionID, s.cfg.HistoryLimit)
	sess.SetStatus(models.SessionStatusGeneratingDictionary)

	info, err := s.schemas.Introspect(ctx, conn, !skipSchemaRefresh)
	if err != nil {
		s.sessions.Delete(sess.ID)
		return nil, "", apperr.Wrap(apperr.ExternalService, err, "schema introspection failed")
	}

	formatted := schema.FormatForPrompt(info)
	sess.SetSchema(info, formatted)
	sess.SetStatus(models.SessionStatusReady)

	s.logger.Info("SQL chat session opened",
		zap.String("session_id", sess.ID),
		zap.String("connection_id", connectionID),
		zap.Int("tables", len(info.Tables)),
	)
	return sess, formatted, nil
}

// Session returns the API snapshot of a session owned by userID.
func (s *Service) Session(sessionID, userID string) (models.SQLChatSession, error) {
	sess, err := s.ownedSession(sessionID, userID)
	if err != nil {
		return models.SQLChatSession{}, err
	}
	return sess.Snapshot(), nil
}

// RefreshSchema forces re-introspection for the session's connection and
// returns the new rendering. Linked-table embeddings are invalidated so
// the next query re-embeds against the new structure.
func (s *Service) RefreshSchema(ctx context.Context, sessionID, userID string) (string, error) {
	sess, err := s.ownedSession(sessionID, userID)
	if err != nil {
		return "", err
	}
	conn, err := s.conns.Get(ctx, sess.ConnectionID, userID)
	if err != nil {
		return "", err
	}

	sess.SetStatus(models.SessionStatusGeneratingDictionary)
	info, err := s.schemas.Introspect(ctx, conn, true)
	if err != nil {
		sess.SetStatus(models.SessionStatusError)
		return "", apperr.Wrap(apperr.ExternalService, err, "schema introspection failed")
	}

	s.linker.Invalidate(conn.ID)
	formatted := schema.FormatForPrompt(info)
	sess.SetSchema(info, formatted)
	sess.SetStatus(models.SessionStatusReady)
	return formatted, nil
}

// History returns up to limit recent query records for a session.
func (s *Service) History(sessionID, userID string, limit int) ([]models.QueryResult, error) {
	sess, err := s.ownedSession(sessionID, userID)
	if err != nil {
		return nil, err
	}
	return sess.History(limit), nil
}

// DeleteSession removes a session and its stream replay history.
func (s *Service) DeleteSession(sessionID, userID string) error {
	if _, err := s.ownedSession(sessionID, userID); err != nil {
		return err
	}
	s.sessions.Delete(sessionID)
	if s.events != nil {
		s.events.Drop(sessionID)
	}
	return nil
}

// ownedSession resolves a live session and hides other users' sessions
// behind NotFound.
func (s *Service) ownedSession(sessionID, userID string) (*session.Session, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, err, "session %s not found", sessionID)
	}
	if sess.UserID != userID {
		return nil, apperr.New(apperr.NotFound, "session %s not found", sessionID)
	}
	return sess, nil
}
