// Package httpapi is the service's HTTP surface: the RAG query and
// document endpoints, the SQL chat endpoints with their SSE/WebSocket
// streams, and the middleware stack (request log, recovery, API-key
// auth, Redis rate limit). Every response uses the
// {"success": bool, ...} envelope.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/auth"
	"github.com/inkwell-ai/inkwell/internal/chat"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/notebook"
	"github.com/inkwell-ai/inkwell/internal/session"
	"github.com/inkwell-ai/inkwell/internal/sqlconn"
	"github.com/inkwell-ai/inkwell/internal/streaming"
)

// NotebookService is the slice of the notebook service the handlers use.
type NotebookService interface {
	Query(ctx context.Context, userID string, req notebook.QueryRequest) (*chat.Answer, error)
	IngestText(ctx context.Context, notebookID, userID, fileName, text string) (*notebook.IngestResult, error)
	DeleteDocument(ctx context.Context, notebookID, userID, sourceID string) (int64, error)
	DeleteNotebook(ctx context.Context, notebookID, userID string) (int64, error)
	Conversations(ctx context.Context, notebookID, userID string, limit int) ([]models.ConversationMessage, error)
}

// SQLChatService is the slice of the SQL chat orchestrator the handlers
// use.
type SQLChatService interface {
	CreateSession(ctx context.Context, userID, connectionID string, skipSchemaRefresh bool) (*session.Session, string, error)
	Session(sessionID, userID string) (models.SQLChatSession, error)
	RefreshSchema(ctx context.Context, sessionID, userID string) (string, error)
	DeleteSession(sessionID, userID string) error
	History(sessionID, userID string, limit int) ([]models.QueryResult, error)
	ExecuteQuery(ctx context.Context, sessionID, userID, question string) (*models.QueryResult, error)
}

// ConnectionManager is the slice of the stored-connection manager the
// handlers use.
type ConnectionManager interface {
	Create(ctx context.Context, userID string, req sqlconn.CreateRequest) (*models.DatabaseConnection, error)
	List(ctx context.Context, userID string) ([]models.DatabaseConnection, error)
	Test(ctx context.Context, req sqlconn.CreateRequest) (*sqlconn.TestResult, error)
	Delete(ctx context.Context, id, userID string) error
}

// TelemetryReader serves the aggregated telemetry summary.
type TelemetryReader interface {
	Stats(ctx context.Context, window time.Duration) (*models.TelemetryStats, error)
}

// Deps wires the HTTP surface's collaborators.
type Deps struct {
	Notebook  NotebookService
	SQLChat   SQLChatService
	Conns     ConnectionManager
	Telemetry TelemetryReader
	Events    *streaming.Manager
	Auth      *auth.Middleware
	RateLimit *RateLimiter
	Logger    *zap.Logger
}

// Server owns the API routes.
type Server struct {
	notebook  NotebookService
	sqlchat   SQLChatService
	conns     ConnectionManager
	telemetry TelemetryReader
	events    *streaming.Manager
	auth      *auth.Middleware
	rateLimit *RateLimiter
	logger    *zap.Logger
}

// NewServer builds the API server.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		notebook:  d.Notebook,
		sqlchat:   d.SQLChat,
		conns:     d.Conns,
		telemetry: d.Telemetry,
		events:    d.Events,
		auth:      d.Auth,
		rateLimit: d.RateLimit,
		logger:    logger,
	}
}

// Routes returns the bare API mux without middleware; Handler is what
// main mounts.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// RAG pipeline
	mux.HandleFunc("POST /api/query", s.handleRAGQuery)
	mux.HandleFunc("POST /api/notebooks/{notebook_id}/documents", s.handleIngestDocument)
	mux.HandleFunc("DELETE /api/notebooks/{notebook_id}/documents/{source_id}", s.handleDeleteDocument)
	mux.HandleFunc("DELETE /api/notebooks/{notebook_id}", s.handleDeleteNotebook)
	mux.HandleFunc("GET /api/notebooks/{notebook_id}/conversations", s.handleConversations)

	// SQL chat: connections
	mux.HandleFunc("POST /api/sql-chat/connections", s.handleCreateConnection)
	mux.HandleFunc("GET /api/sql-chat/connections", s.handleListConnections)
	mux.HandleFunc("POST /api/sql-chat/connections/test", s.handleTestConnection)
	mux.HandleFunc("POST /api/sql-chat/connections/parse-string", s.handleParseConnectionString)
	mux.HandleFunc("DELETE /api/sql-chat/connections/{id}", s.handleDeleteConnection)

	// SQL chat: sessions and queries
	mux.HandleFunc("POST /api/sql-chat/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sql-chat/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sql-chat/sessions/{id}/refresh-schema", s.handleRefreshSchema)
	mux.HandleFunc("DELETE /api/sql-chat/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sql-chat/query/{session_id}", s.handleSQLQuery)
	mux.HandleFunc("POST /api/sql-chat/query/{session_id}/stream", s.handleSQLQueryStream)
	mux.HandleFunc("GET /api/sql-chat/stream/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/sql-chat/history/{session_id}", s.handleHistory)
	mux.HandleFunc("GET /api/sql-chat/telemetry/summary", s.handleTelemetrySummary)

	return mux
}

// Handler wraps the routes with the middleware stack: request logging
// outermost, then recovery, auth, and the per-user rate limit.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Routes()
	h = s.rateLimit.Middleware(h)
	if s.auth != nil {
		h = s.auth.Wrap(h)
	}
	h = Recovery(s.logger)(h)
	h = RequestLogger(s.logger)(h)
	return h
}

// user pulls the authenticated identity; the auth middleware guarantees
// it on every route.
func (s *Server) user(r *http.Request) *auth.UserContext {
	if userCtx, okUser := auth.UserFromContext(r.Context()); okUser {
		return userCtx
	}
	return &auth.UserContext{UserID: "anonymous"}
}
