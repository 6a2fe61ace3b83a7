package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/inkwell-ai/inkwell/internal/sqlconn"
)

// handleCreateConnection validates a connection (including the read-only
// probe) and persists it with the password encrypted.
// POST /api/sql-chat/connections
func (s *Server) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var req sqlconn.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	conn, err := s.conns.Create(r.Context(), s.user(r).UserID, req)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusCreated, envelope{"connection": conn})
}

// handleListConnections lists the caller's stored connections; secrets
// never serialize.
// GET /api/sql-chat/connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.conns.List(r.Context(), s.user(r).UserID)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"connections": conns})
}

// handleTestConnection checks connectivity and read-only-ness without
// persisting anything.
// POST /api/sql-chat/connections/test
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req sqlconn.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	res, err := s.conns.Test(r.Context(), req)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	// A failed probe is still a 200; success reports the probe outcome.
	writeJSON(w, http.StatusOK, envelope{
		"success":        res.Success,
		"message":        res.Message,
		"latency_ms":     res.LatencyMS,
		"server_version": res.ServerVersion,
	})
}

type parseStringRequest struct {
	ConnectionString string `json:"connection_string"`
}

// handleParseConnectionString splits a database URI into components.
// POST /api/sql-chat/connections/parse-string
func (s *Server) handleParseConnectionString(w http.ResponseWriter, r *http.Request) {
	var req parseStringRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	parts, err := sqlconn.ParseDSN(req.ConnectionString)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"connection": parts})
}

// handleDeleteConnection removes a stored connection.
// DELETE /api/sql-chat/connections/{id}
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.conns.Delete(r.Context(), r.PathValue("id"), s.user(r).UserID); err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, nil)
}

type createSessionRequest struct {
	ConnectionID      string `json:"connectionId"`
	SkipSchemaRefresh bool   `json:"skipSchemaRefresh,omitempty"`
}

// handleCreateSession opens a chat session on a stored connection.
// POST /api/sql-chat/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}
	if req.ConnectionID == "" {
		failValidation(w, "connectionId is required")
		return
	}

	sess, formatted, err := s.sqlchat.CreateSession(r.Context(),
		s.user(r).UserID, req.ConnectionID, req.SkipSchemaRefresh)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusCreated, envelope{
		"sessionId":       sess.ID,
		"connectionId":    sess.ConnectionID,
		"schemaFormatted": formatted,
	})
}

// handleGetSession returns the session snapshot.
// GET /api/sql-chat/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sqlchat.Session(r.PathValue("id"), s.user(r).UserID)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"session": snap})
}

// handleRefreshSchema forces re-introspection for the session.
// POST /api/sql-chat/sessions/{id}/refresh-schema
func (s *Server) handleRefreshSchema(w http.ResponseWriter, r *http.Request) {
	formatted, err := s.sqlchat.RefreshSchema(r.Context(), r.PathValue("id"), s.user(r).UserID)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"schemaFormatted": formatted})
}

// handleDeleteSession closes a session and drops its stream history.
// DELETE /api/sql-chat/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sqlchat.DeleteSession(r.PathValue("id"), s.user(r).UserID); err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, nil)
}

type sqlQueryRequest struct {
	Query string `json:"query"`
}

// handleSQLQuery runs one natural-language query synchronously.
// POST /api/sql-chat/query/{session_id}
func (s *Server) handleSQLQuery(w http.ResponseWriter, r *http.Request) {
	var req sqlQueryRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}

	result, err := s.sqlchat.ExecuteQuery(r.Context(),
		r.PathValue("session_id"), s.user(r).UserID, req.Query)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"result": result})
}

// handleHistory lists recent query records for a session.
// GET /api/sql-chat/history/{session_id}?limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			failValidation(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.sqlchat.History(r.PathValue("session_id"), s.user(r).UserID, limit)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"history": history})
}

// handleTelemetrySummary aggregates query telemetry over a window.
// GET /api/sql-chat/telemetry/summary?window=24h
func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if q := r.URL.Query().Get("window"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			failValidation(w, "window must be a positive duration like 24h or 90m")
			return
		}
		window = d
	}

	stats, err := s.telemetry.Stats(r.Context(), window)
	if err != nil {
		fail(w, s.logger, err)
		return
	}
	ok(w, http.StatusOK, envelope{"summary": stats})
}
