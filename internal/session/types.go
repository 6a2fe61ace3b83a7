package session

import (
	"errors"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/sqlmemory"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrExpired indicates the session existed but its idle TTL elapsed.
	ErrExpired = errors.New("session expired")
)

// maxQueryHistory bounds the per-session query history independently of
// the conversational memory ring. History entries carry result metadata
// only; rows are stripped before appending.
const maxQueryHistory = 100

// Session is one SQL chat conversation bound to a database connection.
// Sessions live in process memory and do not survive a restart; only
// connections persist.
type Session struct {
	ID           string
	UserID       string
	ConnectionID string
	CreatedAt    time.Time

	// Memory is the conversational ring consulted for follow-up
	// detection and refinement context. It is internally synchronized.
	Memory *sqlmemory.Memory

	// execMu serializes query execution so queries submitted to the
	// same session run in submission order and update state atomically.
	execMu sync.Mutex

	mu          sync.RWMutex
	status      string
	schema      *models.SchemaInfo
	schemaText  string
	history     []models.QueryResult
	lastQueryAt time.Time
}

// BeginExec acquires the session's execution slot. Callers must pair it
// with EndExec.
func (s *Session) BeginExec() { s.execMu.Lock() }

// EndExec releases the execution slot acquired by BeginExec.
func (s *Session) EndExec() { s.execMu.Unlock() }

// Status returns the session's lifecycle status.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus updates the session's lifecycle status.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Schema returns the introspected schema and its prompt-ready rendering.
func (s *Session) Schema() (*models.SchemaInfo, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema, s.schemaText
}

// SetSchema stores a freshly introspected schema and its rendering.
func (s *Session) SetSchema(schema *models.SchemaInfo, formatted string) {
	s.mu.Lock()
	s.schema = schema
	s.schemaText = formatted
	s.mu.Unlock()
}

// AppendHistory records a completed query and stamps LastQueryAt. Rows
// are dropped so history holds metadata, not result payloads. The
// history is capped; the oldest records fall off first.
func (s *Session) AppendHistory(res models.QueryResult) {
	res.Rows = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, res)
	if len(s.history) > maxQueryHistory {
		s.history = s.history[len(s.history)-maxQueryHistory:]
	}
	s.lastQueryAt = time.Now()
}

// History returns up to limit of the most recent query records, oldest
// first. limit <= 0 returns the full history.
func (s *Session) History(limit int) []models.QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.QueryResult, n)
	copy(out, s.history[len(s.history)-n:])
	return out
}

// LastQueryAt returns the time of the most recent completed query, or
// the zero time when no query has run.
func (s *Session) LastQueryAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastQueryAt
}

// Snapshot returns the API-facing view of the session including its
// query history.
func (s *Session) Snapshot() models.SQLChatSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := models.SQLChatSession{
		SessionID:    s.ID,
		UserID:       s.UserID,
		ConnectionID: s.ConnectionID,
		Schema:       s.schema,
		Status:       s.status,
		CreatedAt:    s.CreatedAt,
	}
	if len(s.history) > 0 {
		snap.QueryHistory = make([]models.QueryResult, len(s.history))
		copy(snap.QueryHistory, s.history)
	}
	if !s.lastQueryAt.IsZero() {
		t := s.lastQueryAt
		snap.LastQueryAt = &t
	}
	return snap
}
