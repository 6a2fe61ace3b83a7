// Package session keeps SQL chat sessions in process memory. A session
// binds a user to a stored connection, carries the introspected schema,
// the conversational memory ring, and the query history. Idle sessions
// expire after a TTL and the oldest are evicted when the cap is hit.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
	"github.com/inkwell-ai/inkwell/internal/sqlmemory"
)

const (
	defaultTTL             = 2 * time.Hour
	defaultCleanupInterval = 10 * time.Minute
	defaultMaxSessions     = 1000
)

// Manager owns the in-memory session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	access   map[string]time.Time

	ttl         time.Duration
	maxSessions int
	logger      *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager builds a session manager and starts its cleanup loop.
// Callers must Close it on shutdown.
func NewManager(cfg config.SessionsConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}

	m := &Manager{
		sessions:    make(map[string]*Session),
		access:      make(map[string]time.Time),
		ttl:         ttl,
		maxSessions: maxSessions,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop(interval)

	return m
}

// Create registers a new pending session bound to a connection.
// memoryCap sizes the conversational memory ring.
func (m *Manager) Create(userID, connectionID string, memoryCap int) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ConnectionID: connectionID,
		CreatedAt:    now,
		Memory:       sqlmemory.New(memoryCap),
	}
	s.status = models.SessionStatusPending

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.access[s.ID] = now
	evicted := m.evictOverflowLocked()
	active := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(active))

	m.logger.Info("Session created",
		zap.String("session_id", s.ID),
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
	)
	if evicted > 0 {
		m.logger.Warn("Session cap reached, evicted oldest sessions",
			zap.Int("evicted", evicted),
			zap.Int("max_sessions", m.maxSessions),
		)
	}
	return s
}

// Get returns a live session and refreshes its idle clock. Expired
// sessions are removed and reported as ErrExpired.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Since(m.access[id]) > m.ttl {
		delete(m.sessions, id)
		delete(m.access, id)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		metrics.SessionEvictions.Inc()
		return nil, ErrExpired
	}
	m.access[id] = time.Now()
	return s, nil
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.remove(id)
	m.logger.Debug("Session deleted", zap.String("session_id", id))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close stops the cleanup loop.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.access, id)
	active := len(m.sessions)
	m.mu.Unlock()
	metrics.SessionsActive.Set(float64(active))
}

func (m *Manager) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.cleanupExpired(); n > 0 {
				m.logger.Info("Expired sessions cleaned up", zap.Int("count", n))
			}
		case <-m.stopCh:
			return
		}
	}
}

// cleanupExpired removes sessions idle beyond the TTL and returns how
// many were removed.
func (m *Manager) cleanupExpired() int {
	now := time.Now()

	m.mu.Lock()
	removed := 0
	for id, last := range m.access {
		if now.Sub(last) > m.ttl {
			delete(m.sessions, id)
			delete(m.access, id)
			removed++
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()

	if removed > 0 {
		metrics.SessionsActive.Set(float64(active))
		for i := 0; i < removed; i++ {
			metrics.SessionEvictions.Inc()
		}
	}
	return removed
}

// evictOverflowLocked drops the least recently used sessions until the
// table fits maxSessions. Callers must hold m.mu.
func (m *Manager) evictOverflowLocked() int {
	over := len(m.sessions) - m.maxSessions
	if over <= 0 {
		return 0
	}

	type entry struct {
		id   string
		last time.Time
	}
	entries := make([]entry, 0, len(m.access))
	for id, last := range m.access {
		entries = append(entries, entry{id: id, last: last})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.Before(entries[j].last)
	})

	for i := 0; i < over; i++ {
		delete(m.sessions, entries[i].id)
		delete(m.access, entries[i].id)
		metrics.SessionEvictions.Inc()
	}
	return over
}
