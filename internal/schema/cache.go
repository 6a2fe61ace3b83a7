package schema

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	pmetrics "github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// PoolProvider hands out a live handle for a stored connection. The
// connection manager implements it; the schema service never opens pools
// itself.
type PoolProvider interface {
	Pool(ctx context.Context, conn *models.DatabaseConnection) (*sqlx.DB, error)
}

// Service caches introspected schemas per connection. Entries live for
// the configured TTL; once expired, a cheap fingerprint decides whether
// the cached object can keep serving or a full pass must rerun. Reads
// share a lock-free fast path through RLock; writes replace whole
// entries.
type Service struct {
	intro       *Introspector
	pools       PoolProvider
	ttl         time.Duration
	withSamples bool
	logger      *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.SchemaInfo
}

// NewService builds the caching schema service.
func NewService(cfg config.SQLChatConfig, pools PoolProvider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.SchemaCacheTTL
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Service{
		intro:  NewIntrospector(cfg.SampleValueLimit, logger),
		pools:  pools,
		ttl:    ttl,
		logger: logger,
		cache:  make(map[string]*models.SchemaInfo),
	}
}

// EnableSampling turns on per-table sample value collection for future
// introspections. Sampling reads live rows, so it stays opt-in.
func (s *Service) EnableSampling(on bool) {
	s.mu.Lock()
	s.withSamples = on
	s.mu.Unlock()
}

// Introspect returns the connection's schema, reusing the cached object
// whenever the TTL is fresh or the fingerprint proves nothing changed.
// force always reruns the full pass.
func (s *Service) Introspect(ctx context.Context, conn *models.DatabaseConnection, force bool) (*models.SchemaInfo, error) {
	if !force {
		if cached := s.cached(conn.ID); cached != nil {
			if time.Since(cached.CachedAt) < s.ttl {
				pmetrics.SchemaCacheHits.Inc()
				return cached, nil
			}
			// TTL expired: one cheap fingerprint decides.
			db, err := s.pools.Pool(ctx, conn)
			if err != nil {
				return nil, err
			}
			fp, err := s.intro.Fingerprint(ctx, db, conn.Type)
			if err == nil && fp != "" && fp == cached.Fingerprint {
				pmetrics.SchemaCacheHits.Inc()
				s.refresh(conn.ID, cached)
				return cached, nil
			}
			if err != nil {
				s.logger.Warn("fingerprint check failed, reintrospecting",
					zap.String("connection_id", conn.ID), zap.Error(err))
			}
		}
	}

	pmetrics.SchemaCacheMisses.Inc()
	return s.introspect(ctx, conn)
}

func (s *Service) introspect(ctx context.Context, conn *models.DatabaseConnection) (*models.SchemaInfo, error) {
	db, err := s.pools.Pool(ctx, conn)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	withSamples := s.withSamples
	s.mu.RUnlock()

	info, err := s.intro.Introspect(ctx, db, conn.Type, conn.Database, withSamples)
	if err != nil {
		return nil, err
	}
	SortTables(info)

	s.mu.Lock()
	s.cache[conn.ID] = info
	s.mu.Unlock()
	return info, nil
}

// HasSchemaChanged compares the live fingerprint against the cached one.
// Fingerprint failures report unchanged; change detection must never take
// a healthy connection out of service.
func (s *Service) HasSchemaChanged(ctx context.Context, conn *models.DatabaseConnection) bool {
	cached := s.cached(conn.ID)
	if cached == nil || cached.Fingerprint == "" {
		return false
	}
	db, err := s.pools.Pool(ctx, conn)
	if err != nil {
		return false
	}
	fp, err := s.intro.Fingerprint(ctx, db, conn.Type)
	if err != nil {
		return false
	}
	return fp != cached.Fingerprint
}

// Cached returns the cached schema without touching the database, or nil.
func (s *Service) Cached(connID string) *models.SchemaInfo {
	return s.cached(connID)
}

// Invalidate drops the cached schema for a connection.
func (s *Service) Invalidate(connID string) {
	s.mu.Lock()
	delete(s.cache, connID)
	s.mu.Unlock()
}

func (s *Service) cached(connID string) *models.SchemaInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[connID]
}

// refresh extends the cached entry's TTL after a fingerprint match. The
// cached object's identity is preserved so callers holding it see one
// consistent snapshot.
func (s *Service) refresh(connID string, info *models.SchemaInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache[connID] == info {
		info.CachedAt = time.Now()
	}
}
