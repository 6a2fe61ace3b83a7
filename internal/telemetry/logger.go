// Package telemetry records one append-only row per executed NL-to-SQL
// query and answers windowed aggregations over them. Records flow through
// an async write queue into the application store when one is configured;
// otherwise a bounded in-memory ring keeps the recent window.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/metrics"
	"github.com/inkwell-ai/inkwell/internal/models"
)

// Store is the slice of the application store the logger persists through.
type Store interface {
	InsertTelemetry(ctx context.Context, rec *models.QueryTelemetry) error
	AggregateTelemetry(ctx context.Context, since time.Time) (*models.TelemetryStats, error)
}

// Logger accepts telemetry records without blocking the query path.
// Records are best effort: when the write queue is full they are dropped
// with a metric, never written synchronously from the caller.
type Logger struct {
	enabled bool
	sink    string // "db" or "memory"

	store        Store
	queue        chan *models.QueryTelemetry
	stopCh       chan struct{}
	wg           sync.WaitGroup
	drainTimeout time.Duration

	ring *ring

	logger *zap.Logger
}

// NewLogger builds a logger per config. Sink "auto" resolves to "db" when
// a store is available, else to the in-memory ring; "db" without a store
// degrades to the ring with a warning.
func NewLogger(cfg config.TelemetryConfig, store Store, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Logger{
		enabled:      cfg.Enabled,
		logger:       logger,
		drainTimeout: cfg.DrainTimeout,
	}
	if !cfg.Enabled {
		return l
	}
	if l.drainTimeout <= 0 {
		l.drainTimeout = 5 * time.Second
	}

	sink := cfg.Sink
	if sink == "" {
		sink = "auto"
	}
	if sink == "db" && store == nil {
		logger.Warn("telemetry sink 'db' configured without a database, using memory ring")
		sink = "memory"
	}
	if sink == "auto" {
		if store != nil {
			sink = "db"
		} else {
			sink = "memory"
		}
	}
	l.sink = sink

	switch sink {
	case "db":
		queueSize := cfg.QueueSize
		if queueSize <= 0 {
			queueSize = 256
		}
		workers := cfg.Workers
		if workers <= 0 {
			workers = 2
		}
		l.store = store
		l.queue = make(chan *models.QueryTelemetry, queueSize)
		l.stopCh = make(chan struct{})
		for i := 0; i < workers; i++ {
			l.wg.Add(1)
			go l.worker()
		}
		logger.Info("telemetry logger started",
			zap.String("sink", "db"),
			zap.Int("queue_size", queueSize),
			zap.Int("workers", workers))
	default:
		capacity := cfg.RingCapacity
		if capacity <= 0 {
			capacity = 1000
		}
		l.ring = newRing(capacity)
		logger.Info("telemetry logger started",
			zap.String("sink", "memory"),
			zap.Int("ring_capacity", capacity))
	}
	return l
}

// Record accepts one telemetry record. Never blocks.
func (l *Logger) Record(rec *models.QueryTelemetry) {
	if l == nil || !l.enabled || rec == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	if l.sink == "memory" {
		l.ring.add(*rec)
		metrics.TelemetryWrites.WithLabelValues("memory", "ok").Inc()
		return
	}

	select {
	case l.queue <- rec:
		metrics.TelemetryQueueDepth.Set(float64(len(l.queue)))
	default:
		metrics.TelemetryWrites.WithLabelValues("db", "dropped").Inc()
		l.logger.Warn("telemetry queue full, record dropped",
			zap.String("session_id", rec.SessionID))
	}
}

// Stats aggregates records over the trailing window (24h when unset).
func (l *Logger) Stats(ctx context.Context, window time.Duration) (*models.TelemetryStats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := time.Now().UTC().Add(-window)

	if l == nil || !l.enabled {
		return &models.TelemetryStats{
			WindowStart:        since,
			IntentDistribution: map[string]int64{},
		}, nil
	}
	if l.sink == "memory" {
		return l.ring.aggregate(since), nil
	}
	return l.store.AggregateTelemetry(ctx, since)
}

// Close drains the write queue and stops the workers. Safe to call on a
// memory-sink or disabled logger.
func (l *Logger) Close() {
	if l == nil || !l.enabled || l.sink != "db" {
		return
	}
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info("telemetry logger stopped")
}

func (l *Logger) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			l.drain()
			return
		case rec := <-l.queue:
			l.write(rec)
			metrics.TelemetryQueueDepth.Set(float64(len(l.queue)))
		}
	}
}

// drain flushes what remains in the queue at shutdown, bounded by the
// drain timeout.
func (l *Logger) drain() {
	deadline := time.After(l.drainTimeout)
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case <-deadline:
			l.logger.Warn("timeout draining telemetry queue",
				zap.Int("remaining", len(l.queue)))
			return
		default:
			return
		}
	}
}

func (l *Logger) write(rec *models.QueryTelemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.InsertTelemetry(ctx, rec); err != nil {
		metrics.TelemetryWrites.WithLabelValues("db", "error").Inc()
		l.logger.Error("telemetry write failed", zap.Error(err))
		return
	}
	metrics.TelemetryWrites.WithLabelValues("db", "ok").Inc()
}
