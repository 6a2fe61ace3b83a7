package telemetry

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/config"
	"github.com/inkwell-ai/inkwell/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	inserts []models.QueryTelemetry
	// when set, Insert blocks until release is closed; started is
	// signalled once per call.
	started chan struct{}
	release chan struct{}
}

func (f *fakeStore) InsertTelemetry(_ context.Context, rec *models.QueryTelemetry) error {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, *rec)
	return nil
}

func (f *fakeStore) AggregateTelemetry(_ context.Context, since time.Time) (*models.TelemetryStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &models.TelemetryStats{WindowStart: since, Total: int64(len(f.inserts))}, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

func memoryConfig() config.TelemetryConfig {
	return config.TelemetryConfig{Enabled: true, Sink: "memory", RingCapacity: 100}
}

func dbConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		Enabled: true, Sink: "db", QueueSize: 8, Workers: 1,
		DrainTimeout: time.Second,
	}
}

func TestDBSinkDrainsOnClose(t *testing.T) {
	store := &fakeStore{}
	l := NewLogger(dbConfig(), store, zap.NewNop())

	for i := 0; i < 5; i++ {
		l.Record(&models.QueryTelemetry{SessionID: "s", UserQuery: "q", Success: true})
	}
	l.Close()

	if got := store.count(); got != 5 {
		t.Errorf("inserts = %d, want 5", got)
	}
}

func TestDBSinkDropsWhenQueueFull(t *testing.T) {
	store := &fakeStore{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	cfg := dbConfig()
	cfg.QueueSize = 1
	l := NewLogger(cfg, store, zap.NewNop())

	l.Record(&models.QueryTelemetry{SessionID: "first"})
	<-store.started // worker now blocked inside Insert, queue empty

	l.Record(&models.QueryTelemetry{SessionID: "second"}) // fills the queue
	l.Record(&models.QueryTelemetry{SessionID: "third"})  // dropped

	close(store.release)
	l.Close()

	if got := store.count(); got != 2 {
		t.Errorf("inserts = %d, want 2 (third record dropped)", got)
	}
}

func TestAutoSinkResolution(t *testing.T) {
	cfg := config.TelemetryConfig{Enabled: true, Sink: "auto", RingCapacity: 10}

	withStore := NewLogger(cfg, &fakeStore{}, zap.NewNop())
	defer withStore.Close()
	if withStore.sink != "db" {
		t.Errorf("sink with store = %q, want db", withStore.sink)
	}

	withoutStore := NewLogger(cfg, nil, zap.NewNop())
	if withoutStore.sink != "memory" {
		t.Errorf("sink without store = %q, want memory", withoutStore.sink)
	}

	degraded := NewLogger(config.TelemetryConfig{Enabled: true, Sink: "db"}, nil, zap.NewNop())
	if degraded.sink != "memory" {
		t.Errorf("db sink without store = %q, want memory", degraded.sink)
	}
}

func TestDisabledLoggerIsInert(t *testing.T) {
	l := NewLogger(config.TelemetryConfig{Enabled: false}, nil, zap.NewNop())
	l.Record(&models.QueryTelemetry{SessionID: "s"})

	stats, err := l.Stats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 0 {
		t.Errorf("Total = %d", stats.Total)
	}
	l.Close()
}

func TestMemorySinkAggregation(t *testing.T) {
	l := NewLogger(memoryConfig(), nil, zap.NewNop())
	now := time.Now().UTC()

	recs := []models.QueryTelemetry{
		{Intent: "aggregation", Success: true, RowCount: 3, RetryCount: 0, ConfidenceScore: 0.9, ExecutionTimeMs: 100, Timestamp: now},
		{Intent: "aggregation", Success: true, RowCount: 0, RetryCount: 1, ConfidenceScore: 0.7, ExecutionTimeMs: 200, Timestamp: now},
		{Intent: "lookup", Success: false, RetryCount: 2, ConfidenceScore: 0.2, ExecutionTimeMs: 60, Error: "unknown table: salez", Timestamp: now},
		{Intent: "lookup", Success: false, RetryCount: 2, ConfidenceScore: 0.2, ExecutionTimeMs: 40, Error: "unknown table: salez", Timestamp: now},
		// Outside the window; must not count.
		{Intent: "trend", Success: true, RowCount: 1, ConfidenceScore: 1.0, Timestamp: now.Add(-2 * time.Hour)},
	}
	for i := range recs {
		l.Record(&recs[i])
	}

	stats, err := l.Stats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("Total = %d, want 4", stats.Total)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("SuccessRate = %v", stats.SuccessRate)
	}
	if stats.AvgRetries != 1.25 {
		t.Errorf("AvgRetries = %v", stats.AvgRetries)
	}
	if math.Abs(stats.AvgConfidence-0.5) > 1e-9 {
		t.Errorf("AvgConfidence = %v", stats.AvgConfidence)
	}
	if stats.EmptyResultRate != 0.5 {
		t.Errorf("EmptyResultRate = %v", stats.EmptyResultRate)
	}
	if stats.AvgExecutionTimeMs != 100 {
		t.Errorf("AvgExecutionTimeMs = %v", stats.AvgExecutionTimeMs)
	}
	if stats.IntentDistribution["aggregation"] != 2 || stats.IntentDistribution["lookup"] != 2 {
		t.Errorf("IntentDistribution = %v", stats.IntentDistribution)
	}
	if len(stats.TopErrors) != 1 || stats.TopErrors[0].Count != 2 {
		t.Errorf("TopErrors = %v", stats.TopErrors)
	}
}

func TestMemorySinkTopErrorsOrderAndTruncation(t *testing.T) {
	l := NewLogger(memoryConfig(), nil, zap.NewNop())
	now := time.Now().UTC()

	long := make([]byte, 120)
	for i := range long {
		long[i] = 'x'
	}
	for i := 0; i < 3; i++ {
		l.Record(&models.QueryTelemetry{Error: "b common error", Timestamp: now})
	}
	for _, msg := range []string{"a tie error", "c tie error", string(long)} {
		l.Record(&models.QueryTelemetry{Error: msg, Timestamp: now})
	}

	stats, _ := l.Stats(context.Background(), time.Hour)
	if len(stats.TopErrors) != 4 {
		t.Fatalf("TopErrors = %v", stats.TopErrors)
	}
	if stats.TopErrors[0].Prefix != "b common error" || stats.TopErrors[0].Count != 3 {
		t.Errorf("TopErrors[0] = %+v", stats.TopErrors[0])
	}
	// Ties order alphabetically.
	if stats.TopErrors[1].Prefix != "a tie error" {
		t.Errorf("TopErrors[1] = %+v", stats.TopErrors[1])
	}
	for _, ec := range stats.TopErrors {
		if len(ec.Prefix) > 80 {
			t.Errorf("prefix not truncated: %d chars", len(ec.Prefix))
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	r := newRing(3)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		r.add(models.QueryTelemetry{SessionID: string(rune('a' + i)), Timestamp: now})
	}
	recs := r.snapshot()
	if len(recs) != 3 {
		t.Fatalf("len = %d", len(recs))
	}
	// Oldest two (a, b) were overwritten; order is oldest-first.
	if recs[0].SessionID != "c" || recs[2].SessionID != "e" {
		t.Errorf("snapshot = %v", recs)
	}
}
