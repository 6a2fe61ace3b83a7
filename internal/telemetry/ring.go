package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/internal/models"
)

// ring is the in-memory sink: a fixed-capacity buffer that overwrites the
// oldest record. Aggregation walks the live records and mirrors the SQL
// aggregation the db sink runs, so both sinks answer the same shape.
type ring struct {
	mu   sync.RWMutex
	recs []models.QueryTelemetry
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{recs: make([]models.QueryTelemetry, capacity)}
}

func (r *ring) add(rec models.QueryTelemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[r.next] = rec
	r.next++
	if r.next == len(r.recs) {
		r.next = 0
		r.full = true
	}
}

func (r *ring) snapshot() []models.QueryTelemetry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.next
	if r.full {
		n = len(r.recs)
	}
	out := make([]models.QueryTelemetry, 0, n)
	if r.full {
		out = append(out, r.recs[r.next:]...)
	}
	out = append(out, r.recs[:r.next]...)
	return out
}

func (r *ring) aggregate(since time.Time) *models.TelemetryStats {
	stats := &models.TelemetryStats{
		WindowStart:        since,
		IntentDistribution: map[string]int64{},
	}

	var (
		succeeded, empty            int64
		retries, confidence, execMS float64
		errorCounts                 = map[string]int64{}
	)
	for _, rec := range r.snapshot() {
		if rec.Timestamp.Before(since) {
			continue
		}
		stats.Total++
		retries += float64(rec.RetryCount)
		confidence += rec.ConfidenceScore
		execMS += float64(rec.ExecutionTimeMs)
		if rec.Success {
			succeeded++
			if rec.RowCount == 0 {
				empty++
			}
		}
		if rec.Intent != "" {
			stats.IntentDistribution[rec.Intent]++
		}
		if rec.Error != "" {
			errorCounts[errorPrefix(rec.Error)]++
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = float64(succeeded) / float64(stats.Total)
		stats.AvgRetries = retries / float64(stats.Total)
		stats.AvgConfidence = confidence / float64(stats.Total)
		stats.AvgExecutionTimeMs = execMS / float64(stats.Total)
	}
	if succeeded > 0 {
		stats.EmptyResultRate = float64(empty) / float64(succeeded)
	}

	for prefix, n := range errorCounts {
		stats.TopErrors = append(stats.TopErrors, models.ErrorCount{Prefix: prefix, Count: n})
	}
	sort.Slice(stats.TopErrors, func(i, j int) bool {
		if stats.TopErrors[i].Count != stats.TopErrors[j].Count {
			return stats.TopErrors[i].Count > stats.TopErrors[j].Count
		}
		return stats.TopErrors[i].Prefix < stats.TopErrors[j].Prefix
	})
	if len(stats.TopErrors) > 5 {
		stats.TopErrors = stats.TopErrors[:5]
	}

	return stats
}

func errorPrefix(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
