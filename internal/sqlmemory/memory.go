// Package sqlmemory keeps the short conversational context of one SQL
// chat session: the last few (question, SQL, result) exchanges, follow-up
// detection, and the context block refinement prompts build on.
package sqlmemory

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the exchange ring size when none is configured.
const DefaultCapacity = 10

// Exchange is one completed question/answer turn.
type Exchange struct {
	UserQuery     string    `json:"user_query"`
	SQL           string    `json:"sql"`
	ResultSummary string    `json:"result_summary"`
	Columns       []string  `json:"columns,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Memory is a bounded ring of exchanges. Safe for concurrent use; the
// session manager serializes queries per session, but history reads come
// from HTTP handlers on other goroutines.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	ring     []Exchange
}

// New creates a memory holding up to capacity exchanges.
func New(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity}
}

// Record appends an exchange, evicting the oldest when full.
func (m *Memory) Record(ex Exchange) {
	if ex.Timestamp.IsZero() {
		ex.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring = append(m.ring, ex)
	if len(m.ring) > m.capacity {
		m.ring = m.ring[len(m.ring)-m.capacity:]
	}
}

// Len returns the number of stored exchanges.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ring)
}

// Last returns the most recent exchange, or false when empty.
func (m *Memory) Last() (Exchange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.ring) == 0 {
		return Exchange{}, false
	}
	return m.ring[len(m.ring)-1], true
}

// Recent returns up to n most recent exchanges, oldest first.
func (m *Memory) Recent(n int) []Exchange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.ring) {
		n = len(m.ring)
	}
	out := make([]Exchange, n)
	copy(out, m.ring[len(m.ring)-n:])
	return out
}

// Clear drops all exchanges.
func (m *Memory) Clear() {
	m.mu.Lock()
	m.ring = nil
	m.mu.Unlock()
}

// followUpKeywords are instruction words that modify a previous answer
// rather than ask something new.
var followUpKeywords = []string{
	"filter", "only", "instead", "also", "exclude", "remove", "add",
	"sort", "order by", "limit", "without", "same but", "now show",
	"what about", "and the", "break down", "refine", "narrow",
}

// pronounRefs are references that need a previous answer to resolve.
var pronounRefs = []string{
	"them", "those", "these", "that one", "it ", "its ", "their",
	"the same", "the previous", "the last one", "the above",
}

// IsFollowUp reports whether q refines the previous exchange rather than
// starting fresh. Always false on empty history.
func (m *Memory) IsFollowUp(q string) bool {
	if m.Len() == 0 {
		return false
	}
	lower := " " + strings.ToLower(strings.TrimSpace(q)) + " "

	for _, kw := range followUpKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, ref := range pronounRefs {
		if strings.Contains(lower, ref) {
			return true
		}
	}
	// Terse questions lean on context: "top 5?", "by month".
	if len(strings.Fields(q)) <= 5 {
		return true
	}
	return false
}

// RefinementContext renders the previous exchange for the refinement
// prompt: the question asked, the SQL that answered it, and what came
// back. Empty when there is no history.
func (m *Memory) RefinementContext() string {
	last, ok := m.Last()
	if !ok {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Previous question: %s\n", last.UserQuery)
	fmt.Fprintf(&b, "Previous SQL:\n%s\n", last.SQL)
	if last.ResultSummary != "" {
		fmt.Fprintf(&b, "Previous result: %s\n", last.ResultSummary)
	}
	if len(last.Columns) > 0 {
		fmt.Fprintf(&b, "Previous columns: %s\n", strings.Join(last.Columns, ", "))
	}
	return b.String()
}

// Summarize renders a one-line result description for storage in the
// ring: row count plus the first few column names.
func Summarize(rowCount int, columns []string) string {
	if rowCount == 0 {
		return "no rows"
	}
	cols := columns
	if len(cols) > 4 {
		cols = cols[:4]
	}
	if len(cols) == 0 {
		return fmt.Sprintf("%d rows", rowCount)
	}
	return fmt.Sprintf("%d rows (%s)", rowCount, strings.Join(cols, ", "))
}
