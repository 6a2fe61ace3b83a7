// Package streaming is the in-memory pub/sub bus for per-query progress
// events. The SQL chat orchestrator publishes stage events under a
// stream id; SSE and WebSocket handlers subscribe and replay missed
// events from a per-stream ring on reconnect.
package streaming

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted while a query runs.
const (
	EventStatus = "status"
	EventSQL    = "sql"
	EventResult = "result"
	EventError  = "error"
	EventDone   = "done"
)

// Event is one streamed progress event.
type Event struct {
	StreamID  string          `json:"stream_id"`
	Type      string          `json:"type"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
}

// Marshal returns the event as JSON for SSE data lines and WS frames.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager provides in-memory pub/sub keyed by stream id.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-stream ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// NewManager builds an isolated manager with the given replay capacity
// per stream. Most callers share the Get() singleton instead.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Get returns the global streaming manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// Configure sets the ring capacity for streams created afterwards.
// Safe to call anytime.
func Configure(capacity int) {
	if capacity <= 0 {
		return
	}
	defaultCapacity = capacity
	if defaultMgr != nil {
		defaultMgr.mu.Lock()
		defaultMgr.capacity = capacity
		defaultMgr.mu.Unlock()
	}
}

// Subscribe adds a subscriber channel for a stream id; the caller must
// drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(streamID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[streamID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[streamID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(streamID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[streamID]; ok {
		if _, member := subs[ch]; !member {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, streamID)
		}
	}
}

// Publish assigns the event a sequence number, records it for replay,
// and fans it out to subscribers without blocking. Slow subscribers
// miss events and recover through ReplaySince.
func (m *Manager) Publish(streamID string, evt Event) {
	evt.StreamID = streamID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[streamID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[streamID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[streamID]
	m.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best effort
// within the ring capacity.
func (m *Manager) ReplaySince(streamID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[streamID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop discards the replay history of a stream. Called when the stream's
// session goes away.
func (m *Manager) Drop(streamID string) {
	m.mu.Lock()
	delete(m.history, streamID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so ReplaySince(0) means "everything the
// ring still holds" and a Last-Event-ID of 0 is never ambiguous.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
