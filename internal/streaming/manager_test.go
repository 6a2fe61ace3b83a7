package streaming

import (
	"strings"
	"testing"
	"time"
)

func newTestManager(capacity int) *Manager {
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	m := newTestManager(8)
	ch := m.Subscribe("s1", 4)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s1", Event{Type: EventStatus, Stage: "generating", Message: "generating SQL"})

	select {
	case evt := <-ch:
		if evt.Type != EventStatus || evt.Stage != "generating" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		if evt.StreamID != "s1" {
			t.Errorf("StreamID = %q, want s1", evt.StreamID)
		}
		if evt.Seq != 1 {
			t.Errorf("first Seq = %d, want 1", evt.Seq)
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected a stamped timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestPublishIsolatesStreams(t *testing.T) {
	m := newTestManager(8)
	ch := m.Subscribe("s1", 4)
	defer m.Unsubscribe("s1", ch)

	m.Publish("s2", Event{Type: EventStatus})

	select {
	case evt := <-ch:
		t.Fatalf("received event from another stream: %+v", evt)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	m := newTestManager(8)
	ch := m.Subscribe("s1", 1)
	defer m.Unsubscribe("s1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.Publish("s1", Event{Type: EventStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Everything is still recoverable through replay.
	if got := len(m.ReplaySince("s1", 0)); got != 5 {
		t.Errorf("replay returned %d events, want 5 (seq 1..5)", got)
	}
}

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// Ring holds seq 2,3,4 after the overwrite.
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestReplaySinceAfterOverwrite(t *testing.T) {
	m := newTestManager(3)
	for i := 0; i < 5; i++ {
		m.Publish("s1", Event{Type: EventStatus})
	}
	evs := m.ReplaySince("s1", 1)
	if len(evs) != 3 {
		t.Fatalf("replay returned %d events, want 3", len(evs))
	}
	for _, e := range evs {
		if e.Seq <= 1 {
			t.Fatalf("replay returned stale seq %d", e.Seq)
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := newTestManager(8)
	ch := m.Subscribe("s1", 1)
	m.Unsubscribe("s1", ch)

	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// A second unsubscribe of the same channel must not panic.
	m.Unsubscribe("s1", ch)
}

func TestDropDiscardsHistory(t *testing.T) {
	m := newTestManager(8)
	m.Publish("s1", Event{Type: EventDone})
	m.Drop("s1")
	if evs := m.ReplaySince("s1", 0); evs != nil {
		t.Fatalf("expected no history after Drop, got %+v", evs)
	}
}

func TestEventMarshal(t *testing.T) {
	e := Event{StreamID: "s1", Type: EventSQL, Message: "SELECT 1"}
	b := string(e.Marshal())
	for _, want := range []string{`"stream_id":"s1"`, `"type":"sql"`, `"message":"SELECT 1"`} {
		if !strings.Contains(b, want) {
			t.Errorf("marshal missing %s in %s", want, b)
		}
	}
	if strings.Contains(b, `"data"`) {
		t.Errorf("empty data should be omitted: %s", b)
	}
}
