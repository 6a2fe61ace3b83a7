package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/internal/apperr"
	"github.com/inkwell-ai/inkwell/internal/streaming"
)

// lastEventID pulls the replay cursor from the Last-Event-ID header or
// the last_event_id query param (EventSource cannot set headers on the
// first request). The second return reports whether a replay was asked
// for at all; sequence numbers start at 1 so an explicit 0 means "from
// the beginning".
func lastEventID(r *http.Request) (uint64, bool) {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n, true
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func writeSSEEvent(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}

// handleSQLQueryStream runs one natural-language query and streams the
// pipeline's progress as Server-Sent Events: status, sql, result or
// error, done, then a [DONE] sentinel.
// POST /api/sql-chat/query/{session_id}/stream
func (s *Server) handleSQLQueryStream(w http.ResponseWriter, r *http.Request) {
	var req sqlQueryRequest
	if err := decodeBody(r, &req); err != nil {
		fail(w, s.logger, err)
		return
	}
	sessionID := r.PathValue("session_id")
	userID := s.user(r).UserID

	// Reject unknown sessions with a JSON envelope while we still can;
	// once the stream starts errors ride on error events.
	if _, err := s.sqlchat.Session(sessionID, userID); err != nil {
		fail(w, s.logger, err)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		fail(w, s.logger, apperr.New(apperr.Internal, "streaming unsupported by connection"))
		return
	}

	since, replay := lastEventID(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before the run starts so no event can slip past.
	ch := s.events.Subscribe(sessionID, 256)
	defer s.events.Unsubscribe(sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sessionID)
	flusher.Flush()

	if replay {
		for _, ev := range s.events.ReplaySince(sessionID, since) {
			writeSSEEvent(w, ev)
		}
		flusher.Flush()
	}

	execDone := make(chan error, 1)
	go func() {
		_, err := s.sqlchat.ExecuteQuery(r.Context(), sessionID, userID, req.Query)
		execDone <- err
	}()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", zap.String("session_id", sessionID))
			return
		case evt := <-ch:
			writeSSEEvent(w, evt)
			flusher.Flush()
			if evt.Type == streaming.EventDone {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		case err := <-execDone:
			// The run has returned; everything it published is already
			// buffered on ch. Drain it, then close out the stream.
			for {
				select {
				case evt := <-ch:
					writeSSEEvent(w, evt)
					if evt.Type == streaming.EventDone {
						fmt.Fprint(w, "data: [DONE]\n\n")
						flusher.Flush()
						return
					}
					continue
				default:
				}
				break
			}
			// Pre-pipeline failures (session or connection vanished
			// mid-flight) never publish events, so synthesize one.
			if err != nil {
				writeSSEEvent(w, streaming.Event{
					Type:      streaming.EventError,
					Message:   apperr.PublicMessage(err),
					Timestamp: time.Now(),
				})
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		case <-hb.C:
			// Keep intermediaries from timing the stream out.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // fronted by the proxy in prod
}

// handleWebSocket mirrors a session's event feed over a WebSocket. It
// never starts a run itself; it watches whatever queries the session
// executes and supports last_event_id replay across reconnects.
// GET /api/sql-chat/stream/ws?session_id=&last_event_id=
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		failValidation(w, "session_id is required")
		return
	}
	if _, err := s.sqlchat.Session(sessionID, s.user(r).UserID); err != nil {
		fail(w, s.logger, err)
		return
	}

	since, replay := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(sessionID, 256)
	defer s.events.Unsubscribe(sessionID, ch)

	if replay {
		for _, ev := range s.events.ReplaySince(sessionID, since) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump: the mirror is one-way, client frames are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}
