package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// handleWS streams a workflow's events over a websocket, with the same
// filter and resume semantics as the SSE endpoint.
// GET /api/v1/workflows/{id}/ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	wf := r.PathValue("id")
	if _, err := s.executor.Run(wf); err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}

	filter := parseEventFilter(r)
	lastID := lastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(wf, 256)
	defer s.events.Unsubscribe(wf, ch)

	lastSent := lastID
	for _, evt := range s.events.ReplaySince(wf, lastID) {
		if evt.Seq > lastSent {
			lastSent = evt.Seq
		}
		if !wantEvent(filter, evt) {
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			return
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

	// Reader pump (discard client messages)
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
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent {
				continue
			}
			lastSent = evt.Seq
			if !wantEvent(filter, evt) {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
