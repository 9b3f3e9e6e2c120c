package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nervelab/baran/internal/streaming"
)

// parseEventFilter reads the optional comma-separated types query parameter.
// An empty filter passes everything.
func parseEventFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

func wantEvent(filter map[string]struct{}, evt streaming.Event) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[string(evt.Type)]
	return ok
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// last_event_id query parameter. Zero replays the whole buffered backlog.
func lastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// writeSSE emits one event in SSE wire format.
func writeSSE(w io.Writer, evt streaming.Event) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", evt.Marshal())
}

// handleEvents streams a workflow's events via Server-Sent Events.
// GET /api/v1/workflows/{id}/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	wf := r.PathValue("id")
	if _, err := s.executor.Run(wf); err != nil {
		s.sendError(w, err.Error(), http.StatusNotFound)
		return
	}

	filter := parseEventFilter(r)
	lastID := lastEventID(r)

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before replaying so nothing published in between is lost;
	// the live loop skips anything the replay already covered.
	ch := s.events.Subscribe(wf, 256)
	defer s.events.Unsubscribe(wf, ch)

	fmt.Fprintf(w, ": connected to workflow %s\n\n", wf)
	flusher.Flush()

	lastSent := lastID
	for _, evt := range s.events.ReplaySince(wf, lastID) {
		if evt.Seq > lastSent {
			lastSent = evt.Seq
		}
		if !wantEvent(filter, evt) {
			continue
		}
		writeSSE(w, evt)
	}
	flusher.Flush()

	// Heartbeat keeps connections alive through proxies.
	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", zap.String("workflow_id", wf))
			return
		case evt, open := <-ch:
			if !open {
				// Run evicted; the remainder lives in the archive.
				return
			}
			if evt.Seq <= lastSent {
				continue
			}
			lastSent = evt.Seq
			if !wantEvent(filter, evt) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
