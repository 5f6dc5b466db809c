package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/trustgate/internal/events"
)

// streamEvents handles GET /api/events as Server-Sent Events. Each event is
// written with its feed id and its type as the SSE event name. ?replay=1
// sends the recent history before live events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading history so nothing falls in between
	sub := s.bus.SubscribeAll(s.opts.SubscriberBuffer)
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var lastID int64
	if replay := r.URL.Query().Get("replay"); replay == "1" || replay == "true" {
		for _, ev := range s.bus.Recent(0) {
			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastID = ev.ID
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(s.opts.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat %s\n\n", time.Now().UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
