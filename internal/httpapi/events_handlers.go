package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"nbihak.org/internal/events"
)

const feedHeartbeat = 15 * time.Second

// EventSource is the subscription side of the in-process security event hub.
type EventSource interface {
	Subscribe(ctx context.Context) <-chan events.Event
}

// securityEvents streams security events as Server-Sent Events.
func (a *API) securityEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.events.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(feedHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
