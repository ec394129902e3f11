package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"shopwatch/internal/eventbus"
	logx "shopwatch/pkg/logx"
)

// events streams bus events as server-sent events. Slow clients miss events
// rather than stall the engine; every event tells the client to re-fetch.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	if h.d.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := h.d.Bus.Subscribe(32, eventbus.TypeStockUpdate, eventbus.TypeFeedStatus, eventbus.TypeNotifySent)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-hb.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				h.log.Debug("sse marshal failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
