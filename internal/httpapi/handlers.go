package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"shopwatch/internal/notifier"
	"shopwatch/internal/registry"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

const maxBodyBytes = 64 << 10

type handlers struct {
	d         Deps
	log       logx.Logger
	heartbeat time.Duration
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

type healthResponse struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Version       string         `json:"version,omitempty"`
	FeedsOnline   int            `json:"feedsOnline"`
	FeedsTotal    int            `json:"feedsTotal"`
	Engine        any            `json:"engine"`
	Recipients    any            `json:"recipients,omitempty"`
	Components    map[string]any `json:"components,omitempty"`
}

// health reports "degraded" when state is unsaved or no feed is online.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	stats := h.d.Stock.Stats()
	feeds := h.d.Stock.Feeds()
	online := 0
	for _, f := range feeds {
		if f.IsOnline {
			online++
		}
	}
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.d.StartTime).Seconds(),
		Version:       h.d.Version,
		FeedsOnline:   online,
		FeedsTotal:    len(feeds),
		Engine:        stats,
	}
	if stats.Dirty || (len(feeds) > 0 && online == 0) {
		resp.Status = "degraded"
	}
	if h.d.Recipients != nil {
		if c, err := h.d.Recipients.Counts(r.Context()); err == nil {
			resp.Recipients = c
		} else {
			resp.Status = "degraded"
			h.log.Warn("recipient counts failed", logx.Err(err))
		}
	}
	if h.d.Health != nil {
		resp.Components = h.d.Health(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) stock(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Stock.State())
}

func (h *handlers) category(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(chi.URLParam(r, "category"))
	if !shop.IsCategory(name) {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}
	cs, ok := h.d.Stock.Category(name)
	if !ok {
		writeError(w, http.StatusNotFound, "no data for category")
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *handlers) feeds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.d.Stock.Feeds())
}

func (h *handlers) notifications(w http.ResponseWriter, _ *http.Request) {
	items := []notifier.HistoryItem{}
	if h.d.History != nil {
		if hist := h.d.History.History(); hist != nil {
			items = hist
		}
	}
	writeJSON(w, http.StatusOK, items)
}

type registerRequest struct {
	Token         string                 `json:"token"`
	Platform      string                 `json:"platform"`
	Subscriptions registry.Subscriptions `json:"subscriptions"`
}

func (h *handlers) registryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidToken), errors.Is(err, registry.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("registry request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// publicRecord hides the push token; it is a credential for the push provider.
func publicRecord(rec registry.Record) registry.Record {
	rec.Token = ""
	return rec
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	if h.d.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "registry disabled")
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	rec, err := h.d.Recipients.Register(r.Context(), req.Token, strings.TrimSpace(req.Platform), req.Subscriptions)
	if err != nil {
		h.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publicRecord(rec))
}

func (h *handlers) recipient(w http.ResponseWriter, r *http.Request) {
	if h.d.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "registry disabled")
		return
	}
	rec, err := h.d.Recipients.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.registryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, publicRecord(rec))
}

func (h *handlers) subscriptions(w http.ResponseWriter, r *http.Request) {
	if h.d.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "registry disabled")
		return
	}
	var subs registry.Subscriptions
	if err := decodeBody(r, &subs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.d.Recipients.SetSubscriptions(r.Context(), chi.URLParam(r, "id"), subs); err != nil {
		h.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) unregister(w http.ResponseWriter, r *http.Request) {
	if h.d.Recipients == nil {
		writeError(w, http.StatusServiceUnavailable, "registry disabled")
		return
	}
	if err := h.d.Recipients.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.registryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
