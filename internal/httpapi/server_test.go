package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopwatch/internal/engine"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/notifier"
	"shopwatch/internal/registry"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStock struct {
	agg   *shop.AggregateState
	feeds []engine.FeedRecord
	stats engine.Stats
}

func (f *fakeStock) State() *shop.AggregateState { return f.agg.Clone() }

func (f *fakeStock) Category(name string) (shop.CategoryState, bool) {
	cs, ok := f.agg.Categories[name]
	if !ok || cs == nil {
		return shop.CategoryState{}, false
	}
	return *cs, true
}

func (f *fakeStock) Feeds() []engine.FeedRecord { return f.feeds }
func (f *fakeStock) Stats() engine.Stats        { return f.stats }

type fakeRecipients struct {
	mu   sync.Mutex
	recs map[string]registry.Record
}

func (f *fakeRecipients) Register(_ context.Context, token, platform string, subs registry.Subscriptions) (registry.Record, error) {
	if strings.TrimSpace(token) == "" {
		return registry.Record{}, registry.ErrInvalidToken
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := registry.Record{ID: "r1", Token: token, Platform: platform, Active: true, Subscriptions: subs, CreatedAt: t0}
	f.recs[rec.ID] = rec
	return rec, nil
}

func (f *fakeRecipients) SetSubscriptions(_ context.Context, id string, subs registry.Subscriptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return registry.ErrNotFound
	}
	rec.Subscriptions = subs
	f.recs[id] = rec
	return nil
}

func (f *fakeRecipients) Get(_ context.Context, id string) (registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecipients) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[id]; !ok {
		return registry.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

func (f *fakeRecipients) Counts(context.Context) (registry.Counts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return registry.Counts{Active: len(f.recs)}, nil
}

type fakeHistory []notifier.HistoryItem

func (f fakeHistory) History() []notifier.HistoryItem { return f }

func newTestDeps() (Deps, *fakeStock) {
	agg := shop.NewAggregate(nil)
	agg.Categories[shop.CategorySeeds].Items = []shop.Item{shop.NewItem("Carrot", 5)}
	stock := &fakeStock{
		agg:   agg,
		feeds: []engine.FeedRecord{{Name: "primary", Kind: "redis", IsOnline: true}, {Name: "backup", Kind: "amqp"}},
		stats: engine.Stats{Accepted: 3},
	}
	return Deps{
		Stock:      stock,
		Recipients: &fakeRecipients{recs: map[string]registry.Record{}},
		History:    fakeHistory{{At: t0, Kind: "item", Key: "seeds/carrot", Recipients: 2}},
		Bus:        eventbus.New(),
		Health: func(context.Context) map[string]any {
			return map[string]any{"dispatch": map[string]int{"queued": 0}}
		},
		Version:   "test",
		StartTime: t0,
	}, stock
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStockEndpoints(t *testing.T) {
	d, _ := newTestDeps()
	h := NewRouter(Config{}, d, logx.Nop())

	rec := do(t, h, http.MethodGet, "/api/stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var agg shop.AggregateState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	require.NotNil(t, agg.Categories[shop.CategorySeeds])
	assert.Equal(t, "carrot", agg.Categories[shop.CategorySeeds].Items[0].ID)

	rec = do(t, h, http.MethodGet, "/api/stock/SEEDS", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cs shop.CategoryState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Len(t, cs.Items, 1)

	rec = do(t, h, http.MethodGet, "/api/stock/pets", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/feeds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var feeds []engine.FeedRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &feeds))
	assert.Len(t, feeds, 2)

	rec = do(t, h, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "seeds/carrot")
}

func TestHealth(t *testing.T) {
	d, stock := newTestDeps()
	h := NewRouter(Config{}, d, logx.Nop())

	rec := do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["feedsOnline"])
	assert.Equal(t, float64(2), resp["feedsTotal"])
	assert.Contains(t, resp["components"], "dispatch")

	stock.stats.Dirty = true
	rec = do(t, h, http.MethodGet, "/api/health", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp["status"])
}

func TestRecipientLifecycle(t *testing.T) {
	d, _ := newTestDeps()
	h := NewRouter(Config{}, d, logx.Nop())

	rec := do(t, h, http.MethodPost, "/api/recipients", `{"token":"ExponentPushToken[abc]","platform":"ios","subscriptions":{"items":["carrot"],"weather":true}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out registry.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "r1", out.ID)
	assert.Empty(t, out.Token, "token is not echoed back")
	assert.Equal(t, []string{"carrot"}, out.Subscriptions.Items)

	rec = do(t, h, http.MethodPut, "/api/recipients/r1/subscriptions", `{"categories":["seeds"],"vendor":true}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/recipients/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"seeds"}, out.Subscriptions.Categories)
	assert.True(t, out.Subscriptions.Vendor)

	rec = do(t, h, http.MethodDelete, "/api/recipients/r1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/recipients/r1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecipientValidation(t *testing.T) {
	d, _ := newTestDeps()
	h := NewRouter(Config{}, d, logx.Nop())

	rec := do(t, h, http.MethodPost, "/api/recipients", `{"token":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/recipients", `{"token":"x","bogus":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/recipients/missing/subscriptions", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	d.Recipients = nil
	h = NewRouter(Config{}, d, logx.Nop())
	rec = do(t, h, http.MethodPost, "/api/recipients", `{"token":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	d, _ := newTestDeps()
	h := NewRouter(Config{CORSOrigins: []string{"https://app.example"}}, d, logx.Nop())

	req := httptest.NewRequest(http.MethodOptions, "/api/stock", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	d, _ := newTestDeps()
	srv := httptest.NewServer(NewRouter(Config{Heartbeat: time.Hour}, d, logx.Nop()))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	// The greeting is written after the subscription exists.
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	d.Bus.Publish(eventbus.Event{Type: eventbus.TypeStockUpdate, Data: shop.ChangeEvent{
		Type: shop.ChangeTypeStockUpdate, Source: "primary", Category: "seeds", UpdateID: "u9", Timestamp: t0,
	}})

	var event, data string
	for event == "" || data == "" {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	assert.Equal(t, eventbus.TypeStockUpdate, event)
	var ce shop.ChangeEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ce))
	assert.Equal(t, "u9", ce.UpdateID)
}

func TestPprofMount(t *testing.T) {
	d, _ := newTestDeps()
	h := NewRouter(Config{}, d, logx.Nop())
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/cmdline", "").Code)

	h = NewRouter(Config{Pprof: true, PprofToken: "s3cret"}, d, logx.Nop())
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/debug/pprof/cmdline", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// No token: loopback only.
	h = NewRouter(Config{Pprof: true}, d, logx.Nop())
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodGet, "/debug/pprof/cmdline", "").Code)
	req = httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
