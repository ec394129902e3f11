package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopwatch/internal/dispatch"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

var t0 = time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = t0.Add(d)
	c.mu.Unlock()
}

type namePlanner struct{}

func (namePlanner) ItemTask(category string, it shop.Item, _ string) dispatch.Task {
	return dispatch.Task{Name: fmt.Sprintf("item:%s/%s:%d", category, it.ID, it.Quantity)}
}

func (namePlanner) WeatherTask(ev shop.WeatherEvent) dispatch.Task {
	return dispatch.Task{Name: "weather:" + ev.Name}
}

func (namePlanner) VendorTask(v shop.VendorState) dispatch.Task {
	return dispatch.Task{Name: fmt.Sprintf("vendor:%s:%d", v.VendorName, len(v.Items))}
}

type taskLog struct {
	names []string
	err   error
}

func (q *taskLog) Enqueue(t dispatch.Task) error {
	if q.err != nil {
		return q.err
	}
	q.names = append(q.names, t.Name)
	return nil
}

func (q *taskLog) take() []string {
	out := q.names
	q.names = nil
	return out
}

type stateSink struct {
	saves int
	err   error
	last  *shop.AggregateState
}

func (s *stateSink) Save(_ context.Context, st *shop.AggregateState) error {
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.last = st.Clone()
	return nil
}

type dupSink struct{ last *DupSnapshot }

func (s *dupSink) Save(_ context.Context, snap *DupSnapshot) error {
	cp := *snap
	s.last = &cp
	return nil
}

type fixture struct {
	eng   *Engine
	clock *clock
	tasks *taskLog
	state *stateSink
	dups  *dupSink
	bus   eventbus.Bus
}

func twoFeeds() []FeedConfig {
	return []FeedConfig{
		{Name: "a", Priority: 0, MaxStaleness: 10 * time.Minute},
		{Name: "b", Priority: 1, MaxStaleness: 10 * time.Minute},
	}
}

func newFixture(t *testing.T, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: t0}, tasks: &taskLog{}, state: &stateSink{}, dups: &dupSink{}, bus: eventbus.New()}
	cfg := Config{
		Feeds:        twoFeeds(),
		Policy:       Policy{RejectEmptyShop: true},
		DupWindow:    15 * time.Minute,
		DupThreshold: 2,
	}
	n := 0
	deps := Deps{
		StateSaver: f.state,
		DupSaver:   f.dups,
		Queue:      f.tasks,
		Planner:    namePlanner{},
		Bus:        f.bus,
		Log:        logx.Nop(),
		Now:        f.clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("u%d", n)
		},
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	eng, err := New(cfg, deps)
	require.NoError(t, err)
	f.eng = eng
	return f
}

func (f *fixture) ingest(t *testing.T, ev shop.IngestEvent) Decision {
	t.Helper()
	d, err := f.eng.Ingest(context.Background(), ev)
	require.NoError(t, err)
	return d
}

func seeds(feed string, items ...shop.Item) shop.IngestEvent {
	return shop.IngestEvent{Feed: feed, Category: shop.CategorySeeds, Items: shop.Items(items...)}
}

func TestCarrotScenario(t *testing.T) {
	f := newFixture(t, nil)

	d := f.ingest(t, seeds("a", shop.NewItem("Carrot", 10)))
	require.True(t, d.Accept)
	assert.Equal(t, []string{"item:seeds/carrot:10"}, f.tasks.take())

	f.clock.Set(30 * time.Second)
	d = f.ingest(t, seeds("b", shop.NewItem("Carrot", 10)))
	assert.False(t, d.Accept)
	assert.Equal(t, ReasonLowerPriority, d.Reason)
	assert.Equal(t, "a", d.Winner)
	assert.Empty(t, f.tasks.take())

	f.clock.Set(65 * time.Second)
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 5))).Accept)
	assert.Equal(t, []string{"item:seeds/carrot:5"}, f.tasks.take())

	// A changing neighbour keeps the hash fresh so the duplicate filter is what decides.
	f.clock.Set(120 * time.Second)
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 5), shop.NewItem("Tomato", 1))).Accept)
	assert.Equal(t, []string{"item:seeds/carrot:5", "item:seeds/tomato:1"}, f.tasks.take())

	f.clock.Set(180 * time.Second)
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 5), shop.NewItem("Tomato", 2))).Accept)
	assert.Equal(t, []string{"item:seeds/tomato:2"}, f.tasks.take())

	f.clock.Set(240 * time.Second)
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 5), shop.NewItem("Tomato", 3))).Accept)
	assert.Equal(t, []string{"item:seeds/tomato:3"}, f.tasks.take())
	assert.EqualValues(t, 2, f.eng.Stats().Suppressed)

	cat, ok := f.eng.Category("seeds")
	require.True(t, ok)
	assert.Equal(t, []shop.Item{shop.NewItem("Carrot", 5), shop.NewItem("Tomato", 3)}, cat.Items)
	require.NotNil(t, f.dups.last)
	assert.Len(t, f.dups.last.Entries["carrot"], 5)
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ev := seeds("a", shop.NewItem("Carrot", 10))

	require.True(t, f.ingest(t, ev).Accept)
	before := f.eng.State()
	saves := f.state.saves

	f.clock.Set(time.Second)
	d := f.ingest(t, ev)
	assert.Equal(t, ReasonDuplicateHash, d.Reason)
	assert.Equal(t, before, f.eng.State())
	assert.Equal(t, saves, f.state.saves)
	assert.Equal(t, []string{"item:seeds/carrot:10"}, f.tasks.take())
}

func TestSideUpdateDoesNotResetItemDedup(t *testing.T) {
	f := newFixture(t, nil)
	ev := seeds("a", shop.NewItem("Carrot", 10))

	require.True(t, f.ingest(t, ev).Accept)
	assert.Equal(t, []string{"item:seeds/carrot:10"}, f.tasks.take())
	updateID := f.eng.State().Categories["seeds"].LastUpdateID

	f.clock.Set(10 * time.Second)
	rain := shop.IngestEvent{Feed: "a", Category: "seeds", Weather: &shop.WeatherEvent{Name: "Rain", EndsAt: t0.Add(time.Hour)}}
	require.True(t, f.ingest(t, rain).Accept)
	assert.Equal(t, []string{"weather:Rain"}, f.tasks.take())

	f.clock.Set(20 * time.Second)
	d := f.ingest(t, ev)
	assert.False(t, d.Accept)
	assert.Equal(t, ReasonDuplicateHash, d.Reason)
	assert.Empty(t, f.tasks.take())
	assert.Equal(t, updateID, f.eng.State().Categories["seeds"].LastUpdateID)

	f.clock.Set(30 * time.Second)
	assert.Equal(t, ReasonDuplicateHash, f.ingest(t, rain).Reason)
}

func TestLowerPriorityTakesOverAfterStaleness(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) {
		c.Feeds[0].MaxStaleness = time.Minute
	})
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 10))).Accept)

	f.clock.Set(59 * time.Second)
	assert.Equal(t, ReasonLowerPriority, f.ingest(t, seeds("b", shop.NewItem("Carrot", 9))).Reason)

	f.clock.Set(61 * time.Second)
	assert.True(t, f.ingest(t, seeds("b", shop.NewItem("Carrot", 8))).Accept)

	cat, _ := f.eng.Category("seeds")
	assert.Equal(t, 8, cat.Items[0].Quantity)
	assert.Equal(t, "u2", cat.LastUpdateID)
}

func TestEmptyShopPolicy(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, ReasonEmptyShop, f.ingest(t, seeds("a")).Reason)

	g := newFixture(t, func(c *Config, _ *Deps) { c.Policy.RejectEmptyShop = false })
	require.True(t, g.ingest(t, seeds("a", shop.NewItem("Carrot", 1))).Accept)
	g.clock.Set(time.Second)
	require.True(t, g.ingest(t, seeds("a")).Accept)
	cat, _ := g.eng.Category("seeds")
	assert.Empty(t, cat.Items)
}

func TestWeatherMergeAndPurge(t *testing.T) {
	f := newFixture(t, nil)
	ends := t0.Add(10 * time.Minute)

	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Weather: &shop.WeatherEvent{Name: "heat wave", EndsAt: ends}}).Accept)
	f.clock.Set(time.Second)
	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "b", Category: "events", Weather: &shop.WeatherEvent{Name: "Heat wave", EndsAt: ends.Add(time.Minute)}}).Accept)

	st := f.eng.State()
	require.Len(t, st.Weather.Events, 1)
	assert.Equal(t, "Heat wave", st.Weather.Events[0].Name)
	assert.Equal(t, ends.Add(time.Minute), st.Weather.Events[0].EndsAt)
	assert.Equal(t, []string{"weather:heat wave"}, f.tasks.take())

	// Side-channel updates never touch items or the category's update id.
	assert.Empty(t, st.Categories["events"].Items)
	assert.Empty(t, st.Categories["events"].LastUpdateID)

	f.clock.Set(12 * time.Minute)
	f.eng.Sweep(context.Background())
	assert.Empty(t, f.eng.State().Weather.Events)

	f.clock.Set(13 * time.Minute)
	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Weather: &shop.WeatherEvent{Name: "Heat Wave", EndsAt: t0.Add(20 * time.Minute)}}).Accept)
	assert.Equal(t, []string{"weather:Heat Wave"}, f.tasks.take())
}

func TestWeatherWithoutEndGetsDefaultDuration(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps) { c.DefaultWeatherDuration = 3 * time.Minute })
	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Weather: &shop.WeatherEvent{Name: "Rain"}}).Accept)
	st := f.eng.State()
	assert.Equal(t, t0.Add(3*time.Minute), st.Weather.Events[0].EndsAt)
}

func unix(d time.Duration) *int64 {
	v := t0.Add(d).Unix()
	return &v
}

func TestVendorLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	offer := shop.VendorItem{Item: shop.NewItem("Golden Egg", 1), AvailableUntil: unix(time.Minute)}
	vendor := func(items ...shop.VendorItem) shop.IngestEvent {
		return shop.IngestEvent{Feed: "a", Category: "events", Vendor: &shop.VendorPayload{Name: "Sam", Items: items}}
	}

	require.True(t, f.ingest(t, vendor(offer)).Accept)
	st := f.eng.State()
	require.True(t, st.Vendor.IsActive)
	assert.Equal(t, []string{"vendor:Sam:1"}, f.tasks.take())

	// Losing an offer is not news; gaining one is.
	extra := shop.VendorItem{Item: shop.NewItem("Moon Seed", 2)}
	f.clock.Set(10 * time.Second)
	require.True(t, f.ingest(t, vendor(offer, extra)).Accept)
	assert.Equal(t, []string{"vendor:Sam:2"}, f.tasks.take())
	f.clock.Set(20 * time.Second)
	require.True(t, f.ingest(t, vendor(extra)).Accept)
	assert.Empty(t, f.tasks.take())

	f.clock.Set(30 * time.Second)
	require.True(t, f.ingest(t, vendor()).Accept)
	st = f.eng.State()
	assert.False(t, st.Vendor.IsActive)
	assert.Empty(t, st.Vendor.Items)

	// Departure resets tracking, so the next visit is announced again.
	f.clock.Set(40 * time.Second)
	require.True(t, f.ingest(t, vendor(extra)).Accept)
	assert.Equal(t, []string{"vendor:Sam:1"}, f.tasks.take())
}

func TestVendorExpiresPassively(t *testing.T) {
	f := newFixture(t, nil)
	stale := shop.VendorItem{Item: shop.NewItem("Golden Egg", 1), AvailableUntil: unix(-time.Second)}
	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Vendor: &shop.VendorPayload{Name: "Sam", Items: []shop.VendorItem{stale}}}).Accept)

	st := f.eng.State()
	assert.False(t, st.Vendor.IsActive)
	assert.Empty(t, st.Vendor.Items)
	assert.Empty(t, f.tasks.take())

	g := newFixture(t, nil)
	soon := shop.VendorItem{Item: shop.NewItem("Golden Egg", 1), AvailableUntil: unix(time.Minute)}
	require.True(t, g.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Vendor: &shop.VendorPayload{Name: "Sam", Items: []shop.VendorItem{soon}}}).Accept)
	g.clock.Set(time.Minute)
	g.eng.Sweep(context.Background())
	assert.False(t, g.eng.State().Vendor.IsActive)
	assert.False(t, g.state.last.Vendor.IsActive)
}

func TestPersistFailureKeepsMemoryAndRetriesOnSweep(t *testing.T) {
	f := newFixture(t, nil)
	f.state.err = errors.New("disk full")

	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 10))).Accept)
	assert.True(t, f.eng.Stats().Dirty)
	cat, _ := f.eng.Category("seeds")
	assert.Len(t, cat.Items, 1)

	f.state.err = nil
	f.eng.Sweep(context.Background())
	assert.False(t, f.eng.Stats().Dirty)
	assert.Equal(t, 1, f.state.saves)
	assert.Equal(t, 10, f.state.last.Categories["seeds"].Items[0].Quantity)
}

func TestChangeEventsPublished(t *testing.T) {
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe(4, eventbus.TypeStockUpdate)
	defer unsub()

	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 10))).Accept)
	ev := <-ch
	ce := ev.Data.(shop.ChangeEvent)
	assert.Equal(t, "a", ce.Source)
	assert.Equal(t, "seeds", ce.Category)
	assert.Equal(t, "u1", ce.UpdateID)

	require.True(t, f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Weather: &shop.WeatherEvent{Name: "Rain", EndsAt: t0.Add(time.Hour)}}).Accept)
	ce = (<-ch).Data.(shop.ChangeEvent)
	assert.Equal(t, "u2", ce.UpdateID, "side-channel updates get their own change id")
}

func TestEnqueueFailureIsCounted(t *testing.T) {
	f := newFixture(t, nil)
	f.tasks.err = dispatch.ErrQueueFull
	require.True(t, f.ingest(t, seeds("a", shop.NewItem("Carrot", 10))).Accept)
	st := f.eng.Stats()
	assert.EqualValues(t, 1, st.EnqueueFailed)
	assert.EqualValues(t, 0, st.Planned)
}

func TestFeedStatusTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ch, unsub := f.bus.Subscribe(8, eventbus.TypeFeedStatus)
	defer unsub()

	f.ingest(t, seeds("a", shop.NewItem("Carrot", 10)))
	f.eng.FeedDown("a", errors.New("connection reset"))
	rec := (<-ch).Data.(FeedRecord)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, "connection reset", rec.LastError)

	f.eng.FeedStopped("b", errors.New("unauthorized"))
	assert.Equal(t, ReasonFeedStopped, f.ingest(t, seeds("b", shop.NewItem("Carrot", 1))).Reason)

	feeds := f.eng.Feeds()
	require.Len(t, feeds, 2)
	assert.Equal(t, "a", feeds[0].Name)
	assert.True(t, feeds[1].Stopped)
	assert.False(t, feeds[1].IsOnline, "a stopped feed stays offline")
	assert.Equal(t, "unauthorized", feeds[1].LastError)
}

func TestRestartDoesNotRepeatAnnouncements(t *testing.T) {
	agg := shop.NewAggregate(nil)
	agg.Weather = &shop.ActiveWeatherSet{Events: []shop.WeatherEvent{{Name: "Rain", EndsAt: t0.Add(time.Hour)}}}
	agg.Vendor = &shop.VendorState{VendorName: "Sam", IsActive: true, Items: []shop.VendorItem{{Item: shop.NewItem("Golden Egg", 1)}}}
	restore := &DupSnapshot{Day: "2024-03-09", Entries: map[string][]Observation{
		"carrot": {{ObservedAt: t0.Add(-time.Minute), Quantity: 5}, {ObservedAt: t0.Add(-30 * time.Second), Quantity: 5}},
	}}

	f := newFixture(t, func(_ *Config, d *Deps) {
		d.State = agg
		d.DupRestore = restore
	})
	f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Weather: &shop.WeatherEvent{Name: "rain", EndsAt: t0.Add(time.Hour)}})
	f.clock.Set(time.Second)
	f.ingest(t, shop.IngestEvent{Feed: "a", Category: "events", Vendor: &shop.VendorPayload{Name: "Sam", Items: []shop.VendorItem{{Item: shop.NewItem("Golden Egg", 1)}}}})
	f.ingest(t, seeds("a", shop.NewItem("Carrot", 5)))
	assert.Empty(t, f.tasks.take())
}

func TestIngestNormalizesInput(t *testing.T) {
	f := newFixture(t, nil)
	d := f.ingest(t, shop.IngestEvent{Feed: " a ", Category: " Seeds ", Items: shop.Items(
		shop.Item{Name: " Carrot ", Quantity: 2},
		shop.Item{Name: "carrot", Quantity: 3},
		shop.Item{Name: "???", Quantity: 1},
	)})
	require.True(t, d.Accept)
	cat, _ := f.eng.Category("seeds")
	assert.Equal(t, []shop.Item{{ID: "carrot", Name: "Carrot", Quantity: 5}}, cat.Items)
}

func TestCloseWritesFinalState(t *testing.T) {
	f := newFixture(t, nil)
	f.ingest(t, seeds("a", shop.NewItem("Carrot", 10)))
	require.NoError(t, f.eng.Close(context.Background()))
	assert.Equal(t, 2, f.state.saves)

	f.state.err = errors.New("read-only")
	assert.Error(t, f.eng.Close(context.Background()))
}
