// Package engine reconciles shop observations from several unreliable feeds into one
// aggregate document and decides what is worth notifying about.
//
// All mutation happens under one mutex held for the whole
// arbitrate → merge → persist → plan sequence, so feeds may call Ingest concurrently.
package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shopwatch/internal/dispatch"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

// Planner builds notification tasks. Tasks must capture copies, never engine state.
type Planner interface {
	ItemTask(category string, it shop.Item, updateID string) dispatch.Task
	WeatherTask(ev shop.WeatherEvent) dispatch.Task
	VendorTask(v shop.VendorState) dispatch.Task
}

type TaskQueue interface {
	Enqueue(t dispatch.Task) error
}

type StateSaver interface {
	Save(ctx context.Context, st *shop.AggregateState) error
}

type DupSaver interface {
	Save(ctx context.Context, s *DupSnapshot) error
}

type Config struct {
	Feeds   []FeedConfig
	Policy  Policy
	Refresh map[string]int

	DupWindow    time.Duration
	DupThreshold int
	// Location decides where the calendar day starts for the duplicate filter.
	Location *time.Location

	// DefaultWeatherDuration is applied to weather observations without an end time.
	DefaultWeatherDuration time.Duration
	PersistTimeout         time.Duration
}

// Deps are the engine's collaborators. Only Log is required; a nil Queue or Planner
// disables notifications.
type Deps struct {
	State      *shop.AggregateState
	DupRestore *DupSnapshot
	StateSaver StateSaver
	DupSaver   DupSaver
	Queue      TaskQueue
	Planner    Planner
	Bus        eventbus.Bus
	Log        logx.Logger
	Now        func() time.Time
	NewID      func() string
}

// Stats is a point-in-time view of engine counters.
type Stats struct {
	Accepted      uint64            `json:"accepted"`
	Rejected      map[Reason]uint64 `json:"rejected"`
	Suppressed    uint64            `json:"suppressed"`
	Planned       uint64            `json:"planned"`
	EnqueueFailed uint64            `json:"enqueueFailed"`
	PersistFailed uint64            `json:"persistFailed"`
	Dirty         bool              `json:"dirty"`
	DupEntries    int               `json:"dupEntries"`
}

type Engine struct {
	cfg    Config
	log    logx.Logger
	now    func() time.Time
	newID  func() string
	policy Policy

	state   StateSaver
	dupSave DupSaver
	queue   TaskQueue
	planner Planner
	bus     eventbus.Bus

	dup *DupFilter

	mu  sync.Mutex
	agg *shop.AggregateState
	reg *Registry

	// Notification tracking; reset when the tracked thing goes away.
	notifiedWeather map[string]bool
	notifiedVendor  map[string]bool

	dirty bool
	stats Stats
}

func New(cfg Config, deps Deps) (*Engine, error) {
	reg, err := NewRegistry(cfg.Feeds)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultWeatherDuration <= 0 {
		cfg.DefaultWeatherDuration = 5 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	agg := deps.State
	if agg == nil {
		agg = shop.NewAggregate(cfg.Refresh)
	}

	e := &Engine{
		cfg:             cfg,
		log:             log,
		now:             now,
		newID:           newID,
		policy:          cfg.Policy,
		state:           deps.StateSaver,
		dupSave:         deps.DupSaver,
		queue:           deps.Queue,
		planner:         deps.Planner,
		bus:             deps.Bus,
		dup:             NewDupFilter(cfg.DupWindow, cfg.DupThreshold, cfg.Location),
		agg:             agg,
		reg:             reg,
		notifiedWeather: map[string]bool{},
		notifiedVendor:  map[string]bool{},
		stats:           Stats{Rejected: map[Reason]uint64{}},
	}

	// Whatever was active before a restart has already been announced.
	if agg.Weather != nil {
		for _, w := range agg.Weather.Events {
			e.notifiedWeather[shop.FoldName(w.Name)] = true
		}
	}
	if v := agg.Vendor; v != nil && v.IsActive {
		for _, it := range v.Items {
			e.notifiedVendor[it.ID] = true
		}
	}
	if deps.DupRestore != nil {
		if e.dup.Restore(*deps.DupRestore, now()) {
			log.Info("duplicate window restored", logx.Int("items", e.dup.Len()))
		} else {
			log.Info("duplicate window from another day discarded", logx.String("day", deps.DupRestore.Day))
		}
	}
	return e, nil
}

// Ingest runs one observation through arbitration and, if accepted, merges, persists,
// publishes a change event and plans notifications. Rejections are reported in the
// Decision, not as errors.
func (e *Engine) Ingest(ctx context.Context, ev shop.IngestEvent) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	ev = normalizeEvent(ev)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}

	d := e.policy.Decide(e.reg, e.agg, ev, now)
	if !d.Accept {
		e.reg.RecordReject(ev.Feed)
		e.stats.Rejected[d.Reason]++
		fields := []logx.Field{logx.String("feed", ev.Feed), logx.String("category", ev.Category), logx.String("reason", string(d.Reason))}
		if d.Winner != "" {
			fields = append(fields, logx.String("winner", d.Winner))
		}
		e.log.Debug("update rejected", fields...)
		return d, nil
	}

	// End times are filled in after hashing so repeated open-ended observations collide.
	if ev.Weather != nil && ev.Weather.EndsAt.IsZero() {
		w := *ev.Weather
		w.EndsAt = now.Add(e.cfg.DefaultWeatherDuration)
		ev.Weather = &w
	}

	updateID := e.newID()
	res := e.mergeLocked(ev, d, now, updateID)
	e.reg.RecordAccept(ev.Feed, ev.Category, d.Hash, d.ItemBearing, now)
	e.stats.Accepted++

	e.persistLocked(ctx)
	e.publishChangeLocked(ev.Feed, ev.Category, updateID, now)
	e.planLocked(ctx, res, now)

	e.log.Debug("update accepted",
		logx.String("feed", ev.Feed),
		logx.String("category", ev.Category),
		logx.Bool("items", d.ItemBearing),
		logx.String("update_id", updateID),
		logx.String("vendor", res.Vendor.String()),
	)
	return d, nil
}

func (e *Engine) mergeLocked(ev shop.IngestEvent, d Decision, now time.Time, updateID string) mergeResult {
	res := mergeResult{Category: ev.Category, UpdateID: updateID, ItemBearing: d.ItemBearing}

	mergeCategory(e.agg.Categories[ev.Category], ev.ItemList(), d.ItemBearing, now, updateID)
	if d.ItemBearing {
		res.Items = append([]shop.Item(nil), ev.ItemList()...)
	}

	if ev.Weather != nil {
		if e.agg.Weather == nil {
			e.agg.Weather = &shop.ActiveWeatherSet{Events: []shop.WeatherEvent{}}
		}
		if mergeWeather(e.agg.Weather, *ev.Weather, now) {
			res.WeatherAdded = append(res.WeatherAdded, e.agg.Weather.Events[len(e.agg.Weather.Events)-1])
		}
	}
	res.WeatherPurged = purgeWeather(e.agg.Weather, now)
	if len(res.WeatherPurged) > 0 && len(res.WeatherAdded) > 0 {
		res.WeatherAdded = stillActive(e.agg.Weather, res.WeatherAdded)
	}

	if ev.Vendor != nil {
		res.Vendor = mergeVendor(e.agg, *ev.Vendor, now)
	}
	switch swept := sweepVendor(e.agg, now); {
	case swept == vendorDeparted:
		res.Vendor = vendorDeparted
	case res.Vendor == vendorUnchanged:
		res.Vendor = swept
	}

	e.agg.LastUpdated = now
	return res
}

func stillActive(set *shop.ActiveWeatherSet, evs []shop.WeatherEvent) []shop.WeatherEvent {
	var out []shop.WeatherEvent
	for _, ev := range evs {
		key := shop.FoldName(ev.Name)
		for _, cur := range set.Events {
			if shop.FoldName(cur.Name) == key {
				out = append(out, cur)
				break
			}
		}
	}
	return out
}

// planLocked turns a merge result into notification tasks.
func (e *Engine) planLocked(ctx context.Context, res mergeResult, now time.Time) {
	for _, w := range res.WeatherPurged {
		delete(e.notifiedWeather, shop.FoldName(w.Name))
	}
	if res.Vendor == vendorDeparted {
		clear(e.notifiedVendor)
	}
	if e.planner == nil || e.queue == nil {
		return
	}

	if res.ItemBearing {
		observed := false
		for _, it := range res.Items {
			if it.Quantity <= 0 {
				continue
			}
			observed = true
			if e.dup.Observe(it.ID, it.Quantity, now) {
				e.stats.Suppressed++
				e.log.Debug("notification suppressed", logx.String("item", it.ID), logx.Int("quantity", it.Quantity))
				continue
			}
			e.enqueueLocked(e.planner.ItemTask(res.Category, it, res.UpdateID))
		}
		if observed {
			e.saveDupLocked(ctx)
		}
	}

	for _, w := range res.WeatherAdded {
		key := shop.FoldName(w.Name)
		if e.notifiedWeather[key] {
			continue
		}
		e.notifiedWeather[key] = true
		e.enqueueLocked(e.planner.WeatherTask(w))
	}

	if v := e.agg.Vendor; v != nil && v.IsActive && (res.Vendor == vendorArrived || res.Vendor == vendorUpdated) {
		fresh := false
		for _, it := range v.Items {
			if !e.notifiedVendor[it.ID] {
				fresh = true
				break
			}
		}
		if fresh {
			clear(e.notifiedVendor)
			for _, it := range v.Items {
				e.notifiedVendor[it.ID] = true
			}
			snap := *v
			snap.Items = append([]shop.VendorItem(nil), v.Items...)
			e.enqueueLocked(e.planner.VendorTask(snap))
		}
	}
}

func (e *Engine) enqueueLocked(t dispatch.Task) {
	if err := e.queue.Enqueue(t); err != nil {
		e.stats.EnqueueFailed++
		e.log.Warn("notification not queued", logx.String("task", t.Name), logx.Err(err))
		return
	}
	e.stats.Planned++
}

// persistLocked writes the aggregate. The write is allowed to finish even when ctx is
// canceled; on failure the state stays dirty and is retried on the next merge or sweep.
func (e *Engine) persistLocked(ctx context.Context) {
	if e.state == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.state.Save(pctx, e.agg); err != nil {
		e.dirty = true
		e.stats.PersistFailed++
		e.log.Warn("state persist failed; in-memory state remains authoritative", logx.Err(err))
		return
	}
	e.dirty = false
}

func (e *Engine) saveDupLocked(ctx context.Context) {
	if e.dupSave == nil {
		return
	}
	snap := e.dup.Snapshot()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.dupSave.Save(pctx, &snap); err != nil {
		e.log.Warn("duplicate window persist failed", logx.Err(err))
	}
}

func (e *Engine) publishChangeLocked(source, category, updateID string, now time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeStockUpdate,
		Time: now,
		Data: shop.ChangeEvent{
			Type:      shop.ChangeTypeStockUpdate,
			Source:    source,
			Category:  category,
			UpdateID:  updateID,
			Timestamp: now,
		},
	})
}

func (e *Engine) publishFeedLocked(names []string, now time.Time) {
	if e.bus == nil {
		return
	}
	for _, n := range names {
		if f, ok := e.reg.Get(n); ok {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeFeedStatus, Time: now, Data: f.clone()})
		}
	}
}

// Sweep runs the periodic housekeeping: weather purge, vendor passive expiry, feed
// liveness, duplicate-window pruning and a retry of a failed persist.
func (e *Engine) Sweep(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	changed := false
	purged := purgeWeather(e.agg.Weather, now)
	for _, w := range purged {
		delete(e.notifiedWeather, shop.FoldName(w.Name))
	}
	if len(purged) > 0 {
		changed = true
	}
	switch sweepVendor(e.agg, now) {
	case vendorDeparted:
		clear(e.notifiedVendor)
		changed = true
		e.log.Info("vendor departed (all offers expired)")
	case vendorUpdated:
		changed = true
	}

	if flipped := e.reg.RefreshLiveness(now); len(flipped) > 0 {
		for _, n := range flipped {
			f, _ := e.reg.Get(n)
			e.log.Info("feed liveness changed", logx.String("feed", n), logx.Bool("online", f.IsOnline))
		}
		e.publishFeedLocked(flipped, now)
	}

	if e.dup.Rollover(now) {
		e.log.Info("duplicate window cleared for new day")
		e.saveDupLocked(ctx)
	}
	e.dup.Prune(now)

	if changed {
		e.agg.LastUpdated = now
	}
	if changed || e.dirty {
		e.persistLocked(ctx)
	}
	if changed {
		e.publishChangeLocked("sweep", "", e.newID(), now)
	}
}

// FeedDown records a transport error; the feed client reconnects on its own.
func (e *Engine) FeedDown(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.MarkDown(name, err)
	e.publishFeedLocked([]string{name}, e.now())
}

// FeedStopped disables a feed for the rest of the process lifetime.
func (e *Engine) FeedStopped(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.MarkStopped(name, err)
	e.log.Error("feed permanently stopped", logx.String("feed", name), logx.Err(err))
	e.publishFeedLocked([]string{name}, e.now())
}

// State returns a deep copy of the aggregate.
func (e *Engine) State() *shop.AggregateState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agg.Clone()
}

func (e *Engine) Category(name string) (shop.CategoryState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.agg.Categories[strings.ToLower(strings.TrimSpace(name))]
	if !ok || c == nil {
		return shop.CategoryState{}, false
	}
	cp := *c
	cp.Items = append([]shop.Item{}, c.Items...)
	return cp, true
}

func (e *Engine) Feeds() []FeedRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.Snapshot()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stats
	st.Rejected = make(map[Reason]uint64, len(e.stats.Rejected))
	for k, v := range e.stats.Rejected {
		st.Rejected[k] = v
	}
	st.Dirty = e.dirty
	st.DupEntries = e.dup.Len()
	return st
}

// Close writes the final state and duplicate window.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistLocked(ctx)
	e.saveDupLocked(ctx)
	if e.dirty {
		return errors.New("final state persist failed")
	}
	return nil
}

// normalizeEvent fills item ids from names and canonicalizes the category.
func normalizeEvent(ev shop.IngestEvent) shop.IngestEvent {
	ev.Feed = strings.TrimSpace(ev.Feed)
	ev.Category = strings.ToLower(strings.TrimSpace(ev.Category))
	if ev.Items != nil {
		items := normalizeItems(*ev.Items)
		ev.Items = &items
	}
	if ev.Weather != nil {
		w := *ev.Weather
		w.Name = strings.TrimSpace(w.Name)
		if w.Name == "" {
			ev.Weather = nil
		} else {
			ev.Weather = &w
		}
	}
	if ev.Vendor != nil {
		v := *ev.Vendor
		v.Name = strings.TrimSpace(v.Name)
		v.Items = append([]shop.VendorItem(nil), v.Items...)
		for i := range v.Items {
			v.Items[i].Item = normalizeItem(v.Items[i].Item)
		}
		ev.Vendor = &v
	}
	return ev
}

func normalizeItems(in []shop.Item) []shop.Item {
	out := make([]shop.Item, 0, len(in))
	seen := make(map[string]int, len(in))
	for _, it := range in {
		it = normalizeItem(it)
		if it.ID == "" {
			continue
		}
		// Repeated entries for one item are summed.
		if i, ok := seen[it.ID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		seen[it.ID] = len(out)
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeItem(it shop.Item) shop.Item {
	it.Name = strings.TrimSpace(it.Name)
	if it.ID == "" {
		it.ID = shop.Slug(it.Name)
	}
	return it
}
