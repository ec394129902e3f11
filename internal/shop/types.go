// Package shop holds the aggregate document of record and the ingest event shape.
//
// Types here are plain data: merge, arbitration and hashing live in internal/engine.
package shop

import (
	"time"
)

// Known categories. The set is fixed; refresh intervals are configurable.
const (
	CategorySeeds     = "seeds"
	CategoryGear      = "gear"
	CategoryEggs      = "eggs"
	CategoryCosmetics = "cosmetics"
	CategoryEvents    = "events"
)

// DefaultRefreshMinutes is the in-game restock cadence per category.
var DefaultRefreshMinutes = map[string]int{
	CategorySeeds:     5,
	CategoryGear:      5,
	CategoryEggs:      30,
	CategoryCosmetics: 240,
	CategoryEvents:    60,
}

// Categories returns the known category names in a stable order.
func Categories() []string {
	return []string{CategorySeeds, CategoryGear, CategoryEggs, CategoryCosmetics, CategoryEvents}
}

// IsCategory reports whether name is one of the known categories.
func IsCategory(name string) bool {
	_, ok := DefaultRefreshMinutes[name]
	return ok
}

type Item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// NewItem builds an item with its slug id derived from name.
func NewItem(name string, qty int) Item {
	return Item{ID: Slug(name), Name: name, Quantity: qty}
}

type CategoryState struct {
	Items                  []Item    `json:"items"`
	LastUpdated            time.Time `json:"lastUpdated"`
	NextScheduledUpdate    time.Time `json:"nextScheduledUpdate"`
	RefreshIntervalMinutes int       `json:"refreshIntervalMinutes"`
	LastUpdateID           string    `json:"lastUpdateId,omitempty"`
}

type WeatherEvent struct {
	Name   string    `json:"name"`
	EndsAt time.Time `json:"endsAt"`
}

type ActiveWeatherSet struct {
	Events      []WeatherEvent `json:"events"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// VendorItem is a traveling-merchant offer. Times are unix seconds.
type VendorItem struct {
	Item
	PriceCents     *int64 `json:"priceCents,omitempty"`
	AvailableFrom  *int64 `json:"availableFrom,omitempty"`
	AvailableUntil *int64 `json:"availableUntil,omitempty"`
}

// Expired reports whether the offer has an end time that is not after now.
func (v VendorItem) Expired(now time.Time) bool {
	return v.AvailableUntil != nil && *v.AvailableUntil <= now.Unix()
}

type VendorState struct {
	VendorName  string       `json:"vendorName"`
	Items       []VendorItem `json:"items"`
	LastUpdated time.Time    `json:"lastUpdated"`
	IsActive    bool         `json:"isActive"`
}

// AggregateState is the document of record. It is mutated only by the engine.
type AggregateState struct {
	Categories  map[string]*CategoryState `json:"categories"`
	Weather     *ActiveWeatherSet         `json:"weather,omitempty"`
	Vendor      *VendorState              `json:"vendor,omitempty"`
	LastUpdated time.Time                 `json:"lastUpdated"`
}

// NewAggregate returns the cold-start document: every known category present and empty.
func NewAggregate(refresh map[string]int) *AggregateState {
	a := &AggregateState{Categories: map[string]*CategoryState{}}
	for _, c := range Categories() {
		mins := DefaultRefreshMinutes[c]
		if v, ok := refresh[c]; ok && v > 0 {
			mins = v
		}
		a.Categories[c] = &CategoryState{Items: []Item{}, RefreshIntervalMinutes: mins}
	}
	return a
}

// Clone returns a deep copy safe to hand to readers and background workers.
func (a *AggregateState) Clone() *AggregateState {
	if a == nil {
		return nil
	}
	out := &AggregateState{
		Categories:  make(map[string]*CategoryState, len(a.Categories)),
		LastUpdated: a.LastUpdated,
	}
	for k, c := range a.Categories {
		if c == nil {
			continue
		}
		cp := *c
		cp.Items = append([]Item{}, c.Items...)
		out.Categories[k] = &cp
	}
	if a.Weather != nil {
		w := *a.Weather
		w.Events = append([]WeatherEvent{}, a.Weather.Events...)
		out.Weather = &w
	}
	if a.Vendor != nil {
		v := *a.Vendor
		v.Items = append([]VendorItem{}, a.Vendor.Items...)
		out.Vendor = &v
	}
	return out
}

// VendorPayload is the vendor part of an ingest event. Empty Items is a departure signal.
type VendorPayload struct {
	Name  string       `json:"name"`
	Items []VendorItem `json:"items"`
}

// IngestEvent is what every feed client hands to the engine.
//
// Items is a pointer so "absent" (side-channel weather/vendor update) can be told apart
// from "present but empty".
type IngestEvent struct {
	Feed       string         `json:"feedName"`
	Category   string         `json:"category"`
	Items      *[]Item        `json:"items,omitempty"`
	Weather    *WeatherEvent  `json:"weather,omitempty"`
	Vendor     *VendorPayload `json:"vendor,omitempty"`
	ReceivedAt time.Time      `json:"-"`
}

// HasItems reports whether the event carries an item list (possibly empty).
func (e IngestEvent) HasItems() bool { return e.Items != nil }

// ItemList returns the item list, or nil when absent.
func (e IngestEvent) ItemList() []Item {
	if e.Items == nil {
		return nil
	}
	return *e.Items
}

// IsSideChannel reports an update that carries weather or vendor data and no items.
func (e IngestEvent) IsSideChannel() bool {
	return e.Items == nil && (e.Weather != nil || e.Vendor != nil)
}

// ChangeEvent is the thin change-stream signal; subscribers re-fetch the aggregate.
type ChangeEvent struct {
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Category  string    `json:"category"`
	UpdateID  string    `json:"updateId"`
	Timestamp time.Time `json:"timestamp"`
}

const ChangeTypeStockUpdate = "stock_update"

// Items is a convenience for building *[]Item literals.
func Items(items ...Item) *[]Item {
	if items == nil {
		items = []Item{}
	}
	return &items
}
