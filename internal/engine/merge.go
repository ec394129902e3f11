package engine

import (
	"sort"
	"strings"
	"time"

	"shopwatch/internal/shop"
)

type vendorTransition int

const (
	vendorUnchanged vendorTransition = iota
	vendorArrived
	vendorUpdated
	vendorDeparted
)

func (t vendorTransition) String() string {
	switch t {
	case vendorArrived:
		return "arrived"
	case vendorUpdated:
		return "updated"
	case vendorDeparted:
		return "departed"
	default:
		return "unchanged"
	}
}

// mergeResult describes what a merge pass changed, for persistence and notification.
type mergeResult struct {
	Category    string
	UpdateID    string
	ItemBearing bool
	Items       []shop.Item

	WeatherAdded  []shop.WeatherEvent
	WeatherPurged []shop.WeatherEvent

	Vendor vendorTransition
}

// mergeCategory replaces items for item-bearing updates and only touches LastUpdated
// for side-channel ones.
func mergeCategory(cat *shop.CategoryState, items []shop.Item, itemBearing bool, now time.Time, updateID string) {
	cat.LastUpdated = now
	if !itemBearing {
		return
	}
	cat.Items = append([]shop.Item{}, items...)
	cat.LastUpdateID = updateID
	cat.NextScheduledUpdate = shop.NextScheduledUpdate(now, cat.RefreshIntervalMinutes)
}

// mergeWeather folds ev into the active set. It reports whether ev introduced a new
// event (as opposed to refreshing an existing one).
func mergeWeather(set *shop.ActiveWeatherSet, ev shop.WeatherEvent, now time.Time) bool {
	set.LastUpdated = now
	key := shop.FoldName(ev.Name)
	for i := range set.Events {
		cur := &set.Events[i]
		if shop.FoldName(cur.Name) != key {
			continue
		}
		cur.EndsAt = ev.EndsAt
		if shop.IsProperlyCapitalized(ev.Name) {
			cur.Name = strings.TrimSpace(ev.Name)
		}
		return false
	}
	set.Events = append(set.Events, shop.WeatherEvent{Name: strings.TrimSpace(ev.Name), EndsAt: ev.EndsAt})
	return true
}

// purgeWeather drops events whose end time has passed and returns them.
func purgeWeather(set *shop.ActiveWeatherSet, now time.Time) []shop.WeatherEvent {
	if set == nil || len(set.Events) == 0 {
		return nil
	}
	var purged []shop.WeatherEvent
	kept := set.Events[:0]
	for _, ev := range set.Events {
		if !ev.EndsAt.After(now) {
			purged = append(purged, ev)
			continue
		}
		kept = append(kept, ev)
	}
	set.Events = kept
	if len(purged) > 0 {
		set.LastUpdated = now
	}
	return purged
}

// mergeVendor applies a vendor observation. An empty item list is an explicit departure.
func mergeVendor(agg *shop.AggregateState, p shop.VendorPayload, now time.Time) vendorTransition {
	if agg.Vendor == nil {
		agg.Vendor = &shop.VendorState{Items: []shop.VendorItem{}}
	}
	v := agg.Vendor
	v.LastUpdated = now

	if len(p.Items) == 0 {
		if !v.IsActive {
			return vendorUnchanged
		}
		v.IsActive = false
		v.Items = []shop.VendorItem{}
		return vendorDeparted
	}

	wasActive := v.IsActive
	prevKey := vendorKey(v.VendorName, v.Items)
	if name := strings.TrimSpace(p.Name); name != "" {
		v.VendorName = name
	}
	v.Items = append([]shop.VendorItem{}, p.Items...)
	v.IsActive = true

	switch {
	case !wasActive:
		return vendorArrived
	case prevKey != vendorKey(v.VendorName, v.Items):
		return vendorUpdated
	default:
		return vendorUnchanged
	}
}

// sweepVendor removes expired offers and forces departure once nothing is left.
// Upstream feeds are not guaranteed to send a departure signal.
func sweepVendor(agg *shop.AggregateState, now time.Time) vendorTransition {
	v := agg.Vendor
	if v == nil || !v.IsActive {
		return vendorUnchanged
	}
	kept := make([]shop.VendorItem, 0, len(v.Items))
	for _, it := range v.Items {
		if it.Expired(now) {
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) == len(v.Items) {
		return vendorUnchanged
	}
	v.LastUpdated = now
	if len(kept) == 0 {
		v.IsActive = false
		v.Items = []shop.VendorItem{}
		return vendorDeparted
	}
	v.Items = kept
	return vendorUpdated
}

// vendorKey identifies a vendor visit for notification dedup.
func vendorKey(name string, items []shop.VendorItem) string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	return shop.FoldName(name) + "|" + strings.Join(ids, ",")
}
