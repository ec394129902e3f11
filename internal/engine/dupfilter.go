package engine

import (
	"sync"
	"time"
)

// Observation is one sighting of an item quantity.
type Observation struct {
	ObservedAt time.Time `json:"observedAt"`
	Quantity   int       `json:"quantity"`
}

// DupSnapshot is the persisted form of the filter.
type DupSnapshot struct {
	Day     string                   `json:"day"`
	Entries map[string][]Observation `json:"entries"`
}

// DupFilter suppresses notifications for items that keep coming back with the same
// quantity inside a trailing window. The table is cleared when the calendar day changes
// so items that legitimately recur daily are not suppressed forever.
type DupFilter struct {
	mu        sync.Mutex
	window    time.Duration
	threshold int
	loc       *time.Location

	day     string
	entries map[string][]Observation
}

func NewDupFilter(window time.Duration, threshold int, loc *time.Location) *DupFilter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}
	return &DupFilter{
		window:    window,
		threshold: threshold,
		loc:       loc,
		entries:   map[string][]Observation{},
	}
}

func (f *DupFilter) dayOf(t time.Time) string { return t.In(f.loc).Format(time.DateOnly) }

// Observe records the observation and reports whether it should be suppressed.
// The observation is always recorded, so the window reflects what feeds actually saw.
func (f *DupFilter) Observe(id string, qty int, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rolloverLocked(now)

	cutoff := now.Add(-f.window)
	hist := f.entries[id]
	kept := hist[:0]
	same := 0
	for _, o := range hist {
		if o.ObservedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, o)
		if o.Quantity == qty {
			same++
		}
	}
	f.entries[id] = append(kept, Observation{ObservedAt: now, Quantity: qty})
	return f.threshold > 0 && same >= f.threshold
}

// Rollover clears the table when now falls on a different calendar day.
func (f *DupFilter) Rollover(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolloverLocked(now)
}

func (f *DupFilter) rolloverLocked(now time.Time) bool {
	d := f.dayOf(now)
	if f.day == d {
		return false
	}
	cleared := f.day != "" && len(f.entries) > 0
	f.day = d
	f.entries = map[string][]Observation{}
	return cleared
}

// Prune drops observations outside the window and empty ids.
func (f *DupFilter) Prune(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-f.window)
	for id, hist := range f.entries {
		kept := hist[:0]
		for _, o := range hist {
			if !o.ObservedAt.Before(cutoff) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			delete(f.entries, id)
			continue
		}
		f.entries[id] = kept
	}
}

func (f *DupFilter) Snapshot() DupSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := DupSnapshot{Day: f.day, Entries: make(map[string][]Observation, len(f.entries))}
	for id, hist := range f.entries {
		out.Entries[id] = append([]Observation(nil), hist...)
	}
	return out
}

// Restore loads persisted history. History from a different day is discarded.
func (f *DupFilter) Restore(s DupSnapshot, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.day = f.dayOf(now)
	f.entries = map[string][]Observation{}
	if s.Day != f.day {
		return false
	}
	for id, hist := range s.Entries {
		f.entries[id] = append([]Observation(nil), hist...)
	}
	return true
}

// Len returns the number of tracked item ids.
func (f *DupFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
