package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// FeedConfig is the static description of one upstream feed.
type FeedConfig struct {
	Name              string
	Kind              string
	Priority          int // 0 = most trusted
	MaxStaleness      time.Duration
	MinAcceptInterval time.Duration
}

// FeedRecord is the registry entry for a feed. It lives for the whole process.
type FeedRecord struct {
	Name              string        `json:"name"`
	Kind              string        `json:"kind"`
	Priority          int           `json:"priority"`
	MaxStaleness      time.Duration `json:"maxStaleness"`
	MinAcceptInterval time.Duration `json:"minAcceptInterval"`

	LastMessageReceivedAt time.Time `json:"lastMessageReceivedAt"`
	LastAcceptedAt        time.Time `json:"lastAcceptedAt"`
	IsOnline              bool      `json:"isOnline"`
	Stopped               bool      `json:"stopped"`
	LastError             string    `json:"lastError,omitempty"`

	// Per category. LastChangeHash keeps item and side updates in separate slots.
	LastChangeHash map[string]string    `json:"lastChangeHash"`
	LastAcceptedBy map[string]time.Time `json:"lastAcceptedByCategory"`

	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

func (r *FeedRecord) clone() FeedRecord {
	cp := *r
	cp.LastChangeHash = make(map[string]string, len(r.LastChangeHash))
	for k, v := range r.LastChangeHash {
		cp.LastChangeHash[k] = v
	}
	cp.LastAcceptedBy = make(map[string]time.Time, len(r.LastAcceptedBy))
	for k, v := range r.LastAcceptedBy {
		cp.LastAcceptedBy[k] = v
	}
	return cp
}

// Registry tracks feed liveness and acceptance history.
//
// It is not safe for concurrent use; the Engine serializes access.
type Registry struct {
	feeds map[string]*FeedRecord
	order []string
}

var ErrNoFeeds = errors.New("no feeds configured")

func NewRegistry(cfgs []FeedConfig) (*Registry, error) {
	if len(cfgs) == 0 {
		return nil, ErrNoFeeds
	}
	r := &Registry{feeds: make(map[string]*FeedRecord, len(cfgs))}
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("feed name is required")
		}
		if _, dup := r.feeds[name]; dup {
			return nil, fmt.Errorf("duplicate feed name %q", name)
		}
		if c.Priority < 0 {
			return nil, fmt.Errorf("feed %q: priority must be >= 0", name)
		}
		if c.MaxStaleness <= 0 {
			c.MaxStaleness = 10 * time.Minute
		}
		r.feeds[name] = &FeedRecord{
			Name:              name,
			Kind:              c.Kind,
			Priority:          c.Priority,
			MaxStaleness:      c.MaxStaleness,
			MinAcceptInterval: c.MinAcceptInterval,
			LastChangeHash:    map[string]string{},
			LastAcceptedBy:    map[string]time.Time{},
		}
		r.order = append(r.order, name)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.feeds[r.order[i]].Priority < r.feeds[r.order[j]].Priority
	})
	return r, nil
}

func (r *Registry) Get(name string) (*FeedRecord, bool) {
	f, ok := r.feeds[name]
	return f, ok
}

// Touch records that a message arrived from the feed, whatever the arbitration outcome.
func (r *Registry) Touch(name string, now time.Time) {
	if f, ok := r.feeds[name]; ok {
		f.LastMessageReceivedAt = now
		f.IsOnline = true
		f.LastError = ""
	}
}

// hashSlot keys LastChangeHash. Item updates and weather/vendor updates of a
// category keep separate slots so one kind never clears the other's dedup.
func hashSlot(category string, itemBearing bool) string {
	if itemBearing {
		return category
	}
	return category + "|side"
}

func (r *Registry) RecordAccept(name, category, hash string, itemBearing bool, now time.Time) {
	f, ok := r.feeds[name]
	if !ok {
		return
	}
	f.LastAcceptedAt = now
	f.LastChangeHash[hashSlot(category, itemBearing)] = hash
	if itemBearing {
		f.LastAcceptedBy[category] = now
	}
	f.Accepted++
}

func (r *Registry) RecordReject(name string) {
	if f, ok := r.feeds[name]; ok {
		f.Rejected++
	}
}

// LiveHigherPriority returns a strictly more trusted feed that accepted an item update
// for category within its own staleness window.
func (r *Registry) LiveHigherPriority(name, category string, now time.Time) (string, bool) {
	self, ok := r.feeds[name]
	if !ok {
		return "", false
	}
	for _, n := range r.order {
		f := r.feeds[n]
		if f.Priority >= self.Priority {
			break
		}
		if f.Stopped {
			continue
		}
		at, ok := f.LastAcceptedBy[category]
		if !ok || at.IsZero() {
			continue
		}
		if now.Sub(at) < f.MaxStaleness {
			return f.Name, true
		}
	}
	return "", false
}

// RefreshLiveness recomputes IsOnline from LastMessageReceivedAt and returns the names
// whose state flipped.
func (r *Registry) RefreshLiveness(now time.Time) []string {
	var changed []string
	for _, n := range r.order {
		f := r.feeds[n]
		online := !f.Stopped && !f.LastMessageReceivedAt.IsZero() && now.Sub(f.LastMessageReceivedAt) <= f.MaxStaleness
		if online != f.IsOnline {
			f.IsOnline = online
			changed = append(changed, n)
		}
	}
	return changed
}

// MarkDown flags a transport error; the feed client reconnects on its own.
func (r *Registry) MarkDown(name string, err error) {
	if f, ok := r.feeds[name]; ok {
		f.IsOnline = false
		if err != nil {
			f.LastError = err.Error()
		}
	}
}

// MarkStopped disables a feed for the rest of the process lifetime.
func (r *Registry) MarkStopped(name string, err error) {
	if f, ok := r.feeds[name]; ok {
		f.Stopped = true
		f.IsOnline = false
		if err != nil {
			f.LastError = err.Error()
		}
	}
}

// Snapshot returns copies ordered by priority.
func (r *Registry) Snapshot() []FeedRecord {
	out := make([]FeedRecord, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.feeds[n].clone())
	}
	return out
}
