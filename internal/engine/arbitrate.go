package engine

import (
	"time"

	"shopwatch/internal/shop"
)

// Reason explains an arbitration outcome. Rejections are not errors.
type Reason string

const (
	ReasonAccepted        Reason = "accepted"
	ReasonUnknownFeed     Reason = "unknown_feed"
	ReasonFeedStopped     Reason = "feed_stopped"
	ReasonUnknownCategory Reason = "unknown_category"
	ReasonNoPayload       Reason = "no_payload"
	ReasonEmptyShop       Reason = "empty_shop"
	ReasonDuplicateHash   Reason = "duplicate_hash"
	ReasonThrottled       Reason = "throttled"
	ReasonLowerPriority   Reason = "lower_priority"
)

type Decision struct {
	Accept      bool
	Reason      Reason
	Hash        string
	ItemBearing bool
	// Winner names the higher-priority feed when Reason is ReasonLowerPriority.
	Winner string
}

// Policy decides whether an observation may update shared state.
type Policy struct {
	// RejectEmptyShop treats an item list with zero entries (and no weather/vendor
	// payload) as a malformed observation. The shop is assumed never to be empty.
	RejectEmptyShop bool
}

// Decide runs arbitration. It touches the liveness of a running feed but records
// nothing else; the caller records acceptance after a successful merge.
func (p Policy) Decide(reg *Registry, agg *shop.AggregateState, ev shop.IngestEvent, now time.Time) Decision {
	feed, ok := reg.Get(ev.Feed)
	if !ok {
		return Decision{Reason: ReasonUnknownFeed}
	}
	if feed.Stopped {
		return Decision{Reason: ReasonFeedStopped}
	}
	reg.Touch(ev.Feed, now)

	cat, ok := agg.Categories[ev.Category]
	if !ok || cat == nil {
		return Decision{Reason: ReasonUnknownCategory}
	}

	side := ev.Weather != nil || ev.Vendor != nil
	switch {
	case !ev.HasItems() && !side:
		return Decision{Reason: ReasonNoPayload}
	case ev.HasItems() && len(ev.ItemList()) == 0 && !side && p.RejectEmptyShop:
		return Decision{Reason: ReasonEmptyShop}
	}

	d := Decision{Hash: eventHash(ev), ItemBearing: ev.HasItems() && (len(ev.ItemList()) > 0 || !p.RejectEmptyShop)}
	if last, ok := feed.LastChangeHash[hashSlot(ev.Category, d.ItemBearing)]; ok && last == d.Hash {
		d.Reason = ReasonDuplicateHash
		return d
	}

	// Weather and vendor events are rare; never throttle them.
	if !d.ItemBearing {
		d.Accept = true
		d.Reason = ReasonAccepted
		return d
	}

	// Spacing is measured from this feed's last item update for the category;
	// side-channel touches of cat.LastUpdated must not hold back a restock.
	if last, ok := feed.LastAcceptedBy[ev.Category]; ok && feed.MinAcceptInterval > 0 && now.Sub(last) < feed.MinAcceptInterval {
		d.Reason = ReasonThrottled
		return d
	}
	if winner, ok := reg.LiveHigherPriority(ev.Feed, ev.Category, now); ok {
		d.Reason = ReasonLowerPriority
		d.Winner = winner
		return d
	}

	d.Accept = true
	d.Reason = ReasonAccepted
	return d
}
