package feeds

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"shopwatch/internal/shop"
)

var ErrUnrecognized = errors.New("unrecognized message")

// wireMessage is the JSON accepted by stream feeds. It carries either one category
// ("category" + "items"), a full snapshot ("categories"), or only weather/vendor data.
type wireMessage struct {
	Category   string                `json:"category"`
	Items      *[]wireItem           `json:"items"`
	Categories map[string][]wireItem `json:"categories"`
	Weather    *wireWeather          `json:"weather"`
	Vendor     *wireVendor           `json:"vendor"`
}

type wireItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity *int   `json:"quantity"`
	Stock    *int   `json:"stock"`
}

type wireWeather struct {
	Name     string     `json:"name"`
	EndsAt   *time.Time `json:"endsAt"`
	EndsUnix int64      `json:"endsAtUnix"`
	Duration int64      `json:"duration"` // seconds from receipt
}

type wireVendor struct {
	Name  string            `json:"name"`
	Items []shop.VendorItem `json:"items"`
}

func (w wireItem) item() shop.Item {
	qty := 0
	switch {
	case w.Quantity != nil:
		qty = *w.Quantity
	case w.Stock != nil:
		qty = *w.Stock
	}
	it := shop.Item{ID: strings.TrimSpace(w.ID), Name: strings.TrimSpace(w.Name), Quantity: qty}
	if it.Name == "" {
		it.Name = it.ID
	}
	return it
}

func toItems(ws []wireItem) []shop.Item {
	out := make([]shop.Item, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.item())
	}
	return out
}

func (w *wireWeather) event(now time.Time) *shop.WeatherEvent {
	if w == nil || strings.TrimSpace(w.Name) == "" {
		return nil
	}
	ev := &shop.WeatherEvent{Name: strings.TrimSpace(w.Name)}
	switch {
	case w.EndsAt != nil:
		ev.EndsAt = *w.EndsAt
	case w.EndsUnix > 0:
		ev.EndsAt = time.Unix(w.EndsUnix, 0).UTC()
	case w.Duration > 0:
		ev.EndsAt = now.Add(time.Duration(w.Duration) * time.Second)
	}
	return ev
}

// DecodeJSON turns one stream payload into ingest events. Feed is left empty; the
// caller stamps its own name so payloads cannot impersonate another feed.
func DecodeJSON(data []byte, now time.Time) ([]shop.IngestEvent, error) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode feed message: %w", err)
	}

	var side *shop.IngestEvent
	if m.Weather != nil || m.Vendor != nil {
		side = &shop.IngestEvent{Category: shop.CategoryEvents, Weather: m.Weather.event(now)}
		if m.Vendor != nil {
			side.Vendor = &shop.VendorPayload{Name: m.Vendor.Name, Items: m.Vendor.Items}
		}
		if side.Weather == nil && side.Vendor == nil {
			side = nil
		}
	}

	var out []shop.IngestEvent
	switch {
	case len(m.Categories) > 0:
		for _, cat := range shop.Categories() {
			ws, ok := m.Categories[cat]
			if !ok {
				continue
			}
			out = append(out, shop.IngestEvent{Category: cat, Items: shop.Items(toItems(ws)...), ReceivedAt: now})
		}
		if side != nil {
			side.ReceivedAt = now
			out = append(out, *side)
		}
	case strings.TrimSpace(m.Category) != "":
		ev := shop.IngestEvent{Category: strings.TrimSpace(m.Category), ReceivedAt: now}
		if m.Items != nil {
			ev.Items = shop.Items(toItems(*m.Items)...)
		}
		if side != nil {
			ev.Weather, ev.Vendor = side.Weather, side.Vendor
		}
		out = append(out, ev)
	case side != nil:
		side.ReceivedAt = now
		out = append(out, *side)
	}
	if len(out) == 0 {
		return nil, ErrUnrecognized
	}
	return out, nil
}

var (
	// "Carrot x10", "- Carrot ×10", "Carrot: 10", "Carrot (10)"
	itemLine = regexp.MustCompile(`^(.+?)(?:\s+[x×]\s*(\d+)|\s*:\s*(\d+)|\s*\((?:[x×])?(\d+)\))$`)
	// "Rain", "Rain for 5m", "Heat Wave ends in 1m30s"
	weatherLine = regexp.MustCompile(`(?i)^(.+?)(?:\s+(?:for|ends in|ending in)\s+(\S+))?$`)

	categoryWords = []struct{ word, category string }{
		{"cosmetic", shop.CategoryCosmetics},
		{"seed", shop.CategorySeeds},
		{"gear", shop.CategoryGear},
		{"egg", shop.CategoryEggs},
		{"event", shop.CategoryEvents},
	}
	departureWords = []string{"left", "departed", "gone", "leaving"}
)

// ParseText reads a human-formatted channel post:
//
//	Seeds Stock
//	- Carrot x10
//	- Tomato x2
//
// Weather posts start with "Weather" and vendor posts with "Traveling Merchant".
func ParseText(text string, now time.Time) (shop.IngestEvent, error) {
	lines := nonEmptyLines(text)
	if len(lines) == 0 {
		return shop.IngestEvent{}, ErrUnrecognized
	}
	header, rest := lines[0], lines[1:]
	head, tail, _ := strings.Cut(header, ":")
	lowHead := strings.ToLower(head)

	switch {
	case strings.Contains(lowHead, "weather"):
		body := strings.TrimSpace(tail)
		if body == "" && len(rest) > 0 {
			body = rest[0]
		}
		ev := parseWeather(body, now)
		if ev == nil {
			return shop.IngestEvent{}, ErrUnrecognized
		}
		return shop.IngestEvent{Category: shop.CategoryEvents, Weather: ev, ReceivedAt: now}, nil

	case strings.Contains(lowHead, "merchant") || strings.Contains(lowHead, "vendor"):
		vp := &shop.VendorPayload{Name: strings.TrimSpace(tail), Items: []shop.VendorItem{}}
		for _, l := range rest {
			if it, ok := parseItem(l); ok {
				vp.Items = append(vp.Items, shop.VendorItem{Item: it})
			}
		}
		// No offers is only a departure when the post says so.
		if len(vp.Items) == 0 && !isDeparture(strings.ToLower(text)) {
			return shop.IngestEvent{}, ErrUnrecognized
		}
		return shop.IngestEvent{Category: shop.CategoryEvents, Vendor: vp, ReceivedAt: now}, nil
	}

	cat := ""
	for _, cw := range categoryWords {
		if strings.Contains(lowHead, cw.word) {
			cat = cw.category
			break
		}
	}
	if cat == "" {
		return shop.IngestEvent{}, ErrUnrecognized
	}
	items := make([]shop.Item, 0, len(rest))
	for _, l := range rest {
		if it, ok := parseItem(l); ok {
			items = append(items, it)
		}
	}
	return shop.IngestEvent{Category: cat, Items: shop.Items(items...), ReceivedAt: now}, nil
}

func parseItem(line string) (shop.Item, bool) {
	m := itemLine.FindStringSubmatch(line)
	if m == nil {
		return shop.Item{}, false
	}
	name := strings.TrimSpace(m[1])
	raw := m[2] + m[3] + m[4]
	qty, err := strconv.Atoi(raw)
	if err != nil || name == "" {
		return shop.Item{}, false
	}
	return shop.NewItem(name, qty), true
}

func parseWeather(body string, now time.Time) *shop.WeatherEvent {
	m := weatherLine.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return nil
	}
	ev := &shop.WeatherEvent{Name: strings.TrimSpace(m[1])}
	if m[2] != "" {
		if d, err := time.ParseDuration(m[2]); err == nil && d > 0 {
			ev.EndsAt = now.Add(d)
		}
	}
	return ev
}

func isDeparture(low string) bool {
	for _, w := range departureWords {
		if strings.Contains(low, w) {
			return true
		}
	}
	return false
}

// nonEmptyLines trims bullets, markdown emphasis and leading emoji.
func nonEmptyLines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimLeftFunc(l, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsSymbol(r) || strings.ContainsRune("-•*_#>·", r) || r == '️'
		})
		l = strings.TrimRight(strings.TrimSpace(l), "*_")
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
