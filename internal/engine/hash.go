package engine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"shopwatch/internal/shop"
)

// ChangeHash fingerprints an observation so two feeds reporting the same truth collide.
//
// Weather end times are rounded to the minute to tolerate clock skew between observers.
func ChangeHash(category string, items []shop.Item, weather *shop.WeatherEvent, vendor *shop.VendorPayload) string {
	var b strings.Builder
	b.WriteString("c=")
	b.WriteString(category)

	pairs := make([]string, 0, len(items))
	for _, it := range items {
		pairs = append(pairs, it.ID+":"+strconv.Itoa(it.Quantity))
	}
	sort.Strings(pairs)
	b.WriteString("|i=")
	b.WriteString(strings.Join(pairs, ","))

	b.WriteString("|w=")
	if weather != nil {
		b.WriteString(shop.FoldName(weather.Name))
		b.WriteString("@")
		if !weather.EndsAt.IsZero() {
			b.WriteString(strconv.FormatInt(weather.EndsAt.Round(time.Minute).Unix(), 10))
		}
	}

	b.WriteString("|v=")
	if vendor != nil {
		vp := make([]string, 0, len(vendor.Items))
		for _, it := range vendor.Items {
			vp = append(vp, it.ID+":"+strconv.Itoa(it.Quantity))
		}
		sort.Strings(vp)
		b.WriteString(shop.FoldName(vendor.Name))
		b.WriteString("/")
		b.WriteString(strings.Join(vp, ","))
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(b.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

// eventHash is ChangeHash applied to an ingest event.
func eventHash(ev shop.IngestEvent) string {
	return ChangeHash(ev.Category, ev.ItemList(), ev.Weather, ev.Vendor)
}
