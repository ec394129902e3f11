package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"shopwatch/internal/dispatch"
	"shopwatch/internal/eventbus"
	"shopwatch/internal/registry"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

// Sender is the batch-sending surface used by Service.
type Sender interface {
	Send(ctx context.Context, req Request) Result
}

// Journal persists history entries.
type Journal interface {
	Append(ctx context.Context, v any) error
	Tail(n int) ([]json.RawMessage, error)
}

// Service builds dispatch tasks for stock, weather and vendor notifications.
//
// It is safe for concurrent use.
type Service struct {
	log     logx.Logger
	sender  Sender
	recips  Recipients
	bus     eventbus.Bus
	journal Journal
	now     func() time.Time

	hmu      sync.Mutex
	history  []HistoryItem
	capacity int
}

func New(cfg Config, sender Sender, recips Recipients, bus eventbus.Bus, journal Journal, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log,
		sender:   sender,
		recips:   recips,
		bus:      bus,
		journal:  journal,
		now:      time.Now,
		capacity: cfg.HistorySize,
	}
	s.restoreHistory()
	return s
}

func (s *Service) restoreHistory() {
	if s.journal == nil {
		return
	}
	recs, err := s.journal.Tail(s.capacity)
	if err != nil {
		s.log.Warn("notification history not restored", logx.Err(err))
		return
	}
	for _, r := range recs {
		var h HistoryItem
		if json.Unmarshal(r, &h) == nil {
			s.history = append(s.history, h)
		}
	}
}

// ItemTask notifies recipients subscribed to the item or to its whole category.
func (s *Service) ItemTask(category string, it shop.Item, updateID string) dispatch.Task {
	key := category + "/" + it.ID
	return dispatch.Task{
		Name: "notify.item:" + key,
		Run: func(ctx context.Context) error {
			byItem, err := s.recips.ByItem(ctx, it.ID)
			if err != nil {
				return fmt.Errorf("recipients for item %s: %w", it.ID, err)
			}
			byCat, err := s.recips.ByCategory(ctx, category)
			if err != nil {
				return fmt.Errorf("recipients for category %s: %w", category, err)
			}
			return s.deliver(ctx, "item", key, Request{
				Recipients: append(byItem, byCat...),
				Title:      fmt.Sprintf("%s in stock", it.Name),
				Body:       fmt.Sprintf("%d× %s available in %s", it.Quantity, it.Name, category),
				Data: map[string]any{
					"type":     "stock",
					"category": category,
					"itemId":   it.ID,
					"quantity": it.Quantity,
					"updateId": updateID,
				},
			})
		},
	}
}

// WeatherTask notifies weather subscribers that an event started.
func (s *Service) WeatherTask(ev shop.WeatherEvent) dispatch.Task {
	key := shop.FoldName(ev.Name)
	return dispatch.Task{
		Name: "notify.weather:" + key,
		Run: func(ctx context.Context) error {
			recips, err := s.recips.ForWeather(ctx)
			if err != nil {
				return fmt.Errorf("weather recipients: %w", err)
			}
			return s.deliver(ctx, "weather", key, Request{
				Recipients: recips,
				Title:      "Weather: " + ev.Name,
				Body:       fmt.Sprintf("%s is active until %s UTC", ev.Name, ev.EndsAt.UTC().Format("15:04")),
				Data: map[string]any{
					"type":   "weather",
					"name":   ev.Name,
					"endsAt": ev.EndsAt.Unix(),
				},
			})
		},
	}
}

// VendorTask notifies vendor subscribers about a merchant visit.
func (s *Service) VendorTask(v shop.VendorState) dispatch.Task {
	names := make([]string, 0, len(v.Items))
	ids := make([]string, 0, len(v.Items))
	for _, it := range v.Items {
		names = append(names, it.Name)
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)
	key := shop.FoldName(v.VendorName)
	return dispatch.Task{
		Name: "notify.vendor:" + key,
		Run: func(ctx context.Context) error {
			recips, err := s.recips.ForVendor(ctx)
			if err != nil {
				return fmt.Errorf("vendor recipients: %w", err)
			}
			title := "Traveling merchant arrived"
			if v.VendorName != "" {
				title += ": " + v.VendorName
			}
			return s.deliver(ctx, "vendor", key, Request{
				Recipients: recips,
				Title:      title,
				Body:       summarize(names, 5),
				Data: map[string]any{
					"type":    "vendor",
					"vendor":  v.VendorName,
					"itemIds": ids,
				},
			})
		},
	}
}

func (s *Service) deliver(ctx context.Context, kind, key string, req Request) error {
	if len(req.Recipients) == 0 {
		s.log.Debug("no recipients", logx.String("kind", kind), logx.String("key", key))
		return nil
	}
	res := s.sender.Send(ctx, req)
	now := s.now()

	if len(res.Delivered) > 0 {
		if err := s.recips.TouchLastUsed(ctx, res.Delivered, now); err != nil {
			s.log.Warn("record last used failed", logx.Err(err))
		}
	}

	total := len(uniqueRecipients(req.Recipients))
	h := HistoryItem{At: now, Kind: kind, Key: key, Title: req.Title, Body: req.Body, Recipients: total, Failed: len(res.FailedRecipientIDs)}
	s.appendHistory(ctx, h)

	ev := NotificationEvent{Kind: kind, Key: key, Recipients: total, Failed: h.Failed, At: now}
	var err error
	if !res.Success {
		err = fmt.Errorf("%d of %d recipients failed", h.Failed, total)
		ev.Error = err.Error()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Time: now, Data: ev})
	}
	s.log.Info("notification sent", logx.String("kind", kind), logx.String("key", key), logx.Int("recipients", total), logx.Int("failed", h.Failed), logx.Int("deactivated", len(res.Deactivated)))
	return err
}

func (s *Service) appendHistory(ctx context.Context, h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > s.capacity {
		s.history = s.history[len(s.history)-s.capacity:]
	}
	s.hmu.Unlock()
	if s.journal != nil {
		if err := s.journal.Append(context.WithoutCancel(ctx), h); err != nil {
			s.log.Debug("history journal append failed", logx.Err(err))
		}
	}
}

// History returns recent notifications, newest last.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func summarize(names []string, n int) string {
	if len(names) == 0 {
		return "New offers available"
	}
	if len(names) <= n {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:n], ", "), len(names)-n)
}

var _ Recipients = (*registry.Store)(nil)
