package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig forwards lines at or above MinLevel to the alert sink, at most
// RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSink delivers one formatted alert. It must not log through the Service
// that feeds it.
type AlertSink interface {
	SendAlert(ctx context.Context, text string) error
}

type AlertStats struct {
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Throttled uint64 `json:"throttled"`
	Dropped   uint64 `json:"dropped"`
}

const (
	alertQueueSize   = 256
	alertSendTimeout = 10 * time.Second
	alertMaxLen      = 3500
	alertMaxValueLen = 600
)

// alerter is a zerolog.LevelWriter that hands lines to a background sender.
// Logging never blocks on the sink.
type alerter struct {
	mu      sync.Mutex
	sink    AlertSink
	limiter *rate.Limiter
	min     zerolog.Level

	queue  chan string
	start  sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent, failed, throttled, dropped atomic.Uint64
}

func newAlerter() *alerter {
	return &alerter{queue: make(chan string, alertQueueSize), min: zerolog.WarnLevel}
}

func (a *alerter) setSink(sink AlertSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	noSink := a.sink == nil
	a.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if noSink {
		fmt.Fprintln(os.Stderr, "logx: alerts enabled without a sink")
	}
	a.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go a.run(ctx)
	})
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alerter) stats() AlertStats {
	return AlertStats{
		Sent:      a.sent.Load(),
		Failed:    a.failed.Load(),
		Throttled: a.throttled.Load(),
		Dropped:   a.dropped.Load(),
	}
}

func (a *alerter) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sink := a.sink
			a.mu.Unlock()
			if sink == nil {
				a.dropped.Add(1)
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, alertSendTimeout)
			if err := sink.SendAlert(sctx, text); err != nil {
				a.failed.Add(1)
			} else {
				a.sent.Add(1)
			}
			cancel()
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) { return a.WriteLevel(zerolog.NoLevel, p) }

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	sink, lim, floor := a.sink, a.limiter, a.min
	a.mu.Unlock()

	if sink == nil || lim == nil || level < floor || level == zerolog.NoLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		a.throttled.Add(1)
		return len(p), nil
	}
	text := renderAlert(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case a.queue <- text:
	default:
		a.dropped.Add(1)
	}
	return len(p), nil
}

// renderAlert turns one JSON log line into "[LEVEL] message" followed by one
// "key=value" line per field, sorted by key.
func renderAlert(line []byte) string {
	raw := strings.TrimSpace(string(line))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(m[k]), alertMaxValueLen))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
