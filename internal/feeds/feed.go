// Package feeds hosts the upstream feed clients. Each client decodes its transport's
// messages into shop.IngestEvent values and hands them to the engine; reconnects run
// under the process supervisor.
package feeds

import (
	"context"
	"errors"
	"time"

	"shopwatch/internal/engine"
	rtsup "shopwatch/internal/runtime/supervisor"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

// Sink receives decoded observations. *engine.Engine implements it.
type Sink interface {
	Ingest(ctx context.Context, ev shop.IngestEvent) (engine.Decision, error)
}

// StatusSink is told about transport failures.
type StatusSink interface {
	FeedDown(name string, err error)
	FeedStopped(name string, err error)
}

// Feed is one upstream connection. Run blocks until ctx is canceled or the
// connection fails; a nil return while ctx is live counts as a failure.
type Feed interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// RetryPolicy bounds reconnect attempts for a feed.
type RetryPolicy struct {
	MaxAttempts int // <=0 means unlimited
	Backoff     time.Duration
	BackoffMax  time.Duration // <=0 lets the backoff grow until MaxAttempts runs out
}

func (p RetryPolicy) backoffCap() time.Duration {
	if p.BackoffMax <= 0 {
		return rtsup.NoBackoffCap
	}
	return p.BackoffMax
}

type entry struct {
	feed  Feed
	retry RetryPolicy
}

// Runner starts feeds under a supervisor and reports their health.
type Runner struct {
	sink   Sink
	status StatusSink
	log    logx.Logger
	feeds  []entry
}

func NewRunner(sink Sink, status StatusSink, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{sink: sink, status: status, log: log}
}

func (r *Runner) Add(f Feed, retry RetryPolicy) {
	r.feeds = append(r.feeds, entry{feed: f, retry: retry})
}

func (r *Runner) Names() []string {
	out := make([]string, 0, len(r.feeds))
	for _, e := range r.feeds {
		out = append(out, e.feed.Name())
	}
	return out
}

// Start launches every feed on sup. Each feed restarts with backoff until its
// attempt budget runs out, then it is reported stopped and not tried again.
func (r *Runner) Start(sup *rtsup.Supervisor) {
	for _, e := range r.feeds {
		f := e.feed
		name := f.Name()
		opts := []rtsup.RestartOption{
			rtsup.WithRestartBackoff(e.retry.Backoff, e.retry.backoffCap()),
			rtsup.WithMaxRestarts(e.retry.MaxAttempts),
			rtsup.WithStopOnCleanExit(false),
		}
		if r.status != nil {
			opts = append(opts,
				rtsup.WithOnFailure(func(err error) { r.status.FeedDown(name, err) }),
				rtsup.WithOnGiveUp(func(err error) { r.status.FeedStopped(name, err) }),
			)
		}
		r.log.Info("feed starting", logx.String("feed", name))
		sup.GoRestart("feed."+name, func(ctx context.Context) error {
			return f.Run(ctx, r.sink)
		}, opts...)
	}
}

// deliver stamps the feed name on each event and ingests it. Rejections are normal
// arbitration outcomes; only context errors are returned.
func deliver(ctx context.Context, sink Sink, feed string, evs []shop.IngestEvent, log logx.Logger) error {
	for _, ev := range evs {
		ev.Feed = feed
		d, err := sink.Ingest(ctx, ev)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn("ingest failed", logx.String("feed", feed), logx.Err(err))
			continue
		}
		if !d.Accept {
			log.Debug("observation rejected",
				logx.String("feed", feed),
				logx.String("category", ev.Category),
				logx.String("reason", string(d.Reason)),
			)
		}
	}
	return nil
}
