package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	logx "shopwatch/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	defaultHealthyRun = 30 * time.Second
)

// NoBackoffCap passed as the max to WithRestartBackoff lets the wait keep doubling.
const NoBackoffCap time.Duration = -1

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff, maxBackoff time.Duration
	healthyRun             time.Duration
	maxRestarts            int
	stopOnCleanExit        bool
	publishFirstErr        bool
	onFailure              func(error)
	onGiveUp               func(error)
}

// WithRestartBackoff bounds the exponential wait between runs. Zero keeps the
// default; max may be NoBackoffCap.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 || max == NoBackoffCap {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n consecutive failed restarts (the first run is
// free). n <= 0 never gives up.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithHealthyRun sets how long a run must last before its failure resets the
// backoff and the restart budget. Default 30s.
func WithHealthyRun(d time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if d > 0 {
			p.healthyRun = d
		}
	}
}

// WithPublishFirstError records failures in Err while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop. Default true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// WithOnFailure runs after each failed run, before the wait.
func WithOnFailure(fn func(error)) RestartOption {
	return func(p *restartPolicy) { p.onFailure = fn }
}

// WithOnGiveUp runs once when the restart budget is spent.
func WithOnGiveUp(fn func(error)) RestartOption {
	return func(p *restartPolicy) { p.onGiveUp = fn }
}

// GoRestart keeps fn running until the context ends, the budget runs out or
// fn returns nil (with the default stop-on-clean-exit). Failures and panics
// are retried after a jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{
		minBackoff:      defaultMinBackoff,
		maxBackoff:      defaultMaxBackoff,
		healthyRun:      defaultHealthyRun,
		stopOnCleanExit: true,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.maxBackoff != NoBackoffCap {
		p.maxBackoff = max(p.maxBackoff, p.minBackoff)
	}

	// The loop itself is tracked under its own name so fn's stats stay per run.
	s.Go0(name+".restart", func(ctx context.Context) { s.restartLoop(ctx, name, fn, p) })
}

func (s *Supervisor) restartLoop(ctx context.Context, name string, fn func(context.Context) error, p restartPolicy) {
	backoff := p.minBackoff
	failures := 0
	for first := true; ctx.Err() == nil; first = false {
		began := s.noteStart(name, !first)
		pan, stack, err := guard(ctx, fn)
		if pan != nil {
			s.notePanic(name, pan)
			s.log.Error("task panicked", logx.String("task", name), logx.Any("panic", pan), logx.String("stack", string(stack)))
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.noteStop(name, began, nil)
			return
		}
		if err == nil {
			if p.stopOnCleanExit {
				s.noteStop(name, began, nil)
				return
			}
			err = errors.New("exited")
		}

		s.noteStop(name, began, fmt.Errorf("%s: %w", name, err))
		if p.publishFirstErr {
			s.fail(fmt.Errorf("%s: %w", name, err))
		}
		if p.onFailure != nil {
			p.onFailure(err)
		}

		// A long run means the last outage ended; start counting afresh.
		if time.Since(began) >= p.healthyRun {
			backoff, failures = p.minBackoff, 0
		}
		if p.maxRestarts > 0 && failures >= p.maxRestarts {
			s.noteGaveUp(name)
			s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", failures), logx.Err(err))
			if p.onGiveUp != nil {
				p.onGiveUp(err)
			}
			return
		}
		failures++

		wait := jitter(p.bound(backoff))
		s.log.Warn("task restarting", logx.String("task", name), logx.Int("attempt", failures), logx.Duration("backoff", wait), logx.Err(err))
		if !sleep(ctx, wait) {
			return
		}
		backoff = p.bound(double(backoff))
	}
}

func (p restartPolicy) bound(d time.Duration) time.Duration {
	d = max(d, p.minBackoff)
	if p.maxBackoff == NoBackoffCap {
		return d
	}
	return min(d, p.maxBackoff)
}

func double(d time.Duration) time.Duration {
	if d > math.MaxInt64/2 {
		return math.MaxInt64
	}
	return d * 2
}

// jitter adds up to 20%.
func jitter(d time.Duration) time.Duration {
	j := d / 5
	if j <= 0 || d > math.MaxInt64-j {
		return d
	}
	return d + time.Duration(time.Now().UnixNano()%int64(j+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
