package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"shopwatch/internal/registry"
	logx "shopwatch/pkg/logx"
)

// InactiveMarker deactivates recipients in the registry.
type InactiveMarker interface {
	MarkInactive(ctx context.Context, ids []string) error
}

// BatchSender sends one Request to the provider in paced, retried batches.
type BatchSender struct {
	cfg      Config
	provider Provider
	marker   InactiveMarker
	log      logx.Logger

	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	lastSend time.Time
	failures map[string]int
}

func NewBatchSender(cfg Config, provider Provider, marker InactiveMarker, log logx.Logger) *BatchSender {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	every := cfg.RateInterval / time.Duration(cfg.RateLimit)
	return &BatchSender{
		cfg:      cfg,
		provider: provider,
		marker:   marker,
		log:      log,
		limiter:  rate.NewLimiter(rate.Every(every), cfg.RateLimit),
		sleep:    sleepCtx,
		failures: map[string]int{},
	}
}

type batchOutcome struct {
	delivered  []string
	failed     []string
	deactivate []string
}

// Send delivers req. It never returns an error: failures are reported per recipient.
func (s *BatchSender) Send(ctx context.Context, req Request) Result {
	recips := uniqueRecipients(req.Recipients)
	res := Result{FailedRecipientIDs: []string{}}

	var invalid []string
	var valid []registry.Recipient
	for _, r := range recips {
		if strings.TrimSpace(r.Token) == "" {
			invalid = append(invalid, r.ID)
			continue
		}
		valid = append(valid, r)
	}
	res.FailedRecipientIDs = append(res.FailedRecipientIDs, invalid...)
	res.Deactivated = append(res.Deactivated, invalid...)

	for start := 0; start < len(valid); start += s.cfg.BatchSize {
		batch := valid[start:min(start+s.cfg.BatchSize, len(valid))]
		out := s.sendBatch(ctx, batch, req)
		res.Delivered = append(res.Delivered, out.delivered...)
		res.FailedRecipientIDs = append(res.FailedRecipientIDs, out.failed...)
		res.Deactivated = append(res.Deactivated, out.deactivate...)
	}

	if len(res.Deactivated) > 0 && s.marker != nil {
		// The caller may be canceled; the registry update should still land.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.marker.MarkInactive(mctx, res.Deactivated); err != nil {
			s.log.Warn("mark recipients inactive failed", logx.Int("count", len(res.Deactivated)), logx.Err(err))
		}
		cancel()
	}
	res.Success = len(res.FailedRecipientIDs) == 0
	return res
}

func (s *BatchSender) sendBatch(ctx context.Context, batch []registry.Recipient, req Request) batchOutcome {
	msgs := make([]PushMessage, len(batch))
	for i, r := range batch {
		msgs[i] = PushMessage{To: r.Token, Title: req.Title, Body: req.Body, Data: req.Data, Sound: "default", Priority: "high"}
	}

	var (
		tickets []Ticket
		err     error
	)
	for attempt := 0; ; attempt++ {
		if err = s.pace(ctx); err != nil {
			break
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		tickets, err = s.provider.Push(cctx, msgs)
		cancel()
		if err == nil || !retryable(err) || attempt >= s.cfg.RetryMax || ctx.Err() != nil {
			break
		}
		delay := s.cfg.RetryDelays[min(attempt, len(s.cfg.RetryDelays)-1)]
		s.log.Debug("push batch retry scheduled", logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Int("batch", len(batch)), logx.Err(err))
		if werr := s.sleep(ctx, delay); werr != nil {
			err = werr
			break
		}
	}

	var out batchOutcome
	if err != nil {
		// Throttling and shutdown say nothing about the recipients themselves.
		countAgainst := !errors.Is(err, ErrRateLimited) && ctx.Err() == nil
		s.log.Warn("push batch failed", logx.Int("batch", len(batch)), logx.Bool("counted", countAgainst), logx.Err(err))
		for _, r := range batch {
			out.failed = append(out.failed, r.ID)
			if countAgainst && s.noteFailure(r.ID) {
				out.deactivate = append(out.deactivate, r.ID)
			}
		}
		return out
	}

	for i, r := range batch {
		var t Ticket
		if i < len(tickets) {
			t = tickets[i]
		} else {
			t = Ticket{Status: "error", Message: "no ticket returned"}
		}
		switch {
		case t.OK():
			out.delivered = append(out.delivered, r.ID)
			s.resetFailures(r.ID)
		case t.Invalid():
			out.failed = append(out.failed, r.ID)
			out.deactivate = append(out.deactivate, r.ID)
			s.resetFailures(r.ID)
		default:
			out.failed = append(out.failed, r.ID)
			if s.noteFailure(r.ID) {
				out.deactivate = append(out.deactivate, r.ID)
			}
			s.log.Debug("push ticket error", logx.String("recipient", r.ID), logx.String("error", t.Details.Error), logx.String("message", t.Message))
		}
	}
	return out
}

// pace waits for a limiter token and for the minimum gap since the previous request.
func (s *BatchSender) pace(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	wait := s.cfg.MinDelay - time.Since(s.lastSend)
	s.mu.Unlock()
	if wait > 0 {
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.lastSend = time.Now()
	s.mu.Unlock()
	return nil
}

// noteFailure counts a generic failure and reports whether the threshold was reached.
func (s *BatchSender) noteFailure(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id]++
	if s.failures[id] >= s.cfg.FailureThreshold {
		delete(s.failures, id)
		return true
	}
	return false
}

func (s *BatchSender) resetFailures(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

// FailureCount returns the current consecutive generic failure count for id.
func (s *BatchSender) FailureCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

func uniqueRecipients(in []registry.Recipient) []registry.Recipient {
	seen := make(map[string]bool, len(in))
	out := make([]registry.Recipient, 0, len(in))
	for _, r := range in {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
