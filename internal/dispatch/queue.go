// Package dispatch runs notification tasks one at a time, in submission order,
// off the ingest path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "shopwatch/internal/runtime/supervisor"
	logx "shopwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch queue stopped")
)

// Policy selects what happens when the queue is full.
type Policy string

const (
	RejectNew  Policy = "reject_new"
	DropOldest Policy = "drop_oldest"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RejectNew:
		return RejectNew, nil
	case DropOldest:
		return DropOldest, nil
	default:
		return "", fmt.Errorf("unknown queue policy %q (use reject_new or drop_oldest)", s)
	}
}

// Task is a self-contained notification job. Run must only use data it captured.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Config struct {
	QueueSize int
	Pause     time.Duration
	Policy    Policy
}

type Stats struct {
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Rejected  uint64 `json:"rejected"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

// Queue is a bounded FIFO drained by a single worker.
//
// No two tasks ever run concurrently. Pending tasks are dropped on Stop.
type Queue struct {
	cfg Config
	log logx.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Task
	running bool
	sup     *rtsup.Supervisor

	executed atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	rejected atomic.Uint64
	lastErr  atomic.Value // string
}

func New(cfg Config, log logx.Logger) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Pause < 0 {
		cfg.Pause = 0
	}
	if cfg.Policy == "" {
		cfg.Policy = RejectNew
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{cfg: cfg, log: log}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Supervisor returns the worker supervisor (nil if not started).
func (q *Queue) Supervisor() *rtsup.Supervisor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup
}

// Enqueue appends a task. It never blocks.
func (q *Queue) Enqueue(t Task) error {
	if t.Run == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.rejected.Add(1)
		return ErrStopped
	}
	if len(q.pending) >= q.cfg.QueueSize {
		if q.cfg.Policy != DropOldest {
			q.rejected.Add(1)
			q.log.Warn("dispatch queue full; rejecting task", logx.String("task", t.Name), logx.Int("cap", q.cfg.QueueSize))
			return ErrQueueFull
		}
		old := q.pending[0]
		q.pending = q.pending[1:]
		q.dropped.Add(1)
		q.log.Warn("dispatch queue full; dropped oldest task", logx.String("dropped", old.Name), logx.String("task", t.Name))
	}
	q.pending = append(q.pending, t)
	q.cond.Signal()
	return nil
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	sup := q.sup
	q.mu.Unlock()

	// Wake the worker when the context ends so it can observe cancellation.
	sup.Go0("dispatch.wake", func(c context.Context) {
		<-c.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	sup.Go0("dispatch.worker", q.worker)
	q.log.Info("dispatch queue started", logx.Int("cap", q.cfg.QueueSize), logx.Duration("pause", q.cfg.Pause), logx.String("policy", string(q.cfg.Policy)))
}

// Stop cancels the worker and drops pending tasks. A task already running is given
// until ctx expires to finish.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	n := len(q.pending)
	q.pending = nil
	sup := q.sup
	q.sup = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	if n > 0 {
		q.dropped.Add(uint64(n))
		q.log.Info("dispatch queue stopped; pending tasks dropped", logx.Int("dropped", n))
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (q *Queue) next(ctx context.Context) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && q.running && ctx.Err() == nil {
		q.cond.Wait()
	}
	if !q.running || ctx.Err() != nil || len(q.pending) == 0 {
		return Task{}, false
	}
	t := q.pending[0]
	q.pending[0] = Task{}
	q.pending = q.pending[1:]
	return t, true
}

func (q *Queue) worker(ctx context.Context) {
	for {
		t, ok := q.next(ctx)
		if !ok {
			return
		}
		q.run(ctx, t)

		if q.cfg.Pause > 0 {
			tm := time.NewTimer(q.cfg.Pause)
			select {
			case <-ctx.Done():
				tm.Stop()
				return
			case <-tm.C:
			}
		}
	}
}

func (q *Queue) run(ctx context.Context, t Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.lastErr.Store(fmt.Sprint(r))
			q.log.Error("dispatch task panicked", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	err := t.Run(ctx)
	q.executed.Add(1)
	if err != nil {
		q.failed.Add(1)
		q.lastErr.Store(err.Error())
		q.log.Warn("dispatch task failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	q.log.Debug("dispatch task done", logx.String("task", t.Name), logx.Duration("took", time.Since(start)))
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	st := Stats{Queued: len(q.pending), Capacity: q.cfg.QueueSize, Running: q.running}
	q.mu.Unlock()
	st.Executed = q.executed.Load()
	st.Failed = q.failed.Load()
	st.Dropped = q.dropped.Load()
	st.Rejected = q.rejected.Load()
	if v, ok := q.lastErr.Load().(string); ok {
		st.LastError = v
	}
	return st
}
