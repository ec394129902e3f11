// Package scheduler triggers periodic housekeeping jobs (state sweep, registry
// prune) on cron or interval schedules. A job that is still running when its
// next trigger fires is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "shopwatch/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means local
}

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

var ErrUnknownJob = errors.New("unknown job")

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64

	lastMu  sync.Mutex
	lastRun time.Time
	lastDur time.Duration
	lastErr string
}

type ScheduleInfo struct {
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	Timeout      time.Duration `json:"timeout"`
	Next         time.Time     `json:"next"`
	Prev         time.Time     `json:"prev"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastRun      time.Time     `json:"lastRun"`
	LastDuration time.Duration `json:"lastDuration"`
	LastError    string        `json:"lastError,omitempty"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Running   bool           `json:"running"`
	Schedules []ScheduleInfo `json:"schedules"`
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. The spec is validated immediately.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return fmt.Errorf("schedule %q: name and job are required", name)
	}
	if _, err := s.schedule(spec, time.Now(), name); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name == name {
			return fmt.Errorf("schedule %s: already registered", name)
		}
	}
	d := &scheduleDef{name: name, spec: strings.TrimSpace(spec), timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addCronLocked(d)
	}
	return nil
}

func (s *Service) schedule(spec string, now time.Time, tag string) (cron.Schedule, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecInterval {
		return intervalSchedule(ps.Every, now, tag), nil
	}
	return s.parser.Parse(ps.Cron)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	sched, err := s.schedule(d.spec, time.Now().In(loc), d.name)
	if err != nil {
		return err
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.fire(d) }))
	return nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering. Job contexts derive from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule rejected", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering and waits for running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for jobs", logx.Err(ctx.Err()))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow executes a registered job synchronously, honoring the skip-if-running rule.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	s.mu.Unlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, d)
}

func (s *Service) fire(d *scheduleDef) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.run(ctx, d)
}

func (s *Service) run(ctx context.Context, d *scheduleDef) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		s.log.Debug("job skipped; previous run still active", logx.String("name", d.name))
		return nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		dur := time.Since(start)
		d.runs.Add(1)
		d.lastMu.Lock()
		d.lastRun, d.lastDur, d.lastErr = start, dur, ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.lastMu.Unlock()
		if err != nil {
			d.failures.Add(1)
			s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("took", dur), logx.Err(err))
			return
		}
		s.log.Debug("job done", logx.String("name", d.name), logx.Duration("took", dur))
	}()
	return d.job(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]*scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	tz := strings.TrimSpace(s.cfg.Timezone)
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}
	out := Snapshot{Timezone: tz, Running: c != nil, Schedules: make([]ScheduleInfo, 0, len(defs))}
	for _, d := range defs {
		it := ScheduleInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  d.timeout,
			Runs:     d.runs.Load(),
			Failures: d.failures.Load(),
			Skipped:  d.skipped.Load(),
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.lastMu.Lock()
		it.LastRun, it.LastDuration, it.LastError = d.lastRun, d.lastDur, d.lastErr
		d.lastMu.Unlock()
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
