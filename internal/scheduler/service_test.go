package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "shopwatch/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		err   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:0 4 * * *", kind: SpecCron, cron: "0 4 * * *"},
		{in: "@every 30s", kind: SpecInterval, every: 30 * time.Second},
		{in: "every:2m", kind: SpecInterval, every: 2 * time.Minute},
		{in: "15s", kind: SpecInterval, every: 15 * time.Second},
		{in: "", err: true},
		{in: "0s", err: true},
		{in: "soon", err: true},
		{in: "cron:", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			ps, err := ParseSchedule(tc.in)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.kind, ps.Kind)
			assert.Equal(t, tc.cron, ps.Cron)
			assert.Equal(t, tc.every, ps.Every)
		})
	}
}

func TestAdd_Validates(t *testing.T) {
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }

	require.Error(t, s.Add("sweep", "not a spec", 0, job))
	require.Error(t, s.Add("sweep", "61 * * * *", 0, job))
	require.Error(t, s.Add("", "@every 1s", 0, job))
	require.NoError(t, s.Add("sweep", "@every 1s", 0, job))
	require.Error(t, s.Add("sweep", "@every 2s", 0, job), "duplicate name")
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	fail := true
	require.NoError(t, s.Add("prune", "0 4 * * *", time.Second, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if fail {
			return errors.New("db locked")
		}
		return nil
	}))

	require.EqualError(t, s.RunNow(context.Background(), "prune"), "db locked")
	fail = false
	require.NoError(t, s.RunNow(context.Background(), "prune"))
	require.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)

	snap := s.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	assert.False(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	info := snap.Schedules[0]
	assert.Equal(t, uint64(2), info.Runs)
	assert.Equal(t, uint64(1), info.Failures)
	assert.Empty(t, info.LastError)
	assert.False(t, info.LastRun.IsZero())
}

func TestRunNow_PanicIsFailure(t *testing.T) {
	s := New(Config{}, logx.Nop())
	require.NoError(t, s.Add("boom", "@every 1m", 0, func(context.Context) error { panic("oops") }))
	err := s.RunNow(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
	assert.Equal(t, uint64(1), s.Snapshot().Schedules[0].Failures)
}

func TestOverlapIsSkipped(t *testing.T) {
	s := New(Config{}, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add("slow", "@every 1h", 0, func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	require.NoError(t, s.RunNow(context.Background(), "slow"))
	close(release)
	require.NoError(t, <-done)

	info := s.Snapshot().Schedules[0]
	assert.Equal(t, uint64(1), info.Runs)
	assert.Equal(t, uint64(1), info.Skipped)
}

func TestStartTriggersIntervalJobs(t *testing.T) {
	s := New(Config{}, logx.Nop())
	fired := make(chan struct{}, 4)
	require.NoError(t, s.Add("tick", "@every 20ms", 0, func(context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start(context.Background())
	assert.True(t, s.Snapshot().Running)

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.False(t, s.Snapshot().Running)
}

func TestIntervalScheduleIsStaggeredAndStable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := intervalSchedule(30*time.Second, now, "sweep")
	again := intervalSchedule(30*time.Second, now, "sweep")

	first := a.Next(now)
	assert.Equal(t, first, again.Next(now), "phase depends only on the name")
	assert.False(t, first.Before(now.Add(30*time.Second)))
	assert.True(t, first.Before(now.Add(40*time.Second)))

	assert.Equal(t, first.Add(30*time.Second), a.Next(first))
	assert.Equal(t, first.Add(60*time.Second), a.Next(first.Add(31*time.Second)))
}
