package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "shopwatch/pkg/logx"
)

func TestQueueRunsTasksInOrderWithoutOverlap(t *testing.T) {
	q := New(Config{QueueSize: 16, Pause: time.Millisecond}, logx.Nop())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := range 5 {
		wg.Add(1)
		require.NoError(t, q.Enqueue(Task{Name: "t", Run: func(context.Context) error {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		}}))
	}
	waitOrFail(t, &wg)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, overlap.Load())
}

func TestQueueRejectNewWhenFull(t *testing.T) {
	q := New(Config{QueueSize: 1}, logx.Nop())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	require.NoError(t, q.Enqueue(Task{Name: "a", Run: func(context.Context) error { return nil }}))
	err := q.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), q.Stats().Rejected)
	close(block)
}

func TestQueueDropOldestWhenFull(t *testing.T) {
	q := New(Config{QueueSize: 1, Policy: DropOldest}, logx.Nop())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started

	var ran []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	record := func(name string, done bool) Task {
		return Task{Name: name, Run: func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			if done {
				wg.Done()
			}
			return nil
		}}
	}
	require.NoError(t, q.Enqueue(record("old", false)))
	require.NoError(t, q.Enqueue(record("new", true)))
	close(block)
	waitOrFail(t, &wg)

	assert.Equal(t, []string{"new"}, ran)
	assert.Equal(t, uint64(1), q.Stats().Dropped)
}

func TestQueueRecoversPanicsAndCountsFailures(t *testing.T) {
	q := New(Config{QueueSize: 4}, logx.Nop())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, q.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("bad") }}))
	require.NoError(t, q.Enqueue(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }}))
	require.NoError(t, q.Enqueue(Task{Name: "ok", Run: func(context.Context) error { wg.Done(); return nil }}))
	waitOrFail(t, &wg)

	st := q.Stats()
	assert.Equal(t, uint64(2), st.Failed)
	assert.GreaterOrEqual(t, st.Executed, uint64(1))
}

func TestQueueStopDropsPending(t *testing.T) {
	q := New(Config{QueueSize: 8}, logx.Nop())
	q.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, q.Enqueue(Task{Name: "blocker", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}}))
	<-started
	var ran atomic.Bool
	require.NoError(t, q.Enqueue(Task{Name: "pending", Run: func(context.Context) error { ran.Store(true); return nil }}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Stop(ctx)

	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), q.Stats().Dropped)
	assert.ErrorIs(t, q.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, RejectNew, p)

	p, err = ParsePolicy(" Drop_Oldest ")
	require.NoError(t, err)
	assert.Equal(t, DropOldest, p)

	_, err = ParsePolicy("block")
	assert.Error(t, err)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}
