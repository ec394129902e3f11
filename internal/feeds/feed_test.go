package feeds

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopwatch/internal/engine"
	rtsup "shopwatch/internal/runtime/supervisor"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

type recordingSink struct {
	mu     sync.Mutex
	events []shop.IngestEvent
	reject bool
}

func (s *recordingSink) Ingest(_ context.Context, ev shop.IngestEvent) (engine.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.reject {
		return engine.Decision{Reason: engine.ReasonDuplicateHash}, nil
	}
	return engine.Decision{Accept: true}, nil
}

func (s *recordingSink) got() []shop.IngestEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]shop.IngestEvent(nil), s.events...)
}

type statusLog struct {
	mu      sync.Mutex
	down    []string
	stopped []string
}

func (s *statusLog) FeedDown(name string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = append(s.down, name)
}

func (s *statusLog) FeedStopped(name string, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, name)
}

func (s *statusLog) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.down), len(s.stopped)
}

// ---- redis ----

type fakePubSub struct {
	msgs   chan *redis.Message
	closed chan struct{}
	once   sync.Once
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{msgs: make(chan *redis.Message, 8), closed: make(chan struct{})}
}

func (p *fakePubSub) ReceiveMessage(ctx context.Context) (*redis.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, redis.ErrClosed
	case m := <-p.msgs:
		return m, nil
	}
}

func (p *fakePubSub) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestRedisFeed_DeliversAndStampsFeedName(t *testing.T) {
	ps := newFakePubSub()
	f := NewRedisFeed("primary", RedisConfig{Channel: "stock"}, testLogger())
	f.now = func() time.Time { return t0 }
	f.dial = func(context.Context) (messageSource, func() error, error) { return ps, nil, nil }

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, sink) }()

	ps.msgs <- &redis.Message{Payload: `{"feedName":"spoofed","category":"seeds","items":[{"name":"Carrot","quantity":3}]}`}
	ps.msgs <- &redis.Message{Payload: `garbage`}
	ps.msgs <- &redis.Message{Payload: `{"weather":{"name":"Rain"}}`}

	require.Eventually(t, func() bool { return len(sink.got()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	evs := sink.got()
	assert.Equal(t, "primary", evs[0].Feed)
	assert.Equal(t, shop.CategorySeeds, evs[0].Category)
	assert.Equal(t, "primary", evs[1].Feed)
	assert.Equal(t, "Rain", evs[1].Weather.Name)
}

func TestRedisFeed_ClosedSubscriptionFails(t *testing.T) {
	ps := newFakePubSub()
	f := NewRedisFeed("primary", RedisConfig{Channel: "stock"}, testLogger())
	f.dial = func(context.Context) (messageSource, func() error, error) { return ps, nil, nil }
	_ = ps.Close()

	err := f.Run(context.Background(), &recordingSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestRedisFeed_DialError(t *testing.T) {
	f := NewRedisFeed("primary", RedisConfig{}, testLogger())
	f.dial = func(context.Context) (messageSource, func() error, error) {
		return nil, nil, errors.New("connect to redis: refused")
	}
	require.EqualError(t, f.Run(context.Background(), &recordingSink{}), "connect to redis: refused")
}

// ---- amqp ----

type fakeAcker struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestHeadKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", head("  abc \n", 64))
	assert.Equal(t, "ab", head("abcdef", 2))

	got := head(strings.Repeat("🥕", 20), 10)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("🥕", 2), got)
}

func TestAMQPFeed_AcksAndDropsPoison(t *testing.T) {
	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 4)
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(`{"category":"gear","items":[{"name":"Trowel","quantity":1}]}`)}
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(`{{{`)}
	deliveries <- amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte(`{"category":"eggs","items":[]}`)}
	close(deliveries)

	f := NewAMQPFeed("backup", AMQPConfig{Queue: "shop"}, testLogger())
	closed := false
	f.consume = func(context.Context) (<-chan amqp.Delivery, func() error, error) {
		return deliveries, func() error { closed = true; return nil }, nil
	}

	sink := &recordingSink{reject: true}
	err := f.Run(context.Background(), sink)
	require.Error(t, err, "closed delivery channel is a failure")
	assert.True(t, closed)

	// Rejected observations are still acked; arbitration outcomes are not transport errors.
	assert.Equal(t, []uint64{1, 3}, acker.acked)
	assert.Equal(t, []uint64{2}, acker.nacked)
	assert.Equal(t, []bool{false}, acker.requeue)

	evs := sink.got()
	require.Len(t, evs, 2)
	assert.Equal(t, "backup", evs[0].Feed)
	assert.Equal(t, shop.CategoryEggs, evs[1].Category)
}

func TestAMQPFeed_Defaults(t *testing.T) {
	f := NewAMQPFeed("backup", AMQPConfig{Queue: "shop"}, testLogger())
	assert.Equal(t, 16, f.cfg.Prefetch)
	assert.Equal(t, "shop", f.cfg.RoutingKey)
}

// ---- telegram ----

func TestTelegramHub_RoutesByChat(t *testing.T) {
	hub := newTelegramHub(testLogger())
	hub.now = func() time.Time { return t0 }
	feed := hub.Feed("tg", []int64{-100})

	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, sink) }()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return hub.owners[-100] == "tg"
	}, time.Second, 5*time.Millisecond)

	assert.False(t, hub.route(-200, "Seeds Stock\n- Carrot x1"), "unknown chat")
	assert.False(t, hub.route(-100, "  "), "blank post")
	assert.True(t, hub.route(-100, "chit chat"))
	assert.True(t, hub.route(-100, "Seeds Stock\n- Carrot x1"))

	require.Eventually(t, func() bool { return len(sink.got()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	ev := sink.got()[0]
	assert.Equal(t, "tg", ev.Feed)
	assert.Equal(t, t0, ev.ReceivedAt)
	assert.Equal(t, []shop.Item{shop.NewItem("Carrot", 1)}, ev.ItemList())

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	assert.Empty(t, hub.routes, "feed detaches on exit")
}

func TestTelegramHub_ChatOwnedOnce(t *testing.T) {
	hub := newTelegramHub(testLogger())
	require.NoError(t, hub.attach("a", []int64{1, 2}, make(chan telegramPost)))
	require.Error(t, hub.attach("b", []int64{2}, make(chan telegramPost)))
	hub.detach("a")
	require.NoError(t, hub.attach("b", []int64{2}, make(chan telegramPost)))
}

func TestTelegramHub_AlertNeedsTarget(t *testing.T) {
	hub := newTelegramHub(testLogger())
	require.Error(t, hub.SendAlert(context.Background(), "boom"))
}

// ---- runner ----

type flakyFeed struct {
	name string
	mu   sync.Mutex
	runs int
}

func (f *flakyFeed) Name() string { return f.name }

func (f *flakyFeed) Run(context.Context, Sink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return errors.New("connection refused")
}

func TestRetryPolicyBackoffCap(t *testing.T) {
	assert.Equal(t, rtsup.NoBackoffCap, RetryPolicy{Backoff: time.Second}.backoffCap())
	assert.Equal(t, time.Minute, RetryPolicy{Backoff: time.Second, BackoffMax: time.Minute}.backoffCap())
}

func TestRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	status := &statusLog{}
	r := NewRunner(&recordingSink{}, status, testLogger())
	ff := &flakyFeed{name: "flaky"}
	r.Add(ff, RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, BackoffMax: time.Millisecond})
	assert.Equal(t, []string{"flaky"}, r.Names())

	sup := rtsup.NewSupervisor(context.Background(), rtsup.WithCancelOnError(false))
	r.Start(sup)

	require.Eventually(t, func() bool {
		_, stopped := status.counts()
		return stopped == 1
	}, 2*time.Second, 5*time.Millisecond)

	down, _ := status.counts()
	assert.Equal(t, 3, down, "initial run plus two restarts")
	ff.mu.Lock()
	assert.Equal(t, 3, ff.runs)
	ff.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sup.Stop(ctx)
}
