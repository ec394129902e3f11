package feeds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	logx "shopwatch/pkg/logx"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// messageSource is the part of *redis.PubSub the feed reads from.
type messageSource interface {
	ReceiveMessage(ctx context.Context) (*redis.Message, error)
	Close() error
}

// RedisFeed subscribes to one pub/sub channel carrying JSON payloads.
type RedisFeed struct {
	name string
	cfg  RedisConfig
	log  logx.Logger
	now  func() time.Time

	// dial is replaced in tests.
	dial func(ctx context.Context) (messageSource, func() error, error)
}

func NewRedisFeed(name string, cfg RedisConfig, log logx.Logger) *RedisFeed {
	if log.IsZero() {
		log = logx.Nop()
	}
	f := &RedisFeed{
		name: name,
		cfg:  cfg,
		log:  log.With(logx.String("feed", name), logx.String("kind", "redis")),
		now:  time.Now,
	}
	f.dial = f.subscribe
	return f
}

func (f *RedisFeed) Name() string { return f.name }

func (f *RedisFeed) subscribe(ctx context.Context) (messageSource, func() error, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     f.cfg.Addr,
		Password: f.cfg.Password,
		DB:       f.cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	ps := rdb.Subscribe(ctx, f.cfg.Channel)
	// Wait for the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", f.cfg.Channel, err)
	}
	return ps, rdb.Close, nil
}

func (f *RedisFeed) Run(ctx context.Context, sink Sink) error {
	src, closeClient, err := f.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
		if closeClient != nil {
			_ = closeClient()
		}
	}()
	f.log.Info("feed connected", logx.String("channel", f.cfg.Channel))

	for {
		msg, err := src.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return errors.New("redis subscription closed")
			}
			return fmt.Errorf("receive: %w", err)
		}
		evs, err := DecodeJSON([]byte(msg.Payload), f.now())
		if err != nil {
			f.log.Warn("bad payload", logx.Err(err), logx.Int("bytes", len(msg.Payload)), logx.String("head", head(msg.Payload, 64)))
			continue
		}
		if err := deliver(ctx, sink, f.name, evs, f.log); err != nil {
			return err
		}
	}
}

func head(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
