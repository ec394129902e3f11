// Package changestream republishes engine change events outside the process.
package changestream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"shopwatch/internal/eventbus"
	"shopwatch/internal/shop"
	logx "shopwatch/pkg/logx"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// Timeout bounds each PUBLISH; zero means 2s.
	Timeout time.Duration
}

// redisClient is the subset of *redis.Client the stream uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Redis publishes every stock_update as JSON on a pub/sub channel and keeps the
// latest one under "<channel>:latest" for late readers.
type Redis struct {
	client  redisClient
	channel string
	timeout time.Duration
	log     logx.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, log logx.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return newRedis(client, cfg, log), nil
}

func newRedis(client redisClient, cfg RedisConfig, log logx.Logger) *Redis {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Redis{client: client, channel: cfg.Channel, timeout: cfg.Timeout, log: log}
}

// Run forwards bus events until ctx is canceled.
func (r *Redis) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(64, eventbus.TypeStockUpdate)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			ce, ok := ev.Data.(shop.ChangeEvent)
			if !ok {
				continue
			}
			if err := r.Publish(ctx, ce); err != nil {
				r.log.Warn("change publish failed", logx.String("update_id", ce.UpdateID), logx.Err(err))
			}
		}
	}
}

func (r *Redis) Publish(ctx context.Context, ce shop.ChangeEvent) error {
	b, err := json.Marshal(ce)
	if err != nil {
		r.failed.Add(1)
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(pctx, r.channel, b).Err(); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	if err := r.client.Set(pctx, r.channel+":latest", b, 0).Err(); err != nil {
		r.log.Debug("latest change not stored", logx.Err(err))
	}
	r.published.Add(1)
	return nil
}

func (r *Redis) Stats() Stats {
	return Stats{Published: r.published.Load(), Failed: r.failed.Load()}
}

func (r *Redis) Close() error { return r.client.Close() }
