package feeds

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "shopwatch/pkg/logx"
)

type AMQPConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
}

// AMQPFeed consumes JSON payloads from a durable queue bound to a direct exchange.
type AMQPFeed struct {
	name string
	cfg  AMQPConfig
	log  logx.Logger
	now  func() time.Time

	// consume is replaced in tests.
	consume func(ctx context.Context) (<-chan amqp.Delivery, func() error, error)
}

func NewAMQPFeed(name string, cfg AMQPConfig, log logx.Logger) *AMQPFeed {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.Queue
	}
	f := &AMQPFeed{
		name: name,
		cfg:  cfg,
		log:  log.With(logx.String("feed", name), logx.String("kind", "amqp")),
		now:  time.Now,
	}
	f.consume = f.dial
	return f
}

func (f *AMQPFeed) Name() string { return f.name }

func (f *AMQPFeed) dial(_ context.Context) (<-chan amqp.Delivery, func() error, error) {
	conn, err := amqp.Dial(f.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	closeAll := func() error {
		_ = ch.Close()
		return conn.Close()
	}

	if f.cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(f.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("declare exchange: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(f.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("declare queue: %w", err)
	}
	if f.cfg.Exchange != "" {
		if err := ch.QueueBind(f.cfg.Queue, f.cfg.RoutingKey, f.cfg.Exchange, false, nil); err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	if err := ch.Qos(f.cfg.Prefetch, 0, false); err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(f.cfg.Queue, "shopwatch-"+f.name, false, false, false, false, nil)
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, closeAll, nil
}

func (f *AMQPFeed) Run(ctx context.Context, sink Sink) error {
	deliveries, closeFn, err := f.consume(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeFn != nil {
			_ = closeFn()
		}
	}()
	f.log.Info("feed connected", logx.String("queue", f.cfg.Queue), logx.String("exchange", f.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			evs, err := DecodeJSON(d.Body, f.now())
			if err != nil {
				f.log.Warn("bad payload", logx.Err(err), logx.Int("bytes", len(d.Body)))
				// Unparseable messages are dropped, not requeued.
				_ = d.Nack(false, false)
				continue
			}
			if err := deliver(ctx, sink, f.name, evs, f.log); err != nil {
				_ = d.Nack(false, true)
				return err
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
}
