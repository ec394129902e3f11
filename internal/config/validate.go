package config

import (
	"fmt"
	"strings"
	"time"

	"shopwatch/internal/dispatch"
	"shopwatch/internal/shop"
)

// MaxFeeds is the number of upstream feeds the engine arbitrates between.
const MaxFeeds = 4

// Validate checks everything that would otherwise fail later at startup or on reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateFeeds(cfg); err != nil {
		return err
	}
	if err := validateEngine(cfg.Engine); err != nil {
		return err
	}

	s := cfg.Storage
	if strings.TrimSpace(s.Dir) == "" && (s.StatePath == "" || s.DupPath == "" || s.JournalPath == "") {
		return fmt.Errorf("storage.dir is required unless every storage path is set")
	}
	if s.JournalKeep < 0 {
		return fmt.Errorf("storage.journal_keep must be >= 0")
	}

	if cfg.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if _, err := ParseDurationField("dispatch.pause", cfg.Dispatch.Pause); err != nil {
		return err
	}
	if _, err := dispatch.ParsePolicy(cfg.Dispatch.Policy); err != nil {
		return fmt.Errorf("dispatch.policy: %w", err)
	}

	if n := cfg.Notifier; n != nil {
		if err := validateNotifier(n); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Registry.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg", "mysql", "mariadb":
	default:
		return fmt.Errorf("registry.driver: unknown %q (use sqlite, postgres or mysql)", cfg.Registry.Driver)
	}
	if cfg.Registry.MaxOpenConns < 0 {
		return fmt.Errorf("registry.max_open_conns must be >= 0")
	}
	for key, raw := range map[string]string{
		"registry.busy_timeout": cfg.Registry.BusyTimeout,
		"registry.prune_after":  cfg.Registry.PruneAfter,
		"http.read_timeout":     cfg.HTTP.ReadTimeout,
		"http.write_timeout":    cfg.HTTP.WriteTimeout,
		"http.idle_timeout":     cfg.HTTP.IdleTimeout,
		"telegram.poll_timeout": cfg.Telegram.PollTimeout,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}

	if r := cfg.ChangeStream.Redis; r != nil && r.Enabled {
		if strings.TrimSpace(r.Addr) == "" || strings.TrimSpace(r.Channel) == "" {
			return fmt.Errorf("change_stream.redis: addr and channel are required")
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Logging.Telegram.Enabled && cfg.Logging.Telegram.ChatID == 0 {
		return fmt.Errorf("logging.telegram.chat_id is required when telegram logging is enabled")
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required when telegram logging is enabled")
	}
	return nil
}

func validateFeeds(cfg *Config) error {
	if len(cfg.Feeds) == 0 {
		return fmt.Errorf("no feeds configured")
	}
	if len(cfg.Feeds) > MaxFeeds {
		return fmt.Errorf("feeds: at most %d feeds are supported, got %d", MaxFeeds, len(cfg.Feeds))
	}
	seen := map[string]bool{}
	for i, f := range cfg.Feeds {
		path := fmt.Sprintf("feeds[%d]", i)
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", path)
		}
		if seen[name] {
			return fmt.Errorf("%s: duplicate feed name %q", path, name)
		}
		seen[name] = true
		if f.Priority < 0 {
			return fmt.Errorf("%s.priority must be >= 0", path)
		}
		if f.MaxReconnectAttempts < 0 {
			return fmt.Errorf("%s.max_reconnect_attempts must be >= 0", path)
		}
		for key, raw := range map[string]string{
			"max_staleness":         f.MaxStaleness,
			"min_accept_interval":   f.MinAcceptInterval,
			"reconnect_backoff":     f.ReconnectBackoff,
			"reconnect_backoff_max": f.ReconnectBackoffMax,
		} {
			if _, err := ParseDurationField(path+"."+key, raw); err != nil {
				return err
			}
		}

		switch strings.ToLower(strings.TrimSpace(f.Kind)) {
		case FeedRedis:
			if f.Redis == nil || strings.TrimSpace(f.Redis.Addr) == "" || strings.TrimSpace(f.Redis.Channel) == "" {
				return fmt.Errorf("%s.redis: addr and channel are required", path)
			}
		case FeedAMQP:
			if f.AMQP == nil || strings.TrimSpace(f.AMQP.URL) == "" || strings.TrimSpace(f.AMQP.Queue) == "" {
				return fmt.Errorf("%s.amqp: url and queue are required", path)
			}
			if f.AMQP.Prefetch < 0 {
				return fmt.Errorf("%s.amqp.prefetch must be >= 0", path)
			}
		case FeedTelegram:
			if f.Telegram == nil || len(f.Telegram.ChatIDs) == 0 {
				return fmt.Errorf("%s.telegram.chat_ids is required", path)
			}
			if strings.TrimSpace(cfg.Telegram.Token) == "" {
				return fmt.Errorf("%s: telegram.token is required for telegram feeds", path)
			}
		default:
			return fmt.Errorf("%s.kind: unknown feed kind %q (use redis, amqp or telegram)", path, f.Kind)
		}
	}
	return nil
}

func validateEngine(e EngineConfig) error {
	for key, raw := range map[string]string{
		"engine.weather_default_duration": e.WeatherDefaultDuration,
		"engine.dup_window":               e.DupWindow,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}
	if e.DupThreshold != nil && *e.DupThreshold < 0 {
		return fmt.Errorf("engine.dup_threshold must be >= 0")
	}
	if tz := strings.TrimSpace(e.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.timezone: invalid %q: %w", tz, err)
		}
	}
	for cat, mins := range e.RefreshMinutes {
		if !shop.IsCategory(cat) {
			return fmt.Errorf("engine.refresh_minutes: unknown category %q", cat)
		}
		if mins <= 0 {
			return fmt.Errorf("engine.refresh_minutes.%s must be > 0", cat)
		}
	}
	return nil
}

func validateNotifier(n *NotifierConfig) error {
	if n.BatchSize < 0 || n.RateLimit < 0 || n.RetryMax < 0 || n.FailureThreshold < 0 || n.HistorySize < 0 {
		return fmt.Errorf("notifier: counts must be >= 0")
	}
	for key, raw := range map[string]string{
		"notifier.rate_interval":   n.RateInterval,
		"notifier.min_delay":       n.MinDelay,
		"notifier.request_timeout": n.RequestTimeout,
	} {
		if _, err := ParseDurationField(key, raw); err != nil {
			return err
		}
	}
	if _, err := ParseDurationList("notifier.retry_delays", n.RetryDelays); err != nil {
		return err
	}
	return nil
}
