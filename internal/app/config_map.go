package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"shopwatch/internal/dispatch"
	"shopwatch/internal/engine"
	"shopwatch/internal/feeds"
	"shopwatch/internal/httpapi"
	"shopwatch/internal/notifier"
	"shopwatch/internal/registry"
	"shopwatch/internal/storage"
	logx "shopwatch/pkg/logx"
)

const (
	defaultSweepSpec  = "@every 30s"
	defaultPruneSpec  = "0 4 * * *"
	defaultPruneAfter = 30 * 24 * time.Hour

	defaultReconnectAttempts = 10
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Dir:         strings.TrimSpace(sc.Dir),
		StatePath:   sc.StatePath,
		DupPath:     sc.DupPath,
		JournalPath: sc.JournalPath,
		NoSync:      sc.NoSync,
	}
}

// mapRegistryConfig defaults to a sqlite file next to the state files.
func mapRegistryConfig(cfg *Config) (registry.Config, time.Duration, error) {
	rc := cfg.Registry
	busy, err := parseDurationOrDefault("registry.busy_timeout", rc.BusyTimeout, 5*time.Second)
	if err != nil {
		return registry.Config{}, 0, err
	}
	pruneAfter, err := parseDurationOrDefault("registry.prune_after", rc.PruneAfter, defaultPruneAfter)
	if err != nil {
		return registry.Config{}, 0, err
	}
	dsn := strings.TrimSpace(rc.DSN)
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	if dsn == "" {
		if driver != "" && driver != "sqlite" && driver != "sqlite3" {
			return registry.Config{}, 0, fmt.Errorf("registry.dsn is required for driver %s", rc.Driver)
		}
		dir := strings.TrimSpace(cfg.Storage.Dir)
		if dir == "" {
			return registry.Config{}, 0, fmt.Errorf("registry.dsn is required when storage.dir is empty")
		}
		dsn = filepath.Join(dir, "registry.db")
	}
	return registry.Config{
		Driver:       driver,
		DSN:          dsn,
		BusyTimeout:  busy,
		MaxOpenConns: rc.MaxOpenConns,
	}, pruneAfter, nil
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	ec := cfg.Engine
	weather, err := parseDurationOrDefault("engine.weather_default_duration", ec.WeatherDefaultDuration, 5*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	window, err := parseDurationOrDefault("engine.dup_window", ec.DupWindow, 15*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	threshold := 2
	if ec.DupThreshold != nil {
		threshold = *ec.DupThreshold
	}
	loc := time.UTC
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return engine.Config{}, fmt.Errorf("engine.timezone: %w", err)
		}
	}
	rejectEmpty := true
	if ec.RejectEmptyShop != nil {
		rejectEmpty = *ec.RejectEmptyShop
	}

	out := engine.Config{
		Policy:                 engine.Policy{RejectEmptyShop: rejectEmpty},
		Refresh:                ec.RefreshMinutes,
		DupWindow:              window,
		DupThreshold:           threshold,
		Location:               loc,
		DefaultWeatherDuration: weather,
	}
	for _, f := range cfg.Feeds {
		stale, err := parseDurationOrDefault("feeds."+f.Name+".max_staleness", f.MaxStaleness, 2*time.Minute)
		if err != nil {
			return engine.Config{}, err
		}
		minGap, err := parseDurationOrDefault("feeds."+f.Name+".min_accept_interval", f.MinAcceptInterval, 0)
		if err != nil {
			return engine.Config{}, err
		}
		out.Feeds = append(out.Feeds, engine.FeedConfig{
			Name:              strings.TrimSpace(f.Name),
			Kind:              strings.ToLower(strings.TrimSpace(f.Kind)),
			Priority:          f.Priority,
			MaxStaleness:      stale,
			MinAcceptInterval: minGap,
		})
	}
	return out, nil
}

func mapRetryPolicy(f FeedConfig) (feeds.RetryPolicy, error) {
	backoff, err := parseDurationOrDefault("feeds."+f.Name+".reconnect_backoff", f.ReconnectBackoff, time.Second)
	if err != nil {
		return feeds.RetryPolicy{}, err
	}
	// Blank means no cap; MaxAttempts bounds the outage instead.
	backoffMax, err := parseDurationField("feeds."+f.Name+".reconnect_backoff_max", f.ReconnectBackoffMax)
	if err != nil {
		return feeds.RetryPolicy{}, err
	}
	attempts := f.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = defaultReconnectAttempts
	}
	return feeds.RetryPolicy{MaxAttempts: attempts, Backoff: backoff, BackoffMax: backoffMax}, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	pause, err := parseDurationOrDefault("dispatch.pause", cfg.Dispatch.Pause, 250*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	policy, err := dispatch.ParsePolicy(cfg.Dispatch.Policy)
	if err != nil {
		return dispatch.Config{}, fmt.Errorf("dispatch.policy: %w", err)
	}
	return dispatch.Config{QueueSize: cfg.Dispatch.QueueSize, Pause: pause, Policy: policy}, nil
}

// mapNotifierConfig returns a disabled config when the section is omitted.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{}, nil
	}
	rateInterval, err := parseDurationOrDefault("notifier.rate_interval", n.RateInterval, time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	minDelay, err := parseDurationOrDefault("notifier.min_delay", n.MinDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	reqTimeout, err := parseDurationOrDefault("notifier.request_timeout", n.RequestTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	delays, err := parseDurationList("notifier.retry_delays", n.RetryDelays)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax := n.RetryMax
	if retryMax == 0 {
		retryMax = 3
	}
	return notifier.Config{
		Enabled:          n.Enabled,
		BatchSize:        n.BatchSize,
		RateLimit:        n.RateLimit,
		RateInterval:     rateInterval,
		MinDelay:         minDelay,
		RetryDelays:      delays,
		RetryMax:         retryMax,
		FailureThreshold: n.FailureThreshold,
		RequestTimeout:   reqTimeout,
		HistorySize:      n.HistorySize,
	}, nil
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := parseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := strings.TrimSpace(hc.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return httpapi.Config{
		Addr:         addr,
		CORSOrigins:  hc.CORSOrigins,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		Pprof:        hc.Pprof,
		PprofToken:   hc.PprofToken,
	}, nil
}

// scheduleSpec resolves a configured job spec. "-" disables the job.
func scheduleSpec(raw, def string) (string, bool) {
	s := strings.TrimSpace(raw)
	switch s {
	case "-":
		return "", false
	case "":
		return def, true
	default:
		return s, true
	}
}
