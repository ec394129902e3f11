package config

import (
	"reflect"
	"sort"
	"strings"

	logx "shopwatch/pkg/logx"
)

// HotReloadable lists sections applied without a restart.
var HotReloadable = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed sections and safe structured attrs for
// logging. Secrets (tokens, passwords, DSNs, broker URLs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(oldCfg.Telegram.Token != "") != (newCfg.Telegram.Token != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.dup_window", newCfg.Engine.DupWindow),
			logx.String("engine.timezone", newCfg.Engine.Timezone),
		)
	}

	if feeds := diffFeeds(oldCfg.Feeds, newCfg.Feeds); len(feeds) > 0 {
		changed = append(changed, "feeds")
		attrs = append(attrs,
			logx.Strings("feeds.changed", feeds),
			logx.Int("feeds.count", len(newCfg.Feeds)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.dir", newCfg.Storage.Dir))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.policy", newCfg.Dispatch.Policy),
		)
	}

	oldN, newN := notifierOrZero(oldCfg.Notifier), notifierOrZero(newCfg.Notifier)
	tokenChanged := (oldN.AccessToken != "") != (newN.AccessToken != "")
	oldN.AccessToken, newN.AccessToken = "", ""
	if tokenChanged || !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.batch_size", newN.BatchSize),
			logx.Int("notifier.rate_limit", newN.RateLimit),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.Registry, newCfg.Registry) {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.driver", newCfg.Registry.Driver),
			logx.Bool("registry.dsn_set", newCfg.Registry.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}

	if !reflect.DeepEqual(oldCfg.ChangeStream, newCfg.ChangeStream) {
		changed = append(changed, "change_stream")
		attrs = append(attrs, logx.Bool("change_stream.redis_enabled", newCfg.ChangeStream.Redis != nil && newCfg.ChangeStream.Redis.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.sweep", newCfg.Scheduler.Sweep),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !HotReloadable[s] {
			out = append(out, s)
		}
	}
	return out
}

func notifierOrZero(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

// diffFeeds returns the names of feeds added, removed or modified.
func diffFeeds(oldF, newF []FeedConfig) []string {
	byName := func(fs []FeedConfig) map[string]FeedConfig {
		m := make(map[string]FeedConfig, len(fs))
		for _, f := range fs {
			m[strings.TrimSpace(f.Name)] = f
		}
		return m
	}
	om, nm := byName(oldF), byName(newF)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := om[name]
		n, nOK := nm[name]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
