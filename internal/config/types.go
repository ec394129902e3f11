package config

// Config is the on-disk configuration. All durations are Go duration strings
// ("500ms", "10s", "1m") and are parsed by Resolve.
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Telegram     TelegramConfig     `json:"telegram,omitempty"`
	Engine       EngineConfig       `json:"engine"`
	Feeds        []FeedConfig       `json:"feeds"`
	Storage      StorageConfig      `json:"storage"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Registry     RegistryConfig     `json:"registry,omitempty"`
	HTTP         HTTPConfig         `json:"http,omitempty"`
	ChangeStream ChangeStreamConfig `json:"change_stream,omitempty"`
	Scheduler    SchedulerConfig    `json:"scheduler,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to a chat through the shared bot.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the single bot shared by telegram feeds and the log alert sink.
type TelegramConfig struct {
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// EngineConfig controls arbitration, merge and the duplicate-notification filter.
//
// Defaults:
//   - reject_empty_shop: true
//   - weather_default_duration: "5m"
//   - dup_window: "15m"
//   - dup_threshold: 2
//   - timezone: "UTC" (calendar day for duplicate-window rollover)
type EngineConfig struct {
	RejectEmptyShop        *bool          `json:"reject_empty_shop,omitempty"`
	WeatherDefaultDuration string         `json:"weather_default_duration,omitempty"`
	DupWindow              string         `json:"dup_window,omitempty"`
	DupThreshold           *int           `json:"dup_threshold,omitempty"`
	Timezone               string         `json:"timezone,omitempty"`
	RefreshMinutes         map[string]int `json:"refresh_minutes,omitempty"`
}

// Feed kinds.
const (
	FeedRedis    = "redis"
	FeedAMQP     = "amqp"
	FeedTelegram = "telegram"
)

// FeedConfig describes one upstream feed. At most four feeds are supported.
type FeedConfig struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`

	MaxStaleness      string `json:"max_staleness,omitempty"`
	MinAcceptInterval string `json:"min_accept_interval,omitempty"`

	// Reconnect policy; after MaxReconnectAttempts the feed is stopped for good.
	MaxReconnectAttempts int    `json:"max_reconnect_attempts,omitempty"`
	ReconnectBackoff     string `json:"reconnect_backoff,omitempty"`
	ReconnectBackoffMax  string `json:"reconnect_backoff_max,omitempty"`

	Redis    *RedisFeedConfig    `json:"redis,omitempty"`
	AMQP     *AMQPFeedConfig     `json:"amqp,omitempty"`
	Telegram *TelegramFeedConfig `json:"telegram,omitempty"`
}

type RedisFeedConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel"`
}

type AMQPFeedConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	Queue      string `json:"queue"`
	RoutingKey string `json:"routing_key,omitempty"`
	Prefetch   int    `json:"prefetch,omitempty"`
}

// TelegramFeedConfig lists the chats whose posts this feed parses.
type TelegramFeedConfig struct {
	ChatIDs []int64 `json:"chat_ids"`
}

// StorageConfig places the state files. Individual paths default to files under Dir.
type StorageConfig struct {
	Dir         string `json:"dir"`
	StatePath   string `json:"state_path,omitempty"`
	DupPath     string `json:"dup_path,omitempty"`
	JournalPath string `json:"journal_path,omitempty"`
	JournalKeep int    `json:"journal_keep,omitempty"`
	NoSync      bool   `json:"no_sync,omitempty"`
}

// DispatchConfig controls the notification queue. Policy is reject_new or drop_oldest.
type DispatchConfig struct {
	QueueSize int    `json:"queue_size,omitempty"`
	Pause     string `json:"pause,omitempty"`
	Policy    string `json:"policy,omitempty"`
}

// NotifierConfig controls push delivery. If the section is omitted, notifications are
// disabled.
type NotifierConfig struct {
	Enabled          bool     `json:"enabled"`
	ProviderURL      string   `json:"provider_url,omitempty"`
	AccessToken      string   `json:"access_token,omitempty"`
	BatchSize        int      `json:"batch_size,omitempty"`
	RateLimit        int      `json:"rate_limit,omitempty"`
	RateInterval     string   `json:"rate_interval,omitempty"`
	MinDelay         string   `json:"min_delay,omitempty"`
	RetryDelays      []string `json:"retry_delays,omitempty"`
	RetryMax         int      `json:"retry_max,omitempty"`
	FailureThreshold int      `json:"failure_threshold,omitempty"`
	RequestTimeout   string   `json:"request_timeout,omitempty"`
	HistorySize      int      `json:"history_size,omitempty"`
}

// RegistryConfig selects the recipient database. Driver is sqlite (default), postgres
// or mysql.
type RegistryConfig struct {
	Driver       string `json:"driver,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	// PruneAfter removes recipients that have been inactive for this long.
	PruneAfter string `json:"prune_after,omitempty"`
}

type HTTPConfig struct {
	Addr         string   `json:"addr,omitempty"`
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	IdleTimeout  string   `json:"idle_timeout,omitempty"`
	// Pprof mounts the runtime profiler under /debug. PprofToken, when set, is
	// required as a bearer token; otherwise only loopback clients may use it.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// ChangeStreamConfig optionally republishes stock_update events to Redis.
type ChangeStreamConfig struct {
	Redis *RedisPublishConfig `json:"redis,omitempty"`
}

type RedisPublishConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel"`
}

// SchedulerConfig holds cron specs for periodic housekeeping. Empty specs use
// the defaults; "-" disables a job.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	// Sweep purges expired weather and vendor offers, refreshes feed liveness,
	// rolls the duplicate window over and retries a failed persist.
	Sweep string `json:"sweep,omitempty"`
	// Prune removes long-inactive recipients from the registry.
	Prune string `json:"prune,omitempty"`
}
