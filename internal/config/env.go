package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SHOPWATCH"

// EnvOverrides carries secrets and deploy-time overrides that should not live in the
// config file. Empty values leave the file untouched.
type EnvOverrides struct {
	LogLevel        string `envconfig:"LOG_LEVEL"`
	TelegramToken   string `envconfig:"TELEGRAM_TOKEN"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	AMQPURL         string `envconfig:"AMQP_URL"`
	RegistryDriver  string `envconfig:"REGISTRY_DRIVER"`
	RegistryDSN     string `envconfig:"REGISTRY_DSN"`
	PushAccessToken string `envconfig:"PUSH_ACCESS_TOKEN"`
	HTTPAddr        string `envconfig:"HTTP_ADDR"`
	PprofToken      string `envconfig:"PPROF_TOKEN"`
	StorageDir      string `envconfig:"STORAGE_DIR"`
}

// LoadEnv reads dotenv files (missing files are fine) and then SHOPWATCH_* variables.
// Variables already set in the process environment win over dotenv values.
func LoadEnv(files ...string) (*EnvOverrides, error) {
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	var env EnvOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Apply overlays non-empty values onto cfg. A nil receiver is a no-op.
func (e *EnvOverrides) Apply(cfg *Config) {
	if e == nil || cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Telegram.Token, e.TelegramToken)
	set(&cfg.Registry.Driver, e.RegistryDriver)
	set(&cfg.Registry.DSN, e.RegistryDSN)
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.HTTP.PprofToken, e.PprofToken)
	set(&cfg.Storage.Dir, e.StorageDir)

	for i := range cfg.Feeds {
		f := &cfg.Feeds[i]
		if f.Redis != nil {
			set(&f.Redis.Password, e.RedisPassword)
		}
		if f.AMQP != nil {
			set(&f.AMQP.URL, e.AMQPURL)
		}
	}
	if r := cfg.ChangeStream.Redis; r != nil {
		set(&r.Password, e.RedisPassword)
	}
	if cfg.Notifier != nil {
		set(&cfg.Notifier.AccessToken, e.PushAccessToken)
	}
}
