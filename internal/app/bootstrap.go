package app

import (
	"time"

	"shopwatch/internal/config"
	"shopwatch/internal/runtime/supervisor"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.ConfigManager

type FeedConfig = config.FeedConfig

var NewConfigManager = config.NewConfigManager

// SummarizeConfigChange produces a safe, structured summary of config diffs.
var SummarizeConfigChange = config.SummarizeConfigChange

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationList(path string, raw []string) ([]time.Duration, error) {
	return config.ParseDurationList(path, raw)
}

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

type SupervisorSnapshot = supervisor.SupervisorSnapshot

var NewSupervisor = supervisor.NewSupervisor

var WithLogger = supervisor.WithLogger

var WithCancelOnError = supervisor.WithCancelOnError
