package config

import (
	"net"
	"strings"
)

// Validate reports every problem in cfg instead of stopping at the first.
func Validate(cfg *Config) ValidationResult {
	var res ValidationResult
	validateStore(cfg.Store, &res)
	validateLog(cfg.Log, &res)
	validateObservability(cfg.Observability, &res)
	validateChannels(cfg.Channels, &res)
	res.OK = len(res.Errors) == 0
	return res
}

func validateStore(in StoreConfig, res *ValidationResult) {
	switch in.Backend {
	case BackendMemory:
		res.warnf("store.backend: memory store loses all messages on restart")
	case BackendSQLite:
		if strings.TrimSpace(in.SQLitePath) == "" {
			res.errorf("store.sqlite_path: required for sqlite backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(in.PostgresDSN) == "" {
			res.errorf("store.postgres_dsn: required for postgres backend")
		}
	default:
		res.errorf("store.backend: unknown backend %q (want memory, sqlite, or postgres)", in.Backend)
	}

	if in.EventChannel != "" && in.Backend != BackendPostgres {
		res.warnf("store.event_channel: only used by the postgres backend")
	}
}

func validateLog(in LogConfig, res *ValidationResult) {
	switch in.Level {
	case "debug", "info", "warn", "error":
	default:
		res.errorf("log.level: unknown level %q (want debug, info, warn, or error)", in.Level)
	}
	switch in.Output {
	case "stderr", "stdout":
		if in.Path != "" {
			res.warnf("log.path: ignored for output %q", in.Output)
		}
	case "file":
		if strings.TrimSpace(in.Path) == "" {
			res.errorf("log.path: required when log.output is file")
		}
	default:
		res.errorf("log.output: unknown output %q (want stderr, stdout, or file)", in.Output)
	}
}

func validateObservability(in ObservabilityConfig, res *ValidationResult) {
	if in.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(in.MetricsListen); err != nil {
			res.errorf("observability.metrics_listen: %v", err)
		}
	}
	if in.Tracing.Enabled && strings.TrimSpace(in.Tracing.Endpoint) == "" {
		res.warnf("observability.tracing.endpoint: not set; exporter falls back to OTEL_EXPORTER_OTLP_* environment")
	}
	if !in.Tracing.Enabled && in.Tracing.Endpoint != "" {
		res.warnf("observability.tracing.endpoint: ignored while tracing is disabled")
	}
}

func validateChannels(in []Channel, res *ValidationResult) {
	seen := make(map[string]int, len(in))
	for i, ch := range in {
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			res.errorf("channels[%d].name: required", i)
			continue
		}
		if name != ch.Name {
			res.errorf("channels[%d].name: %q must not have surrounding whitespace", i, ch.Name)
		}
		if prev, ok := seen[name]; ok {
			res.errorf("channels[%d].name: duplicate channel %q (first at channels[%d])", i, name, prev)
		} else {
			seen[name] = i
		}
		if ch.MaxConcurrency != nil && *ch.MaxConcurrency < 0 {
			res.errorf("channels[%d].max_concurrency: must be >= 0", i)
		}
		if ch.MaxSize != nil && *ch.MaxSize < 0 {
			res.errorf("channels[%d].max_size: must be >= 0", i)
		}
		if ch.MaxConcurrency != nil && *ch.MaxConcurrency == 0 {
			res.warnf("channels[%d].max_concurrency: 0 pauses channel %q", i, name)
		}
		if ch.MaxSize != nil && *ch.MaxSize == 0 {
			res.warnf("channels[%d].max_size: 0 drops every message for channel %q", i, name)
		}
	}
}
