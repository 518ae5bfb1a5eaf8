// Package config loads and validates the chanq YAML configuration.
//
// The channels section is authoritative: PlanPolicies clears every stored
// policy whose channel is not listed, so policies set from the CLI last only
// until the next start or reload of chanq run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/chanq/internal/queue"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	DefaultSQLitePath     = ".data/chanq.db"
	DefaultTracingTimeout = 10 * time.Second
)

type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	Channels      []Channel           `yaml:"channels"`
}

type StoreConfig struct {
	Backend      string `yaml:"backend"`
	SQLitePath   string `yaml:"sqlite_path"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	EventChannel string `yaml:"event_channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	Path   string `yaml:"path"`
}

type ObservabilityConfig struct {
	MetricsListen string        `yaml:"metrics_listen"`
	Tracing       TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Endpoint string   `yaml:"endpoint"`
	Insecure bool     `yaml:"insecure"`
	Timeout  Duration `yaml:"timeout"`
}

// Channel is the desired policy for one channel. Omitted limits leave the
// channel unconstrained on that axis.
type Channel struct {
	Name            string    `yaml:"name"`
	MaxConcurrency  *int      `yaml:"max_concurrency"`
	MaxSize         *int      `yaml:"max_size"`
	ReleaseInterval *Duration `yaml:"release_interval"`
}

func (c Channel) Policy() queue.ChannelPolicy {
	p := queue.ChannelPolicy{Channel: c.Name}
	if c.MaxConcurrency != nil {
		v := *c.MaxConcurrency
		p.MaxConcurrency = &v
	}
	if c.MaxSize != nil {
		v := *c.MaxSize
		p.MaxSize = &v
	}
	if c.ReleaseInterval != nil {
		v := time.Duration(*c.ReleaseInterval).Milliseconds()
		p.ReleaseIntervalMs = &v
	}
	return p
}

// Duration accepts Go durations plus a "d" (day) suffix and "off".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	v, err := parseDurationValue(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDurationValue(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("duration must not be empty")
	}
	if strings.EqualFold(raw, "off") || raw == "0" {
		return 0, nil
	}

	lower := strings.ToLower(raw)
	if num, ok := strings.CutSuffix(lower, "d"); ok {
		v, err := strconv.Atoi(num)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid duration %q: must be like 500ms, 5m, 2h, 7d, or off", raw)
		}
		return time.Duration(v) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: must be like 500ms, 5m, 2h, 7d, or off", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", raw)
	}
	return d, nil
}

type ValidationResult struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Load reads and parses the file at path. I/O failures are returned as
// errors; content problems are reported through the result.
func Load(path string) (*Config, ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, err
	}
	cfg, res := Parse(data)
	return cfg, res, nil
}

// Parse decodes data, resolves placeholders, applies defaults and
// validates the result. cfg is nil when the document could not be decoded.
func Parse(data []byte) (*Config, ValidationResult) {
	var res ValidationResult

	var doc yaml.Node
	if err := yaml.Unmarshal(normalizeInput(data), &doc); err != nil {
		res.errorf("parse: %v", err)
		return nil, res
	}

	cfg := &Config{}
	if doc.Kind != 0 {
		resolveNode(&doc, "", &res)

		resolved, err := yaml.Marshal(&doc)
		if err != nil {
			res.errorf("parse: %v", err)
			return nil, res
		}
		dec := yaml.NewDecoder(bytes.NewReader(resolved))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			res.errorf("decode: %v", err)
			return nil, res
		}
	}

	applyDefaults(cfg)
	res.merge(Validate(cfg))
	res.OK = len(res.Errors) == 0
	return cfg, res
}

// resolveNode expands placeholders in every scalar below n. Expanded
// scalars lose their quoting so numeric and boolean fields can be filled
// from the environment.
func resolveNode(n *yaml.Node, path string, res *ValidationResult) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, c := range n.Content {
			p := path
			if n.Kind == yaml.SequenceNode {
				p = fmt.Sprintf("%s[%d]", path, i)
			}
			resolveNode(c, p, res)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			p := key
			if path != "" {
				p = path + "." + key
			}
			resolveNode(n.Content[i+1], p, res)
		}
	case yaml.ScalarNode:
		val, errs, warns := resolvePlaceholders(n.Value)
		for _, e := range errs {
			res.errorf("%s: %s", path, e)
		}
		for _, w := range warns {
			res.warnf("%s: %s", path, w)
		}
		if val != n.Value {
			n.Value = val
			n.Tag = ""
			n.Style = 0
		}
	}
}

func applyDefaults(cfg *Config) {
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQLite
	}
	if cfg.Store.Backend == BackendSQLite && strings.TrimSpace(cfg.Store.SQLitePath) == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	cfg.Log.Output = strings.ToLower(strings.TrimSpace(cfg.Log.Output))
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}

	if cfg.Observability.Tracing.Timeout == 0 {
		cfg.Observability.Tracing.Timeout = Duration(DefaultTracingTimeout)
	}
}
