// Package config loads the daemon configuration file. YAML is coerced to
// JSON so both formats share one strict decoder, and duration fields are
// plain strings resolved with defaults after decoding. Configuration is
// read once at startup; caps and intervals are never mutated at runtime.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// File is the on-disk configuration shape. Duration fields are strings
// ("30s", "5m") resolved in Resolve().
type File struct {
	Store  StoreFile  `json:"store"`
	Runner RunnerFile `json:"runner"`
	HTTP   HTTPFile   `json:"http"`
	Log    LogFile    `json:"log"`
}

type StoreFile struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RunnerFile struct {
	Concurrency        int    `json:"concurrency,omitempty"`
	ConcurrencyPerType int    `json:"concurrency_per_type,omitempty"`
	LeaseDuration      string `json:"lease_duration,omitempty"`
	MaintenanceEvery   string `json:"maintenance_interval,omitempty"`
	MaintenanceCron    string `json:"maintenance_cron,omitempty"`
	MinLoopDelay       string `json:"min_loop_delay,omitempty"`
	MaxLoopDelay       string `json:"max_loop_delay,omitempty"`
	DrainGrace         string `json:"drain_grace,omitempty"`
	LivenessFile       string `json:"liveness_file,omitempty"`
}

type HTTPFile struct {
	Enabled      bool   `json:"enabled,omitempty"`
	Addr         string `json:"addr,omitempty"`
	TriggerToken string `json:"trigger_token,omitempty"`
}

type LogFile struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
}

// Config is the resolved, typed configuration.
type Config struct {
	Store  Store
	Runner Runner
	HTTP   HTTP
	Log    LogFile
}

type Store struct {
	Path        string
	BusyTimeout time.Duration
}

type Runner struct {
	Concurrency        int
	ConcurrencyPerType int
	LeaseDuration      time.Duration
	MaintenanceEvery   time.Duration
	MaintenanceCron    string
	MinLoopDelay       time.Duration
	MaxLoopDelay       time.Duration
	DrainGrace         time.Duration
	LivenessFile       string
}

type HTTP struct {
	Enabled      bool
	Addr         string
	TriggerToken string
}

// Load reads, decodes and resolves a config file.
func Load(path string) (*Config, error) {
	f, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return f.Resolve()
}

// Parse decodes the raw file without applying defaults.
func Parse(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	return &f, nil
}

// Resolve applies defaults and validates the raw file.
func (f *File) Resolve() (*Config, error) {
	cfg := &Config{Log: f.Log}

	cfg.Store.Path = strings.TrimSpace(f.Store.Path)
	if cfg.Store.Path == "" {
		cfg.Store.Path = "./ratchet.db"
	}

	var err error
	if cfg.Store.BusyTimeout, err = durationOrDefault("store.busy_timeout", f.Store.BusyTimeout, 5*time.Second); err != nil {
		return nil, err
	}

	r := f.Runner
	cfg.Runner.Concurrency = r.Concurrency
	if cfg.Runner.Concurrency <= 0 {
		cfg.Runner.Concurrency = 50
	}
	cfg.Runner.ConcurrencyPerType = r.ConcurrencyPerType
	if cfg.Runner.ConcurrencyPerType <= 0 {
		cfg.Runner.ConcurrencyPerType = 15
	}
	if cfg.Runner.ConcurrencyPerType > cfg.Runner.Concurrency {
		cfg.Runner.ConcurrencyPerType = cfg.Runner.Concurrency
	}
	if cfg.Runner.LeaseDuration, err = durationOrDefault("runner.lease_duration", r.LeaseDuration, 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Runner.MaintenanceEvery, err = durationOrDefault("runner.maintenance_interval", r.MaintenanceEvery, 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Runner.MinLoopDelay, err = durationOrDefault("runner.min_loop_delay", r.MinLoopDelay, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.Runner.MaxLoopDelay, err = durationOrDefault("runner.max_loop_delay", r.MaxLoopDelay, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.Runner.DrainGrace, err = durationOrDefault("runner.drain_grace", r.DrainGrace, 30*time.Second); err != nil {
		return nil, err
	}
	cfg.Runner.MaintenanceCron = strings.TrimSpace(r.MaintenanceCron)
	if cfg.Runner.MaintenanceCron != "" {
		if _, err := cron.ParseStandard(cfg.Runner.MaintenanceCron); err != nil {
			return nil, fmt.Errorf("runner.maintenance_cron: %w", err)
		}
	}
	cfg.Runner.LivenessFile = strings.TrimSpace(r.LivenessFile)

	cfg.HTTP.Enabled = f.HTTP.Enabled
	cfg.HTTP.Addr = strings.TrimSpace(f.HTTP.Addr)
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8025"
	}
	cfg.HTTP.TriggerToken = f.HTTP.TriggerToken

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := (&File{}).Resolve()
	if err != nil {
		panic(err)
	}
	return cfg
}

func durationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := durationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) covers both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)

	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
