package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BEACON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "store.url", typ: kString, env: "BEACON_STORE_URL",
		apply:   func(cfg *Config, v any) { cfg.Store.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.URL },
	},
	{
		key: "store.token", typ: kString, env: "BEACON_STORE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Store.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.Token },
	},
	{
		key: "device.name", typ: kString, env: "BEACON_DEVICE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Device.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Device.Name },
	},
	{
		key: "agent.poll_interval", typ: kDuration, env: "BEACON_AGENT_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Agent.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.PollInterval },
	},
	{
		key: "agent.debounce", typ: kDuration, env: "BEACON_AGENT_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Agent.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.Debounce },
	},
	{
		key: "agent.active_window", typ: kDuration, env: "BEACON_AGENT_ACTIVE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Agent.ActiveWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.ActiveWindow },
	},
	{
		key: "agent.idle_ttl", typ: kDuration, env: "BEACON_AGENT_IDLE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Agent.IdleTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.IdleTTL },
	},
	{
		key: "agent.response_poll_interval", typ: kDuration, env: "BEACON_AGENT_RESPONSE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Agent.ResponsePollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.ResponsePollInterval },
	},
	{
		key: "agent.sweep_every", typ: kInt, env: "BEACON_AGENT_SWEEP_EVERY",
		apply:   func(cfg *Config, v any) { cfg.Agent.SweepEvery = v.(int) },
		extract: func(cfg Config) any { return cfg.Agent.SweepEvery },
	},
	{
		key: "agent.projects_dir", typ: kString, env: "BEACON_AGENT_PROJECTS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Agent.ProjectsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.ProjectsDir },
	},
	{
		key: "watch.interval", typ: kDuration, env: "BEACON_WATCH_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Watch.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Interval },
	},
	{
		key: "watch.window", typ: kDuration, env: "BEACON_WATCH_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Watch.Window = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Watch.Window },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BEACON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "BEACON_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
