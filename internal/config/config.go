package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Device  DeviceConfig
	Agent   AgentConfig
	Watch   WatchConfig
	Storage StorageConfig
	Log     LogConfig
}

// ServerConfig configures the record-store service (`beacon serve`).
type ServerConfig struct {
	Port int
}

// StoreConfig is how the device roles reach the record store.
type StoreConfig struct {
	URL   string
	Token string
}

type DeviceConfig struct {
	Name string
}

// AgentConfig configures the source-device daemon. Durations accept any
// time.ParseDuration string.
type AgentConfig struct {
	PollInterval time.Duration
	Debounce     time.Duration
	ActiveWindow time.Duration
	IdleTTL      time.Duration
	// ResponsePollInterval is the cadence of the answered-prompt poll,
	// independent of the detector tick.
	ResponsePollInterval time.Duration
	SweepEvery           int
	ProjectsDir          string
}

// WatchConfig configures the remote-device daemon.
type WatchConfig struct {
	Interval time.Duration
	Window   time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	device, err := os.Hostname()
	if err != nil || device == "" {
		device = "beacon-device"
	}
	return Config{
		Server: ServerConfig{
			Port: 4777,
		},
		Store: StoreConfig{
			URL: "http://localhost:4777",
		},
		Device: DeviceConfig{
			Name: device,
		},
		Agent: AgentConfig{
			PollInterval:         2 * time.Second,
			Debounce:             500 * time.Millisecond,
			ActiveWindow:         10 * time.Second,
			IdleTTL:              30 * time.Minute,
			ResponsePollInterval: 3 * time.Second,
			SweepEvery:           30,
			ProjectsDir:          defaultProjectsDir(),
		},
		Watch: WatchConfig{
			Interval: 5 * time.Second,
			Window:   30 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultProjectsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.claude/projects"
	}
	return ".claude/projects"
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.beacon.app) and the
// store token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/beacon/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (BEACON_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try the platform keychain for the store token if still empty.
	if cfg.Store.Token == "" {
		if token, err := kc.Get("beacon", "store_token"); err == nil && token != "" {
			cfg.Store.Token = token
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Store.Token == "" {
		msg := "missing required config: store token. " +
			"Set it via environment variable BEACON_STORE_TOKEN" +
			tokenHint()
		return fmt.Errorf("%s", msg)
	}
	if cfg.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive, got %s", cfg.Agent.PollInterval)
	}
	// A debounce at or above the poll interval would let every tick reset
	// the pending timer and starve the upload forever.
	if cfg.Agent.Debounce >= cfg.Agent.PollInterval {
		return fmt.Errorf("agent.debounce (%s) must be shorter than agent.poll_interval (%s)",
			cfg.Agent.Debounce, cfg.Agent.PollInterval)
	}
	if cfg.Agent.ResponsePollInterval <= 0 {
		return fmt.Errorf("agent.response_poll_interval must be positive, got %s", cfg.Agent.ResponsePollInterval)
	}
	if cfg.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be positive, got %s", cfg.Watch.Interval)
	}
	if cfg.Agent.SweepEvery <= 0 {
		return fmt.Errorf("agent.sweep_every must be positive, got %d", cfg.Agent.SweepEvery)
	}
	return nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
