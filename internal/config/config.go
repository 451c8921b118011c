package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the root configuration for pairchat.
type Config struct {
	General      GeneralConfig      `json:"general"`
	Participants ParticipantsConfig `json:"participants"`
	Store        StoreConfig        `json:"store"`
	Blob         BlobConfig         `json:"blob"`
	Sync         SyncConfig         `json:"sync"`
	Metrics      MetricsConfig      `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty"`
}

// ParticipantsConfig names the two fixed chat identities.
type ParticipantsConfig struct {
	Self string `json:"self"`
	Peer string `json:"peer"`
}

type StoreConfig struct {
	Backend string `json:"backend"` // "sqlite" | "remote"
	DBPath  string `json:"dbPath,omitempty"`
	URL     string `json:"url,omitempty"` // websocket URL for the remote backend
}

type BlobConfig struct {
	Dir string `json:"dir"`
}

// SyncConfig tunes the synchronization core's timers and batch sizes.
// All intervals are in milliseconds so tests and configs stay integral.
type SyncConfig struct {
	HeartbeatIntervalMS int `json:"heartbeatIntervalMs"` // presence re-assert period
	TypingClearMS       int `json:"typingClearMs"`       // typing auto-clear after inactivity
	ReadFlushDebounceMS int `json:"readFlushDebounceMs"` // read-ack batch debounce
	ReconnectBackoffMS  int `json:"reconnectBackoffMs"`  // fixed retry backoff
	SchedulerIntervalMS int `json:"schedulerIntervalMs"` // recurring-scheduler poll period
	PageSize            int `json:"pageSize"`            // pagination window size
	ScrollWalkLimit     int `json:"scrollWalkLimit"`     // max loadMore walks for scrollToMessage
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // listen address for the /metrics endpoint
}

// DefaultConfigDir returns the default config directory (~/.pairchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pairchat"
	}
	return filepath.Join(home, ".pairchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	// Best-effort .env so ${VAR} expansion sees local overrides.
	_ = godotenv.Load()

	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.Blob.Dir = ExpandPath(cfg.Blob.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Participants.Self == "" || cfg.Participants.Peer == "" {
		errs = append(errs, "participants.self and participants.peer are required")
	}
	if cfg.Participants.Self == cfg.Participants.Peer {
		errs = append(errs, "participants.self and participants.peer must differ")
	}

	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.DBPath == "" {
			errs = append(errs, "store.dbPath is required for the sqlite backend")
		}
	case "remote":
		if cfg.Store.URL == "" {
			errs = append(errs, "store.url is required for the remote backend")
		}
	default:
		errs = append(errs, "store.backend must be one of: sqlite, remote")
	}

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Sync.HeartbeatIntervalMS < 1000 {
		errs = append(errs, "sync.heartbeatIntervalMs must be >= 1000")
	}
	if cfg.Sync.ReadFlushDebounceMS < 50 {
		errs = append(errs, "sync.readFlushDebounceMs must be >= 50")
	}
	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 500 {
		errs = append(errs, "sync.pageSize must be between 1 and 500")
	}
	if cfg.Sync.ScrollWalkLimit < 1 {
		errs = append(errs, "sync.scrollWalkLimit must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
