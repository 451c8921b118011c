package config

import "path/filepath"

// Defaults returns a Config populated with sensible defaults. Load unmarshals
// the user's file on top of this, so absent keys keep these values.
func Defaults() *Config {
	dataDir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			DataDir:  dataDir,
			LogLevel: "info",
		},
		Store: StoreConfig{
			Backend: "sqlite",
			DBPath:  filepath.Join(dataDir, "chat.db"),
		},
		Blob: BlobConfig{
			Dir: filepath.Join(dataDir, "blobs"),
		},
		Sync: SyncConfig{
			HeartbeatIntervalMS: 12000,
			TypingClearMS:       2000,
			ReadFlushDebounceMS: 400,
			ReconnectBackoffMS:  5000,
			SchedulerIntervalMS: 30000,
			PageSize:            25,
			ScrollWalkLimit:     8,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9109",
		},
	}
}
