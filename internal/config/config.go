// Package config loads the engine's settings from a single TOML file.
// Unlike the multi-profile, multi-drive sync client this engine was
// adapted from, there is no four-layer override chain (env/profile/
// global/default) — this is a single daemon process with one settings
// file, using the same BurntSushi/toml decoding idiom but without the
// profile/drive machinery, which has no equivalent in this engine's
// domain (see DESIGN.md).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the complete settings surface for the engine (SPEC_FULL.md
// §3 ambient stack).
type Config struct {
	Queue  QueueConfig  `toml:"queue"`
	Upload UploadConfig `toml:"upload"`
	Admin  AdminConfig  `toml:"admin"`
	Log    LogConfig    `toml:"log"`
}

// QueueConfig controls the Task Store and Dispatcher.
type QueueConfig struct {
	DBPath    string `toml:"db_path"`
	CacheDir  string `toml:"cache_dir"`
	BatchSize int    `toml:"batch_size"`
}

// UploadConfig controls both execution strategies (SPEC_FULL.md §4.4/4.5).
type UploadConfig struct {
	DirectUploadLimit int64  `toml:"direct_upload_limit"`
	ChunkSize         int64  `toml:"chunk_size"`
	RemoteWSURL       string `toml:"remote_ws_url"`
	RemoteHTTPBaseURL string `toml:"remote_http_base_url"`
	SleepOnFailedUpMs int    `toml:"sleep_on_failed_upload_ms"`
	SleepOnDiskFullMs int    `toml:"sleep_on_disk_full_ms"`
	SleepOnBackoffMs  int    `toml:"sleep_on_backoff_ms"`
}

// AdminConfig controls the read-only status/metrics HTTP surface.
type AdminConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LogConfig controls slog setup.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

const (
	defaultDBPath            = "fsupload.db"
	defaultCacheDir          = "./cache"
	defaultBatchSize         = 32
	defaultDirectUploadLimit = 10 << 20 // 10 MiB, spec.md §4.3 DIRECT_UPLOAD_LIMIT
	defaultChunkSize         = 4 << 20  // 4 MiB, spec.md §4.5 COPY_BUFFER_SIZE
	defaultRemoteWSURL       = "wss://127.0.0.1/rpc"
	defaultRemoteHTTPBase    = "https://127.0.0.1/api"
	defaultSleepOnFailedUp   = 5000
	defaultSleepOnDiskFull   = 60000
	defaultSleepOnBackoff    = 10000
	defaultListenAddr        = "127.0.0.1:9090"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// Default returns a Config populated with safe defaults, the starting
// point for TOML decoding so unset fields keep sane values.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			DBPath:    defaultDBPath,
			CacheDir:  defaultCacheDir,
			BatchSize: defaultBatchSize,
		},
		Upload: UploadConfig{
			DirectUploadLimit: defaultDirectUploadLimit,
			ChunkSize:         defaultChunkSize,
			RemoteWSURL:       defaultRemoteWSURL,
			RemoteHTTPBaseURL: defaultRemoteHTTPBase,
			SleepOnFailedUpMs: defaultSleepOnFailedUp,
			SleepOnDiskFullMs: defaultSleepOnDiskFull,
			SleepOnBackoffMs:  defaultSleepOnBackoff,
		},
		Admin: AdminConfig{
			ListenAddr: defaultListenAddr,
		},
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// Load reads and decodes path into a Config seeded with Default(), so any
// field absent from the file keeps its default value.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants DecodeFile cannot express.
func (c *Config) Validate() error {
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", c.Queue.BatchSize)
	}

	if c.Upload.DirectUploadLimit <= 0 {
		return fmt.Errorf("upload.direct_upload_limit must be positive, got %d", c.Upload.DirectUploadLimit)
	}

	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q not one of debug/info/warn/error", c.Log.Level)
	}

	return nil
}
