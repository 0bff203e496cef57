package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir     string `toml:"state_dir"`
	DownloadDir  string `toml:"download_dir"`
	ConvertedDir string `toml:"converted_dir"`
	LogDir       string `toml:"log_dir"`
	APIBind      string `toml:"api_bind"`
	APIToken     string `toml:"api_token"`
}

// Queue contains the job dispatch and retry policy.
type Queue struct {
	MaxConcurrent     int `toml:"max_concurrent"`
	MaxRetries        int `toml:"max_retries"`
	RetryBackoff      int `toml:"retry_backoff"`
	StaleThreshold    int `toml:"stale_threshold"`
	HeartbeatInterval int `toml:"heartbeat_interval"`
	PollInterval      int `toml:"poll_interval"`
}

// Download contains settings for the download executor.
type Download struct {
	ChunkSize         int    `toml:"chunk_size"`
	RequestTimeout    int    `toml:"request_timeout"`
	UserAgent         string `toml:"user_agent"`
	ProgressStep      int    `toml:"progress_step"`
	ProgressPerSecond int    `toml:"progress_per_second"`
	VerifyArchives    bool   `toml:"verify_archives"`
	MinFreeBytes      int64  `toml:"min_free_bytes"`
}

// Hosts contains host resolution settings.
type Hosts struct {
	RatePerMinute  int      `toml:"rate_per_minute"`
	RequestTimeout int      `toml:"request_timeout"`
	Disabled       []string `toml:"disabled"`
}

// Convert contains configuration for the external converter command.
type Convert struct {
	Enabled       bool     `toml:"enabled"`
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	Profile       string   `toml:"profile"`
	OutputFormats []string `toml:"output_formats"`
	Timeout       int      `toml:"timeout"`
	MaxParallel   int      `toml:"max_parallel"`
}

// Delivery contains configuration for the OAuth2 send-to-device client.
type Delivery struct {
	Enabled        bool   `toml:"enabled"`
	AutoSend       bool   `toml:"auto_send"`
	Endpoint       string `toml:"endpoint"`
	TokenURL       string `toml:"token_url"`
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	TokenFile      string `toml:"token_file"`
	DeviceID       string `toml:"device_id"`
	MaxFileBytes   int64  `toml:"max_file_bytes"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Downloads      bool   `toml:"downloads"`
	Conversions    bool   `toml:"conversions"`
	Deliveries     bool   `toml:"deliveries"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for bindery.
//
// Configuration sections by subsystem:
//   - Paths: state, download, converted and log directories plus the API bind address
//   - Queue: concurrency limit, retry cap and stuck-download threshold
//   - Download: chunking, progress throttling and archive verification
//   - Hosts: per-host resolution rate limit and disabled hosts
//   - Convert: external converter command
//   - Delivery: send-to-device endpoint and OAuth2 credentials
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queue         Queue         `toml:"queue"`
	Download      Download      `toml:"download"`
	Hosts         Hosts         `toml:"hosts"`
	Convert       Convert       `toml:"convert"`
	Delivery      Delivery      `toml:"delivery"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("bindery.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.DownloadDir, c.Paths.ConvertedDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the location of the job database.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// LockPath returns the location of the daemon single-instance lock.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "bindery.lock")
}

// RetryBackoffDuration returns the base delay before an automatic retry.
func (q Queue) RetryBackoffDuration() time.Duration {
	return time.Duration(q.RetryBackoff) * time.Second
}

// StaleThresholdDuration returns how long a download may go without a heartbeat.
func (q Queue) StaleThresholdDuration() time.Duration {
	return time.Duration(q.StaleThreshold) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat period for active downloads.
func (q Queue) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(q.HeartbeatInterval) * time.Second
}

// PollIntervalDuration returns the idle wait of the dispatch loop.
func (q Queue) PollIntervalDuration() time.Duration {
	return time.Duration(q.PollInterval) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
