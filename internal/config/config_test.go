package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"bindery/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "bindery")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Paths.DownloadDir != filepath.Join(wantState, "downloads") {
		t.Fatalf("unexpected download dir: %q", cfg.Paths.DownloadDir)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7491" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.MaxConcurrent != config.Default().Queue.MaxConcurrent {
		t.Fatalf("unexpected max_concurrent: %d", cfg.Queue.MaxConcurrent)
	}
	if cfg.Download.ChunkSize != 8192 {
		t.Fatalf("expected chunk size 8192, got %d", cfg.Download.ChunkSize)
	}
	if cfg.Delivery.Enabled {
		t.Fatal("expected delivery disabled by default")
	}
	if cfg.QueueDBPath() != filepath.Join(wantState, "queue.db") {
		t.Fatalf("unexpected queue db path: %q", cfg.QueueDBPath())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.DownloadDir, cfg.Paths.ConvertedDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "bindery.toml")

	type payload struct {
		Queue struct {
			MaxConcurrent     int `toml:"max_concurrent"`
			MaxRetries        int `toml:"max_retries"`
			StaleThreshold    int `toml:"stale_threshold"`
			HeartbeatInterval int `toml:"heartbeat_interval"`
		} `toml:"queue"`
		Hosts struct {
			Disabled []string `toml:"disabled"`
		} `toml:"hosts"`
		Convert struct {
			OutputFormats []string `toml:"output_formats"`
		} `toml:"convert"`
	}
	custom := payload{}
	custom.Queue.MaxConcurrent = 4
	custom.Queue.MaxRetries = 5
	custom.Queue.StaleThreshold = 600
	custom.Queue.HeartbeatInterval = 10
	custom.Hosts.Disabled = []string{" Mega ", "mega", "ouo"}
	custom.Convert.OutputFormats = []string{"EPUB", ".mobi"}
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Queue.MaxConcurrent != 4 || cfg.Queue.MaxRetries != 5 {
		t.Fatalf("unexpected queue overrides: %+v", cfg.Queue)
	}
	if strings.Join(cfg.Hosts.Disabled, ",") != "mega,ouo" {
		t.Fatalf("expected disabled hosts to be normalized, got %v", cfg.Hosts.Disabled)
	}
	if strings.Join(cfg.Convert.OutputFormats, ",") != ".epub,.mobi" {
		t.Fatalf("expected output formats to be normalized, got %v", cfg.Convert.OutputFormats)
	}
}

func TestEnvVarOverridesSecrets(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "bindery.toml")
	content := `
[paths]
api_token = "file-token"

[delivery]
enabled = true
endpoint = "https://send.example.com/v1/documents"
token_url = "https://auth.example.com/oauth/token"
client_id = "bindery"
client_secret = "file-secret"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("BINDERY_API_TOKEN", "env-token")
	t.Setenv("BINDERY_DELIVERY_CLIENT_SECRET", "env-secret")
	t.Setenv("NTFY_TOPIC", "https://ntfy.example.com/bindery")

	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.APIToken != "env-token" {
		t.Errorf("expected api token from env, got %q", cfg.Paths.APIToken)
	}
	if cfg.Delivery.ClientSecret != "env-secret" {
		t.Errorf("expected client secret from env, got %q", cfg.Delivery.ClientSecret)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.example.com/bindery" {
		t.Errorf("expected ntfy topic from env, got %q", cfg.Notifications.NtfyTopic)
	}
}

func TestValidateRejectsBadQueueSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"zero concurrency", func(c *config.Config) { c.Queue.MaxConcurrent = 0 }, "queue.max_concurrent"},
		{"threshold below heartbeat", func(c *config.Config) {
			c.Queue.StaleThreshold = 10
			c.Queue.HeartbeatInterval = 10
		}, "queue.stale_threshold"},
		{"delivery without endpoint", func(c *config.Config) { c.Delivery.Enabled = true }, "delivery.endpoint"},
		{"convert without input", func(c *config.Config) { c.Convert.Args = []string{"--out", "{output_dir}"} }, "{input}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	cfg, _, exists, err := config.Load(target)
	if err != nil {
		t.Fatalf("Load sample: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Convert.Command != "kcc-c2e" {
		t.Fatalf("unexpected converter command %q", cfg.Convert.Command)
	}
}
