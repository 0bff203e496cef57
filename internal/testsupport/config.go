package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"bindery/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Conversion is disabled and the API binds to an ephemeral port unless an
// option says otherwise.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Paths.ConvertedDir = filepath.Join(base, "converted")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Convert.Enabled = false
	cfgVal.Download.MinFreeBytes = 0
	cfgVal.Download.ProgressPerSecond = 0
	cfgVal.Hosts.RatePerMinute = 0
	cfgVal.Queue.PollInterval = 1

	builder := &configBuilder{t: t, baseDir: base, cfg: &cfgVal}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithMaxConcurrent sets the dispatch slot count.
func WithMaxConcurrent(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxConcurrent = n
	}
}

// WithRetryBackoff sets the automatic retry base delay in seconds.
func WithRetryBackoff(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.RetryBackoff = seconds
	}
}

// WithDelivery enables delivery against the given endpoint and token URL.
func WithDelivery(endpoint, tokenURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Delivery.Enabled = true
		b.cfg.Delivery.Endpoint = endpoint
		b.cfg.Delivery.TokenURL = tokenURL
		b.cfg.Delivery.ClientID = "bindery-test"
		b.cfg.Delivery.ClientSecret = "secret"
		b.cfg.Delivery.DeviceID = "device-1"
		b.cfg.Delivery.TokenFile = filepath.Join(b.baseDir, "state", "delivery_token.json")
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default converter is stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{b.cfg.Convert.Command}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
