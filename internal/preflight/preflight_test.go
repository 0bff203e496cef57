package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bindery/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckFreeSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckFreeSpace("space", dir, 1); !result.Passed {
		t.Fatalf("expected a temp dir to have one free byte: %s", result.Detail)
	}
	result := CheckFreeSpace("space", dir, 1<<62)
	if result.Passed {
		t.Fatal("expected failure for an impossible requirement")
	}
	if !strings.Contains(result.Detail, "need") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
	if _, err := FreeBytes(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected statfs error for missing path")
	}
}

func TestCheckEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if result := CheckEndpoint(context.Background(), "delivery", srv.URL+"/v1/documents"); !result.Passed {
		t.Fatalf("expected 401 to count as reachable, got %s", result.Detail)
	}
	if result := CheckEndpoint(context.Background(), "delivery", srv.URL+"/broken"); result.Passed {
		t.Fatal("expected server error to fail")
	}
	if result := CheckEndpoint(context.Background(), "delivery", " "); result.Passed {
		t.Fatal("expected missing url to fail")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.DownloadDir = t.TempDir()
	cfg.Download.MinFreeBytes = 0
	cfg.Convert.Enabled = false
	cfg.Delivery.Enabled = false

	results := RunAll(context.Background(), &cfg)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_IncludesOptionalChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Paths.DownloadDir = t.TempDir()
	cfg.Paths.ConvertedDir = filepath.Join(t.TempDir(), "missing")
	cfg.Download.MinFreeBytes = 1
	cfg.Convert.Enabled = true
	cfg.Delivery.Enabled = true
	cfg.Delivery.Endpoint = srv.URL

	results := RunAll(context.Background(), &cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	failed := Failed(results)
	if len(failed) != 1 || failed[0].Name != "Converted directory" {
		t.Fatalf("expected only the missing converted directory to fail, got %+v", failed)
	}
}

func TestCheckSystemDeps(t *testing.T) {
	cfg := config.Default()
	cfg.Convert.Enabled = false
	if statuses := CheckSystemDeps(&cfg); len(statuses) != 0 {
		t.Fatalf("expected no requirements with conversion disabled, got %+v", statuses)
	}
	cfg.Convert.Enabled = true
	cfg.Convert.Command = "clearly-not-a-converter"
	statuses := CheckSystemDeps(&cfg)
	if len(statuses) != 1 || statuses[0].Available {
		t.Fatalf("expected unavailable converter, got %+v", statuses)
	}
}
