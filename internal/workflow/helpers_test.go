package workflow_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"bindery/internal/config"
	"bindery/internal/download"
	"bindery/internal/hosts"
	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/testsupport"
	"bindery/internal/workflow"
)

type harness struct {
	cfg     *config.Config
	store   *queue.Store
	manager *workflow.Manager
}

func newHarness(t *testing.T, cfg *config.Config, resolver hosts.ResolverFunc, opts ...workflow.ManagerOption) *harness {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	registry := hosts.NewRegistry(cfg.Hosts, logging.NewNop())
	registry.Register(hosts.HostDirect, resolver)
	executor := download.NewExecutor(download.OptionsFromConfig(cfg.Download), logging.NewNop())
	mgr := workflow.NewManager(cfg, store, registry, executor, logging.NewNop(), opts...)
	return &harness{cfg: cfg, store: store, manager: mgr}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.manager.Stop)
}

func (h *harness) enqueue(t *testing.T, n int) []int64 {
	t.Helper()
	urls := make([]string, n)
	for i := range urls {
		urls[i] = "https://files.example.com/source/" + strconv.Itoa(i)
	}
	return testsupport.MustEnqueue(t, h.store, urls...)
}

func (h *harness) waitStatus(t *testing.T, id int64, want queue.Status) *queue.Job {
	t.Helper()
	var job *queue.Job
	waitFor(t, 10*time.Second, func() bool {
		job = testsupport.MustJob(t, h.store, id)
		return job.Status == want
	}, "job "+strconv.FormatInt(id, 10)+" to reach "+string(want))
	return job
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// payloadServer serves size bytes for every path.
func payloadServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	body := testsupport.PatternBytes(size)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server
}

// blockingServer sends one chunk and then holds the connection until the
// client goes away.
func blockingServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(size))
		_, _ = w.Write(testsupport.PatternBytes(8192))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

// parts returns a resolver producing n descriptors of size bytes against base.
func parts(base string, n int, size int64) hosts.ResolverFunc {
	return func(context.Context, hosts.Source) ([]hosts.Descriptor, error) {
		out := make([]hosts.Descriptor, n)
		for i := range out {
			out[i] = hosts.Descriptor{
				DirectURL:  base + "/part" + strconv.Itoa(i) + ".cbz",
				SizeBytes:  size,
				PartIndex:  i,
				TotalParts: n,
			}
		}
		return out, nil
	}
}

func partialFiles(t *testing.T, dir string) []string {
	t.Helper()
	var found []string
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && (filepath.Ext(path) == download.PartSuffix || filepath.Ext(path) == download.LockSuffix) {
			found = append(found, path)
		}
		return nil
	})
	return found
}

// fakeConverter copies the input to <converted_dir>/<job>.epub and reports it.
type fakeConverter struct {
	dir string
	mu  sync.Mutex
	got []workflow.ConversionRequest
}

func (c *fakeConverter) Convert(ctx context.Context, req workflow.ConversionRequest, cb workflow.ConversionCallbacks) error {
	c.mu.Lock()
	c.got = append(c.got, req)
	c.mu.Unlock()
	go func() {
		out := filepath.Join(c.dir, strconv.FormatInt(req.JobID, 10)+".epub")
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			_ = cb.MarkConversionFailed(ctx, req.JobID, err.Error())
			return
		}
		if err := os.WriteFile(out, []byte("epub"), 0o644); err != nil {
			_ = cb.MarkConversionFailed(ctx, req.JobID, err.Error())
			return
		}
		_ = cb.MarkConverted(ctx, req.JobID, out)
	}()
	return nil
}

func (c *fakeConverter) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

// fakeDeliverer reports success (or the configured failure) asynchronously.
type fakeDeliverer struct {
	fail  string
	mu    sync.Mutex
	files [][]string
}

func (d *fakeDeliverer) Deliver(ctx context.Context, req workflow.DeliveryRequest, cb workflow.DeliveryCallbacks) error {
	d.mu.Lock()
	d.files = append(d.files, req.Files)
	fail := d.fail
	d.mu.Unlock()
	go func() {
		if fail != "" {
			_ = cb.MarkSendFailed(ctx, req.JobID, fail)
			return
		}
		_ = cb.MarkSent(ctx, req.JobID, time.Now())
	}()
	return nil
}

func (d *fakeDeliverer) setFailure(reason string) {
	d.mu.Lock()
	d.fail = reason
	d.mu.Unlock()
}

func (d *fakeDeliverer) deliveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}
