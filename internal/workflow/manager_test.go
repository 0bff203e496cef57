package workflow_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"bindery/internal/hosts"
	"bindery/internal/queue"
	"bindery/internal/testsupport"
	"bindery/internal/workflow"
)

func TestSingleDownloadConvertsAndSends(t *testing.T) {
	const size = 10 << 20
	server := payloadServer(t, size)
	cfg := testsupport.NewConfig(t)
	converter := &fakeConverter{dir: cfg.Paths.ConvertedDir}
	deliverer := &fakeDeliverer{}
	h := newHarness(t, cfg, parts(server.URL, 1, size),
		workflow.WithConverter(converter),
		workflow.WithDeliverer(deliverer),
	)
	h.start(t)

	ids := h.enqueue(t, 1)
	job := h.waitStatus(t, ids[0], queue.StatusConverted)
	if job.DownloadedBytes != size || job.Progress != 100 {
		t.Fatalf("unexpected download accounting: bytes=%d progress=%d", job.DownloadedBytes, job.Progress)
	}
	info, err := os.Stat(job.FilePath)
	if err != nil || info.Size() != size {
		t.Fatalf("expected %d byte file at %q: %v", size, job.FilePath, err)
	}
	if filepath.Base(job.FilePath) != "Test Work - Volume 1 [#"+strconv.FormatInt(job.ID, 10)+"].cbz" {
		t.Fatalf("unexpected file name %q", filepath.Base(job.FilePath))
	}
	if job.BundleKey != "" {
		t.Fatalf("single descriptor should not get a bundle key, got %q", job.BundleKey)
	}
	if job.ConvertedPath == "" {
		t.Fatal("expected converted path")
	}

	if err := h.manager.Send(context.Background(), job.ID); err != nil {
		t.Fatalf("Send: %v", err)
	}
	sent := h.waitStatus(t, job.ID, queue.StatusSent)
	if sent.SentAt == nil {
		t.Fatal("expected sent_at to be set")
	}

	// Resending keeps the job sent, even when the delivery fails.
	deliverer.setFailure("device offline")
	if err := h.manager.Send(context.Background(), job.ID); err != nil {
		t.Fatalf("resend: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return deliverer.deliveries() == 2 }, "second delivery")
	time.Sleep(50 * time.Millisecond)
	if got := testsupport.MustJob(t, h.store, job.ID); got.Status != queue.StatusSent {
		t.Fatalf("failed resend changed status to %s", got.Status)
	}
	if converter.requests() != 1 {
		t.Fatalf("expected one conversion request, got %d", converter.requests())
	}
}

func TestBundleFailsTogetherOnConnectionLoss(t *testing.T) {
	const size = 64 << 10
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		body := testsupport.PatternBytes(size)
		if r.URL.Path == "/part1.cbz" {
			// Declared length is never reached; the client sees an unexpected EOF.
			_, _ = w.Write(body[:size/4])
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithRetryBackoff(3600))
	h := newHarness(t, cfg, parts(server.URL, 3, size))
	h.start(t)

	ids := h.enqueue(t, 1)
	h.waitStatus(t, ids[0], queue.StatusError)

	members := testsupport.MustBundle(t, h.store, ids[0])
	if len(members) != 3 {
		t.Fatalf("expected 3 bundle members, got %d", len(members))
	}
	for _, member := range members {
		if member.Status != queue.StatusError {
			t.Fatalf("member %d status %s, want error", member.ID, member.Status)
		}
		if member.RetryCount != 1 {
			t.Fatalf("member %d retry_count %d, want 1", member.ID, member.RetryCount)
		}
		if member.ErrorKind != "ConnectionLost" {
			t.Fatalf("member %d error kind %q", member.ID, member.ErrorKind)
		}
		if member.NextRetryAt == nil {
			t.Fatalf("member %d should be scheduled for automatic retry", member.ID)
		}
		if member.FilePath != "" {
			t.Fatalf("member %d kept file path %q", member.ID, member.FilePath)
		}
	}
	if left := partialFiles(t, cfg.Paths.DownloadDir); len(left) > 0 {
		t.Fatalf("expected no partial files, found %v", left)
	}
	entries, _ := filepath.Glob(filepath.Join(cfg.Paths.DownloadDir, "*", "*.cbz"))
	if len(entries) != 0 {
		t.Fatalf("completed parts should be removed after bundle failure, found %v", entries)
	}
}

func TestCancelBundleStopsDownload(t *testing.T) {
	server := blockingServer(t, 1<<20)
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, parts(server.URL, 4, 1<<20))
	h.start(t)

	ids := h.enqueue(t, 1)
	h.waitStatus(t, ids[0], queue.StatusDownloading)
	waitFor(t, 5*time.Second, func() bool { return len(partialFiles(t, cfg.Paths.DownloadDir)) > 0 }, "partial file")

	result, err := h.manager.Cancel(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Cancelled || result.BundleSize != 4 {
		t.Fatalf("unexpected cancel result: %+v", result)
	}
	testsupport.AssertBundleStatus(t, h.store, ids[0], queue.StatusCancelled)

	waitFor(t, 5*time.Second, func() bool {
		return len(partialFiles(t, cfg.Paths.DownloadDir)) == 0 && h.manager.InflightCount() == 0
	}, "task to stop and remove partial files")

	_, err = h.manager.Cancel(context.Background(), ids[0])
	if !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected invalid state on second cancel, got %v", err)
	}
}

func TestCancelPendingIsImmediate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, parts("http://127.0.0.1:1", 1, 0))
	ids := h.enqueue(t, 1)

	result, err := h.manager.Cancel(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !result.Cancelled || result.BundleSize != 1 {
		t.Fatalf("unexpected cancel result: %+v", result)
	}
	if job := testsupport.MustJob(t, h.store, ids[0]); job.Status != queue.StatusCancelled {
		t.Fatalf("status %s, want cancelled", job.Status)
	}
}

func TestConcurrencyLimitIsRespected(t *testing.T) {
	release := make(chan struct{})
	const size = 32 << 10
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		_, _ = w.Write(testsupport.PatternBytes(size))
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrent(2))
	h := newHarness(t, cfg, parts(server.URL, 1, size))
	ids := h.enqueue(t, 5)
	h.start(t)

	var peak atomic.Int64
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			stats, err := h.store.Stats(context.Background())
			if err == nil {
				if n := int64(stats.Counts[queue.StatusDownloading]); n > peak.Load() {
					peak.Store(n)
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, 5*time.Second, func() bool {
		stats, err := h.store.Stats(context.Background())
		return err == nil && stats.Counts[queue.StatusDownloading] == 2
	}, "two downloads in flight")
	time.Sleep(200 * time.Millisecond)
	if got := h.manager.InflightCount(); got != 2 {
		t.Fatalf("expected 2 occupied slots, got %d", got)
	}
	close(release)

	for _, id := range ids {
		h.waitStatus(t, id, queue.StatusDownloaded)
	}
	close(stop)
	<-sampled
	if peak.Load() > 2 {
		t.Fatalf("observed %d concurrent downloads, limit is 2", peak.Load())
	}
}

func TestResolverFailureIsNotRetriedAutomatically(t *testing.T) {
	const size = 16 << 10
	server := payloadServer(t, size)
	var broken atomic.Bool
	broken.Store(true)
	resolver := func(ctx context.Context, src hosts.Source) ([]hosts.Descriptor, error) {
		if broken.Load() {
			return nil, hosts.NewResolverError(hosts.KindNotFound, "direct", "file removed")
		}
		return parts(server.URL, 1, size)(ctx, src)
	}
	cfg := testsupport.NewConfig(t, testsupport.WithRetryBackoff(0))
	h := newHarness(t, cfg, resolver)
	h.start(t)

	ids := h.enqueue(t, 1)
	job := h.waitStatus(t, ids[0], queue.StatusError)
	if job.ErrorKind != "NotFound" || job.RetryCount != 1 || job.NextRetryAt != nil {
		t.Fatalf("unexpected failure record: kind=%q retries=%d next=%v", job.ErrorKind, job.RetryCount, job.NextRetryAt)
	}
	if job.ErrorMessage != "direct: file removed" {
		t.Fatalf("unexpected error message %q", job.ErrorMessage)
	}

	broken.Store(false)
	retried, err := h.manager.Retry(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.RetryCount != 1 || retried.ErrorMessage != "" {
		t.Fatalf("retry should keep retry_count and clear the error: %+v", retried)
	}
	h.waitStatus(t, ids[0], queue.StatusDownloaded)

	if _, err := h.manager.Retry(context.Background(), ids[0]); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected invalid state retrying a downloaded job, got %v", err)
	}
}

func TestTransientFailureRetriesAutomatically(t *testing.T) {
	const size = 16 << 10
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		_, _ = w.Write(testsupport.PatternBytes(size))
	}))
	t.Cleanup(server.Close)

	cfg := testsupport.NewConfig(t, testsupport.WithRetryBackoff(0))
	h := newHarness(t, cfg, parts(server.URL, 1, size))
	h.start(t)

	ids := h.enqueue(t, 1)
	job := h.waitStatus(t, ids[0], queue.StatusDownloaded)
	if job.RetryCount != 1 {
		t.Fatalf("expected one recorded failure, got retry_count %d", job.RetryCount)
	}
}

func TestPanickingResolverIsRecorded(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, func(context.Context, hosts.Source) ([]hosts.Descriptor, error) {
		panic("resolver bug")
	})
	h.start(t)

	ids := h.enqueue(t, 2)
	for _, id := range ids {
		job := h.waitStatus(t, id, queue.StatusError)
		if job.NextRetryAt != nil {
			t.Fatalf("panic should not schedule a retry")
		}
	}
	if !h.manager.Status(context.Background()).Running {
		t.Fatal("dispatch loop should survive a panicking task")
	}
}

func TestStartResetsInterruptedWork(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, parts("http://127.0.0.1:1", 1, 0))
	ids := h.enqueue(t, 1)
	ctx := context.Background()
	if _, err := h.store.BeginDownload(ctx, ids[0], "direct", []queue.Part{{DirectURL: "http://127.0.0.1:1/a.cbz", TotalParts: 1}}); err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	stale := filepath.Join(cfg.Paths.DownloadDir, "Test Work", "Test Work - Volume 1.cbz.part")
	testsupport.WriteFile(t, stale, 128)

	h.start(t)

	job := testsupport.MustJob(t, h.store, ids[0])
	if job.Status != queue.StatusError || job.ErrorMessage != queue.StuckDownloadMessage || job.RetryCount != 1 {
		t.Fatalf("expected stuck reset on start, got status=%s msg=%q retries=%d", job.Status, job.ErrorMessage, job.RetryCount)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale partial file removed, stat err=%v", err)
	}
}

func TestSendRequiresConvertedFiles(t *testing.T) {
	const size = 16 << 10
	server := payloadServer(t, size)
	cfg := testsupport.NewConfig(t)
	converter := &fakeConverter{dir: cfg.Paths.ConvertedDir}
	h := newHarness(t, cfg, parts(server.URL, 2, size),
		workflow.WithConverter(converter),
		workflow.WithDeliverer(&fakeDeliverer{}),
	)
	ids := h.enqueue(t, 1)
	ctx := context.Background()

	if err := h.manager.Send(ctx, ids[0]); !errors.Is(err, queue.ErrInvalidState) {
		t.Fatalf("expected invalid state sending a pending job, got %v", err)
	}

	h.start(t)
	h.waitStatus(t, ids[0], queue.StatusConverted)
	members := testsupport.MustBundle(t, h.store, ids[0])
	if len(members) != 2 || converter.requests() != 2 {
		t.Fatalf("expected 2 converted members, got %d members and %d requests", len(members), converter.requests())
	}

	deleted, err := h.manager.DeleteFile(ctx, ids[0])
	if err != nil || !deleted {
		t.Fatalf("DeleteFile: deleted=%v err=%v", deleted, err)
	}
	for _, member := range testsupport.MustBundle(t, h.store, ids[0]) {
		if member.FilePath != "" || member.ConvertedPath != "" {
			t.Fatalf("member %d kept paths after delete", member.ID)
		}
		if member.Status != queue.StatusConverted {
			t.Fatalf("delete changed status to %s", member.Status)
		}
	}
	for _, member := range members {
		if _, err := os.Stat(member.FilePath); !os.IsNotExist(err) {
			t.Fatalf("download %s still present", member.FilePath)
		}
		if _, err := os.Stat(member.ConvertedPath); !os.IsNotExist(err) {
			t.Fatalf("converted %s still present", member.ConvertedPath)
		}
	}
	if err := h.manager.Send(ctx, ids[0]); !errors.Is(err, workflow.ErrNotReady) {
		t.Fatalf("expected ErrNotReady after deleting files, got %v", err)
	}
}

func TestAutoSendDeliversConvertedBundle(t *testing.T) {
	const size = 16 << 10
	server := payloadServer(t, size)
	cfg := testsupport.NewConfig(t)
	cfg.Delivery.AutoSend = true
	deliverer := &fakeDeliverer{}
	h := newHarness(t, cfg, parts(server.URL, 1, size),
		workflow.WithConverter(&fakeConverter{dir: cfg.Paths.ConvertedDir}),
		workflow.WithDeliverer(deliverer),
	)
	h.start(t)

	ids := h.enqueue(t, 1)
	h.waitStatus(t, ids[0], queue.StatusSent)
	if deliverer.deliveries() != 1 {
		t.Fatalf("expected one automatic delivery, got %d", deliverer.deliveries())
	}
}

func TestNextRetryAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		count int
		want  time.Duration
		none  bool
	}{
		{count: 1, want: 30 * time.Second},
		{count: 2, want: 60 * time.Second},
		{count: 3, none: true},
		{count: 0, none: true},
	}
	for _, tc := range cases {
		got := workflow.NextRetryAt(now, tc.count, 3, 30*time.Second)
		if tc.none {
			if got != nil {
				t.Fatalf("count %d: expected no retry, got %v", tc.count, got)
			}
			continue
		}
		if got == nil || got.Sub(now) != tc.want {
			t.Fatalf("count %d: expected +%s, got %v", tc.count, tc.want, got)
		}
	}
}

func TestReenqueuedUnitDownloadsToItsOwnFile(t *testing.T) {
	const size = 16 << 10
	server := payloadServer(t, size)
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, parts(server.URL, 1, size))
	h.start(t)
	ctx := context.Background()

	first := h.waitStatus(t, h.enqueue(t, 1)[0], queue.StatusDownloaded)
	result, err := h.manager.Enqueue(ctx, []string{first.UnitID})
	if err != nil || len(result.Enqueued) != 1 {
		t.Fatalf("re-enqueue %s: result=%+v err=%v", first.UnitID, result, err)
	}
	second := h.waitStatus(t, result.Enqueued[0], queue.StatusDownloaded)
	if second.FilePath == first.FilePath {
		t.Fatalf("both jobs point at %q", first.FilePath)
	}

	if deleted, err := h.manager.DeleteFile(ctx, first.ID); err != nil || !deleted {
		t.Fatalf("DeleteFile: deleted=%v err=%v", deleted, err)
	}
	if _, err := os.Stat(first.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed, stat err=%v", first.FilePath, err)
	}
	info, err := os.Stat(second.FilePath)
	if err != nil || info.Size() != size {
		t.Fatalf("second job lost its file %s: %v", second.FilePath, err)
	}
}

func TestClearQueueRemovesOwnedFiles(t *testing.T) {
	const size = 16 << 10
	server := payloadServer(t, size)
	cfg := testsupport.NewConfig(t)
	h := newHarness(t, cfg, parts(server.URL, 1, size))
	h.start(t)
	ctx := context.Background()

	job := h.waitStatus(t, h.enqueue(t, 1)[0], queue.StatusDownloaded)
	if _, err := h.store.Fail(ctx, job.ID, []queue.Status{queue.StatusDownloaded}, queue.Failure{Kind: "ConversionFailed", Message: "bad archive"}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	removed, err := h.manager.ClearQueue(ctx, queue.StatusError)
	if err != nil || removed != 1 {
		t.Fatalf("ClearQueue: removed=%d err=%v", removed, err)
	}
	if _, err := os.Stat(job.FilePath); !os.IsNotExist(err) {
		t.Fatalf("expected %s removed with its job, stat err=%v", job.FilePath, err)
	}
}
