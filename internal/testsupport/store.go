package testsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"bindery/internal/config"
	"bindery/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Unit builds a catalog entry pointing at sourceURL.
func Unit(id, sourceURL string) queue.Unit {
	return queue.Unit{
		ID:          id,
		WorkID:      "work-1",
		WorkTitle:   "Test Work",
		Number:      1,
		ContentType: queue.ContentManga,
		SourceURL:   sourceURL,
	}
}

var unitSeq atomic.Int64

// MustEnqueue registers one unit per source URL and enqueues them in order,
// returning the created job ids.
func MustEnqueue(t testing.TB, store *queue.Store, sourceURLs ...string) []int64 {
	t.Helper()

	ctx := context.Background()
	units := make([]queue.Unit, len(sourceURLs))
	ids := make([]string, len(sourceURLs))
	for i, src := range sourceURLs {
		ids[i] = fmt.Sprintf("unit-%d", unitSeq.Add(1))
		units[i] = Unit(ids[i], src)
		units[i].Number = float64(i + 1)
	}
	if _, err := store.RegisterUnits(ctx, units); err != nil {
		t.Fatalf("RegisterUnits: %v", err)
	}
	result, err := store.Enqueue(ctx, ids)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if len(result.Enqueued) != len(ids) {
		t.Fatalf("expected %d jobs enqueued, got %+v", len(ids), result)
	}
	return result.Enqueued
}

// MustJob fetches a job or fails the test.
func MustJob(t testing.TB, store *queue.Store, id int64) *queue.Job {
	t.Helper()

	job, err := store.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%d): %v", id, err)
	}
	return job
}

// MustBundle fetches a job's bundle or fails the test.
func MustBundle(t testing.TB, store *queue.Store, id int64) []*queue.Job {
	t.Helper()

	members, err := store.BundleMembers(context.Background(), id)
	if err != nil {
		t.Fatalf("BundleMembers(%d): %v", id, err)
	}
	return members
}

// AssertBundleStatus fails the test unless every member of the bundle has want.
func AssertBundleStatus(t testing.TB, store *queue.Store, id int64, want queue.Status) {
	t.Helper()

	for _, member := range MustBundle(t, store, id) {
		if member.Status != want {
			t.Fatalf("job %d: status %s, want %s", member.ID, member.Status, want)
		}
	}
}
