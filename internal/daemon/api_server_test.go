package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bindery/internal/api"
	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/testsupport"
	"bindery/internal/workflow"
)

type stubController struct {
	jobs       map[int64]*queue.Job
	registered []queue.Unit
	enqueued   []string
	cleared    []queue.Status
	sendErr    error
	converted  map[int64]string
	failures   map[int64]string
	sentAt     time.Time
}

func newStubController() *stubController {
	return &stubController{
		jobs: map[int64]*queue.Job{
			1: {ID: 1, UnitID: "u1", WorkTitle: "Saga", UnitNumber: 1, ContentType: queue.ContentComic, Status: queue.StatusPending},
			2: {ID: 2, UnitID: "u2", WorkTitle: "Saga", UnitNumber: 2, ContentType: queue.ContentComic, Status: queue.StatusSent},
		},
		converted: make(map[int64]string),
		failures:  make(map[int64]string),
	}
}

func (s *stubController) job(id int64) (*queue.Job, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, queue.ErrNotFound)
	}
	return job, nil
}

func (s *stubController) Snapshot(_ context.Context, filter queue.ListFilter) (workflow.Snapshot, error) {
	snap := workflow.Snapshot{Offset: filter.Offset, Limit: filter.Limit}
	for _, id := range []int64{1, 2} {
		job := s.jobs[id]
		if len(filter.Statuses) > 0 && job.Status != filter.Statuses[0] {
			continue
		}
		snap.Jobs = append(snap.Jobs, job)
	}
	snap.Total = len(snap.Jobs)
	return snap, nil
}

func (s *stubController) Describe(_ context.Context, id int64) (*queue.Job, int, error) {
	job, err := s.job(id)
	return job, 1, err
}

func (s *stubController) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Counts: map[queue.Status]int{queue.StatusPending: 1, queue.StatusSent: 1}, Total: 2}, nil
}

func (s *stubController) RegisterUnits(_ context.Context, units []queue.Unit) (int, error) {
	s.registered = append(s.registered, units...)
	return len(units), nil
}

func (s *stubController) Enqueue(_ context.Context, ids []string) (queue.EnqueueResult, error) {
	s.enqueued = append(s.enqueued, ids...)
	return queue.EnqueueResult{Enqueued: []int64{7}, Unknown: []string{"missing"}}, nil
}

func (s *stubController) Cancel(_ context.Context, id int64) (queue.CancelResult, error) {
	job, err := s.job(id)
	if err != nil {
		return queue.CancelResult{}, err
	}
	if job.Status == queue.StatusSent {
		return queue.CancelResult{}, &queue.InvalidStateError{JobID: id, Status: job.Status, Operation: "cancel"}
	}
	return queue.CancelResult{Cancelled: true, BundleSize: 1}, nil
}

func (s *stubController) Retry(_ context.Context, id int64) (*queue.Job, error) {
	job, err := s.job(id)
	if err != nil {
		return nil, err
	}
	return &queue.Job{ID: job.ID, Status: queue.StatusPending}, nil
}

func (s *stubController) DeleteFile(_ context.Context, id int64) (bool, error) {
	_, err := s.job(id)
	return err == nil, err
}

func (s *stubController) Send(context.Context, int64) error { return s.sendErr }

func (s *stubController) ResetStuck(context.Context) (int64, error) { return 3, nil }

func (s *stubController) ClearQueue(_ context.Context, statuses ...queue.Status) (int64, error) {
	s.cleared = statuses
	return 2, nil
}

func (s *stubController) MarkConverted(_ context.Context, id int64, path string) error {
	s.converted[id] = path
	return nil
}

func (s *stubController) MarkConversionFailed(_ context.Context, id int64, reason string) error {
	s.failures[id] = reason
	return nil
}

func (s *stubController) MarkSent(_ context.Context, _ int64, sentAt time.Time) error {
	s.sentAt = sentAt
	return nil
}

func (s *stubController) MarkSendFailed(_ context.Context, id int64, reason string) error {
	s.failures[id] = reason
	return nil
}

func newTestServer(t *testing.T, token string) (*httptest.Server, *stubController) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = token
	ctl := newStubController()
	srv := newAPIServer(cfg, nil, ctl, logging.NewNop())
	ts := httptest.NewServer(srv.handler)
	t.Cleanup(ts.Close)
	return ts, ctl
}

func doJSON(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp
}

func TestQueueListAndFilters(t *testing.T) {
	ts, _ := newTestServer(t, "")

	var snap api.QueueSnapshot
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/queue", "", &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if len(snap.Items) != 2 || snap.Limit != defaultPageLimit {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/queue?status=sent&limit=9999", "", &snap)
	if resp.StatusCode != http.StatusOK || len(snap.Items) != 1 || snap.Limit != maxPageLimit {
		t.Fatalf("unexpected filtered snapshot %d %+v", resp.StatusCode, snap)
	}

	var errResp api.ErrorResponse
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/queue?status=bogus", "", &errResp)
	if resp.StatusCode != http.StatusBadRequest || errResp.Code != api.CodeBadRequest {
		t.Fatalf("expected bad request, got %d %+v", resp.StatusCode, errResp)
	}
}

func TestQueueJobLookup(t *testing.T) {
	ts, _ := newTestServer(t, "")

	var view api.JobView
	if resp := doJSON(t, http.MethodGet, ts.URL+"/api/queue/1", "", &view); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if view.ID != 1 || view.Status != "pending" {
		t.Fatalf("unexpected view %+v", view)
	}

	var errResp api.ErrorResponse
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/queue/99", "", &errResp)
	if resp.StatusCode != http.StatusNotFound || errResp.Code != api.CodeNotFound {
		t.Fatalf("expected not found, got %d %+v", resp.StatusCode, errResp)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/queue/abc", "", &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for non-numeric id, got %d", resp.StatusCode)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")
	var stats api.QueueStats
	doJSON(t, http.MethodGet, ts.URL+"/api/queue/stats", "", &stats)
	if stats.Total != 2 || stats.Counts["pending"] != 1 || stats.Counts["error"] != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCancelMapsInvalidState(t *testing.T) {
	ts, _ := newTestServer(t, "")

	var cancelled api.CancelResponse
	if resp := doJSON(t, http.MethodPost, ts.URL+"/api/queue/1/cancel", "", &cancelled); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !cancelled.Cancelled || cancelled.BundleSize != 1 {
		t.Fatalf("unexpected cancel response %+v", cancelled)
	}

	var errResp api.ErrorResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/queue/2/cancel", "", &errResp)
	if resp.StatusCode != http.StatusConflict || errResp.Code != api.CodeInvalidState {
		t.Fatalf("expected invalid state conflict, got %d %+v", resp.StatusCode, errResp)
	}
}

func TestSendErrorMapping(t *testing.T) {
	ts, ctl := newTestServer(t, "")

	var status api.StatusResponse
	if resp := doJSON(t, http.MethodPost, ts.URL+"/api/queue/1/send", "", &status); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if status.Status != "sending" {
		t.Fatalf("unexpected send response %+v", status)
	}

	cases := []struct {
		err  error
		code int
		want string
	}{
		{fmt.Errorf("job 1: %w", workflow.ErrNotReady), http.StatusConflict, api.CodeNotReady},
		{workflow.ErrDeliveryDisabled, http.StatusConflict, api.CodeUnavailable},
		{services.Wrap(services.ErrValidation, "delivery", "check file", "too large", nil), http.StatusBadRequest, api.CodeBadRequest},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, api.CodeInternal},
	}
	for _, tc := range cases {
		ctl.sendErr = tc.err
		var errResp api.ErrorResponse
		resp := doJSON(t, http.MethodPost, ts.URL+"/api/queue/1/send", "", &errResp)
		if resp.StatusCode != tc.code || errResp.Code != tc.want {
			t.Fatalf("%v: got %d %+v", tc.err, resp.StatusCode, errResp)
		}
	}
}

func TestEnqueueAndRegisterUnits(t *testing.T) {
	ts, ctl := newTestServer(t, "")

	var registered api.RegisterUnitsResponse
	body := `{"units":[{"id":"u9","work_title":"Blame!","number":4,"content_type":"manga","source_url":"https://host/u9"}]}`
	if resp := doJSON(t, http.MethodPut, ts.URL+"/api/units", body, &registered); resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if registered.Registered != 1 || len(ctl.registered) != 1 || ctl.registered[0].WorkTitle != "Blame!" {
		t.Fatalf("unexpected registration %+v %+v", registered, ctl.registered)
	}

	var errResp api.ErrorResponse
	resp := doJSON(t, http.MethodPut, ts.URL+"/api/units", `{"units":[{"id":"u10"}]}`, &errResp)
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(errResp.Error, "source_url") {
		t.Fatalf("expected validation error, got %d %+v", resp.StatusCode, errResp)
	}

	var enq api.EnqueueResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/queue/enqueue", `{"unit_ids":["u9"," ","missing"]}`, &enq)
	if enq.EnqueuedCount != 1 || enq.JobIDs[0] != 7 || enq.Unknown[0] != "missing" {
		t.Fatalf("unexpected enqueue response %+v", enq)
	}
	if len(ctl.enqueued) != 2 {
		t.Fatalf("expected blank ids dropped, got %v", ctl.enqueued)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/queue/enqueue", `{"unit_ids":[]}`, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty enqueue, got %d", resp.StatusCode)
	}
}

func TestClearAndResetStuck(t *testing.T) {
	ts, ctl := newTestServer(t, "")

	var cleared api.ClearResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/queue/clear", `{"statuses":["error","cancelled"]}`, &cleared)
	if cleared.Removed != 2 || len(ctl.cleared) != 2 || ctl.cleared[1] != queue.StatusCancelled {
		t.Fatalf("unexpected clear %+v %v", cleared, ctl.cleared)
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/queue/clear", "", &cleared)
	if len(ctl.cleared) != 0 {
		t.Fatalf("expected empty status list, got %v", ctl.cleared)
	}

	var reset api.ResetStuckResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/queue/reset-stuck", "", &reset)
	if reset.ResetCount != 3 {
		t.Fatalf("unexpected reset response %+v", reset)
	}
}

func TestHandoffCallbacks(t *testing.T) {
	ts, ctl := newTestServer(t, "")

	var ack api.AckResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/jobs/1/converted", `{"converted_path":"/out/a.epub"}`, &ack)
	if !ack.OK || ctl.converted[1] != "/out/a.epub" {
		t.Fatalf("converted callback not applied: %+v %v", ack, ctl.converted)
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/jobs/1/conversion-failed", `{"reason":"bad archive"}`, &ack)
	if ctl.failures[1] != "bad archive" {
		t.Fatalf("failure callback not applied: %v", ctl.failures)
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/jobs/1/sent", `{"sent_at":"2026-04-01T10:00:00Z"}`, &ack)
	if !ctl.sentAt.Equal(time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected sent_at %v", ctl.sentAt)
	}

	var errResp api.ErrorResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/1/sent", `{"sent_at":"yesterday"}`, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for sent_at, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/jobs/1/converted", `{}`, &errResp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request for missing path, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRequiresToken(t *testing.T) {
	ts, _ := newTestServer(t, "sekrit")

	var errResp api.ErrorResponse
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/queue/stats", "", &errResp)
	if resp.StatusCode != http.StatusUnauthorized || errResp.Code != api.CodeUnauthorized {
		t.Fatalf("expected unauthorized, got %d %+v", resp.StatusCode, errResp)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	authed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	authed.Body.Close()
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authed.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, "")
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/queue/1/cancel", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
