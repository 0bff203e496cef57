package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bindery/internal/api"
	"bindery/internal/apiclient"
)

func TestListQueueEncodesFilters(t *testing.T) {
	var gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(api.QueueSnapshot{Items: []api.JobView{{ID: 3, Status: "error"}}, Total: 1, Limit: 20})
	}))
	defer server.Close()

	client := apiclient.New(server.URL, apiclient.WithToken("tok"))
	snap, err := client.ListQueue(context.Background(), []string{"error", "cancelled"}, 10, 20)
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].ID != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if gotQuery != "limit=20&offset=10&status=error%2Ccancelled" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
}

func TestErrorResponsesDecode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/queue/5/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "job 5: job has no converted file", Code: api.CodeNotReady})
	}))
	defer server.Close()

	_, err := apiclient.New(server.URL).Send(context.Background(), 5)
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiclient.Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || !apiclient.IsCode(err, api.CodeNotReady) {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestPlainTextErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}))
	defer server.Close()

	_, err := apiclient.New(server.URL).QueueStats(context.Background())
	if err == nil || !strings.Contains(err.Error(), "method not allowed") {
		t.Fatalf("expected plain text error, got %v", err)
	}
}

func TestEnqueueSendsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req api.EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(api.EnqueueResponse{EnqueuedCount: len(req.UnitIDs), JobIDs: []int64{1, 2}})
	}))
	defer server.Close()

	resp, err := apiclient.New(strings.TrimPrefix(server.URL, "http://")).Enqueue(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if resp.EnqueuedCount != 2 || len(resp.JobIDs) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUnreachableDaemon(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	_, err = apiclient.New(addr).Status(context.Background())
	if !errors.Is(err, apiclient.ErrDaemonUnavailable) {
		t.Fatalf("expected ErrDaemonUnavailable, got %v", err)
	}
}
