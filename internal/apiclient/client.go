package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bindery/internal/api"
)

const defaultTimeout = 10 * time.Second

// ErrDaemonUnavailable wraps connection failures to the daemon API.
var ErrDaemonUnavailable = errors.New("daemon not reachable")

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code string) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client calls the daemon API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = strings.TrimSpace(token) }
}

// New builds a client for the API listening at bind, which may be a
// host:port pair or a full URL.
func New(bind string, opts ...Option) *Client {
	base := strings.TrimSpace(bind)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	c := &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the root the client sends requests to.
func (c *Client) BaseURL() string { return c.baseURL }

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var resp api.DaemonStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification asks the daemon to send a test notification.
func (c *Client) TestNotification(ctx context.Context) (bool, string, error) {
	var resp struct {
		Sent    bool   `json:"sent"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/notifications/test", nil, &resp); err != nil {
		return false, "", err
	}
	return resp.Sent, resp.Message, nil
}

// ListQueue returns a page of jobs, optionally filtered by status.
func (c *Client) ListQueue(ctx context.Context, statuses []string, offset, limit int) (*api.QueueSnapshot, error) {
	query := url.Values{}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/queue"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp api.QueueSnapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueStats returns counts per status.
func (c *Client) QueueStats(ctx context.Context) (*api.QueueStats, error) {
	var resp api.QueueStats
	if err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Job fetches a single job.
func (c *Client) Job(ctx context.Context, id int64) (*api.JobView, error) {
	var resp api.JobView
	if err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Enqueue creates jobs for the given catalog unit ids.
func (c *Client) Enqueue(ctx context.Context, unitIDs []string) (*api.EnqueueResponse, error) {
	var resp api.EnqueueResponse
	if err := c.do(ctx, http.MethodPost, "/api/queue/enqueue", api.EnqueueRequest{UnitIDs: unitIDs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a job and its bundle.
func (c *Client) Cancel(ctx context.Context, id int64) (*api.CancelResponse, error) {
	var resp api.CancelResponse
	if err := c.do(ctx, http.MethodPost, jobPath(id, "/cancel"), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Retry requeues a failed or cancelled job.
func (c *Client) Retry(ctx context.Context, id int64) (string, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodPost, jobPath(id, "/retry"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// DeleteFile removes a job's downloaded and converted files.
func (c *Client) DeleteFile(ctx context.Context, id int64) (bool, error) {
	var resp api.DeleteFileResponse
	if err := c.do(ctx, http.MethodDelete, jobPath(id, "/file"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// Send starts delivery of a converted job.
func (c *Client) Send(ctx context.Context, id int64) (string, error) {
	var resp api.StatusResponse
	if err := c.do(ctx, http.MethodPost, jobPath(id, "/send"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// ResetStuck resets downloads without a recent heartbeat.
func (c *Client) ResetStuck(ctx context.Context) (int64, error) {
	var resp api.ResetStuckResponse
	if err := c.do(ctx, http.MethodPost, "/api/queue/reset-stuck", nil, &resp); err != nil {
		return 0, err
	}
	return resp.ResetCount, nil
}

// Clear removes terminal jobs in the given statuses.
func (c *Client) Clear(ctx context.Context, statuses []string) (int64, error) {
	var resp api.ClearResponse
	if err := c.do(ctx, http.MethodPost, "/api/queue/clear", api.ClearRequest{Statuses: statuses}, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// RegisterUnits upserts catalog units.
func (c *Client) RegisterUnits(ctx context.Context, units []api.UnitInput) (int, error) {
	var resp api.RegisterUnitsResponse
	if err := c.do(ctx, http.MethodPut, "/api/units", api.RegisterUnitsRequest{Units: units}, &resp); err != nil {
		return 0, err
	}
	return resp.Registered, nil
}

func jobPath(id int64, suffix string) string {
	return "/api/queue/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return fmt.Errorf("%w at %s: %v", ErrDaemonUnavailable, c.baseURL, err)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload api.ErrorResponse
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		return &Error{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	message := strings.TrimSpace(string(data))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &Error{StatusCode: resp.StatusCode, Message: message}
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
