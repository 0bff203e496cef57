package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"bindery/internal/config"
	"bindery/internal/hosts"
	"bindery/internal/logging"
	"bindery/internal/preflight"
)

const (
	// PartSuffix marks a file that is still being written.
	PartSuffix = ".part"
	// LockSuffix marks an active transfer for dest.
	LockSuffix = ".downloading"

	defaultProgressBytes = 1 << 20
	htmlSniffBytes       = 512
)

var errStalled = errors.New("download stalled")

// Options configures an Executor.
type Options struct {
	ChunkSize         int
	RequestTimeout    time.Duration
	UserAgent         string
	ProgressStep      int
	ProgressBytes     int64
	ProgressPerSecond int
	VerifyArchives    bool
	MinFreeBytes      int64
}

// OptionsFromConfig maps the [download] config section to executor options.
func OptionsFromConfig(cfg config.Download) Options {
	return Options{
		ChunkSize:         cfg.ChunkSize,
		RequestTimeout:    time.Duration(cfg.RequestTimeout) * time.Second,
		UserAgent:         cfg.UserAgent,
		ProgressStep:      cfg.ProgressStep,
		ProgressPerSecond: cfg.ProgressPerSecond,
		VerifyArchives:    cfg.VerifyArchives,
		MinFreeBytes:      cfg.MinFreeBytes,
	}
}

func (o Options) normalized() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8192
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 60 * time.Second
	}
	if o.ProgressStep <= 0 {
		o.ProgressStep = 1
	}
	if o.ProgressBytes <= 0 {
		o.ProgressBytes = defaultProgressBytes
	}
	return o
}

// ProgressFunc receives bytes written so far and the expected total
// (<= 0 when unknown).
type ProgressFunc func(written, total int64)

// Outcome is the result of a single download.
type Outcome struct {
	Path      string
	Bytes     int64
	Cancelled bool
}

// BundleOutcome is the result of downloading every part of a bundle.
type BundleOutcome struct {
	Files     []Outcome
	Bytes     int64
	Cancelled bool
}

// Executor downloads descriptors over HTTP.
type Executor struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// NewExecutor constructs an Executor. RequestTimeout bounds both the wait for
// response headers and any stretch without body data.
func NewExecutor(opts Options, logger *slog.Logger) *Executor {
	opts = opts.normalized()
	if logger == nil {
		logger = logging.NewNop()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = opts.RequestTimeout
	return &Executor{
		client: &http.Client{Transport: transport},
		opts:   opts,
		logger: logging.NewComponentLogger(logger, "download"),
	}
}

// Execute downloads one descriptor to dest.
func (e *Executor) Execute(ctx context.Context, d hosts.Descriptor, dest string, progress ProgressFunc) (Outcome, error) {
	bundle, err := e.ExecuteAll(ctx, []hosts.Descriptor{d}, []string{dest}, progress)
	if err != nil {
		return Outcome{}, err
	}
	if bundle.Cancelled {
		return Outcome{Cancelled: true}, nil
	}
	return bundle.Files[0], nil
}

// ExecuteAll downloads the parts of a bundle sequentially, reporting
// aggregated progress. A failure or cancellation of any part removes the
// parts already completed.
func (e *Executor) ExecuteAll(ctx context.Context, descriptors []hosts.Descriptor, dests []string, progress ProgressFunc) (BundleOutcome, error) {
	if len(descriptors) == 0 || len(descriptors) != len(dests) {
		return BundleOutcome{}, fmt.Errorf("execute bundle: %d descriptors for %d destinations", len(descriptors), len(dests))
	}

	var grand int64
	for _, d := range descriptors {
		if d.SizeBytes <= 0 {
			grand = 0
			break
		}
		grand += d.SizeBytes
	}

	throttle := newThrottle(e.opts)
	files := make([]Outcome, 0, len(descriptors))
	cleanup := func() {
		for _, f := range files {
			_ = os.Remove(f.Path)
		}
	}

	var completed int64
	for i, d := range descriptors {
		base := completed
		last := i == len(descriptors)-1
		report := func(written, total int64, final bool) {
			if progress == nil {
				return
			}
			agg := base + written
			aggTotal := grand
			if aggTotal <= 0 && len(descriptors) == 1 {
				aggTotal = total
			}
			final = final && last
			if final && aggTotal <= 0 {
				aggTotal = agg
			}
			if throttle.allow(agg, aggTotal, final) {
				progress(agg, aggTotal)
			}
		}

		outcome, err := e.fetch(ctx, d, dests[i], report)
		if err != nil {
			cleanup()
			return BundleOutcome{}, err
		}
		if outcome.Cancelled {
			cleanup()
			e.logger.Debug("download cancelled", logging.Int("part", i+1), logging.Int("parts", len(descriptors)))
			return BundleOutcome{Cancelled: true}, nil
		}
		files = append(files, outcome)
		completed += outcome.Bytes
	}
	return BundleOutcome{Files: files, Bytes: completed}, nil
}

func (e *Executor) fetch(ctx context.Context, d hosts.Descriptor, dest string, report func(written, total int64, final bool)) (Outcome, error) {
	if strings.TrimSpace(d.DirectURL) == "" {
		return Outcome{}, hosts.NewResolverError(hosts.KindNotFound, "", "descriptor has no direct url")
	}
	if ctx.Err() != nil {
		return Outcome{Cancelled: true}, nil
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Outcome{}, newError(KindDiskWriteFailure, err, "create download directory")
	}
	if err := e.checkSpace(dir, d.SizeBytes); err != nil {
		return Outcome{}, err
	}

	partPath := dest + PartSuffix
	lockPath := dest + LockSuffix
	if err := writeLock(lockPath, d.DirectURL); err != nil {
		return Outcome{}, newError(KindDiskWriteFailure, err, "create lock file")
	}
	finished := false
	defer func() {
		_ = os.Remove(lockPath)
		if !finished {
			_ = os.Remove(partPath)
		}
	}()

	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stall := time.AfterFunc(e.opts.RequestTimeout, func() { cancel(errStalled) })
	defer stall.Stop()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.DirectURL, nil)
	if err != nil {
		return Outcome{}, hosts.NewResolverError(hosts.KindNotFound, "", "invalid direct url: %v", err)
	}
	if e.opts.UserAgent != "" {
		req.Header.Set("User-Agent", e.opts.UserAgent)
	}

	e.logger.Debug("download request",
		logging.String("direct_url", d.DirectURL),
		logging.Int("part_index", d.PartIndex),
	)
	resp, err := e.client.Do(req)
	if err != nil {
		return e.transferFailure(ctx, reqCtx, err, "request failed")
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return Outcome{}, err
	}
	if hosts.IsHTMLContentType(resp.Header.Get("Content-Type")) {
		return Outcome{}, expiredLink()
	}

	total := d.SizeBytes
	if total <= 0 && resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Outcome{}, newError(KindDiskWriteFailure, err, "create part file")
	}

	buf := make([]byte, e.opts.ChunkSize)
	head := make([]byte, 0, htmlSniffBytes)
	var written int64
	for {
		if ctx.Err() != nil {
			_ = file.Close()
			return Outcome{Cancelled: true}, nil
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			stall.Reset(e.opts.RequestTimeout)
			if room := htmlSniffBytes - len(head); room > 0 {
				head = append(head, buf[:min(n, room)]...)
			}
			if _, err := file.Write(buf[:n]); err != nil {
				_ = file.Close()
				return Outcome{}, newError(KindDiskWriteFailure, err, "write part file")
			}
			written += int64(n)
			report(written, total, false)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			_ = file.Close()
			return e.transferFailure(ctx, reqCtx, readErr, fmt.Sprintf("connection lost after %s", humanize.IBytes(uint64(written))))
		}
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()
		return Outcome{}, newError(KindDiskWriteFailure, err, "sync part file")
	}
	if err := file.Close(); err != nil {
		return Outcome{}, newError(KindDiskWriteFailure, err, "close part file")
	}

	switch {
	case d.SizeBytes > 0 && written != d.SizeBytes:
		return Outcome{}, newError(KindSizeMismatch, nil, "expected %d bytes, received %d", d.SizeBytes, written)
	case d.SizeBytes <= 0 && resp.ContentLength > 0 && written != resp.ContentLength:
		return Outcome{}, newError(KindSizeMismatch, nil, "expected %d bytes, received %d", resp.ContentLength, written)
	}
	if looksLikeHTML(head) {
		return Outcome{}, expiredLink()
	}
	if e.opts.VerifyArchives {
		if err := VerifyArchive(partPath); err != nil {
			return Outcome{}, err
		}
	}

	if err := os.Rename(partPath, dest); err != nil {
		return Outcome{}, newError(KindDiskWriteFailure, err, "move part file into place")
	}
	finished = true
	report(written, total, true)
	return Outcome{Path: dest, Bytes: written}, nil
}

func (e *Executor) transferFailure(ctx, reqCtx context.Context, err error, message string) (Outcome, error) {
	if ctx.Err() != nil {
		return Outcome{Cancelled: true}, nil
	}
	if errors.Is(context.Cause(reqCtx), errStalled) {
		return Outcome{}, newError(KindTimeout, err, "no data received for %s", e.opts.RequestTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Outcome{}, newError(KindTimeout, err, "%s", message)
	}
	return Outcome{}, newError(KindConnectionLost, err, "%s", message)
}

func (e *Executor) checkSpace(dir string, size int64) error {
	need := max(size, 0) + max(e.opts.MinFreeBytes, 0)
	if need <= 0 {
		return nil
	}
	free, err := preflight.FreeBytes(dir)
	if err != nil {
		e.logger.Debug("free space check skipped", logging.Error(err))
		return nil
	}
	if free < uint64(need) {
		return newError(KindDiskWriteFailure, nil, "insufficient free space: %s free, need %s",
			humanize.IBytes(free), humanize.IBytes(uint64(need)))
	}
	return nil
}

func classifyStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return hosts.NewResolverError(hosts.KindNotFound, "", "download link returned %d", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return hosts.NewResolverError(hosts.KindAuthExpired, "", "download link returned %d", code)
	case code == http.StatusRequestTimeout:
		return newError(KindTimeout, nil, "server timed out (%d)", code)
	case code == http.StatusTooManyRequests || code >= 500:
		return newError(KindConnectionLost, nil, "server returned %d %s", code, http.StatusText(code))
	default:
		return hosts.NewResolverError(hosts.KindNotFound, "", "download link returned %d", code)
	}
}

func expiredLink() error {
	return hosts.NewResolverError(hosts.KindNotFound, "",
		"host returned an HTML page instead of a file (link expired or requires authentication)")
}

type lockOwner struct {
	PID       int    `json:"pid"`
	URL       string `json:"url"`
	StartedAt string `json:"started_at"`
}

func writeLock(path, url string) error {
	data, err := json.Marshal(lockOwner{PID: os.Getpid(), URL: url, StartedAt: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// RemoveStale deletes leftover part and lock files under root, returning how
// many were removed. It is meant for startup, when no transfer can be active.
func RemoveStale(root string) (int, error) {
	if strings.TrimSpace(root) == "" {
		return 0, nil
	}
	removed := 0
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if strings.HasSuffix(name, PartSuffix) || strings.HasSuffix(name, LockSuffix) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
