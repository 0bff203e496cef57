package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/services"
	"bindery/internal/workflow"
)

const stageName = "deliver"

const userAgent = "bindery/0.1.0"

// OAuthSender delivers converted files to the configured device endpoint.
type OAuthSender struct {
	cfg    config.Delivery
	logger *slog.Logger
	base   *http.Client
	now    func() time.Time

	mu     sync.Mutex
	source oauth2.TokenSource

	wg sync.WaitGroup
}

// NewOAuthSender validates the delivery section and constructs a sender.
func NewOAuthSender(cfg *config.Config, logger *slog.Logger) (*OAuthSender, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "init", "config is required", nil)
	}
	d := cfg.Delivery
	if strings.TrimSpace(d.Endpoint) == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "init", "delivery.endpoint is not set", nil)
	}
	if strings.TrimSpace(d.TokenURL) == "" {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "init", "delivery.token_url is not set", nil)
	}
	timeout := time.Duration(d.RequestTimeout) * time.Second
	return &OAuthSender{
		cfg:    d,
		logger: logging.NewComponentLogger(logger, "delivery"),
		base:   &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

// WithHTTPClient replaces the transport used for token and upload requests.
func (s *OAuthSender) WithHTTPClient(client *http.Client) {
	if s == nil || client == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = client
	s.source = nil
}

// Deliver checks the files and uploads them in the background. The outcome
// is reported through callbacks.
func (s *OAuthSender) Deliver(ctx context.Context, req workflow.DeliveryRequest, callbacks workflow.DeliveryCallbacks) error {
	if s == nil {
		return services.Wrap(services.ErrConfiguration, stageName, "deliver", "sender not initialized", nil)
	}
	if callbacks == nil {
		return services.Wrap(services.ErrValidation, stageName, "deliver", "callbacks are required", nil)
	}
	if len(req.Files) == 0 {
		return services.Wrap(services.ErrValidation, stageName, "deliver", fmt.Sprintf("job %d has no files to send", req.JobID), nil)
	}
	for _, path := range req.Files {
		info, err := os.Stat(path)
		if err != nil {
			return services.Wrap(services.ErrValidation, stageName, "stat file", filepath.Base(path), err)
		}
		if s.cfg.MaxFileBytes > 0 && info.Size() > s.cfg.MaxFileBytes {
			return services.Wrap(services.ErrValidation, stageName, "check size",
				fmt.Sprintf("%s is %s, over the %s transfer limit", filepath.Base(path),
					humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(s.cfg.MaxFileBytes))), nil)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(ctx, req, callbacks)
	}()
	return nil
}

// Wait blocks until every started delivery has reported.
func (s *OAuthSender) Wait() {
	if s != nil {
		s.wg.Wait()
	}
}

// HealthCheck reports whether the sender has credentials to work with. It
// does not contact the token endpoint.
func (s *OAuthSender) HealthCheck(context.Context) workflow.StageHealth {
	if s == nil {
		return workflow.UnhealthyStage(stageName, "sender not initialized")
	}
	tok, err := LoadToken(s.cfg.TokenFile)
	if err != nil {
		return workflow.UnhealthyStage(stageName, err.Error())
	}
	if tok == nil && (s.cfg.ClientID == "" || s.cfg.ClientSecret == "") {
		return workflow.UnhealthyStage(stageName, "no stored token and no client credentials")
	}
	return workflow.HealthyStage(stageName)
}

func (s *OAuthSender) process(ctx context.Context, req workflow.DeliveryRequest, callbacks workflow.DeliveryCallbacks) {
	logger := s.logger.With(
		logging.Int64(logging.FieldJobID, req.JobID),
		logging.String(logging.FieldStage, stageName),
	)
	report := context.WithoutCancel(ctx)

	var sent int64
	for _, path := range req.Files {
		size, err := s.upload(ctx, req, path)
		if err != nil {
			details := services.Details(err)
			logging.WarnWithContext(logger, "upload failed", "upload_failed",
				logging.String("file", filepath.Base(path)),
				logging.Error(err),
				logging.String(logging.FieldErrorKind, details.Kind),
				logging.String(logging.FieldErrorHint, details.Hint),
			)
			if cbErr := callbacks.MarkSendFailed(report, req.JobID, err.Error()); cbErr != nil {
				logging.WarnWithContext(logger, "report delivery failure", "callback_failed", logging.Error(cbErr))
			}
			return
		}
		sent += size
		logger.Debug("file uploaded",
			logging.String("file", filepath.Base(path)),
			logging.Int64("size_bytes", size),
		)
	}

	logger.Info("upload completed",
		logging.String(logging.FieldEventType, "upload_complete"),
		logging.Int("files", len(req.Files)),
		logging.String("size", humanize.IBytes(uint64(sent))),
	)
	if cbErr := callbacks.MarkSent(report, req.JobID, s.now()); cbErr != nil {
		logging.WarnWithContext(logger, "report delivery result", "callback_failed", logging.Error(cbErr))
	}
}

// upload streams one file as multipart form data.
func (s *OAuthSender) upload(ctx context.Context, req workflow.DeliveryRequest, path string) (int64, error) {
	client, err := s.client()
	if err != nil {
		return 0, err
	}
	file, err := os.Open(path)
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, stageName, "open file", filepath.Base(path), err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, services.Wrap(services.ErrValidation, stageName, "stat file", filepath.Base(path), err)
	}

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		writer.CloseWithError(writeForm(form, s.cfg.DeviceID, req.Title, path, file))
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, body)
	if err != nil {
		_ = body.Close()
		return 0, services.Wrap(services.ErrConfiguration, stageName, "build request", s.cfg.Endpoint, err)
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(httpReq)
	if err != nil {
		_ = body.Close()
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) && retrieve.Response != nil {
			return 0, services.Wrap(services.ErrConfiguration, stageName, "obtain token",
				fmt.Sprintf("token endpoint returned %d", retrieve.Response.StatusCode), err)
		}
		return 0, services.Wrap(services.ErrTransient, stageName, "upload", filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		marker := services.ErrExternalTool
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			marker = services.ErrConfiguration
		}
		msg := fmt.Sprintf("%s rejected by device endpoint: status %d", filepath.Base(path), resp.StatusCode)
		if text := strings.TrimSpace(string(detail)); text != "" {
			msg += ": " + text
		}
		return 0, services.Wrap(marker, stageName, "upload", msg, nil)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return info.Size(), nil
}

func writeForm(form *multipart.Writer, deviceID, title, path string, file io.Reader) error {
	if deviceID != "" {
		if err := form.WriteField("device_id", deviceID); err != nil {
			return err
		}
	}
	if title != "" {
		if err := form.WriteField("title", title); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}

// client returns an HTTP client that authorizes requests with the current
// token, building the token source on first use.
func (s *OAuthSender) client() (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source == nil {
		source, err := s.newTokenSource()
		if err != nil {
			return nil, err
		}
		s.source = source
	}
	return &http.Client{
		Timeout: s.base.Timeout,
		Transport: &oauth2.Transport{
			Source: s.source,
			Base:   s.base.Transport,
		},
	}, nil
}

func (s *OAuthSender) newTokenSource() (oauth2.TokenSource, error) {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, s.base)
	stored, err := LoadToken(s.cfg.TokenFile)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "load token", s.cfg.TokenFile, err)
	}

	var base oauth2.TokenSource
	switch {
	case stored != nil:
		conf := &oauth2.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: s.cfg.TokenURL},
		}
		base = conf.TokenSource(ctx, stored)
	case s.cfg.ClientID != "" && s.cfg.ClientSecret != "":
		conf := &clientcredentials.Config{
			ClientID:     s.cfg.ClientID,
			ClientSecret: s.cfg.ClientSecret,
			TokenURL:     s.cfg.TokenURL,
		}
		base = conf.TokenSource(ctx)
	default:
		return nil, services.Wrap(services.ErrConfiguration, stageName, "load token",
			"no stored token and no client credentials; set delivery.client_id and delivery.client_secret", nil)
	}

	persist := &persistingSource{
		base: base,
		path: s.cfg.TokenFile,
		onSaveError: func(err error) {
			logging.WarnWithContext(s.logger, "failed to persist delivery token", "token_persist_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions of delivery.token_file"),
				logging.String(logging.FieldImpact, "token will be requested again after restart"),
			)
		},
	}
	if stored != nil {
		persist.last = stored.AccessToken
	}
	return oauth2.ReuseTokenSource(stored, persist), nil
}
