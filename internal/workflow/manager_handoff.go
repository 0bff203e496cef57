package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/services"
)

var _ ConversionCallbacks = (*Manager)(nil)
var _ DeliveryCallbacks = (*Manager)(nil)

// triggerPendingConversions hands every fully downloaded bundle to the
// converter. Bundles already handed off are converting and not listed.
func (m *Manager) triggerPendingConversions(ctx context.Context) {
	if m.converter == nil {
		return
	}
	jobs, err := m.store.DownloadedBundles(ctx)
	if err != nil {
		m.logMaintenanceError(ctx, "listing downloaded jobs failed", err)
		return
	}
	for _, job := range jobs {
		m.triggerConversion(ctx, job.ID)
	}
}

// triggerConversion moves jobID's bundle to converting and calls the
// converter once per member.
func (m *Manager) triggerConversion(ctx context.Context, jobID int64) {
	if m.converter == nil {
		return
	}
	ctx = services.WithStage(services.WithJobID(ctx, jobID), "convert")
	logger := logging.WithContext(ctx, m.logger)

	members, err := m.store.BeginConversion(ctx, jobID)
	if err != nil {
		if !errors.Is(err, queue.ErrInvalidState) {
			logger.Error("failed to start conversion",
				logging.Error(err),
				logging.String(logging.FieldEventType, "conversion_start_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
		}
		return
	}
	if len(members) == 0 {
		return
	}

	logger.Info("conversion started",
		logging.Int("parts", len(members)),
		logging.String(logging.FieldEventType, "conversion_start"),
	)
	convCtx := m.backgroundContext()
	for _, member := range members {
		req := ConversionRequest{
			JobID:       member.ID,
			BundleKey:   member.BundleKey,
			FilePath:    member.FilePath,
			WorkTitle:   member.WorkTitle,
			UnitNumber:  member.UnitNumber,
			ContentType: member.ContentType,
		}
		if err := m.converter.Convert(convCtx, req, m); err != nil {
			if cbErr := m.MarkConversionFailed(ctx, member.ID, err.Error()); cbErr != nil && !errors.Is(cbErr, queue.ErrInvalidState) {
				logger.Error("failed to record conversion failure", logging.Error(cbErr))
			}
			return
		}
	}
}

// MarkConverted records one member's converter output. When the whole
// bundle is converted it moves to converted and, with auto send enabled,
// delivery starts.
func (m *Manager) MarkConverted(ctx context.Context, jobID int64, convertedPath string) error {
	complete, err := m.store.MarkConverted(ctx, jobID, convertedPath)
	if err != nil {
		return err
	}
	logger := logging.WithContext(services.WithJobID(ctx, jobID), m.logger)
	logger.Info("conversion output recorded",
		logging.String("converted_path", convertedPath),
		logging.Bool("bundle_complete", complete),
		logging.String(logging.FieldEventType, "conversion_output"),
	)
	if !complete {
		return nil
	}

	job, err := m.store.GetByID(ctx, jobID)
	if err == nil {
		m.publish(ctx, notifications.EventConversionCompleted, notifications.Payload{"title": bundleTitle(job)})
	}
	if m.autoSendEnabled() && m.deliverer != nil {
		if err := m.Send(ctx, jobID); err != nil {
			logging.WarnWithContext(logger, "automatic delivery not started",
				"auto_send_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "send the job manually"),
				logging.String(logging.FieldImpact, "converted files stay on disk until sent"),
			)
		}
	}
	return nil
}

// MarkConversionFailed moves the converting bundle to error.
func (m *Manager) MarkConversionFailed(ctx context.Context, jobID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "conversion failed"
	}
	if err := m.store.MarkConversionFailed(ctx, jobID, reason); err != nil {
		return err
	}
	logging.WithContext(services.WithJobID(ctx, jobID), m.logger).Error("conversion failed",
		logging.String("reason", reason),
		logging.String(logging.FieldErrorKind, "ConversionFailed"),
		logging.String(logging.FieldErrorHint, "check the converter output and retry the job"),
		logging.Alert("conversion_failure"),
		logging.String(logging.FieldEventType, "conversion_failed"),
	)
	m.notifyError(ctx, fmt.Sprintf("conversion (job #%d)", jobID), errors.New(reason))
	return nil
}

// Send delivers the converted files of jobID's bundle. The bundle must be
// converted, sent (resend) or errored with every converted file present.
func (m *Manager) Send(ctx context.Context, jobID int64) error {
	members, err := m.store.BundleMembers(ctx, jobID)
	if err != nil {
		return err
	}
	job := findJob(members, jobID)
	switch job.Status {
	case queue.StatusConverted, queue.StatusSent, queue.StatusError:
	default:
		return &queue.InvalidStateError{JobID: job.ID, Status: job.Status, Operation: "send"}
	}
	var files []string
	for _, member := range members {
		paths := member.ConvertedPaths()
		if len(paths) == 0 {
			return fmt.Errorf("job %d: %w", member.ID, ErrNotReady)
		}
		files = append(files, paths...)
	}
	if m.deliverer == nil {
		return ErrDeliveryDisabled
	}

	req := DeliveryRequest{
		JobID:     job.ID,
		BundleKey: job.BundleKey,
		Files:     files,
		Title:     bundleTitle(job),
	}
	logger := logging.WithContext(services.WithStage(services.WithJobID(ctx, jobID), "deliver"), m.logger)
	logger.Info("delivery started",
		logging.Int("files", len(files)),
		logging.String("status", string(job.Status)),
		logging.String(logging.FieldEventType, "delivery_start"),
	)
	if err := m.deliverer.Deliver(m.backgroundContext(), req, m); err != nil {
		if cbErr := m.MarkSendFailed(ctx, jobID, err.Error()); cbErr != nil {
			logger.Error("failed to record delivery failure", logging.Error(cbErr))
		}
		return fmt.Errorf("start delivery: %w", err)
	}
	return nil
}

// MarkSent moves the bundle to sent.
func (m *Manager) MarkSent(ctx context.Context, jobID int64, sentAt time.Time) error {
	if sentAt.IsZero() {
		sentAt = m.now()
	}
	if err := m.store.MarkSent(ctx, jobID, sentAt); err != nil {
		return err
	}
	logging.WithContext(services.WithJobID(ctx, jobID), m.logger).Info("bundle sent",
		logging.String("sent_at", sentAt.UTC().Format(time.RFC3339)),
		logging.String(logging.FieldEventType, "delivery_complete"),
	)
	if job, err := m.store.GetByID(ctx, jobID); err == nil {
		m.publish(ctx, notifications.EventDelivered, notifications.Payload{"title": bundleTitle(job)})
	}
	return nil
}

// MarkSendFailed records a delivery failure. A bundle that was already sent
// keeps its status.
func (m *Manager) MarkSendFailed(ctx context.Context, jobID int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "delivery failed"
	}
	stayedSent, err := m.store.MarkSendFailed(ctx, jobID, reason)
	if err != nil {
		return err
	}
	logger := logging.WithContext(services.WithJobID(ctx, jobID), m.logger)
	if stayedSent {
		logging.WarnWithContext(logger, "resend failed; job stays sent",
			"resend_failed",
			logging.String("reason", reason),
			logging.String(logging.FieldErrorHint, "check delivery credentials and retry the send"),
			logging.String(logging.FieldImpact, "device did not receive the new copy"),
		)
	} else {
		logger.Error("delivery failed",
			logging.String("reason", reason),
			logging.String(logging.FieldErrorKind, "SendFailed"),
			logging.String(logging.FieldErrorHint, "check delivery credentials and send the job again"),
			logging.Alert("delivery_failure"),
			logging.String(logging.FieldEventType, "delivery_failed"),
		)
	}
	m.notifyError(ctx, fmt.Sprintf("delivery (job #%d)", jobID), errors.New(reason))
	return nil
}
