package workflow

import (
	"context"
	"fmt"
	"strings"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/preflight"
)

// RunPreflightChecks logs the readiness of directories, free space and the
// delivery endpoint. It returns an error describing every failed check;
// callers decide whether that is fatal.
func (m *Manager) RunPreflightChecks(ctx context.Context, cfg *config.Config) error {
	results := preflight.RunAll(ctx, cfg)
	var failures []string
	for _, r := range results {
		if r.Passed {
			m.logger.Info("preflight check passed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldEventType, "preflight_passed"),
			)
			continue
		}
		m.logger.Error("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "fix the reported issue and restart the daemon"),
		)
		failures = append(failures, fmt.Sprintf("%s: %s", r.Name, r.Detail))
	}
	if len(failures) > 0 {
		return fmt.Errorf("preflight checks failed: %s", strings.Join(failures, "; "))
	}
	return nil
}
