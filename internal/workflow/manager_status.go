package workflow

import (
	"context"

	"bindery/internal/logging"
	"bindery/internal/queue"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	Inflight    int
	LastError   string
	LastJob     *queue.Job
	QueueStats  queue.Stats
	StageHealth map[string]StageHealth
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.Lock()
	summary := StatusSummary{Running: m.running, Inflight: len(m.inflight)}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastJob != nil {
		copy := *m.lastJob
		summary.LastJob = &copy
	}
	m.mu.Unlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats

	summary.StageHealth = map[string]StageHealth{}
	for name, collaborator := range map[string]any{"converter": m.converter, "deliverer": m.deliverer} {
		if collaborator == nil {
			summary.StageHealth[name] = UnhealthyStage(name, "disabled")
			continue
		}
		if checker, ok := collaborator.(HealthChecker); ok {
			summary.StageHealth[name] = checker.HealthCheck(ctx)
			continue
		}
		summary.StageHealth[name] = HealthyStage(name)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastJob(job *queue.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job == nil {
		return
	}
	copy := *job
	m.lastJob = &copy
}
