package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"bindery/internal/config"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
)

// Manager coordinates dispatch, retries, cancellation and the hand-off to
// conversion and delivery.
type Manager struct {
	store      *queue.Store
	resolver   SourceResolver
	downloader Downloader
	converter  Converter
	deliverer  Deliverer
	notifier   notifications.Service
	logger     *slog.Logger
	heartbeat  *HeartbeatMonitor

	cfgMu       sync.RWMutex
	queueCfg    config.Queue
	downloadDir string
	autoSend    bool

	wake chan struct{}
	now  func() time.Time

	mu       sync.Mutex
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight map[int64]*task
	lastErr  error
	lastJob  *queue.Job

	queueActive    bool
	queueStart     time.Time
	queueProcessed int
	queueFailed    int
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithConverter hands downloaded bundles to c. Without a converter,
// downloaded jobs stay downloaded.
func WithConverter(c Converter) ManagerOption {
	return func(m *Manager) { m.converter = c }
}

// WithDeliverer enables Send.
func WithDeliverer(d Deliverer) ManagerOption {
	return func(m *Manager) { m.deliverer = d }
}

// WithNotifier overrides the notifier built from the config.
func WithNotifier(n notifications.Service) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithClock overrides the time source used for retry scheduling and stuck
// detection.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *queue.Store, resolver SourceResolver, downloader Downloader, logger *slog.Logger, opts ...ManagerOption) *Manager {
	logger = logging.NewComponentLogger(logger, "workflow")
	m := &Manager{
		store:       store,
		resolver:    resolver,
		downloader:  downloader,
		notifier:    notifications.NewService(cfg),
		logger:      logger,
		queueCfg:    cfg.Queue,
		downloadDir: cfg.Paths.DownloadDir,
		autoSend:    cfg.Delivery.AutoSend,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
		baseCtx:     context.Background(),
		inflight:    make(map[int64]*task),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.heartbeat = NewHeartbeatMonitor(store, logger, m.queueConfig)
	return m
}

// UpdateConfig replaces the queue policy (concurrency, retry cap, backoff,
// thresholds) at runtime. A larger concurrency limit takes effect at the
// next dispatch pass.
func (m *Manager) UpdateConfig(cfg config.Queue) {
	m.cfgMu.Lock()
	m.queueCfg = cfg
	m.cfgMu.Unlock()
	m.logger.Info("queue config updated",
		logging.Int("max_concurrent", cfg.MaxConcurrent),
		logging.Int("max_retries", cfg.MaxRetries),
		logging.String(logging.FieldEventType, "config_updated"),
	)
	m.signal()
}

// SetAutoSend toggles automatic delivery of converted bundles.
func (m *Manager) SetAutoSend(enabled bool) {
	m.cfgMu.Lock()
	m.autoSend = enabled
	m.cfgMu.Unlock()
}

func (m *Manager) queueConfig() config.Queue {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.queueCfg
}

func (m *Manager) autoSendEnabled() bool {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.autoSend
}

// signal wakes the dispatch loop without blocking.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// backgroundContext returns the context asynchronous hand-offs run under:
// the run context while started, otherwise a background context.
func (m *Manager) backgroundContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseCtx
}
