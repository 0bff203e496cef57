package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"bindery/internal/config"
	"bindery/internal/convert"
	"bindery/internal/daemon"
	"bindery/internal/delivery"
	"bindery/internal/download"
	"bindery/internal/hosts"
	"bindery/internal/logging"
	"bindery/internal/notifications"
	"bindery/internal/queue"
	"bindery/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the bindery daemon and blocks until the context is cancelled
// or the process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(cfg, opts)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	pidPath := filepath.Join(cfg.Paths.StateDir, "bindery.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}

	notifier := notifications.NewService(cfg)
	registry := hosts.NewDefaultRegistry(cfg.Hosts, cfg.Download.UserAgent, logger)
	executor := download.NewExecutor(download.OptionsFromConfig(cfg.Download), logger)

	options := []workflow.ManagerOption{workflow.WithNotifier(notifier)}
	var converter *convert.CommandConverter
	if cfg.Convert.Enabled {
		converter = convert.NewCommandConverter(cfg, logger)
		options = append(options, workflow.WithConverter(converter))
	}
	var sender *delivery.OAuthSender
	if cfg.Delivery.Enabled {
		sender, err = delivery.NewOAuthSender(cfg, logger)
		if err != nil {
			store.Close()
			return fmt.Errorf("configure delivery: %w", err)
		}
		options = append(options, workflow.WithDeliverer(sender))
	}
	logCollaborators(logger, cfg)

	manager := workflow.NewManager(cfg, store, registry, executor, logger, options...)
	if err := manager.RunPreflightChecks(signalCtx, cfg); err != nil {
		logger.Warn("preflight checks reported problems",
			logging.Error(err),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "downloads may fail until the reported checks pass"),
		)
	}

	d, err := daemon.New(cfg, store, logger, manager)
	if err != nil {
		store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check configuration and queue database access"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("bindery daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	d.Stop()
	if converter != nil {
		converter.Wait()
	}
	if sender != nil {
		sender.Wait()
	}
	return nil
}

func newLogger(cfg *config.Config, opts Options) (*slog.Logger, error) {
	if strings.TrimSpace(opts.LogLevel) == "" && !opts.Development {
		return logging.NewFromConfig(cfg)
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	outputs := []string{"stdout"}
	if cfg.Paths.LogDir != "" {
		outputs = append(outputs, filepath.Join(cfg.Paths.LogDir, "bindery.log"))
	}
	noColor := false
	return logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		Development:      opts.Development,
		Color:            &noColor,
	})
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logCollaborators(logger *slog.Logger, cfg *config.Config) {
	logger.Info("collaborator snapshot",
		logging.String(logging.FieldEventType, "collaborator_snapshot"),
		logging.Bool("converter_enabled", cfg.Convert.Enabled),
		logging.String("converter_command", cfg.Convert.Command),
		logging.Bool("delivery_enabled", cfg.Delivery.Enabled),
		logging.Bool("auto_send", cfg.Delivery.AutoSend),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.Int("max_concurrent", cfg.Queue.MaxConcurrent),
	)
}
