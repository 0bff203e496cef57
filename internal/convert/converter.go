package convert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"bindery/internal/config"
	"bindery/internal/deps"
	"bindery/internal/fileutil"
	"bindery/internal/logging"
	"bindery/internal/queue"
	"bindery/internal/services"
	"bindery/internal/textutil"
	"bindery/internal/workflow"
)

const stageName = "convert"

// commandRunner executes name with args and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Metadata is written next to every converted file.
type Metadata struct {
	JobID       int64     `json:"job_id"`
	BundleKey   string    `json:"bundle_key,omitempty"`
	Source      string    `json:"source"`
	WorkTitle   string    `json:"work_title"`
	UnitNumber  float64   `json:"unit_number"`
	ContentType string    `json:"content_type"`
	Format      string    `json:"format"`
	SizeBytes   int64     `json:"size_bytes"`
	Profile     string    `json:"profile,omitempty"`
	Command     string    `json:"command"`
	ConvertedAt time.Time `json:"converted_at"`
}

// CommandConverter runs the configured converter command for each downloaded file.
type CommandConverter struct {
	cfg        config.Convert
	outputRoot string
	logger     *slog.Logger
	run        commandRunner
	now        func() time.Time
	slots      chan struct{}
	wg         sync.WaitGroup
}

// NewCommandConverter constructs a converter from the convert and paths sections.
func NewCommandConverter(cfg *config.Config, logger *slog.Logger) *CommandConverter {
	parallel := max(cfg.Convert.MaxParallel, 1)
	return &CommandConverter{
		cfg:        cfg.Convert,
		outputRoot: cfg.Paths.ConvertedDir,
		logger:     logging.NewComponentLogger(logger, "converter"),
		run:        defaultCommandRunner,
		now:        time.Now,
		slots:      make(chan struct{}, parallel),
	}
}

// WithCommandRunner allows injecting a custom command runner for tests.
func (c *CommandConverter) WithCommandRunner(r commandRunner) {
	if c != nil && r != nil {
		c.run = r
	}
}

// Convert validates the request and starts the conversion in the background.
// The result is reported through callbacks once the command finishes. A
// conversion interrupted by ctx reports nothing; the job stays converting
// and is picked up again on the next daemon start.
func (c *CommandConverter) Convert(ctx context.Context, req workflow.ConversionRequest, callbacks workflow.ConversionCallbacks) error {
	if c == nil {
		return services.Wrap(services.ErrConfiguration, stageName, "convert", "converter not initialized", nil)
	}
	if callbacks == nil {
		return services.Wrap(services.ErrValidation, stageName, "convert", "callbacks are required", nil)
	}
	if strings.TrimSpace(req.FilePath) == "" {
		return services.Wrap(services.ErrValidation, stageName, "convert", fmt.Sprintf("job %d has no downloaded file", req.JobID), nil)
	}
	if _, err := os.Stat(req.FilePath); err != nil {
		return services.Wrap(services.ErrValidation, stageName, "stat input", filepath.Base(req.FilePath), err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(ctx, req, callbacks)
	}()
	return nil
}

// Wait blocks until every started conversion has reported or been interrupted.
func (c *CommandConverter) Wait() {
	if c != nil {
		c.wg.Wait()
	}
}

// HealthCheck reports whether the converter binary can be found.
func (c *CommandConverter) HealthCheck(context.Context) workflow.StageHealth {
	if c == nil {
		return workflow.UnhealthyStage(stageName, "converter not initialized")
	}
	status := deps.CheckBinaries([]deps.Requirement{{
		Name:        "converter",
		Command:     c.cfg.Command,
		Description: "e-book converter",
	}})[0]
	if !status.Available {
		return workflow.UnhealthyStage(stageName, status.Detail)
	}
	return workflow.HealthyStage(stageName)
}

func (c *CommandConverter) process(ctx context.Context, req workflow.ConversionRequest, callbacks workflow.ConversionCallbacks) {
	logger := c.logger.With(
		logging.Int64(logging.FieldJobID, req.JobID),
		logging.String(logging.FieldStage, stageName),
	)
	if req.BundleKey != "" {
		logger = logger.With(logging.String(logging.FieldBundleKey, req.BundleKey))
	}

	outputs, err := c.convert(ctx, logger, req)
	report := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("conversion interrupted",
				logging.String(logging.FieldEventType, "conversion_interrupted"),
				logging.String("input", filepath.Base(req.FilePath)),
			)
			return
		}
		details := services.Details(err)
		logging.WarnWithContext(logger, "conversion failed", "conversion_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, details.Kind),
			logging.String(logging.FieldErrorHint, details.Hint),
			logging.String(logging.FieldImpact, "bundle moves to error"),
		)
		if cbErr := callbacks.MarkConversionFailed(report, req.JobID, err.Error()); cbErr != nil {
			logging.WarnWithContext(logger, "report conversion failure", "callback_failed", logging.Error(cbErr))
		}
		return
	}

	converted := strings.Join(outputs, queue.ConvertedPathSeparator)
	if cbErr := callbacks.MarkConverted(report, req.JobID, converted); cbErr != nil {
		logging.WarnWithContext(logger, "report conversion result", "callback_failed", logging.Error(cbErr))
	}
}

func (c *CommandConverter) convert(ctx context.Context, logger *slog.Logger, req workflow.ConversionRequest) ([]string, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slots }()

	outDir := c.outputDir(req)
	if err := os.RemoveAll(outDir); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "prepare output", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "prepare output", outDir, err)
	}

	args := expandArgs(c.cfg.Args, map[string]string{
		"{input}":      req.FilePath,
		"{output_dir}": outDir,
		"{profile}":    c.cfg.Profile,
	})
	timeout := time.Duration(c.cfg.Timeout) * time.Second
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("conversion started",
		logging.String(logging.FieldEventType, "conversion_start"),
		logging.String("input", filepath.Base(req.FilePath)),
		logging.String("command", c.cfg.Command),
	)
	logger.Debug("converter arguments", logging.Args(logging.String("args", strings.Join(args, " ")))...)

	started := c.now()
	output, err := c.run(runCtx, c.cfg.Command, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrTimeout, stageName, "run converter",
				fmt.Sprintf("%s timed out after %s", c.cfg.Command, timeout), err)
		}
		return nil, services.Wrap(services.ErrExternalTool, stageName, "run converter",
			outputTail(output), err)
	}

	outputs, err := collectOutputs(outDir, c.cfg.OutputFormats)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "collect output", outDir, err)
	}
	if len(outputs) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "collect output",
			fmt.Sprintf("%s produced no %s file", c.cfg.Command, strings.Join(c.cfg.OutputFormats, "/")), nil)
	}

	var total int64
	for _, path := range outputs {
		size, err := c.writeSidecar(path, req)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, stageName, "write metadata", filepath.Base(path), err)
		}
		total += size
	}

	logger.Info("conversion completed",
		logging.String(logging.FieldEventType, "conversion_complete"),
		logging.Int("outputs", len(outputs)),
		logging.String("size", humanize.IBytes(uint64(total))),
		logging.Duration("elapsed", c.now().Sub(started)),
	)
	return outputs, nil
}

func (c *CommandConverter) outputDir(req workflow.ConversionRequest) string {
	title := textutil.SanitizeFileName(req.WorkTitle)
	if title == "" {
		title = "Untitled"
	}
	return filepath.Join(c.outputRoot, title, fmt.Sprintf("job-%d", req.JobID))
}

func (c *CommandConverter) writeSidecar(path string, req workflow.ConversionRequest) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	meta := Metadata{
		JobID:       req.JobID,
		BundleKey:   req.BundleKey,
		Source:      req.FilePath,
		WorkTitle:   req.WorkTitle,
		UnitNumber:  req.UnitNumber,
		ContentType: string(req.ContentType),
		Format:      matchFormat(filepath.Base(path), c.cfg.OutputFormats),
		SizeBytes:   info.Size(),
		Profile:     c.cfg.Profile,
		Command:     c.cfg.Command,
		ConvertedAt: c.now().UTC(),
	}
	return info.Size(), fileutil.WriteJSONAtomic(fileutil.SidecarPath(path), meta, 0o644)
}

// expandArgs substitutes placeholders inside every argument.
func expandArgs(template []string, values map[string]string) []string {
	out := make([]string, 0, len(template))
	for _, arg := range template {
		for key, value := range values {
			arg = strings.ReplaceAll(arg, key, value)
		}
		out = append(out, arg)
	}
	return out
}

// collectOutputs returns the files below dir whose names end in one of
// formats, sorted by path so split volumes keep their order.
func collectOutputs(dir string, formats []string) ([]string, error) {
	var outputs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), fileutil.SidecarSuffix) {
			return nil
		}
		if matchFormat(d.Name(), formats) != "" {
			outputs = append(outputs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(outputs)
	return outputs, nil
}

// matchFormat returns the longest format suffix of name, so ".kepub.epub"
// wins over ".epub".
func matchFormat(name string, formats []string) string {
	lower := strings.ToLower(name)
	best := ""
	for _, format := range formats {
		if strings.HasSuffix(lower, format) && len(format) > len(best) {
			best = format
		}
	}
	return best
}

func outputTail(output []byte) string {
	const limit = 400
	text := strings.TrimSpace(string(output))
	if len(text) <= limit {
		return text
	}
	return "..." + text[len(text)-limit:]
}

func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = 5 * time.Second
	return cmd.CombinedOutput()
}
