package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"bindery/internal/api"
	"bindery/internal/queue"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// daemonLines renders the daemon and workflow sections of `bindery status`.
func daemonLines(status *api.DaemonStatus, colorize bool) []string {
	lines := renderSectionHeader("Daemon", colorize)
	lines = append(lines, renderStatusLine("Daemon", statusOK, fmt.Sprintf("Running (pid %d)", status.PID), colorize))
	lines = append(lines, renderStatusLine("API", statusInfo, status.APIBind, colorize))
	lines = append(lines, renderStatusLine("Queue DB", statusInfo, status.QueueDBPath, colorize))

	wf := status.Workflow
	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Workflow", colorize)...)
	if wf.Running {
		lines = append(lines, renderStatusLine("Dispatch", statusOK, fmt.Sprintf("running, %d in flight", wf.Inflight), colorize))
	} else {
		lines = append(lines, renderStatusLine("Dispatch", statusWarn, "stopped", colorize))
	}
	for _, health := range wf.StageHealth {
		kind, detail := statusOK, "ready"
		if !health.Ready {
			kind, detail = statusWarn, health.Detail
		}
		lines = append(lines, renderStatusLine(health.Name, kind, detail, colorize))
	}
	if wf.LastJob != nil {
		lines = append(lines, renderStatusLine("Last job", statusInfo,
			fmt.Sprintf("#%d %s (%s)", wf.LastJob.ID, wf.LastJob.DisplayName(), wf.LastJob.Status), colorize))
	}
	if wf.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, wf.LastError, colorize))
	}

	if len(status.Dependencies) > 0 {
		lines = append(lines, "")
		lines = append(lines, dependencyLines(status.Dependencies, colorize)...)
	}
	return lines
}

func dependencyLines(deps []api.DependencyStatus, colorize bool) []string {
	lines := renderSectionHeader("Dependencies", colorize)
	for _, dep := range deps {
		switch {
		case dep.Available:
			lines = append(lines, renderStatusLine(dep.Name, statusOK, "Ready (command: "+dep.Command+")", colorize))
		case dep.Optional:
			lines = append(lines, renderStatusLine(dep.Name, statusWarn, dep.Detail, colorize))
		default:
			lines = append(lines, renderStatusLine(dep.Name, statusError, dep.Detail, colorize))
		}
	}
	return lines
}

// buildQueueStatusRows returns status/count rows in pipeline order, skipping
// empty statuses.
func buildQueueStatusRows(counts map[string]int) [][]string {
	rows := make([][]string, 0, len(counts))
	seen := make(map[string]bool, len(counts))
	for _, status := range queue.AllStatuses() {
		key := string(status)
		seen[key] = true
		if counts[key] == 0 {
			continue
		}
		rows = append(rows, []string{key, strconv.Itoa(counts[key])})
	}
	var extra []string
	for key, count := range counts {
		if !seen[key] && count > 0 {
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	for _, key := range extra {
		rows = append(rows, []string{key, strconv.Itoa(counts[key])})
	}
	return rows
}
