package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bindery/internal/api"
	"bindery/internal/apiclient"
	"bindery/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, workflow and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			reqCtx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			status, err := ctx.client().Status(reqCtx)
			if err != nil && !errors.Is(err, apiclient.ErrDaemonUnavailable) {
				return err
			}

			if status == nil {
				stats, statsErr := offlineQueueStats(cmd.Context(), ctx)
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"running": false, "queue_stats": stats})
				}
				lines := renderSectionHeader("Daemon", colorize)
				lines = append(lines, renderStatusLine("Daemon", statusError, "Not running", colorize))
				fmt.Fprintln(out, strings.Join(lines, "\n"))
				if statsErr != nil {
					fmt.Fprintln(out, renderStatusLine("Queue", statusWarn, statsErr.Error(), colorize))
					return nil
				}
				printQueueCounts(out, stats, colorize)
				return nil
			}

			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			fmt.Fprintln(out, strings.Join(daemonLines(status, colorize), "\n"))
			printQueueCounts(out, status.Workflow.QueueStats, colorize)
			return nil
		},
	}
}

// offlineQueueStats reads counts straight from the queue database when the
// daemon is down.
func offlineQueueStats(parent context.Context, ctx *commandContext) (api.QueueStats, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return api.QueueStats{}, err
	}
	queryCtx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	store, err := queue.Open(cfg)
	if err != nil {
		return api.QueueStats{}, fmt.Errorf("open queue database: %w", err)
	}
	defer store.Close()
	stats, err := store.Stats(queryCtx)
	if err != nil {
		return api.QueueStats{}, err
	}
	return api.FromStats(stats), nil
}

func printQueueCounts(out io.Writer, stats api.QueueStats, colorize bool) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Join(renderSectionHeader("Queue", colorize), "\n"))
	rows := buildQueueStatusRows(stats.Counts)
	if len(rows) == 0 {
		fmt.Fprintln(out, "Queue is empty")
		return
	}
	fmt.Fprint(out, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}
