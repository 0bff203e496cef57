package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bindery/internal/apiclient"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueEnqueueCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueDeleteFileCommand(ctx))
	queueCmd.AddCommand(newQueueSendCommand(ctx))
	queueCmd.AddCommand(newQueueResetStuckCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				snap, err := client.ListQueue(reqCtx, statuses, offset, limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, snap)
				}
				out := cmd.OutOrStdout()
				if len(snap.Items) == 0 {
					fmt.Fprintln(out, "Queue is empty")
					return nil
				}
				fmt.Fprint(out, renderTable(queueListHeaders, buildQueueListRows(snap.Items), queueListAligns))
				if shown := snap.Offset + len(snap.Items); shown < snap.Total {
					fmt.Fprintf(out, "Showing %d-%d of %d (use --offset to page)\n", snap.Offset+1, shown, snap.Total)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by job status (repeatable)")
	cmd.Flags().IntVar(&offset, "offset", 0, "Skip this many jobs")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs to show")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: withJobID(ctx, func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error {
			job, err := client.Job(reqCtx, id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, job)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderDetails(jobDetailPairs(job)))
			return nil
		}),
	}
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				stats, err := client.QueueStats(reqCtx)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, stats)
				}
				rows := buildQueueStatusRows(stats.Counts)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows = append(rows, []string{"total", strconv.Itoa(stats.Total)})
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
}

func newQueueEnqueueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <unit-id>...",
		Short: "Create download jobs for catalog units",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				resp, err := client.Enqueue(reqCtx, args)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Enqueued %d job(s)\n", resp.EnqueuedCount)
				if len(resp.Skipped) > 0 {
					fmt.Fprintf(out, "Skipped (already queued): %s\n", strings.Join(resp.Skipped, ", "))
				}
				if len(resp.Unknown) > 0 {
					fmt.Fprintf(out, "Unknown units: %s\n", strings.Join(resp.Unknown, ", "))
				}
				return nil
			})
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job and the rest of its bundle",
		Args:  cobra.ExactArgs(1),
		RunE: withJobID(ctx, func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error {
			resp, err := client.Cancel(reqCtx, id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			if resp.BundleSize > 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d cancelled (bundle of %d jobs)\n", id, resp.BundleSize)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d cancelled\n", id)
			return nil
		}),
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed or cancelled job",
		Args:  cobra.ExactArgs(1),
		RunE: withJobID(ctx, func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error {
			status, err := client.Retry(reqCtx, id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"id": id, "status": status})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d reset to %s\n", id, status)
			return nil
		}),
	}
}

func newQueueDeleteFileCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-file <id>",
		Short: "Delete a finished job's downloaded and converted files",
		Args:  cobra.ExactArgs(1),
		RunE: withJobID(ctx, func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error {
			deleted, err := client.DeleteFile(reqCtx, id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"id": id, "deleted": deleted})
			}
			if !deleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %d had no files to delete\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted files for job %d\n", id)
			return nil
		}),
	}
}

func newQueueSendCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "send <id>",
		Short: "Deliver a converted job to the reader device",
		Args:  cobra.ExactArgs(1),
		RunE: withJobID(ctx, func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error {
			status, err := client.Send(reqCtx, id)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"id": id, "status": status})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d: delivery started\n", id)
			return nil
		}),
	}
}

func newQueueResetStuckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-stuck",
		Short: "Reset downloads that stopped sending heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				count, err := client.ResetStuck(reqCtx)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"reset_count": count})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stuck download(s)\n", count)
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs (sent, error and cancelled by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				removed, err := client.Clear(reqCtx, statuses)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"removed": removed})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d job(s)\n", removed)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Only clear jobs in these statuses (repeatable)")
	return cmd
}

type jobCommandFunc func(reqCtx context.Context, cmd *cobra.Command, client *apiclient.Client, id int64) error

func withJobID(ctx *commandContext, fn jobCommandFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
			return fn(reqCtx, cmd, client, id)
		})
	}
}

func parseJobID(arg string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(arg), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}
