package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"bindery/internal/api"
	"bindery/internal/apiclient"
)

func newUnitCommand(ctx *commandContext) *cobra.Command {
	unitCmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage catalog units",
	}
	unitCmd.AddCommand(newUnitAddCommand(ctx))
	return unitCmd
}

func newUnitAddCommand(ctx *commandContext) *cobra.Command {
	var input api.UnitInput
	var fromFile string
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a catalog unit",
		Long: "Register a unit from flags, or a JSON array of units with --file.\n" +
			"Existing units with the same id are updated.",
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := collectUnits(input, fromFile)
			if err != nil {
				return err
			}
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				count, err := client.RegisterUnits(reqCtx, units)
				if err != nil {
					return err
				}
				result := map[string]any{"registered": count}
				if enqueue {
					ids := make([]string, len(units))
					for i, unit := range units {
						ids[i] = unit.ID
					}
					resp, err := client.Enqueue(reqCtx, ids)
					if err != nil {
						return err
					}
					result["enqueued"] = resp
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, result)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Registered %d unit(s)\n", count)
				if resp, ok := result["enqueued"].(*api.EnqueueResponse); ok {
					fmt.Fprintf(out, "Enqueued %d job(s)\n", resp.EnqueuedCount)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&input.ID, "id", "", "Unit id")
	flags.StringVar(&input.WorkID, "work-id", "", "Id of the work the unit belongs to")
	flags.StringVar(&input.WorkTitle, "work-title", "", "Title of the work")
	flags.Float64Var(&input.Number, "number", 0, "Volume, issue or chapter number")
	flags.StringVar(&input.Title, "title", "", "Unit title")
	flags.StringVar(&input.ContentType, "type", "manga", "Content type: manga, comic or book")
	flags.StringVar(&input.SourceURL, "source-url", "", "Page the unit is downloaded from")
	flags.StringVar(&input.HostHint, "host", "", "Force a host resolver")
	flags.StringSliceVar(&input.BackupURLs, "backup-url", nil, "Alternative source pages (repeatable)")
	flags.IntVar(&input.Priority, "priority", 0, "Dispatch priority 0-10")
	flags.StringVarP(&fromFile, "file", "f", "", "Read units from a JSON file")
	flags.BoolVar(&enqueue, "enqueue", false, "Enqueue the units after registering them")
	return cmd
}

// collectUnits validates the flag-built unit or reads a JSON file of units.
func collectUnits(input api.UnitInput, fromFile string) ([]api.UnitInput, error) {
	if path := strings.TrimSpace(fromFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read units file: %w", err)
		}
		var units []api.UnitInput
		if err := json.Unmarshal(data, &units); err != nil {
			return nil, fmt.Errorf("parse units file: %w", err)
		}
		if len(units) == 0 {
			return nil, fmt.Errorf("units file %s is empty", path)
		}
		if _, err := api.ToUnits(units); err != nil {
			return nil, err
		}
		return units, nil
	}
	if _, err := input.ToUnit(); err != nil {
		return nil, err
	}
	return []api.UnitInput{input}, nil
}
