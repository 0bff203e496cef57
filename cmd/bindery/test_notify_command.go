package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"bindery/internal/apiclient"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(reqCtx context.Context, client *apiclient.Client) error {
				sent, message, err := client.TestNotification(reqCtx)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, map[string]any{"sent": sent, "message": message})
				}
				fmt.Fprintln(cmd.OutOrStdout(), message)
				return nil
			})
		},
	}
}
