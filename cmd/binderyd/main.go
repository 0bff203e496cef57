package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"bindery/internal/config"
	"bindery/internal/daemonrun"
)

func main() {
	var configPath string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "binderyd",
		Short:         "Run the bindery daemon in the foreground",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		log.Fatalf("binderyd: %v", err)
	}
}
