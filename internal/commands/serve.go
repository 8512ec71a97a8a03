package commands

import (
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/app"
	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alert matching service",
	Long: `Start every shard with its window workers and change consumer, the outbox
relay, the reconciliation sweeper and, when TELEGRAM_BOT_TOKEN is set, the
telegram bot and trigger notifier.

Empty shard stores are hydrated from the database before consumers start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		application, err := app.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize app: %w", err)
		}
		defer application.Shutdown()

		return application.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
