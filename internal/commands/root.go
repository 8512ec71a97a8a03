package commands

import (
	"context"
	"fmt"

	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/infra/db"
	"github.com/NasaVasa/shardalerts/internal/infra/log"
	"github.com/NasaVasa/shardalerts/internal/usecase"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "shardalerts",
	Short: "Sharded price alert matching service",
	Long: `Price alerts matched against aggregated low/high windows.

Symbols are spread over shards with a consistent hash ring. Each shard keeps
its alerts in an in-memory range index backed by a local store, and receives
alert changes from the database outbox through the message bus.`,
	SilenceUsage: true,
}

// Execute runs the command tree with ctx as the root context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// alertEnv bundles what the alert management commands need from the
// authoritative store.
type alertEnv struct {
	alerts   *usecase.AlertUsecase
	triggers *usecase.TriggerHandler
	logger   *zap.Logger
	close    func()
}

func openAlertEnv(ctx context.Context) (*alertEnv, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := log.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	conn, err := db.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	alerts := usecase.NewAlertUsecase(db.NewAlertRepository(conn, logger), cfg.Symbols, logger)
	return &alertEnv{
		alerts:   alerts,
		triggers: usecase.NewTriggerHandler(db.NewTriggerHistoryRepository(conn), alerts, logger),
		logger:   logger,
		close: func() {
			if err := db.Close(conn); err != nil {
				logger.Warn("failed to close database", zap.Error(err))
			}
			_ = logger.Sync()
		},
	}, nil
}
