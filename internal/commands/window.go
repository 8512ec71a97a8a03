package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NasaVasa/shardalerts/internal/app"
	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/NasaVasa/shardalerts/internal/infra/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Work with price windows",
}

var publishWindowCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one low/high price window onto the bus",
	Long: `Publish a price window for a symbol, the same message the upstream
aggregator produces. Useful to exercise alerts against a running service.
Only meaningful with BUS_DRIVER=nats since the memory bus lives inside one process.`,
	Example: `  shardalerts window publish --symbol AAPL --low 189.2 --high 191.0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, _ := cmd.Flags().GetString("symbol")
		lowRaw, _ := cmd.Flags().GetString("low")
		highRaw, _ := cmd.Flags().GetString("high")
		length, _ := cmd.Flags().GetDuration("length")
		ticks, _ := cmd.Flags().GetInt("ticks")

		low, err := decimal.NewFromString(lowRaw)
		if err != nil {
			return fmt.Errorf("invalid low %q: %w", lowRaw, err)
		}
		high, err := decimal.NewFromString(highRaw)
		if err != nil {
			return fmt.Errorf("invalid high %q: %w", highRaw, err)
		}
		if low.GreaterThan(high) {
			return fmt.Errorf("low %s is above high %s", low, high)
		}

		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger, err := log.NewLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer logger.Sync()

		bus, err := app.OpenBus(cfg, logger)
		if err != nil {
			return err
		}
		defer bus.Close()

		end := time.Now().UTC()
		window := domain.Window{
			Symbol:      strings.ToUpper(strings.TrimSpace(symbol)),
			WindowStart: end.Add(-length).UnixMilli(),
			WindowEnd:   end.UnixMilli(),
			Low:         low,
			High:        high,
			TickCount:   ticks,
		}
		data, err := json.Marshal(window)
		if err != nil {
			return err
		}
		if err := bus.Publish(cmd.Context(), domain.WindowSubject(window.Symbol), data); err != nil {
			return fmt.Errorf("failed to publish window: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s low=%s high=%s\n", domain.WindowSubject(window.Symbol), low, high)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(windowCmd)
	windowCmd.AddCommand(publishWindowCmd)

	publishWindowCmd.Flags().StringP("symbol", "s", "", "Symbol of the window")
	publishWindowCmd.Flags().String("low", "", "Lowest price in the window")
	publishWindowCmd.Flags().String("high", "", "Highest price in the window")
	publishWindowCmd.Flags().Duration("length", time.Second, "Window length ending now")
	publishWindowCmd.Flags().Int("ticks", 1, "Number of ticks aggregated")
	_ = publishWindowCmd.MarkFlagRequired("symbol")
	_ = publishWindowCmd.MarkFlagRequired("low")
	_ = publishWindowCmd.MarkFlagRequired("high")
}
