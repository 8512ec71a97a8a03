package commands

import (
	"fmt"
	"io"

	"github.com/NasaVasa/shardalerts/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage price alerts",
	Long:  "Create, update, deactivate and inspect alerts in the database. Changes reach the shards through the outbox relay of a running service.",
}

var createAlertCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an alert",
	Example: `  shardalerts alert create --symbol AAPL --user u1 --condition GTE --threshold 190.5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		symbol, _ := cmd.Flags().GetString("symbol")
		user, _ := cmd.Flags().GetString("user")
		condition, _ := cmd.Flags().GetString("condition")
		threshold, err := thresholdFlag(cmd)
		if err != nil {
			return err
		}

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		alert, err := env.alerts.CreateAlert(cmd.Context(), domain.AlertRequest{
			Symbol:    symbol,
			UserID:    user,
			Threshold: threshold,
			Condition: domain.Condition(condition),
		})
		if err != nil {
			return fmt.Errorf("failed to create alert: %w", err)
		}
		printAlert(cmd.OutOrStdout(), *alert)
		return nil
	},
}

var updateAlertCmd = &cobra.Command{
	Use:   "update <alert_id>",
	Short: "Change the condition and threshold of an active alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", args[0], err)
		}
		condition, _ := cmd.Flags().GetString("condition")
		threshold, err := thresholdFlag(cmd)
		if err != nil {
			return err
		}

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		alert, err := env.alerts.UpdateAlert(cmd.Context(), id, threshold, domain.Condition(condition))
		if err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}
		printAlert(cmd.OutOrStdout(), *alert)
		return nil
	},
}

var deactivateAlertCmd = &cobra.Command{
	Use:   "deactivate <alert_id>",
	Short: "Deactivate an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", args[0], err)
		}

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		alert, err := env.alerts.DeactivateAlert(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to deactivate alert: %w", err)
		}
		printAlert(cmd.OutOrStdout(), *alert)
		return nil
	},
}

var getAlertCmd = &cobra.Command{
	Use:   "get <alert_id>",
	Short: "Show one alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid alert id %q: %w", args[0], err)
		}

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		alert, err := env.alerts.GetAlert(cmd.Context(), id)
		if err != nil {
			return err
		}
		printAlert(cmd.OutOrStdout(), *alert)
		return nil
	},
}

var listAlertsCmd = &cobra.Command{
	Use:   "list",
	Short: "List the alerts of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		alerts, err := env.alerts.ListAlerts(cmd.Context(), user)
		if err != nil {
			return err
		}
		for _, alert := range alerts {
			printAlert(cmd.OutOrStdout(), alert)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d alerts\n", len(alerts))
		return nil
	},
}

func thresholdFlag(cmd *cobra.Command) (decimal.Decimal, error) {
	raw, _ := cmd.Flags().GetString("threshold")
	threshold, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid threshold %q: %w", raw, err)
	}
	return threshold, nil
}

func printAlert(out io.Writer, alert domain.Alert) {
	status := "inactive"
	if alert.Active {
		status = "active"
	}
	fmt.Fprintf(out, "%s %-8s %-6s %-4s %-12s user=%s version=%d\n",
		alert.ID, status, alert.Symbol, alert.Condition, alert.Threshold.String(), alert.UserID, alert.Version)
}

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(createAlertCmd, updateAlertCmd, deactivateAlertCmd, getAlertCmd, listAlertsCmd)

	createAlertCmd.Flags().StringP("symbol", "s", "", "Symbol to watch")
	createAlertCmd.Flags().StringP("user", "u", "", "Owner of the alert")
	createAlertCmd.Flags().StringP("condition", "c", "GTE", "GT, GTE, LT, LTE or EQ")
	createAlertCmd.Flags().StringP("threshold", "t", "", "Threshold price")
	_ = createAlertCmd.MarkFlagRequired("symbol")
	_ = createAlertCmd.MarkFlagRequired("user")
	_ = createAlertCmd.MarkFlagRequired("threshold")

	updateAlertCmd.Flags().StringP("condition", "c", "GTE", "GT, GTE, LT, LTE or EQ")
	updateAlertCmd.Flags().StringP("threshold", "t", "", "Threshold price")
	_ = updateAlertCmd.MarkFlagRequired("threshold")

	listAlertsCmd.Flags().StringP("user", "u", "", "Owner of the alerts")
	_ = listAlertsCmd.MarkFlagRequired("user")
}
