package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List triggered alerts of a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")

		env, err := openAlertEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.close()

		records, err := env.triggers.ListHistory(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-20s %-6s %-4s %-12s %-12s %s\n", "Triggered", "Symbol", "Cond", "Threshold", "Price", "Alert")
		for _, record := range records {
			fmt.Fprintf(out, "%-20s %-6s %-4s %-12s %-12s %s\n",
				record.TriggeredAt.Format("2006-01-02 15:04:05"),
				record.Symbol,
				record.Alert.Condition,
				record.Alert.Threshold.String(),
				record.TriggeredPrice.String(),
				record.AlertID,
			)
		}
		fmt.Fprintf(out, "\nTotal: %d triggers\n", len(records))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringP("user", "u", "", "Owner of the alerts")
	_ = historyCmd.MarkFlagRequired("user")
}
