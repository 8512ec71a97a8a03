package commands

import (
	"fmt"
	"strings"

	"github.com/NasaVasa/shardalerts/internal/config"
	"github.com/NasaVasa/shardalerts/internal/sharding"
	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Show which shard owns each symbol",
	Long:  "Print the symbol to shard assignment computed from SYMBOLS, SHARDS and VIRTUAL_NODES_PER_SHARD.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ring := sharding.NewRing(cfg.VirtualNodesPerShard, nil)
		assignments := ring.Assign(cfg.Symbols, cfg.ShardNames())

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-12s %-6s %s\n", "Shard", "Count", "Symbols")
		fmt.Fprintln(out, strings.Repeat("-", 50))
		for _, name := range cfg.ShardNames() {
			symbols := assignments[name]
			fmt.Fprintf(out, "%-12s %-6d %s\n", name, len(symbols), strings.Join(symbols, ","))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assignCmd)
}
