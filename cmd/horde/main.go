package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/horde/cmd/horde/commands"
	"github.com/teranos/horde/logger"
)

var rootCmd = &cobra.Command{
	Use:   "horde",
	Short: "Horde - volunteer text-generation coordination core",
	Long: `Horde - coordination core for a volunteer text-generation swarm.

The coordinator matches submitted prompts to remote inference workers,
keeps the kudos ledger that drives queue priority, tracks throughput for
wait-time estimation, and snapshots its state to JSON on a timer.

Available commands:
  serve    - Run the coordinator (snapshot loop, reaper, metrics)
  convert  - One-shot chars -> tokens snapshot rewrite
  status   - Summarize the current snapshot files
  version  - Show version information

Examples:
  horde serve                  # Run with horde.toml / defaults
  horde serve --db-dir ./db    # Override the snapshot directory
  horde convert to_tokens      # Rewrite legacy chars snapshots
  horde status                 # Show worker and throughput totals`,
}

func init() {
	cobra.OnInitialize(func() {
		if err := logger.Initialize(false); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to initialize logger: %v\n", err)
		}
	})

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConvertCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
