package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/horde/config"
	"github.com/teranos/horde/swarm"
)

// StatusCmd summarizes the current snapshot files
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the current snapshot files",
	Long: `Load the snapshot files read-only and print worker, lifetime
production and throughput totals. Queue totals are not printed: live
in-memory queue state belongs to a running coordinator and is not
visible here.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if dbDir, _ := cmd.Flags().GetString("db-dir"); dbDir != "" {
			cfg.DB.Dir = dbDir
		}

		store := swarm.NewStore(swarm.Options{
			Dir:            cfg.DB.Dir,
			AllowAnonymous: true,
		})
		if err := store.Load(""); err != nil {
			return err
		}

		totals := store.TotalUsage()
		models := store.AvailableModels()

		pterm.DefaultSection.Println("Horde snapshot summary")

		rows := pterm.TableData{
			{"Metric", "Value"},
			{"Active workers", fmt.Sprintf("%d", store.CountActiveWorkers())},
			{"Lifetime tokens", fmt.Sprintf("%d", totals.Tokens)},
			{"Lifetime fulfilments", fmt.Sprintf("%d", totals.Fulfilments)},
			{"Kilotokens last minute", fmt.Sprintf("%.2f", store.KilotokensPerMin())},
		}
		if top := store.TopContributor(); top != nil {
			rows = append(rows, []string{"Top contributor", top.UniqueAlias()})
		}
		if top := store.TopWorker(); top != nil {
			rows = append(rows, []string{"Top worker", top.Name})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}

		if len(models) > 0 {
			pterm.DefaultSection.Println("Available models")
			modelRows := pterm.TableData{{"Model", "Workers"}}
			for model, count := range models {
				modelRows = append(modelRows, []string{model, fmt.Sprintf("%d", count)})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(modelRows).Render(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	StatusCmd.Flags().String("db-dir", "", "Override the snapshot directory")
}
