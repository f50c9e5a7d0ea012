package commands

import (
	"github.com/spf13/cobra"

	"github.com/teranos/horde/config"
	"github.com/teranos/horde/errors"
	"github.com/teranos/horde/logger"
	"github.com/teranos/horde/swarm"
)

// ConvertCmd performs a one-shot snapshot conversion and exits
var ConvertCmd = &cobra.Command{
	Use:   "convert <flag>",
	Short: "Rewrite the snapshot files under a conversion flag",
	Long: `Load the snapshot files with a conversion flag applied, write them
back once, and exit.

Supported flags:
  to_tokens  - reinterpret legacy chars counters as tokens (chars / 4)
               and drop the chars keys`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flag := args[0]
		if flag != swarm.ConvertToTokens {
			err := errors.Newf("unknown conversion flag %q", flag)
			return errors.WithHint(err, "the only supported flag is to_tokens")
		}

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
			Logger:         logger.Logger.Named("swarm"),
		})
		if err := store.Load(flag); err != nil {
			return err
		}
		if err := store.Snapshot(); err != nil {
			return err
		}

		logger.Infof("Conversion '%s' complete.", flag)
		return nil
	},
}

func init() {
	ConvertCmd.Flags().String("db-dir", "", "Override the snapshot directory")
}
