package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/horde/version"
)

// VersionCmd reports build and snapshot-schema information
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show horde version information",
	Long: `Display build information for the horde binary, including the
snapshot schema it reads and writes. Snapshots written under an older
schema need a conversion pass (see "horde convert") before this binary
will account them correctly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			output, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		}

		pterm.DefaultSection.Println(info.String())

		rows := pterm.TableData{
			{"Go", info.GoVersion},
			{"Platform", info.Platform},
			{"Snapshot schema", info.SnapshotSchema},
		}
		if info.CommitHash != "" {
			rows = append(rows, []string{"Commit", info.CommitHash})
		}
		if info.BuildTime != "" {
			rows = append(rows, []string{"Built", info.BuildTime})
		}
		return pterm.DefaultTable.WithData(rows).Render()
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
