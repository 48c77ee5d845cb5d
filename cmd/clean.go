package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saltflake/modfetch/internal/output"
	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

func newCleanCmd() *cobra.Command {
	var keepPartials bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the state file and unfinished partial downloads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			st := store.New(stateFile)
			records, err := st.Load()
			if err != nil {
				output.PrintError("Failed to read state file: " + err.Error())
				os.Exit(1)
			}
			removed := 0
			if !keepPartials {
				for _, rec := range records {
					if rec.State == store.StateFinished || rec.LocalPath == "" {
						continue
					}
					if err := os.Remove(rec.LocalPath); err == nil {
						output.PrintDetail("Removed " + rec.LocalPath)
						removed++
					} else if !os.IsNotExist(err) {
						output.PrintWarning(fmt.Sprintf("Could not remove %s: %v", rec.LocalPath, err))
					}
				}
			}
			if err := os.Remove(stateFile); err != nil && !os.IsNotExist(err) {
				output.PrintError("Failed to remove state file: " + err.Error())
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Cleaned state file and %d partial file(s)", removed))
		},
	}
	cmd.Flags().BoolVar(&keepPartials, "keep-partials", false, "Only remove the state file, keep partial downloads on disk")
	return cmd
}
