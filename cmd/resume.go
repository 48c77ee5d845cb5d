package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/saltflake/modfetch/internal/output"
	"github.com/saltflake/modfetch/internal/recovery"
	"github.com/saltflake/modfetch/internal/store"
	"github.com/saltflake/modfetch/internal/utils"
)

func newResumeCmd() *cobra.Command {
	var verifyOnDisk bool
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume interrupted downloads from the state file",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			utils.InitLogger(debug)
			manager := recovery.New(store.New(stateFile))
			manager.VerifyOnDisk = verifyOnDisk
			result, err := manager.Reconcile()
			if err != nil {
				output.PrintError("Failed to reconcile state file: " + err.Error())
				os.Exit(1)
			}
			for _, removal := range result.Removed {
				output.PrintWarning(fmt.Sprintf("Removed %s (%s)", removal.LocalPath, removal.Reason))
			}
			if len(result.Resumable) == 0 {
				output.PrintInfo("Nothing to resume")
				return
			}
			output.PrintHeader(fmt.Sprintf("Resuming %d download(s)", len(result.Resumable)))
			eng, err := newEngine()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if err := eng.Start(); err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			display := output.NewDisplay()
			display.Start()
			if err := eng.Restore(result.Resumable); err != nil {
				output.PrintError("Failed to restore downloads: " + err.Error())
				os.Exit(1)
			}
			remaining := 0
			for _, rec := range result.Resumable {
				display.Track(rec.ID, rec.LocalPath)
				if err := eng.Resume(rec.ID); err != nil {
					output.PrintError(fmt.Sprintf("Cannot resume %s: %v", rec.LocalPath, err))
					continue
				}
				remaining++
			}
			if remaining == 0 {
				eng.Stop()
				display.Stop()
				os.Exit(1)
			}
			if err := waitForDownloads(eng, display, remaining); err != nil {
				fmt.Println()
				output.PrintError("Encountered failed operation(s)")
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&verifyOnDisk, "verify-on-disk", false, "Re-stat partial files and clamp recorded progress to actual file sizes")
	return cmd
}
