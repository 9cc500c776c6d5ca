package cli

import (
	"github.com/spf13/cobra"
)

// newRootCommand builds the command tree. Running it only fills inv and sets
// parsed; execution happens in Execute.
func newRootCommand(inv *Invocation, parsed *bool) *cobra.Command {
	root := &cobra.Command{
		Use:           "pepolar",
		Short:         "Derive missing opposite-phase-encoding fieldmaps in a BIDS dataset",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&inv.ConfigPath, "config", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&inv.Verbose, "verbose", "v", false, "debug logging")

	derive := &cobra.Command{
		Use:   "derive <bids_dir>",
		Short: "Synthesize the missing direction of every incomplete fieldmap group",
		Long: `Scans each subject/session fmap/ folder for EPI fieldmap groups. A group
holding only one of two opposite phase-encoding directions gets the other one,
built as the motion-corrected, co-registered mean of the matching functional
runs. Complete groups are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.BIDSDir = args[0]
			*parsed = true
			return nil
		},
	}
	flags := derive.Flags()
	flags.StringSliceVar(&inv.Participants, "participant-label", nil, "subjects to process (default all)")
	flags.StringSliceVar(&inv.Sessions, "session-label", nil, "sessions to process (default all)")
	flags.StringSliceVar(&inv.Tasks, "task", nil, "only use functional runs whose task label contains one of these")
	flags.BoolVar(&inv.DryRun, "dry-run", false, "plan every group and write nothing")
	flags.StringVar(&inv.IntendedFor, "intended-for", "", "IntendedFor path style: relative or uri")
	flags.StringVar(&inv.WorkDir, "work-dir", "", "intermediates directory (default <bids_dir>/derivatives/pepolar)")
	flags.StringVar(&inv.TracePath, "trace", "", "write the decision trace to this file")

	root.AddCommand(derive)
	return root
}
