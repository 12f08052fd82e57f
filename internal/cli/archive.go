package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newArchiveCommand() *cobra.Command {
	var (
		month  string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive one month of audit events into durable artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close("coldtrail_archive")

			arch, err := a.newArchiver()
			if err != nil {
				return err
			}
			result, err := arch.ArchiveMonth(cmd.Context(), month, dryRun)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(result)
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "month key to archive (YYYY_MM)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count rows and emit a placeholder manifest only")
	cmd.MarkFlagRequired("month")
	return cmd
}
