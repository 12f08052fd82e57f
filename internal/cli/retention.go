package cli

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newRetentionCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Evaluate retention policy and purge verified partitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close("coldtrail_retention")

			enf, err := a.newEnforcer()
			if err != nil {
				return err
			}
			result, enforceErr := enf.Enforce(cmd.Context(), dryRun)
			if result != nil {
				if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
					return err
				}
			}
			return enforceErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", true, "report the plan without deleting rows")
	return cmd
}
