package cli

import (
	"github.com/spf13/cobra"
)

func newGuardsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "guards",
		Short: "Install the append-only triggers on the audit table",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close("coldtrail_guards")

			if err := a.store.EnsureGuards(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("append-only guards installed", "table", a.cfg.Table)
			return nil
		},
	}
}
