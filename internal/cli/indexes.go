package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIndexesCommand() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Idempotently create month-scoped partition indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close("coldtrail_indexes")

			start, err := a.planner.WindowForKey(from)
			if err != nil {
				return err
			}
			end, err := a.planner.WindowForKey(to)
			if err != nil {
				return err
			}
			names, err := a.planner.EnsureMonthIndexes(cmd.Context(), a.db, a.cfg.Table, start.Start, end.End)
			if err != nil {
				return err
			}
			a.log.Info("month indexes ensured", "count", len(names), "names", names)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first month key (YYYY_MM)")
	cmd.Flags().StringVar(&to, "to", defaultToMonth(), "last month key (YYYY_MM), inclusive")
	cmd.MarkFlagRequired("from")
	return cmd
}

func defaultToMonth() string {
	return fmt.Sprintf("%04d_%02d", time.Now().Year(), int(time.Now().Month()))
}
