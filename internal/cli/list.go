package cli

import (
	"github.com/spf13/cobra"

	"github.com/leca/schemhost/internal/handler"
	"github.com/leca/schemhost/internal/model"
)

// NewListCommand creates the list command.
func NewListCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schematic records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			var records []*model.Schematic
			if all {
				records, err = a.db.ListRecords(ctx)
			} else {
				records, err = a.db.ListUnexpiredRecords(ctx)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "list schematics", err)
			}

			return newFormatter(opts, cmd).Records(records)
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include expired schematics")
	return cmd
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count total, active and expired schematics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.db.ListRecords(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "list schematics", err)
			}
			return newFormatter(opts, cmd).Stats(handler.CountStats(records))
		},
	}
}
