package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/leca/schemhost/internal/pruner"
)

// NewPruneCommand creates the prune command, a single sweep for use from
// an external scheduler.
func NewPruneCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Expire schematics not accessed within the prune interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			age := a.cfg.PruneInterval()
			if olderThan > 0 {
				age = olderThan
			}

			p := pruner.New(a.db, a.store, age, a.cfg.PruneInterval(), nil, a.logger)
			res, sweepErr := p.SweepOlderThan(ctx, age)

			out := newFormatter(opts, cmd)
			if err := out.PruneResult(res); err != nil {
				return err
			}
			if sweepErr != nil {
				return WrapExitError(ExitFailure, "sweep", sweepErr)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "override the configured prune age (e.g. 72h)")
	return cmd
}
