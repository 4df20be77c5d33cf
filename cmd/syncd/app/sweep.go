package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/logger"
)

func newSweepCmd(opts *options) *cobra.Command {
	var (
		grace time.Duration
		decay bool
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete unreferenced assets and decay cache counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cfg, log, err := bootstrap(ctxOrBackground(cmd.Context()), opts, "sweep")
			if err != nil {
				return err
			}
			eng, err := newEngine(ctx, cfg, log, false)
			if err != nil {
				return err
			}
			defer eng.close(context.Background())

			res, err := eng.assets.SweepOrphans(ctx, grace)
			if err != nil {
				return err
			}
			log.WithFields(logger.Fields{
				"scanned":         res.Scanned,
				"deleted_rows":    res.DeletedRows,
				"deleted_objects": res.DeletedObjects,
				"failed":          res.Failed,
			}).Info("Orphan sweep finished")

			out := map[string]interface{}{"sweep": res}
			if decay {
				dr, err := eng.cache.Decay(ctx)
				if err != nil {
					return err
				}
				out["decay"] = dr
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 0, "Minimum orphan age (default from config)")
	cmd.Flags().BoolVar(&decay, "decay", false, "Also decay cache hit counters")
	return cmd
}
