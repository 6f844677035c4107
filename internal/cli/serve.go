package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/recalc/internal/telemetry"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <workbook>",
		Short: "Evaluate a workbook and serve engine metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, opts, args[0], true)
			if err != nil {
				return err
			}
			defer s.shutdown(context.Background())

			stats, err := s.load(cmd.Context())
			if err != nil {
				return err
			}
			s.logger.Info("workbook evaluated",
				"cells", s.store.Len(),
				"recomputed", stats.Recomputed,
				"errors", stats.Errors)

			s.logger.Info("serving metrics", "addr", addr)
			return telemetry.Serve(cmd.Context(), addr, s.telemetry.Handler())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9464", "listen address for /metrics")
	return cmd
}
