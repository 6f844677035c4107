package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vogtb/go-spreadsheet/packages/recalc/internal/telemetry"
)

// editors often write a file in several steps
const reloadDelay = 100 * time.Millisecond

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch <workbook>",
		Short: "Recalculate a workbook whenever the file changes",
		Long: `Evaluate a workbook, then watch the file. Each save recalculates only
the cells that changed and the cells depending on them. A change to the
named ranges triggers a full recalculation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			s, err := newSession(cmd, opts, path, metricsAddr != "")
			if err != nil {
				return err
			}
			defer s.shutdown(context.Background())

			if _, err := s.load(cmd.Context()); err != nil {
				return err
			}
			if err := printCells(cmd.OutOrStdout(), s.store, s.engine, false); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return watchFile(ctx, s, cmd)
			})
			if metricsAddr != "" {
				g.Go(func() error {
					s.logger.Info("serving metrics", "addr", metricsAddr)
					return telemetry.Serve(ctx, metricsAddr, s.telemetry.Handler())
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// watchFile reloads the session on every change of its file until ctx is
// done. the directory is watched so that atomic renames are seen.
func watchFile(ctx context.Context, s *session, cmd *cobra.Command) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	s.logger.Info("watching workbook", "path", s.path)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			passes, err := s.reload(ctx)
			if err != nil {
				// a half written file is common; wait for the next save
				s.logger.Warn("reload failed", "error", err)
				continue
			}
			recomputed := 0
			for _, pass := range passes {
				recomputed += pass.Recomputed
			}
			s.logger.Info("workbook recalculated", "passes", len(passes), "recomputed", recomputed)
			s.mu.Lock()
			err = printCells(cmd.OutOrStdout(), s.store, s.engine, false)
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
}
