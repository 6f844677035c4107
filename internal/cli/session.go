package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/vogtb/go-spreadsheet/packages/recalc"
	"github.com/vogtb/go-spreadsheet/packages/recalc/internal/telemetry"
	"github.com/vogtb/go-spreadsheet/packages/recalc/internal/workbook"
)

// session is one loaded workbook: the store, the engine evaluating it and
// optionally the telemetry provider. mu serializes passes against metric
// scrapes.
type session struct {
	mu        sync.Mutex
	path      string
	logger    *slog.Logger
	store     *recalc.MemoryStore
	engine    *recalc.Engine
	workbook  *workbook.Workbook
	telemetry *telemetry.Provider
}

// newSession prepares an empty session for path
func newSession(cmd *cobra.Command, opts *rootOptions, path string, withTelemetry bool) (*session, error) {
	config, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	s := &session{
		path:   path,
		logger: commandLogger(cmd, config),
		store:  recalc.NewMemoryStore(),
	}

	registry := recalc.NewRegistry()
	if err := recalc.RegisterBuiltins(registry); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	engineOpts := []recalc.Option{recalc.WithConfig(config)}
	if withTelemetry {
		provider, err := telemetry.New("gridcalc")
		if err != nil {
			return nil, err
		}
		s.telemetry = provider
		engineOpts = append(engineOpts,
			recalc.WithMeterProvider(provider.MeterProvider),
			recalc.WithTracerProvider(provider.TracerProvider),
		)
		provider.RegisterEngineGauges(s.stats)
	}
	s.engine = recalc.NewEngine(registry, engineOpts...)
	return s, nil
}

// context attaches the session logger to ctx
func (s *session) context(ctx context.Context) context.Context {
	return recalc.ContextWithLogger(ctx, s.logger)
}

// load reads the workbook and runs a full pass
func (s *session) load(ctx context.Context) (recalc.PassStats, error) {
	wb, err := workbook.Load(s.path)
	if err != nil {
		return recalc.PassStats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := wb.Apply(s.store, s.engine); err != nil {
		return recalc.PassStats{}, err
	}
	s.workbook = wb
	return s.engine.RecalcAll(s.context(ctx), s.store)
}

// reload rereads the workbook and brings the store up to date. changed
// cells are recalculated one at a time; a change to the named ranges
// falls back to a full pass.
func (s *session) reload(ctx context.Context) ([]recalc.PassStats, error) {
	updated, err := workbook.Load(s.path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx = s.context(ctx)

	if !workbook.NamesEqual(s.workbook, updated) {
		for name := range s.engine.Names() {
			s.engine.UndefineName(name)
		}
		for _, id := range workbook.Diff(s.workbook, updated) {
			if _, exists := updated.Raw(id); !exists {
				if err := s.store.Remove(id); err != nil {
					return nil, err
				}
			}
		}
		if err := updated.Apply(s.store, s.engine); err != nil {
			return nil, err
		}
		s.workbook = updated
		stats, err := s.engine.RecalcAll(ctx, s.store)
		return []recalc.PassStats{stats}, err
	}

	changed := workbook.Diff(s.workbook, updated)
	s.workbook = updated
	passes := make([]recalc.PassStats, 0, len(changed))
	for _, id := range changed {
		raw, _ := updated.Raw(id)
		if err := s.store.Set(id, raw); err != nil {
			return passes, err
		}
		stats, err := s.engine.RecalcFrom(ctx, id, s.store)
		passes = append(passes, stats)
		if err != nil {
			return passes, err
		}
	}
	return passes, nil
}

// stats reads the engine counters under the session lock
func (s *session) stats() recalc.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Stats()
}

// shutdown stops the telemetry provider if there is one
func (s *session) shutdown(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown failed", "error", err)
	}
}
