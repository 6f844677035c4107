package recalc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// EngineState is the phase of the recalculation state machine
type EngineState int

const (
	StateIdle EngineState = iota
	StateDirty
	StateOrdering
	StateEvaluating
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDirty:
		return "Dirty"
	case StateOrdering:
		return "Ordering"
	case StateEvaluating:
		return "Evaluating"
	default:
		return fmt.Sprintf("EngineState(%d)", int(s))
	}
}

// PassKind tells a full pass from an incremental one
type PassKind int

const (
	PassRecalcAll PassKind = iota
	PassRecalcFrom
)

func (k PassKind) String() string {
	if k == PassRecalcFrom {
		return "RecalcFrom"
	}
	return "RecalcAll"
}

// PassStats describes a single recalculation pass
type PassStats struct {
	ID          string
	Kind        PassKind
	Seed        CellID // empty for RecalcAll
	Evaluated   int    // formula cells visited in order
	Recomputed  int    // cache misses plus volatile evaluations
	CacheHits   int
	CacheMisses int
	Errors      int // cells left holding an error value
	Cycles      int // rejected circular references
	Completed   bool
	Duration    time.Duration
}

// Stats are cumulative counters over the life of an engine
type Stats struct {
	Passes       uint64
	CacheHits    uint64
	CacheMisses  uint64
	Recomputed   uint64
	Formulas     int
	Nodes        int
	Edges        int
	CacheEntries int
}

// YieldFunc is called between evaluation chunks with the number of cells
// done so far. a non-nil error stops the pass.
type YieldFunc func(ctx context.Context, done, total int) error

// Option configures an Engine
type Option func(*Engine)

// WithConfig sets the engine configuration
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithLogger sets the logger of the engine. without one the logger of the
// pass context is used.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithYield installs a hook run between evaluation chunks
func WithYield(yield YieldFunc) Option {
	return func(e *Engine) {
		e.yield = yield
	}
}

// WithMeterProvider sets the meter provider for engine metrics
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) {
		e.meterProvider = mp
	}
}

// WithTracerProvider sets the tracer provider for pass spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		e.tracerProvider = tp
	}
}

// Engine recalculates the formula cells of a DataStore. it owns the
// dependency graph, the parsed formulas and the result cache; the store
// owns the cells. an Engine is not safe for concurrent use.
type Engine struct {
	config    Config
	logger    *slog.Logger
	yield     YieldFunc
	registry  *Registry
	evaluator *Evaluator
	bounds    *ParserContext

	graph    *DependencyGraph
	formulas *FormulaTable
	names    *NamedRangeTable
	cache    *ResultCache

	// pending holds cycle members waiting for a reparse, renamed the users
	// of a redefined name. cyclic is the set currently showing #CYCLE!.
	// dirty holds cells a cancelled pass did not reach.
	pending map[CellID]struct{}
	renamed map[CellID]struct{}
	cyclic  map[CellID]struct{}
	dirty   map[CellID]struct{}

	state   EngineState
	running bool
	order   []CellID
	stats   Stats

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metrics        *engineMetrics
}

// NewEngine creates an engine evaluating functions from registry
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		config:   DefaultConfig(),
		registry: registry,
		graph:    NewDependencyGraph(),
		formulas: NewFormulaTable(),
		names:    NewNamedRangeTable(),
		cache:    NewResultCache(),
		pending:  make(map[CellID]struct{}),
		renamed:  make(map[CellID]struct{}),
		cyclic:   make(map[CellID]struct{}),
		dirty:    make(map[CellID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.config.ChunkSize <= 0 {
		e.config.ChunkSize = DefaultConfig().ChunkSize
	}
	e.evaluator = NewEvaluator(e.registry)
	e.bounds = e.config.ParserContext()
	e.bounds.ResolveName = e.names.Resolve

	metrics, err := newEngineMetrics(e.meterProvider, e.tracerProvider)
	if err != nil {
		e.log(context.Background()).Warn("engine metrics disabled", "error", err)
		metrics, _ = newEngineMetrics(noop.NewMeterProvider(), e.tracerProvider)
	}
	e.metrics = metrics
	return e
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return LoggerFrom(ctx)
}

// State returns the current phase of the engine
func (e *Engine) State() EngineState {
	return e.state
}

// Registry returns the function registry of the engine
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Config returns the configuration the engine runs with
func (e *Engine) Config() Config {
	return e.config
}

// begin guards against a pass starting while another is running, which
// can only happen from inside the yield hook
func (e *Engine) begin(store DataStore) error {
	if store == nil {
		return NewApplicationError(InvalidArgument, "store must not be nil")
	}
	if e.running {
		return NewApplicationError(FailedPrecondition, "a recalculation pass is already running")
	}
	e.running = true
	e.state = StateDirty
	return nil
}

// RecalcAll reparses every formula cell of the store, rebuilds the
// dependency graph and evaluates all formula cells in topological order.
// results for unchanged inputs come from the cache.
func (e *Engine) RecalcAll(ctx context.Context, store DataStore) (PassStats, error) {
	if err := e.begin(store); err != nil {
		return PassStats{}, err
	}
	stats := PassStats{ID: uuid.NewString(), Kind: PassRecalcAll}
	ctx, span := e.metrics.startPassSpan(ctx, stats.Kind, stats.ID)
	defer span.End()

	start := time.Now()
	logger := e.log(ctx).With("pass", stats.ID)
	logger.Debug("recalc all started")

	err := e.recalcAll(ctx, store, logger, &stats)
	return e.finish(ctx, span, logger, stats, start, err)
}

func (e *Engine) recalcAll(ctx context.Context, store DataStore, logger *slog.Logger, stats *PassStats) error {
	var records []CellRecord
	present := make(map[CellID]struct{})
	for record := range store.Cells() {
		if record.IsFormula() {
			records = append(records, record)
			present[record.ID] = struct{}{}
		}
	}

	// cells that stopped being formulas
	for _, cell := range e.formulas.Cells() {
		if _, ok := present[cell]; !ok {
			e.dropFormula(cell)
		}
	}

	e.graph.ResetEdges()
	clear(e.pending)
	clear(e.renamed)
	clear(e.cyclic)
	clear(e.dirty)

	failures := make(map[CellID]*SpreadsheetError)
	for _, record := range records {
		e.install(store, record.ID, record.RawText, failures, logger, stats)
	}

	if err := e.commitFailures(store, failures, false, stats); err != nil {
		return err
	}

	e.state = StateOrdering
	var installed []CellID
	for _, record := range records {
		if e.graph.IsInstalled(record.ID) {
			installed = append(installed, record.ID)
		}
	}
	order := e.graph.OrderWithin(installed)
	e.order = order

	return e.evaluate(ctx, store, order, stats)
}

// RecalcFrom brings the store up to date after cell changed. the seed is
// refreshed from its raw text, users of redefined names and the cycle
// members the edit may have repaired are retried, and only the seed, the
// retried cells and everything depending on them is evaluated.
func (e *Engine) RecalcFrom(ctx context.Context, cell CellID, store DataStore) (PassStats, error) {
	seed, err := ParseCellID(string(cell))
	if err != nil {
		return PassStats{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid cell id %q: %v", cell, err))
	}
	if err := e.begin(store); err != nil {
		return PassStats{}, err
	}
	stats := PassStats{ID: uuid.NewString(), Kind: PassRecalcFrom, Seed: seed}
	ctx, span := e.metrics.startPassSpan(ctx, stats.Kind, stats.ID)
	defer span.End()

	start := time.Now()
	logger := e.log(ctx).With("pass", stats.ID, "seed", seed)
	logger.Debug("recalc from started")

	err = e.recalcFrom(ctx, seed, store, logger, &stats)
	return e.finish(ctx, span, logger, stats, start, err)
}

func (e *Engine) recalcFrom(ctx context.Context, seed CellID, store DataStore, logger *slog.Logger, stats *PassStats) error {
	failures := make(map[CellID]*SpreadsheetError)
	var retried []CellID

	record, exists := store.Get(seed)
	switch {
	case exists && record.IsFormula():
		f, known := e.formulas.Get(seed)
		_, pending := e.pending[seed]
		_, renamed := e.renamed[seed]
		if !known || f.Text != record.RawText || pending || renamed || !e.graph.IsInstalled(seed) {
			delete(e.pending, seed)
			delete(e.renamed, seed)
			e.install(store, seed, record.RawText, failures, logger, stats)
			retried = append(retried, seed)
		}
	default:
		if _, known := e.formulas.Get(seed); known {
			e.dropFormula(seed)
		}
		value := Primitive(nil)
		if exists {
			value = recordValue(record)
		}
		e.cache.Observe(seed, value)
	}

	retried = append(retried, e.retryWaiting(store, seed, failures, logger, stats)...)

	// a cell may be installed by a retry and knocked out again by a later
	// cycle, so the graph has the final word
	for cell := range failures {
		if e.graph.IsInstalled(cell) {
			delete(failures, cell)
		}
	}

	// cells already showing #CYCLE! need no new write
	changed := make(map[CellID]*SpreadsheetError, len(failures))
	for cell, cellErr := range failures {
		if _, shown := e.cyclic[cell]; shown && cellErr.ErrorCode == ErrorCodeCycle {
			continue
		}
		changed[cell] = cellErr
	}
	if err := e.commitFailures(store, changed, true, stats); err != nil {
		return err
	}

	e.state = StateOrdering
	roots := []CellID{seed}
	for _, cell := range retried {
		if e.graph.IsInstalled(cell) {
			roots = append(roots, cell)
		}
	}
	for cell := range changed {
		roots = append(roots, cell)
	}
	for cell := range e.dirty {
		roots = append(roots, cell)
	}
	clear(e.dirty)

	affected := make(map[CellID]struct{})
	for _, root := range roots {
		affected[root] = struct{}{}
		for _, cell := range e.graph.AffectedClosure(root) {
			affected[cell] = struct{}{}
		}
	}
	set := make([]CellID, 0, len(affected))
	for cell := range affected {
		if e.graph.IsInstalled(cell) {
			set = append(set, cell)
		}
	}
	order := e.graph.OrderWithin(set)
	e.order = order

	return e.evaluate(ctx, store, order, stats)
}

// retryWaiting reinstalls the users of a redefined name, and the cycle
// members reading the seed or a cell reached from it. other cycle members
// cannot have been repaired by the edit and are left alone.
func (e *Engine) retryWaiting(store DataStore, seed CellID, failures map[CellID]*SpreadsheetError, logger *slog.Logger, stats *PassStats) []CellID {
	waiting := make([]CellID, 0, len(e.pending)+len(e.renamed))
	for cell := range e.pending {
		if _, renamed := e.renamed[cell]; !renamed {
			waiting = append(waiting, cell)
		}
	}
	for cell := range e.renamed {
		waiting = append(waiting, cell)
	}
	sortRowMajor(waiting)

	touched := map[CellID]struct{}{seed: {}}
	touch := func(cell CellID) {
		touched[cell] = struct{}{}
		for _, dependent := range e.graph.AffectedClosure(cell) {
			touched[dependent] = struct{}{}
		}
	}
	touch(seed)

	reads := func(cell CellID) bool {
		f, known := e.formulas.Get(cell)
		if !known {
			return false
		}
		for _, ref := range f.References {
			if _, ok := touched[ref]; ok {
				return true
			}
		}
		return false
	}

	var retried []CellID
	done := make(map[CellID]struct{}, len(waiting))
	for progress := true; progress; {
		progress = false
		for _, cell := range waiting {
			if _, ok := done[cell]; ok {
				continue
			}
			// knocked out by a cycle found earlier in this pass
			if _, failed := failures[cell]; failed {
				done[cell] = struct{}{}
				continue
			}
			_, renamed := e.renamed[cell]
			if !renamed && !reads(cell) {
				continue
			}
			done[cell] = struct{}{}
			progress = true

			record, exists := store.Get(cell)
			if !exists || !record.IsFormula() {
				e.dropFormula(cell)
				continue
			}
			delete(e.pending, cell)
			delete(e.renamed, cell)
			e.install(store, cell, record.RawText, failures, logger, stats)
			retried = append(retried, cell)
			if e.graph.IsInstalled(cell) {
				touch(cell)
			}
		}
	}
	return retried
}

// finish closes a pass: counters, telemetry and the final log line
func (e *Engine) finish(ctx context.Context, span trace.Span, logger *slog.Logger, stats PassStats, start time.Time, err error) (PassStats, error) {
	stats.Duration = time.Since(start)
	stats.Completed = err == nil

	e.running = false
	e.state = StateIdle
	e.stats.Passes++
	e.stats.CacheHits += uint64(stats.CacheHits)
	e.stats.CacheMisses += uint64(stats.CacheMisses)
	e.stats.Recomputed += uint64(stats.Recomputed)
	e.metrics.recordPass(ctx, span, stats, err)

	if err != nil {
		logger.Warn("recalc interrupted",
			"kind", stats.Kind.String(),
			"evaluated", stats.Evaluated,
			"error", err)
		return stats, err
	}
	logger.Debug("recalc finished",
		"kind", stats.Kind.String(),
		"evaluated", stats.Evaluated,
		"recomputed", stats.Recomputed,
		"hits", stats.CacheHits,
		"misses", stats.CacheMisses,
		"errors", stats.Errors,
		"duration", stats.Duration)
	return stats, nil
}

// compile parses raw formula text and marks it volatile if it calls a
// volatile function
func (e *Engine) compile(raw string) *Formula {
	f, err := Parse(raw, e.bounds)
	if err != nil {
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			parseErr = newParseError(0, "%v", err)
		}
		return &Formula{Text: raw, Err: parseErr}
	}
	for _, name := range f.Functions {
		if e.registry.IsVolatile(name) {
			f.Volatile = true
			break
		}
	}
	return f
}

// setFormula stores f for cell and moves the name reference counts from
// the old formula to the new one
func (e *Engine) setFormula(cell CellID, f *Formula) {
	for _, name := range e.formulas.Remove(cell) {
		e.names.RemoveReference(name)
	}
	e.formulas.Set(cell, f)
	for _, name := range f.Names {
		e.names.AddReference(name)
	}
}

// dropFormula forgets everything the engine knows about a formula cell
func (e *Engine) dropFormula(cell CellID) {
	for _, name := range e.formulas.Remove(cell) {
		e.names.RemoveReference(name)
	}
	e.graph.RemoveEdges(cell)
	e.cache.Invalidate(cell)
	delete(e.pending, cell)
	delete(e.renamed, cell)
	delete(e.cyclic, cell)
	delete(e.dirty, cell)
}

// install compiles the formula of cell and installs its edges, observing
// the literal cells it reads. cells that cannot be installed end up in
// failures with the error they show: the parse error, or #CYCLE! for the
// cell and every cell on the cycle.
func (e *Engine) install(store DataStore, cell CellID, raw string, failures map[CellID]*SpreadsheetError, logger *slog.Logger, stats *PassStats) {
	f := e.compile(raw)
	e.setFormula(cell, f)
	if f.Err != nil {
		e.graph.RemoveEdges(cell)
		failures[cell] = f.Err.CellError()
		return
	}

	err := e.graph.SetEdges(cell, f.References)
	if err == nil {
		delete(failures, cell)
		e.observeInputs(store, f.References)
		return
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		failures[cell] = NewSpreadsheetError(ErrorCodeRef, err.Error())
		return
	}
	stats.Cycles++
	logger.Warn("circular reference rejected", "cell", cell, "cycle", cycleErr.Error())

	members := append([]CellID{cell}, cycleErr.Path...)
	for _, member := range members {
		e.graph.RemoveEdges(member)
		failures[member] = NewSpreadsheetError(ErrorCodeCycle, "circular reference")
		e.pending[member] = struct{}{}
	}
}

// observeInputs records the current value of every literal cell in refs.
// formula cells are observed when their result is committed.
func (e *Engine) observeInputs(store DataStore, refs []CellID) {
	for _, ref := range refs {
		value := Primitive(nil)
		if record, exists := store.Get(ref); exists {
			if record.IsFormula() {
				continue
			}
			value = recordValue(record)
		}
		e.cache.Observe(ref, value)
	}
}

// commitFailures writes the error of every failed cell, in row-major order
func (e *Engine) commitFailures(store DataStore, failures map[CellID]*SpreadsheetError, incremental bool, stats *PassStats) error {
	cells := make([]CellID, 0, len(failures))
	for cell := range failures {
		cells = append(cells, cell)
	}
	sortRowMajor(cells)

	for _, cell := range cells {
		cellErr := failures[cell]
		if cellErr.ErrorCode == ErrorCodeCycle {
			e.cyclic[cell] = struct{}{}
		} else {
			delete(e.cyclic, cell)
		}
		e.cache.Invalidate(cell)
		if err := e.commit(store, cell, cellErr); err != nil {
			return err
		}
		stats.Errors++
	}

	if incremental {
		// cells that left the cycle set through a successful reinstall
		for cell := range e.cyclic {
			if e.graph.IsInstalled(cell) {
				delete(e.cyclic, cell)
			}
		}
	}
	return nil
}

// commit writes a value back to the store and records it with the cache
func (e *Engine) commit(store DataStore, cell CellID, value Primitive) error {
	var code *ErrorCode
	if cellErr := checkForError(value); cellErr != nil {
		c := cellErr.ErrorCode
		code = &c
	}
	if err := store.SetComputed(cell, value, FormatValue(value), code); err != nil {
		return fmt.Errorf("commit %s: %w", cell, err)
	}
	e.cache.Observe(cell, value)
	return nil
}

// evaluate runs order in chunks, checking for cancellation and calling the
// yield hook between chunks. cells not reached are remembered as dirty.
func (e *Engine) evaluate(ctx context.Context, store DataStore, order []CellID, stats *PassStats) error {
	e.state = StateEvaluating
	size := e.config.ChunkSize

	for start := 0; start < len(order); start += size {
		if err := ctx.Err(); err != nil {
			e.markDirty(order[start:])
			return fmt.Errorf("recalc stopped after %d of %d cells: %w", start, len(order), err)
		}

		end := min(start+size, len(order))
		for i, cell := range order[start:end] {
			if err := e.evaluateCell(ctx, store, cell, stats); err != nil {
				e.markDirty(order[start+i:])
				return err
			}
		}

		if e.yield != nil && end < len(order) {
			if err := e.yield(ctx, end, len(order)); err != nil {
				e.markDirty(order[end:])
				return fmt.Errorf("recalc stopped after %d of %d cells: %w", end, len(order), err)
			}
		}
	}
	return nil
}

func (e *Engine) markDirty(cells []CellID) {
	for _, cell := range cells {
		e.dirty[cell] = struct{}{}
	}
}

// evaluateCell computes one formula cell, through the cache unless it is
// volatile, and commits the result
func (e *Engine) evaluateCell(ctx context.Context, store DataStore, cell CellID, stats *PassStats) error {
	f, exists := e.formulas.Get(cell)
	if !exists {
		return nil
	}
	stats.Evaluated++

	compute := func() Primitive {
		return e.evaluator.Evaluate(f, NewEvalContext(ctx, cell, store, e.bounds))
	}

	var value Primitive
	if f.Volatile {
		value = compute()
		stats.Recomputed++
	} else {
		fingerprint := e.cache.Fingerprint(cell, f.Key(), f.References)
		var hit bool
		value, hit = e.cache.GetOrCompute(cell, fingerprint, compute)
		if hit {
			stats.CacheHits++
		} else {
			stats.CacheMisses++
			stats.Recomputed++
		}
	}

	if checkForError(value) != nil {
		stats.Errors++
	}
	return e.commit(store, cell, value)
}

// DefineName binds a name to a cell or range reference. formulas using
// the name pick up the new address on the next pass.
func (e *Engine) DefineName(name, ref string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	address, err := ParseRangeRef(ref)
	if err != nil {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid reference %q for name %s: %v", ref, name, err))
	}
	if err := e.names.Define(name, address); err != nil {
		return err
	}
	e.markNameUsers(name)
	return nil
}

// UndefineName removes a name. formulas still using it evaluate to #NAME?
// after the next pass.
func (e *Engine) UndefineName(name string) bool {
	if !e.names.Undefine(name) {
		return false
	}
	e.markNameUsers(name)
	return true
}

func (e *Engine) markNameUsers(name string) {
	for _, cell := range e.formulas.CellsUsingName(name) {
		e.renamed[cell] = struct{}{}
	}
}

// Names returns the defined names and their addresses
func (e *Engine) Names() map[string]RangeAddress {
	return e.names.Defined()
}

// Formula returns the parsed formula of a cell
func (e *Engine) Formula(cell CellID) (*Formula, bool) {
	return e.formulas.Get(cell)
}

// CalculationOrder returns the evaluation order of the last pass
func (e *Engine) CalculationOrder() []CellID {
	return append([]CellID(nil), e.order...)
}

// Dependents returns the cells that read cell directly
func (e *Engine) Dependents(cell CellID) []CellID {
	return e.graph.DirectDependents(cell)
}

// Precedents returns the cells that cell reads directly
func (e *Engine) Precedents(cell CellID) []CellID {
	return e.graph.DirectPrecedents(cell)
}

// Affected returns every cell that transitively depends on cell
func (e *Engine) Affected(cell CellID) []CellID {
	return e.graph.AffectedClosure(cell)
}

// Stats returns the cumulative counters and the current graph and cache
// sizes
func (e *Engine) Stats() Stats {
	stats := e.stats
	stats.Formulas = e.formulas.Len()
	stats.Nodes = e.graph.NodeCount()
	stats.Edges = e.graph.EdgeCount()
	stats.CacheEntries = e.cache.Len()
	return stats
}

// Reset forgets all formulas, edges and cached results. defined names are
// kept. the next pass must be a RecalcAll.
func (e *Engine) Reset() {
	for _, cell := range e.formulas.Cells() {
		e.dropFormula(cell)
	}
	e.graph.Clear()
	e.cache.Clear()
	clear(e.pending)
	clear(e.renamed)
	clear(e.cyclic)
	clear(e.dirty)
	e.order = nil
	e.stats = Stats{}
	e.state = StateIdle
}
