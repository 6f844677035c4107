package recalc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedRandom struct {
	values []float64
	next   int
}

func (f *fixedRandom) Float64() float64 {
	v := f.values[f.next%len(f.values)]
	f.next++
	return v
}

type engineTestCase struct {
	t      *testing.T
	name   string
	ctx    context.Context
	store  *MemoryStore
	engine *Engine
	last   PassStats
	err    error
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	registry := NewRegistry()
	require.NoError(t, RegisterBuiltins(registry, WithRandom(&fixedRandom{values: []float64{0.25, 0.5, 0.75}})))
	return NewEngine(registry, opts...)
}

func newEngineTestCase(t *testing.T, name string, opts ...Option) *engineTestCase {
	return &engineTestCase{
		t:      t,
		name:   name,
		ctx:    context.Background(),
		store:  NewMemoryStore(),
		engine: newTestEngine(t, opts...),
	}
}

func (tc *engineTestCase) Set(address, raw string) *engineTestCase {
	tc.t.Helper()
	require.NoError(tc.t, tc.store.Set(MustCellID(address), raw), "%s: Set(%s)", tc.name, address)
	return tc
}

func (tc *engineTestCase) Remove(address string) *engineTestCase {
	tc.t.Helper()
	require.NoError(tc.t, tc.store.Remove(MustCellID(address)), "%s: Remove(%s)", tc.name, address)
	return tc
}

func (tc *engineTestCase) Define(name, ref string) *engineTestCase {
	tc.t.Helper()
	require.NoError(tc.t, tc.engine.DefineName(name, ref), "%s: DefineName(%s)", tc.name, name)
	return tc
}

func (tc *engineTestCase) RecalcAll() *engineTestCase {
	tc.t.Helper()
	tc.last, tc.err = tc.engine.RecalcAll(tc.ctx, tc.store)
	require.NoError(tc.t, tc.err, "%s: RecalcAll", tc.name)
	assert.True(tc.t, tc.last.Completed, "%s: pass not completed", tc.name)
	return tc
}

func (tc *engineTestCase) RecalcFrom(address string) *engineTestCase {
	tc.t.Helper()
	tc.last, tc.err = tc.engine.RecalcFrom(tc.ctx, CellID(address), tc.store)
	require.NoError(tc.t, tc.err, "%s: RecalcFrom(%s)", tc.name, address)
	return tc
}

// Edit sets a cell and recalculates from it
func (tc *engineTestCase) Edit(address, raw string) *engineTestCase {
	tc.t.Helper()
	return tc.Set(address, raw).RecalcFrom(address)
}

func (tc *engineTestCase) value(address string) Primitive {
	tc.t.Helper()
	record, exists := tc.store.Get(MustCellID(address))
	require.True(tc.t, exists, "%s: cell %s does not exist", tc.name, address)
	return record.ComputedValue
}

func (tc *engineTestCase) AssertCellEq(address string, expected Primitive) *engineTestCase {
	tc.t.Helper()
	actual := tc.value(address)
	switch exp := expected.(type) {
	case float64:
		act, ok := actual.(float64)
		if assert.True(tc.t, ok, "%s: cell %s = %v (%T), want %v", tc.name, address, actual, actual, exp) {
			assert.InDelta(tc.t, exp, act, 1e-10, "%s: cell %s", tc.name, address)
		}
	case int:
		return tc.AssertCellEq(address, float64(exp))
	default:
		assert.Equal(tc.t, expected, actual, "%s: cell %s", tc.name, address)
	}
	return tc
}

func (tc *engineTestCase) AssertCellErr(address string, code ErrorCode) *engineTestCase {
	tc.t.Helper()
	actual := tc.value(address)
	cellErr, ok := actual.(*SpreadsheetError)
	if assert.True(tc.t, ok, "%s: cell %s = %v, want %s", tc.name, address, actual, ErrorMapper[code]) {
		assert.Equal(tc.t, code, cellErr.ErrorCode, "%s: cell %s", tc.name, address)
	}
	record, _ := tc.store.Get(MustCellID(address))
	if assert.NotNil(tc.t, record.Error, "%s: cell %s has no error code", tc.name, address) {
		assert.Equal(tc.t, code, *record.Error)
	}
	assert.Equal(tc.t, ErrorMapper[code], record.DisplayText)
	return tc
}

func (tc *engineTestCase) AssertDisplay(address, display string) *engineTestCase {
	tc.t.Helper()
	record, exists := tc.store.Get(MustCellID(address))
	require.True(tc.t, exists)
	assert.Equal(tc.t, display, record.DisplayText, "%s: display of %s", tc.name, address)
	return tc
}

func (tc *engineTestCase) AssertPass(fn func(t *testing.T, stats PassStats)) *engineTestCase {
	tc.t.Helper()
	fn(tc.t, tc.last)
	return tc
}

func (tc *engineTestCase) AssertRecomputed(n int) *engineTestCase {
	tc.t.Helper()
	assert.Equal(tc.t, n, tc.last.Recomputed, "%s: recomputed", tc.name)
	return tc
}

func (tc *engineTestCase) AssertOrder(cells ...string) *engineTestCase {
	tc.t.Helper()
	want := make([]CellID, len(cells))
	for i, cell := range cells {
		want[i] = MustCellID(cell)
	}
	if diff := cmp.Diff(want, tc.engine.CalculationOrder()); diff != "" {
		tc.t.Errorf("%s: calculation order mismatch (-want +got):\n%s", tc.name, diff)
	}
	return tc
}

func (tc *engineTestCase) End() {}

func TestEngineBasics(t *testing.T) {
	newEngineTestCase(t, "chain").
		Set("A1", "10").
		Set("B1", "=A1*2").
		Set("C1", "=B1+A1").
		RecalcAll().
		AssertCellEq("B1", 20).
		AssertCellEq("C1", 30).
		AssertDisplay("C1", "30").
		End()

	newEngineTestCase(t, "literals are not evaluated").
		Set("A1", "hello").
		Set("A2", "TRUE").
		Set("A3", "#N/A").
		RecalcAll().
		AssertCellEq("A1", "hello").
		AssertCellEq("A2", true).
		AssertCellErr("A3", ErrorCodeNA).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 0, stats.Evaluated)
		}).
		End()

	newEngineTestCase(t, "empty references read as zero").
		Set("B1", "=A1+1").
		Set("B2", `=A1&"x"`).
		RecalcAll().
		AssertCellEq("B1", 1).
		AssertCellEq("B2", "x").
		End()

	newEngineTestCase(t, "errors propagate").
		Set("A1", "=1/0").
		Set("B1", "=A1+1").
		Set("C1", "=IFERROR(B1, -1)").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeDiv0).
		AssertCellErr("B1", ErrorCodeDiv0).
		AssertCellEq("C1", -1).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 2, stats.Errors)
		}).
		End()

	newEngineTestCase(t, "parse errors").
		Set("A1", "=1+").
		Set("B1", "=A1*2").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeParse).
		AssertCellErr("B1", ErrorCodeParse).
		Edit("A1", "=1+1").
		AssertCellEq("A1", 2).
		AssertCellEq("B1", 4).
		End()

	newEngineTestCase(t, "out of bounds reference", WithConfig(Config{
		MaxRows:       100,
		MaxColumns:    10,
		MaxRangeCells: 1000,
		ChunkSize:     16,
		LogLevel:      "info",
		LogFormat:     "text",
	})).
		Set("A1", "=A500").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeRef).
		End()
}

func TestEngineIncremental(t *testing.T) {
	newEngineTestCase(t, "edit reaches only dependents").
		Set("A1", "10").
		Set("B1", "=A1*2").
		Set("C1", "5").
		Set("D1", "=C1+1").
		RecalcAll().
		AssertRecomputed(2).
		Edit("A1", "5").
		AssertCellEq("B1", 10).
		AssertCellEq("D1", 6).
		AssertRecomputed(1).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, PassRecalcFrom, stats.Kind)
			assert.Equal(t, CellID("A1"), stats.Seed)
			assert.Equal(t, 1, stats.Evaluated)
		}).
		AssertOrder("B1").
		End()

	newEngineTestCase(t, "unchanged value stops at the first dependent").
		Set("A1", "3").
		Set("B1", "=A1*0").
		Set("C1", "=B1+1").
		RecalcAll().
		Edit("A1", "4").
		AssertCellEq("C1", 1).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 2, stats.Evaluated)
			assert.Equal(t, 1, stats.CacheMisses)
			assert.Equal(t, 1, stats.CacheHits)
			assert.Equal(t, 1, stats.Recomputed)
		}).
		End()

	newEngineTestCase(t, "formula replaced by literal").
		Set("A1", "=1+1").
		Set("B1", "=A1*10").
		RecalcAll().
		AssertCellEq("B1", 20).
		Edit("A1", "7").
		AssertCellEq("B1", 70).
		End()

	newEngineTestCase(t, "literal replaced by formula").
		Set("A1", "1").
		Set("A2", "2").
		Set("B1", "=A1+A2").
		RecalcAll().
		Edit("A1", "=A2*100").
		AssertCellEq("A1", 200).
		AssertCellEq("B1", 202).
		AssertOrder("A1", "B1").
		End()

	newEngineTestCase(t, "removed cell reads as empty").
		Set("A1", "4").
		Set("B1", "=A1*2").
		RecalcAll().
		Remove("A1").
		RecalcFrom("A1").
		AssertCellEq("B1", 0).
		End()

	newEngineTestCase(t, "input first read by an incremental edit").
		Set("Z9", "1").
		RecalcAll().
		Set("A1", "5").
		Set("B1", "=A1").
		RecalcFrom("B1").
		AssertCellEq("B1", 5).
		Remove("A1").
		RecalcFrom("A1").
		AssertCellEq("B1", 0).
		AssertRecomputed(1).
		End()

	newEngineTestCase(t, "formula set before its input").
		Set("B1", "=A1*2").
		RecalcFrom("B1").
		AssertCellEq("B1", 0).
		Edit("A1", "21").
		AssertCellEq("B1", 42).
		End()

	newEngineTestCase(t, "unchanged seed is a cache hit").
		Set("A1", "1").
		Set("B1", "=A1+1").
		RecalcAll().
		RecalcFrom("B1").
		AssertRecomputed(0).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 1, stats.CacheHits)
		}).
		End()
}

func TestEngineStaticRanges(t *testing.T) {
	newEngineTestCase(t, "cell below a range is not part of it").
		Set("A1", "1").
		Set("A2", "2").
		Set("A3", "3").
		Set("B1", "=SUM(A1:A3)").
		RecalcAll().
		AssertCellEq("B1", 6).
		Edit("A4", "100").
		AssertCellEq("B1", 6).
		AssertRecomputed(0).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 0, stats.Evaluated)
		}).
		Edit("A2", "20").
		AssertCellEq("B1", 24).
		AssertRecomputed(1).
		End()

	newEngineTestCase(t, "range over formulas").
		Set("A1", "1").
		Set("A2", "=A1+1").
		Set("A3", "=A2+1").
		Set("B1", "=SUM(A1:A3)").
		Set("B2", "=AVERAGE(A1:A3)").
		RecalcAll().
		AssertCellEq("B1", 6).
		AssertCellEq("B2", 2).
		Edit("A1", "10").
		AssertCellEq("B1", 33).
		AssertCellEq("B2", 11).
		End()
}

func TestEngineCycles(t *testing.T) {
	newEngineTestCase(t, "edit closing a cycle").
		Set("A1", "10").
		Set("B1", "=A1").
		RecalcAll().
		AssertCellEq("B1", 10).
		Edit("A1", "=B1").
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("B1", ErrorCodeCycle).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 1, stats.Cycles)
		}).
		End()

	tc := newEngineTestCase(t, "mutual references").
		Set("A1", "=B1+1").
		Set("B1", "=A1+1").
		Set("C1", "=A1*2").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("B1", ErrorCodeCycle).
		AssertCellErr("C1", ErrorCodeCycle)
	assert.Empty(t, tc.engine.Precedents("A1"))
	assert.Empty(t, tc.engine.Precedents("B1"))
	assert.Empty(t, tc.engine.Dependents("B1"))

	tc.Edit("B1", "5").
		AssertCellEq("B1", 5).
		AssertCellEq("A1", 6).
		AssertCellEq("C1", 12).
		AssertOrder("A1", "C1").
		End()

	newEngineTestCase(t, "self reference").
		Set("A1", "=A1+1").
		Set("B1", "=A1").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("B1", ErrorCodeCycle).
		Edit("A1", "=2").
		AssertCellEq("A1", 2).
		AssertCellEq("B1", 2).
		End()

	newEngineTestCase(t, "cycle members stay failed across unrelated edits").
		Set("A1", "=B1").
		Set("B1", "=A1").
		Set("C1", "=A1+1").
		Set("D1", "1").
		Set("E1", "=D1").
		RecalcAll().
		AssertCellErr("C1", ErrorCodeCycle).
		Edit("D1", "2").
		AssertCellEq("E1", 2).
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("B1", ErrorCodeCycle).
		AssertCellErr("C1", ErrorCodeCycle).
		AssertOrder("E1").
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 1, stats.Evaluated)
			assert.Equal(t, 0, stats.Cycles)
		}).
		End()

	newEngineTestCase(t, "edit read by a cycle member retries the cycle").
		Set("A1", "=B1+D1").
		Set("B1", "=A1").
		Set("D1", "1").
		RecalcAll().
		Edit("D1", "2").
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("B1", ErrorCodeCycle).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 1, stats.Cycles)
			assert.Equal(t, 0, stats.Evaluated)
		}).
		End()

	newEngineTestCase(t, "long cycle").
		Set("A1", "=A2").
		Set("A2", "=A3").
		Set("A3", "=A4").
		Set("A4", "=A1").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeCycle).
		AssertCellErr("A2", ErrorCodeCycle).
		AssertCellErr("A3", ErrorCodeCycle).
		AssertCellErr("A4", ErrorCodeCycle).
		Edit("A4", "9").
		AssertCellEq("A1", 9).
		AssertCellEq("A2", 9).
		AssertCellEq("A3", 9).
		End()
}

func TestEngineOrder(t *testing.T) {
	newEngineTestCase(t, "diamond").
		Set("A1", "1").
		Set("B1", "=A1+1").
		Set("C1", "=A1+2").
		Set("D1", "=B1+C1").
		RecalcAll().
		AssertCellEq("D1", 5).
		AssertOrder("B1", "C1", "D1").
		RecalcAll().
		AssertOrder("B1", "C1", "D1").
		End()

	newEngineTestCase(t, "precedent later in row-major order").
		Set("A1", "=A3*2").
		Set("A2", "=A1+1").
		Set("A3", "=B3+1").
		Set("B3", "1").
		RecalcAll().
		AssertCellEq("A1", 4).
		AssertCellEq("A2", 5).
		AssertOrder("A3", "A1", "A2").
		End()

	tc := newEngineTestCase(t, "order is a copy").
		Set("A1", "1").
		Set("B1", "=A1").
		RecalcAll()
	order := tc.engine.CalculationOrder()
	order[0] = "Z9"
	tc.AssertOrder("B1").End()
}

func TestEngineIdempotence(t *testing.T) {
	tc := newEngineTestCase(t, "second pass is served from the cache").
		Set("A1", "2").
		Set("A2", "3").
		Set("B1", "=A1*A2").
		Set("B2", "=SUM(A1:A2, B1)").
		Set("B3", `=IF(B2>10, "big", "small")`).
		RecalcAll().
		AssertRecomputed(3).
		RecalcAll().
		AssertRecomputed(0).
		AssertPass(func(t *testing.T, stats PassStats) {
			assert.Equal(t, 0, stats.CacheMisses)
			assert.Equal(t, 3, stats.CacheHits)
		}).
		AssertCellEq("B3", "big")

	stats := tc.engine.Stats()
	assert.Equal(t, uint64(2), stats.Passes)
	assert.Equal(t, uint64(3), stats.CacheMisses)
	assert.Equal(t, uint64(3), stats.CacheHits)
	assert.Equal(t, 3, stats.Formulas)
	assert.Equal(t, 3, stats.CacheEntries)
	assert.Equal(t, StateIdle, tc.engine.State())
}

func TestEngineVolatile(t *testing.T) {
	newEngineTestCase(t, "volatile cells bypass the cache").
		Set("A1", "=RAND()").
		Set("B1", "=A1*4").
		RecalcAll().
		AssertCellEq("A1", 0.25).
		AssertCellEq("B1", 1).
		RecalcAll().
		AssertCellEq("A1", 0.5).
		AssertCellEq("B1", 2).
		AssertPass(func(t *testing.T, stats PassStats) {
			// A1 always, B1 because A1 changed
			assert.Equal(t, 2, stats.Recomputed)
			assert.Equal(t, 1, stats.CacheMisses)
		}).
		End()

	newEngineTestCase(t, "volatile outside the closure is left alone").
		Set("A1", "=RAND()").
		Set("C1", "1").
		Set("D1", "=C1+1").
		RecalcAll().
		Edit("C1", "2").
		AssertCellEq("A1", 0.25).
		AssertCellEq("D1", 3).
		End()
}

func TestEngineNamedRanges(t *testing.T) {
	newEngineTestCase(t, "range name").
		Define("Inputs", "A1:A3").
		Set("A1", "1").
		Set("A2", "2").
		Set("A3", "3").
		Set("B1", "=SUM(Inputs)").
		RecalcAll().
		AssertCellEq("B1", 6).
		Edit("A3", "30").
		AssertCellEq("B1", 33).
		Define("inputs", "A1:A2").
		RecalcFrom("A1").
		AssertCellEq("B1", 3).
		End()

	newEngineTestCase(t, "single cell name").
		Define("Rate", "$C$1").
		Set("C1", "0.5").
		Set("A1", "=Rate*10").
		RecalcAll().
		AssertCellEq("A1", 5).
		Edit("C1", "2").
		AssertCellEq("A1", 20).
		End()

	tc := newEngineTestCase(t, "undefined name").
		Set("A1", "=Missing+1").
		RecalcAll().
		AssertCellErr("A1", ErrorCodeName).
		Set("B1", "4").
		Define("Missing", "B1").
		RecalcFrom("B1").
		AssertCellEq("A1", 5)
	assert.True(t, tc.engine.UndefineName("Missing"))
	assert.False(t, tc.engine.UndefineName("Missing"))
	tc.RecalcFrom("B1").
		AssertCellErr("A1", ErrorCodeName).
		End()

	small := DefaultConfig()
	small.MaxRangeCells = 4
	newEngineTestCase(t, "name wider than the range limit", WithConfig(small)).
		Define("Block", "A1:C3").
		Set("D1", "=SUM(Block)").
		RecalcAll().
		AssertCellErr("D1", ErrorCodeRef).
		Define("Block", "A1:B2").
		RecalcFrom("D1").
		AssertCellEq("D1", 0).
		End()

	engine := newTestEngine(t)
	var appErr *AppError
	require.ErrorAs(t, engine.DefineName("A1", "B1"), &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)
	require.ErrorAs(t, engine.DefineName("Fine", "nope"), &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)
}

func TestEngineDeterminism(t *testing.T) {
	cells := [][2]string{
		{"C3", "=B3*2"},
		{"A1", "3"},
		{"B2", "=SUM(A1:A3)"},
		{"A2", "=A1^2"},
		{"B3", "=B2-A1"},
		{"A3", `=LEN("abc")`},
		{"D1", `=CONCATENATE("total ", C3)`},
		{"D2", "=IF(C3>20, MAX(A1:A3), MIN(A1:A3))"},
	}

	full := newEngineTestCase(t, "full")
	for _, cell := range cells {
		full.Set(cell[0], cell[1])
	}
	full.RecalcAll()

	incremental := newEngineTestCase(t, "incremental")
	for _, cell := range cells {
		incremental.Edit(cell[0], cell[1])
	}

	for _, cell := range cells {
		assert.Equal(t, full.value(cell[0]), incremental.value(cell[0]), "cell %s", cell[0])
	}
	full.AssertCellEq("C3", 24).AssertDisplay("D1", "total 24").AssertCellEq("D2", 9)
}

func TestEngineCancellation(t *testing.T) {
	build := func(tc *engineTestCase) *engineTestCase {
		tc.Set("A1", "1")
		for i := 2; i <= 8; i++ {
			tc.Set(fmt.Sprintf("A%d", i), fmt.Sprintf("=A%d+1", i-1))
		}
		return tc
	}
	config := DefaultConfig()
	config.ChunkSize = 2

	t.Run("yield error stops the pass", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		calls := 0
		tc := build(newEngineTestCase(t, "cancel", WithConfig(config), WithYield(func(ctx context.Context, done, total int) error {
			calls++
			if done >= 4 && total == 7 {
				cancel()
				return ctx.Err()
			}
			return nil
		})))

		stats, err := tc.engine.RecalcAll(ctx, tc.store)
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, stats.Completed)
		assert.Equal(t, 4, stats.Evaluated)
		assert.Equal(t, 2, calls)
		assert.Equal(t, StateIdle, tc.engine.State())
		tc.AssertCellEq("A5", 5)
		assert.Nil(t, tc.value("A6"))

		// cells the cancelled pass did not reach are joined to the next one,
		// even when its seed is unrelated
		tc.Edit("C1", "1").
			AssertCellEq("A8", 8).
			AssertOrder("A6", "A7", "A8").
			End()
	})

	t.Run("cancelled context", func(t *testing.T) {
		tc := build(newEngineTestCase(t, "cancelled", WithConfig(config)))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		stats, err := tc.engine.RecalcAll(ctx, tc.store)
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, stats.Evaluated)

		tc.RecalcAll().AssertCellEq("A8", 8).End()
	})

	t.Run("passes do not nest", func(t *testing.T) {
		var nested error
		var state EngineState
		var tc *engineTestCase
		tc = build(newEngineTestCase(t, "nested", WithConfig(config), WithYield(func(ctx context.Context, done, total int) error {
			state = tc.engine.State()
			_, nested = tc.engine.RecalcFrom(ctx, "A1", tc.store)
			return nil
		})))
		tc.RecalcAll().AssertCellEq("A8", 8)

		var appErr *AppError
		require.ErrorAs(t, nested, &appErr)
		assert.Equal(t, FailedPrecondition, appErr.Code)
		assert.Equal(t, StateEvaluating, state)
	})
}

func TestEngineContractErrors(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()
	var appErr *AppError

	_, err := engine.RecalcAll(ctx, nil)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)

	_, err = engine.RecalcFrom(ctx, "1A", NewMemoryStore())
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, InvalidArgument, appErr.Code)

	_, err = engine.RecalcFrom(ctx, "A1", nil)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, InvalidArgument, appErr.Code)
}

func TestEngineReset(t *testing.T) {
	tc := newEngineTestCase(t, "reset").
		Define("Inputs", "A1:A2").
		Set("A1", "1").
		Set("B1", "=SUM(Inputs)").
		RecalcAll()
	tc.engine.Reset()

	stats := tc.engine.Stats()
	assert.Zero(t, stats.Formulas)
	assert.Zero(t, stats.Edges)
	assert.Zero(t, stats.CacheEntries)
	assert.Empty(t, tc.engine.CalculationOrder())
	assert.Contains(t, tc.engine.Names(), "Inputs")

	tc.RecalcAll().AssertCellEq("B1", 1).AssertRecomputed(1).End()
}

func TestEngineFunctionsThroughEngine(t *testing.T) {
	newEngineTestCase(t, "mixed").
		Set("A1", "4").
		Set("A2", "-2.5").
		Set("A3", "text").
		Set("B1", "=SQRT(A1)").
		Set("B2", "=ROUND(A2, 0)").
		Set("B3", "=COUNT(A1:A3)").
		Set("B4", "=COUNTA(A1:A3)").
		Set("B5", "=UPPER(A3)&\"!\"").
		Set("B6", "=-2^2").
		Set("B7", "=50%").
		Set("B8", "=NOSUCH(1)").
		Set("B9", "=SQRT(-1)").
		RecalcAll().
		AssertCellEq("B1", 2).
		AssertCellEq("B2", -3).
		AssertCellEq("B3", 2).
		AssertCellEq("B4", 3).
		AssertCellEq("B5", "TEXT!").
		AssertCellEq("B6", 4).
		AssertCellEq("B7", 0.5).
		AssertCellErr("B8", ErrorCodeName).
		AssertCellErr("B9", ErrorCodeNum).
		End()
}

// writeRecorder is a store remembering every computed write
type writeRecorder struct {
	*MemoryStore
	writes []CellID
}

func (w *writeRecorder) SetComputed(id CellID, value Primitive, display string, code *ErrorCode) error {
	w.writes = append(w.writes, id)
	return w.MemoryStore.SetComputed(id, value, display, code)
}

func TestEngineRecalcFromWritesOnlyItsClosure(t *testing.T) {
	store := &writeRecorder{MemoryStore: NewMemoryStore()}
	for id, raw := range map[CellID]string{
		"A1": "=B1",
		"B1": "=A1",
		"C1": "=A1+1",
		"D1": "1",
		"E1": "=D1",
	} {
		require.NoError(t, store.Set(id, raw))
	}
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.RecalcAll(ctx, store)
	require.NoError(t, err)

	store.writes = nil
	require.NoError(t, store.Set("D1", "2"))
	_, err = engine.RecalcFrom(ctx, "D1", store)
	require.NoError(t, err)
	assert.Equal(t, []CellID{"E1"}, store.writes)
	assert.Equal(t, []CellID{"E1"}, engine.Affected("D1"))

	// breaking the cycle brings back every member and its readers
	store.writes = nil
	require.NoError(t, store.Set("B1", "4"))
	_, err = engine.RecalcFrom(ctx, "B1", store)
	require.NoError(t, err)
	assert.ElementsMatch(t, []CellID{"A1", "C1"}, store.writes)
	assert.Equal(t, 5.0, store.Value("C1"))
}
