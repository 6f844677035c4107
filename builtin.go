package recalc

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// builtins holds the sources the default catalog reads from
type builtins struct {
	clock Clock
	rng   RandomGenerator
}

// BuiltinOption configures the default catalog
type BuiltinOption func(*builtins)

// WithClock sets the clock used by NOW and TODAY
func WithClock(clock Clock) BuiltinOption {
	return func(b *builtins) { b.clock = clock }
}

// WithRandom sets the generator used by RAND
func WithRandom(rng RandomGenerator) BuiltinOption {
	return func(b *builtins) { b.rng = rng }
}

// RegisterBuiltins adds the default function catalog to r
func RegisterBuiltins(r *Registry, opts ...BuiltinOption) error {
	b := &builtins{
		clock: &WallClock{},
		rng:   &DefaultRandomGenerator{},
	}
	for _, opt := range opts {
		opt(b)
	}

	variadic := func(category, description string) FunctionMetadata {
		return FunctionMetadata{MinArgs: 1, MaxArgs: -1, Category: category, Description: description}
	}
	fixed := func(n int, category, description string) FunctionMetadata {
		return FunctionMetadata{MinArgs: n, MaxArgs: n, Category: category, Description: description}
	}

	catalog := []struct {
		name string
		fn   Function
		meta FunctionMetadata
	}{
		{"SUM", b.SUM, variadic("math", "adds its arguments")},
		{"AVERAGE", b.AVERAGE, variadic("statistical", "arithmetic mean of numeric arguments")},
		{"AVERAGEA", b.AVERAGEA, variadic("statistical", "mean counting text as 0 and TRUE as 1")},
		{"COUNT", b.COUNT, FunctionMetadata{MinArgs: 1, MaxArgs: -1, AbsorbsErrors: true, Category: "statistical", Description: "counts numbers"}},
		{"COUNTA", b.COUNTA, FunctionMetadata{MinArgs: 1, MaxArgs: -1, AbsorbsErrors: true, Category: "statistical", Description: "counts non-empty values"}},
		{"MAX", b.MAX, variadic("statistical", "largest number")},
		{"MIN", b.MIN, variadic("statistical", "smallest number")},
		{"MEDIAN", b.MEDIAN, variadic("statistical", "median of numbers")},
		{"MODE", b.MODE, variadic("statistical", "most frequent number")},
		{"IF", b.IF, FunctionMetadata{MinArgs: 2, MaxArgs: 3, AbsorbsErrors: true, Category: "logical", Description: "chooses a value by condition"}},
		{"IFERROR", b.IFERROR, FunctionMetadata{MinArgs: 2, MaxArgs: 2, AbsorbsErrors: true, Category: "logical", Description: "replaces an error value"}},
		{"ISERROR", b.ISERROR, FunctionMetadata{MinArgs: 1, MaxArgs: 1, AbsorbsErrors: true, Category: "info", Description: "whether a value is an error"}},
		{"ISBLANK", b.ISBLANK, FunctionMetadata{MinArgs: 1, MaxArgs: 1, AbsorbsErrors: true, Category: "info", Description: "whether a value is empty"}},
		{"NA", b.NA, fixed(0, "info", "the #N/A error")},
		{"AND", b.AND, variadic("logical", "whether all arguments are true")},
		{"OR", b.OR, variadic("logical", "whether any argument is true")},
		{"NOT", b.NOT, fixed(1, "logical", "negation")},
		{"CONCATENATE", b.CONCATENATE, variadic("text", "joins text")},
		{"LEN", b.LEN, fixed(1, "text", "number of characters")},
		{"UPPER", b.UPPER, fixed(1, "text", "upper case")},
		{"LOWER", b.LOWER, fixed(1, "text", "lower case")},
		{"TRIM", b.TRIM, fixed(1, "text", "strips surrounding spaces")},
		{"ABS", b.ABS, fixed(1, "math", "absolute value")},
		{"ROUND", b.ROUND, FunctionMetadata{MinArgs: 1, MaxArgs: 2, Category: "math", Description: "rounds to a number of digits"}},
		{"FLOOR", b.FLOOR, fixed(1, "math", "rounds down")},
		{"CEILING", b.CEILING, fixed(1, "math", "rounds up")},
		{"SQRT", b.SQRT, fixed(1, "math", "square root")},
		{"POWER", b.POWER, fixed(2, "math", "raises to a power")},
		{"MOD", b.MOD, fixed(2, "math", "remainder")},
		{"PI", b.PI, fixed(0, "math", "the constant pi")},
		{"NOW", b.NOW, FunctionMetadata{Volatile: true, Category: "date", Description: "current date and time as a serial number"}},
		{"TODAY", b.TODAY, FunctionMetadata{Volatile: true, Category: "date", Description: "current date as a serial number"}},
		{"RAND", b.RAND, FunctionMetadata{Volatile: true, Category: "math", Description: "uniform random number in [0,1)"}},
		{"INDIRECT", b.INDIRECT, FunctionMetadata{MinArgs: 1, MaxArgs: 1, Volatile: true, Category: "lookup", Description: "value at a reference given as text"}},
	}

	for _, entry := range catalog {
		if err := r.Register(entry.name, entry.fn, entry.meta); err != nil {
			return err
		}
	}
	return nil
}

// numbers walks the numeric values of the arguments. scalar arguments are
// coerced, so "3" and TRUE count; inside ranges only real numbers count.
func numbers(args []Primitive, visit func(float64)) {
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if num, ok := value.(float64); ok && !math.IsNaN(num) {
					visit(num)
				}
			}
			continue
		}
		if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
			visit(num)
		}
	}
}

func (b *builtins) SUM(args []Primitive, _ *EvalContext) (Primitive, error) {
	sum := 0.0
	numbers(args, func(num float64) { sum += num })
	return sum, nil
}

func (b *builtins) AVERAGE(args []Primitive, _ *EvalContext) (Primitive, error) {
	sum := 0.0
	count := 0
	numbers(args, func(num float64) {
		sum += num
		count++
	})

	if count == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "AVERAGE has no numeric values")
	}
	return sum / float64(count), nil
}

func (b *builtins) AVERAGEA(args []Primitive, _ *EvalContext) (Primitive, error) {
	sum := 0.0
	count := 0

	// AVERAGEA includes all non-empty values in the count but only
	// numeric values contribute to the sum
	processValue := func(value Primitive) {
		switch v := value.(type) {
		case float64:
			sum += v
			count++
		case bool:
			// TRUE = 1, FALSE = 0
			if v {
				sum++
			}
			count++
		case string:
			count++
		}
	}
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				processValue(value)
			}
			continue
		}
		processValue(arg)
	}

	if count == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "AVERAGEA has no values")
	}
	return sum / float64(count), nil
}

// COUNT counts numbers. errors, text and booleans inside ranges are
// skipped.
func (b *builtins) COUNT(args []Primitive, _ *EvalContext) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if _, isNum := value.(float64); isNum {
					count++
				}
			}
			continue
		}
		switch v := arg.(type) {
		case float64, bool:
			count++
		case string:
			if _, ok := numericValue(v); ok {
				count++
			}
		}
	}
	return float64(count), nil
}

// COUNTA counts every non-empty value, errors included
func (b *builtins) COUNTA(args []Primitive, _ *EvalContext) (Primitive, error) {
	count := 0
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				if value != nil {
					count++
				}
			}
			continue
		}
		if arg != nil {
			count++
		}
	}
	return float64(count), nil
}

func (b *builtins) MAX(args []Primitive, _ *EvalContext) (Primitive, error) {
	max := math.Inf(-1)
	hasValues := false
	numbers(args, func(num float64) {
		max = math.Max(max, num)
		hasValues = true
	})

	if hasValues {
		return max, nil
	}
	return 0.0, nil
}

func (b *builtins) MIN(args []Primitive, _ *EvalContext) (Primitive, error) {
	min := math.Inf(1)
	hasValues := false
	numbers(args, func(num float64) {
		min = math.Min(min, num)
		hasValues = true
	})

	if hasValues {
		return min, nil
	}
	return 0.0, nil
}

func (b *builtins) MEDIAN(args []Primitive, _ *EvalContext) (Primitive, error) {
	var values []float64
	numbers(args, func(num float64) { values = append(values, num) })

	if len(values) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MEDIAN has no numeric values")
	}

	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		// even count: average of two middle values
		return (values[mid-1] + values[mid]) / 2, nil
	}
	return values[mid], nil
}

func (b *builtins) MODE(args []Primitive, _ *EvalContext) (Primitive, error) {
	frequencyMap := make(map[float64]int)
	numbers(args, func(num float64) { frequencyMap[num]++ })

	if len(frequencyMap) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MODE has no numeric values")
	}

	maxFreq := 0
	for _, freq := range frequencyMap {
		maxFreq = max(maxFreq, freq)
	}
	if maxFreq == 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "MODE: no value appears more than once")
	}

	// smallest value wins ties
	mode := math.Inf(1)
	for value, freq := range frequencyMap {
		if freq == maxFreq && value < mode {
			mode = value
		}
	}
	return mode, nil
}

// IF returns the chosen branch as is, so an error in the other branch does
// not leak
func (b *builtins) IF(args []Primitive, _ *EvalContext) (Primitive, error) {
	condition := scalar(args[0])
	if err := checkForError(condition); err != nil {
		return err, nil
	}

	if isTruthy(condition) {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return false, nil
}

func (b *builtins) IFERROR(args []Primitive, _ *EvalContext) (Primitive, error) {
	if checkForError(scalar(args[0])) != nil {
		return args[1], nil
	}
	return args[0], nil
}

func (b *builtins) ISERROR(args []Primitive, _ *EvalContext) (Primitive, error) {
	return checkForError(args[0]) != nil, nil
}

func (b *builtins) ISBLANK(args []Primitive, _ *EvalContext) (Primitive, error) {
	return args[0] == nil, nil
}

func (b *builtins) NA(_ []Primitive, _ *EvalContext) (Primitive, error) {
	return NewSpreadsheetError(ErrorCodeNA, ""), nil
}

// logicalValues walks arguments as booleans; text inside ranges is skipped
func logicalValues(args []Primitive, visit func(bool) bool) error {
	for _, arg := range args {
		if r, ok := arg.(Range); ok {
			for value := range r.IterateValues() {
				switch v := value.(type) {
				case bool:
					if !visit(v) {
						return nil
					}
				case float64:
					if !visit(v != 0) {
						return nil
					}
				}
			}
			continue
		}
		v, ok := toBoolean(arg)
		if !ok {
			return NewSpreadsheetError(ErrorCodeValue, fmt.Sprintf("%q is not a logical value", toText(arg)))
		}
		if !visit(v) {
			return nil
		}
	}
	return nil
}

func (b *builtins) AND(args []Primitive, _ *EvalContext) (Primitive, error) {
	result := true
	err := logicalValues(args, func(v bool) bool {
		result = result && v
		return result
	})
	return result, err
}

func (b *builtins) OR(args []Primitive, _ *EvalContext) (Primitive, error) {
	result := false
	err := logicalValues(args, func(v bool) bool {
		result = result || v
		return !result
	})
	return result, err
}

func (b *builtins) NOT(args []Primitive, _ *EvalContext) (Primitive, error) {
	v, ok := toBoolean(scalar(args[0]))
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "NOT requires a logical value")
	}
	return !v, nil
}

// text returns the single scalar argument as text
func text(arg Primitive) (string, error) {
	value := scalar(arg)
	if err := checkForError(value); err != nil {
		return "", err
	}
	return toText(value), nil
}

// number returns a scalar argument as a number
func number(name string, arg Primitive) (float64, error) {
	value := scalar(arg)
	if err := checkForError(value); err != nil {
		return 0, err
	}
	num, ok := toNumber(value)
	if !ok {
		return 0, NewSpreadsheetError(ErrorCodeValue, name+" requires a numeric argument")
	}
	return num, nil
}

func (b *builtins) CONCATENATE(args []Primitive, _ *EvalContext) (Primitive, error) {
	var result strings.Builder
	for _, arg := range args {
		s, err := text(arg)
		if err != nil {
			return nil, err
		}
		result.WriteString(s)
	}
	return result.String(), nil
}

func (b *builtins) LEN(args []Primitive, _ *EvalContext) (Primitive, error) {
	s, err := text(args[0])
	if err != nil {
		return nil, err
	}
	return float64(utf8.RuneCountInString(s)), nil
}

func (b *builtins) UPPER(args []Primitive, _ *EvalContext) (Primitive, error) {
	s, err := text(args[0])
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func (b *builtins) LOWER(args []Primitive, _ *EvalContext) (Primitive, error) {
	s, err := text(args[0])
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func (b *builtins) TRIM(args []Primitive, _ *EvalContext) (Primitive, error) {
	s, err := text(args[0])
	if err != nil {
		return nil, err
	}
	return strings.Join(strings.Fields(s), " "), nil
}

func (b *builtins) ABS(args []Primitive, _ *EvalContext) (Primitive, error) {
	num, err := number("ABS", args[0])
	if err != nil {
		return nil, err
	}
	return math.Abs(num), nil
}

func (b *builtins) ROUND(args []Primitive, _ *EvalContext) (Primitive, error) {
	num, err := number("ROUND", args[0])
	if err != nil {
		return nil, err
	}

	places := 0.0
	if len(args) == 2 {
		if places, err = number("ROUND", args[1]); err != nil {
			return nil, err
		}
	}

	multiplier := math.Pow(10, math.Trunc(places))
	return math.Round(num*multiplier) / multiplier, nil
}

func (b *builtins) FLOOR(args []Primitive, _ *EvalContext) (Primitive, error) {
	num, err := number("FLOOR", args[0])
	if err != nil {
		return nil, err
	}
	return math.Floor(num), nil
}

func (b *builtins) CEILING(args []Primitive, _ *EvalContext) (Primitive, error) {
	num, err := number("CEILING", args[0])
	if err != nil {
		return nil, err
	}
	return math.Ceil(num), nil
}

func (b *builtins) SQRT(args []Primitive, _ *EvalContext) (Primitive, error) {
	num, err := number("SQRT", args[0])
	if err != nil {
		return nil, err
	}
	if num < 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return math.Sqrt(num), nil
}

func (b *builtins) POWER(args []Primitive, _ *EvalContext) (Primitive, error) {
	base, err := number("POWER", args[0])
	if err != nil {
		return nil, err
	}
	exp, err := number("POWER", args[1])
	if err != nil {
		return nil, err
	}
	if base == 0 && exp < 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "division by zero")
	}
	return math.Pow(base, exp), nil
}

func (b *builtins) MOD(args []Primitive, _ *EvalContext) (Primitive, error) {
	dividend, err := number("MOD", args[0])
	if err != nil {
		return nil, err
	}
	divisor, err := number("MOD", args[1])
	if err != nil {
		return nil, err
	}
	if divisor == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "division by zero")
	}
	// the result takes the sign of the divisor
	return dividend - divisor*math.Floor(dividend/divisor), nil
}

func (b *builtins) PI(_ []Primitive, _ *EvalContext) (Primitive, error) {
	return math.Pi, nil
}

// serial date constants
const (
	// December 30, 1899 00:00:00 UTC in Unix milliseconds
	serialEpochMS = -2209161600000
	msPerDay      = 86400000
)

// serialDate converts a time to a spreadsheet serial day number
func serialDate(t time.Time) float64 {
	_, offset := t.Zone()
	local := t.UnixMilli() + int64(offset)*1000
	return float64(local-serialEpochMS) / msPerDay
}

func (b *builtins) NOW(_ []Primitive, _ *EvalContext) (Primitive, error) {
	return serialDate(b.clock.Now()), nil
}

func (b *builtins) TODAY(_ []Primitive, _ *EvalContext) (Primitive, error) {
	return math.Floor(serialDate(b.clock.Now())), nil
}

func (b *builtins) RAND(_ []Primitive, _ *EvalContext) (Primitive, error) {
	return b.rng.Float64(), nil
}

// INDIRECT reads the cell or range named by its text argument. the cells it
// reads are not dependency edges, which is why it is volatile.
func (b *builtins) INDIRECT(args []Primitive, ctx *EvalContext) (Primitive, error) {
	ref, err := text(args[0])
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		return nil, NewSpreadsheetError(ErrorCodeRef, "no grid to resolve "+ref)
	}
	return ctx.Resolve(ref), nil
}
