package recalc

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Function is the implementation of a spreadsheet function. args hold the
// evaluated arguments in order; a range argument arrives as a Range.
// returning a *SpreadsheetError (as value or error) keeps its code, any
// other error becomes #VALUE!.
type Function func(args []Primitive, ctx *EvalContext) (Primitive, error)

// FunctionMetadata describes how the registry invokes a function
type FunctionMetadata struct {
	MinArgs int
	MaxArgs int // -1 for variadic

	// Volatile functions are recomputed on every pass they take part in,
	// bypassing the result cache.
	Volatile bool

	// AbsorbsErrors functions receive error arguments instead of having the
	// first error returned on their behalf.
	AbsorbsErrors bool

	Category    string
	Description string
}

type registeredFunction struct {
	name string
	fn   Function
	meta FunctionMetadata
}

// Registry maps function names to implementations. names are matched
// case-insensitively.
type Registry struct {
	functions map[string]registeredFunction
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]registeredFunction),
	}
}

// foldName canonicalises a function name for lookup
func foldName(name string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(name))
}

func validFunctionName(name string) bool {
	if name == "" {
		return false
	}
	for i, ch := range name {
		switch {
		case isASCIILetter(ch):
		case i > 0 && (isDigit(ch) || ch == charPeriod || ch == charUnderscore):
		default:
			return false
		}
	}
	return true
}

// Register adds a function. names must start with a letter and may contain
// letters, digits, '.' and '_'.
func (r *Registry) Register(name string, fn Function, meta FunctionMetadata) error {
	key := foldName(name)
	if !validFunctionName(key) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid function name %q", name))
	}
	if fn == nil {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("function %s has no implementation", key))
	}
	if meta.MinArgs < 0 || (meta.MaxArgs >= 0 && meta.MaxArgs < meta.MinArgs) {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("function %s has invalid arity %d..%d", key, meta.MinArgs, meta.MaxArgs))
	}
	if _, exists := r.functions[key]; exists {
		return NewApplicationError(AlreadyExists, fmt.Sprintf("function %s is already registered", key))
	}
	r.functions[key] = registeredFunction{name: key, fn: fn, meta: meta}
	return nil
}

// MustRegister is Register for catalogs known to be valid
func (r *Registry) MustRegister(name string, fn Function, meta FunctionMetadata) {
	if err := r.Register(name, fn, meta); err != nil {
		panic(err)
	}
}

// Lookup returns a function and its metadata
func (r *Registry) Lookup(name string) (Function, FunctionMetadata, bool) {
	entry, exists := r.functions[foldName(name)]
	return entry.fn, entry.meta, exists
}

// Names returns the registered names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsVolatile reports whether the named function is registered as volatile
func (r *Registry) IsVolatile(name string) bool {
	entry, exists := r.functions[foldName(name)]
	return exists && entry.meta.Volatile
}

// Call invokes a function and normalises every outcome into a value:
// unknown names give #NAME?, arity violations #N/A, and failures inside the
// function #VALUE! unless they carry their own code. it never panics.
func (r *Registry) Call(name string, args []Primitive, ctx *EvalContext) (result Primitive) {
	entry, exists := r.functions[foldName(name)]
	if !exists {
		return NewSpreadsheetError(ErrorCodeName, fmt.Sprintf("unknown function %s", name))
	}

	meta := entry.meta
	if len(args) < meta.MinArgs || (meta.MaxArgs >= 0 && len(args) > meta.MaxArgs) {
		return NewSpreadsheetError(ErrorCodeNA, arityMessage(entry.name, meta))
	}

	if !meta.AbsorbsErrors {
		if err := firstError(args); err != nil {
			return err
		}
	}

	defer func() {
		if p := recover(); p != nil {
			result = NewSpreadsheetError(ErrorCodeValue, fmt.Sprintf("%s failed: %v", entry.name, p))
		}
	}()

	value, err := entry.fn(args, ctx)
	if err != nil {
		var cellErr *SpreadsheetError
		if errors.As(err, &cellErr) {
			return cellErr
		}
		return NewSpreadsheetError(ErrorCodeValue, fmt.Sprintf("%s: %v", entry.name, err))
	}
	return normalizeResult(entry.name, value)
}

func arityMessage(name string, meta FunctionMetadata) string {
	switch {
	case meta.MaxArgs == meta.MinArgs && meta.MinArgs == 0:
		return name + " takes no arguments"
	case meta.MaxArgs == meta.MinArgs:
		return fmt.Sprintf("%s requires exactly %d argument(s)", name, meta.MinArgs)
	case meta.MaxArgs < 0:
		return fmt.Sprintf("%s requires at least %d argument(s)", name, meta.MinArgs)
	default:
		return fmt.Sprintf("%s requires %d to %d arguments", name, meta.MinArgs, meta.MaxArgs)
	}
}

// firstError returns the first error among the arguments, looking inside
// ranges in order
func firstError(args []Primitive) *SpreadsheetError {
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return err
		}
		if rng, ok := arg.(Range); ok {
			for value := range rng.IterateValues() {
				if err := checkForError(value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// normalizeResult maps the Go values a function may return onto the value
// kinds of the engine
func normalizeResult(name string, value Primitive) Primitive {
	switch v := value.(type) {
	case nil, string, bool, *SpreadsheetError, Range:
		return v
	case float64:
		return checkNumber(v)
	case float32:
		return checkNumber(float64(v))
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return NewSpreadsheetError(ErrorCodeValue, fmt.Sprintf("%s returned unsupported value %T", name, value))
	}
}
