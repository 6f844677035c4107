package recalc

import (
	"context"
	"math"
	"strings"

	"golang.org/x/text/cases"
)

// EvalContext is what a formula sees while it is evaluated: the cell being
// computed and read-only access to the rest of the grid
type EvalContext struct {
	ctx      context.Context
	cell     CellID
	snapshot Snapshot
	bounds   *ParserContext
}

// NewEvalContext creates an evaluation context for one cell
func NewEvalContext(ctx context.Context, cell CellID, snapshot Snapshot, bounds *ParserContext) *EvalContext {
	if ctx == nil {
		ctx = context.Background()
	}
	if bounds == nil {
		bounds = DefaultParserContext()
	}
	return &EvalContext{ctx: ctx, cell: cell, snapshot: snapshot, bounds: bounds}
}

// Cell returns the id of the cell being evaluated
func (ec *EvalContext) Cell() CellID {
	return ec.cell
}

// Snapshot returns the read-only view of the grid
func (ec *EvalContext) Snapshot() Snapshot {
	return ec.snapshot
}

// Context returns the context of the running pass
func (ec *EvalContext) Context() context.Context {
	return ec.ctx
}

// Value returns the current value of a cell. formula cells yield their
// last computed value, literal cells their parsed text, and missing cells
// nil.
func (ec *EvalContext) Value(id CellID) Primitive {
	if ec.snapshot == nil {
		return nil
	}
	record, exists := ec.snapshot.Get(id)
	if !exists {
		return nil
	}
	return recordValue(record)
}

// Resolve looks up a reference given as text, "B3" or "A1:C4". a single
// cell yields its value, a block a Range. malformed or out of bounds
// references yield #REF!.
func (ec *EvalContext) Resolve(ref string) Primitive {
	r, err := ParseRangeRef(ref)
	if err != nil {
		return NewSpreadsheetError(ErrorCodeRef, err.Error())
	}
	if (ec.bounds.MaxRows > 0 && r.EndRow >= ec.bounds.MaxRows) ||
		(ec.bounds.MaxColumns > 0 && r.EndColumn >= ec.bounds.MaxColumns) {
		return NewSpreadsheetError(ErrorCodeRef, "reference "+ref+" is out of bounds")
	}
	if r.Size() == 1 {
		return ec.Value(Address{Row: r.StartRow, Column: r.StartColumn}.ID())
	}
	if ec.bounds.MaxRangeCells > 0 && r.Size() > ec.bounds.MaxRangeCells {
		return NewSpreadsheetError(ErrorCodeRef, "range "+ref+" is too large")
	}
	return NewRangeValue(r.Cells(), ec.Value)
}

// recordValue is the value a cell contributes to the formulas reading it
func recordValue(record CellRecord) Primitive {
	if !record.IsFormula() {
		return ParseLiteral(record.RawText)
	}
	if record.Error != nil {
		if err, ok := record.ComputedValue.(*SpreadsheetError); ok {
			return err
		}
		return NewSpreadsheetError(*record.Error, "")
	}
	return record.ComputedValue
}

// Evaluator computes the value of compiled formulas. it holds no state
// between calls and never writes to the grid.
type Evaluator struct {
	registry *Registry
}

// NewEvaluator creates an evaluator dispatching calls to registry
func NewEvaluator(registry *Registry) *Evaluator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Evaluator{registry: registry}
}

// Evaluate computes the value of a formula. every failure is returned as
// a *SpreadsheetError value.
func (e *Evaluator) Evaluate(f *Formula, ctx *EvalContext) Primitive {
	if f.Err != nil {
		return f.Err.CellError()
	}
	if f.Root == nil {
		return NewSpreadsheetError(ErrorCodeParse, "empty formula")
	}

	switch result := e.eval(f.Root, ctx).(type) {
	case nil:
		return 0.0
	case Range:
		return NewSpreadsheetError(ErrorCodeValue, "a range cannot be the result of a formula")
	default:
		return result
	}
}

func (e *Evaluator) eval(node Node, ctx *EvalContext) Primitive {
	switch n := node.(type) {
	case *NumberNode:
		return n.Value
	case *StringNode:
		return n.Value
	case *BooleanNode:
		return n.Value
	case *ErrorNode:
		return NewSpreadsheetError(n.Code, "")
	case *CellRefNode:
		return ctx.Value(n.Cell)
	case *RangeNode:
		return NewRangeValue(n.Cells, ctx.Value)
	case *NameNode:
		return NewSpreadsheetError(ErrorCodeName, "unknown name "+n.String())
	case *UnaryOpNode:
		return e.evalUnary(n, ctx)
	case *BinaryOpNode:
		return e.evalBinary(n, ctx)
	case *FunctionCallNode:
		args := make([]Primitive, len(n.Args))
		for i, arg := range n.Args {
			args[i] = e.eval(arg, ctx)
		}
		return e.registry.Call(n.Name, args, ctx)
	default:
		return NewSpreadsheetError(ErrorCodeValue, "unsupported expression")
	}
}

// scalar rejects ranges where a single value is expected
func scalar(value Primitive) Primitive {
	if _, isRange := value.(Range); isRange {
		return NewSpreadsheetError(ErrorCodeValue, "a range cannot be used as a single value")
	}
	return value
}

func (e *Evaluator) evalUnary(n *UnaryOpNode, ctx *EvalContext) Primitive {
	val := scalar(e.eval(n.Operand, ctx))
	if err := checkForError(val); err != nil {
		return err
	}

	num, ok := toNumber(val)
	if !ok {
		return NewSpreadsheetError(ErrorCodeValue, "operator "+unaryOpSymbol(n.Op)+" requires a numeric value")
	}

	switch n.Op {
	case UnaryOpMinus:
		return -num
	case UnaryOpPercent:
		return num / 100
	default:
		return num
	}
}

func unaryOpSymbol(op UnaryOp) string {
	switch op {
	case UnaryOpMinus:
		return "-"
	case UnaryOpPercent:
		return "%"
	default:
		return "+"
	}
}

func (e *Evaluator) evalBinary(n *BinaryOpNode, ctx *EvalContext) Primitive {
	left := scalar(e.eval(n.Left, ctx))
	right := scalar(e.eval(n.Right, ctx))

	// errors propagate left to right
	if err := checkForError(left); err != nil {
		return err
	}
	if err := checkForError(right); err != nil {
		return err
	}

	switch n.Op {
	case BinOpConcat:
		return toText(left) + toText(right)
	case BinOpEqual:
		return comparePrimitives(left, right) == 0
	case BinOpNotEqual:
		return comparePrimitives(left, right) != 0
	case BinOpLess:
		return comparePrimitives(left, right) < 0
	case BinOpLessEqual:
		return comparePrimitives(left, right) <= 0
	case BinOpGreater:
		return comparePrimitives(left, right) > 0
	case BinOpGreaterEqual:
		return comparePrimitives(left, right) >= 0
	}

	leftNum, leftOk := toNumber(left)
	rightNum, rightOk := toNumber(right)
	if !leftOk || !rightOk {
		return NewSpreadsheetError(ErrorCodeValue, "operator "+n.Op.String()+" requires numeric values")
	}

	var result float64
	switch n.Op {
	case BinOpAdd:
		result = leftNum + rightNum
	case BinOpSubtract:
		result = leftNum - rightNum
	case BinOpMultiply:
		result = leftNum * rightNum
	case BinOpDivide:
		if rightNum == 0 {
			return NewSpreadsheetError(ErrorCodeDiv0, "division by zero")
		}
		result = leftNum / rightNum
	case BinOpPower:
		if leftNum == 0 && rightNum < 0 {
			return NewSpreadsheetError(ErrorCodeDiv0, "division by zero")
		}
		result = math.Pow(leftNum, rightNum)
	default:
		return NewSpreadsheetError(ErrorCodeValue, "unknown operator")
	}
	return checkNumber(result)
}

// checkNumber turns NaN and infinities into #NUM!
func checkNumber(num float64) Primitive {
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return NewSpreadsheetError(ErrorCodeNum, "number is not representable")
	}
	return num
}

// checkForError returns the error if value is a *SpreadsheetError, nil otherwise
func checkForError(value Primitive) *SpreadsheetError {
	if err, ok := value.(*SpreadsheetError); ok {
		return err
	}
	return nil
}

// toNumber converts value to number, returning ok=false if conversion fails.
// numeric text becomes its number and TRUE/FALSE text becomes 1/0.
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if num, ok := parseNumberLiteral(trimmed); ok {
			return num, true
		}
		if b, ok := toBoolean(trimmed); ok {
			if b {
				return 1, true
			}
			return 0, true
		}
		return 0, false
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toBoolean coerces boolean-like values
func toBoolean(value Primitive) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "TRUE":
			return true, true
		case "FALSE":
			return false, true
		}
		return false, false
	case nil:
		return false, true
	default:
		return false, false
	}
}

// toText converts value to its display text
func toText(value Primitive) string {
	return FormatValue(value)
}

// isTruthy checks if value is truthy
func isTruthy(value Primitive) bool {
	if b, ok := toBoolean(value); ok {
		return b
	}
	if s, ok := value.(string); ok {
		return s != ""
	}
	return true
}

// type ranks used when comparing values of different kinds
const (
	rankNumber = iota
	rankText
	rankBoolean
)

func valueRank(value Primitive) int {
	switch value.(type) {
	case bool:
		return rankBoolean
	case string:
		return rankText
	default:
		return rankNumber
	}
}

// comparePrimitives compares two primitive values. returns -1 if left < right,
// 0 if equal, 1 if left > right. an empty value compares as the zero value
// of the other side; numeric text compares as a number; other text compares
// case-insensitively; values of different kinds order as numbers < text <
// booleans.
func comparePrimitives(left, right Primitive) int {
	// handle nil values
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		left = zeroLike(right)
	}
	if right == nil {
		right = zeroLike(left)
	}

	// try numeric comparison first, booleans only compare with booleans
	_, leftIsBool := left.(bool)
	_, rightIsBool := right.(bool)
	if !leftIsBool && !rightIsBool {
		leftNum, leftIsNum := numericValue(left)
		rightNum, rightIsNum := numericValue(right)
		if leftIsNum && rightIsNum {
			return compareOrdered(leftNum, rightNum)
		}
	}

	leftRank, rightRank := valueRank(left), valueRank(right)
	if leftRank != rightRank {
		return compareOrdered(leftRank, rightRank)
	}

	switch l := left.(type) {
	case bool:
		r := right.(bool)
		if l == r {
			return 0
		} else if !l && r {
			return -1
		}
		return 1
	case string:
		fold := cases.Fold()
		return strings.Compare(fold.String(l), fold.String(right.(string)))
	}
	return 0
}

// numericValue reads numbers and numeric text, not booleans or other text
func numericValue(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		return parseNumberLiteral(strings.TrimSpace(v))
	}
	return 0, false
}

func zeroLike(value Primitive) Primitive {
	switch value.(type) {
	case string:
		return ""
	case bool:
		return false
	default:
		return 0.0
	}
}

func compareOrdered[T int | float64](a, b T) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

// valuesEqual reports whether two computed values are the same for the
// purpose of version tracking
func valuesEqual(a, b Primitive) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || (math.IsNaN(av) && math.IsNaN(bv)))
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case *SpreadsheetError:
		bv, ok := b.(*SpreadsheetError)
		return ok && av.ErrorCode == bv.ErrorCode && av.Message == bv.Message
	default:
		return false
	}
}
