package recalc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *ParserContext {
	context := DefaultParserContext()
	context.ResolveName = func(name string) (RangeAddress, bool) {
		switch normalizeName(name) {
		case "INPUTS":
			return NewRangeAddress(Address{Row: 0, Column: 0}, Address{Row: 2, Column: 0}), true
		case "RATE":
			return NewRangeAddress(Address{Row: 0, Column: 3}, Address{Row: 0, Column: 3}), true
		default:
			return RangeAddress{}, false
		}
	}
	return context
}

func parseFormula(t *testing.T, formula string) *Formula {
	t.Helper()
	f, err := Parse(formula, createTestContext())
	require.NoError(t, err, "formula %s", formula)
	return f
}

func TestParserBasicFormulas(t *testing.T) {
	validFormulas := []string{
		"=1+2",
		"=A1",
		"=$A$1",
		"=SUM(A1:A10)",
		"=SUM(B2:A1)",
		"=SUM(A1:A1)",
		"=SUM(A1:Z1000)",
		"=sum(a1, 2, \"x\")",
		"=PI()",
		"=IF(A1>0, \"pos\", IF(A1<0, \"neg\", \"zero\"))",
		"=#N/A",
		"=TRUE",
		"=50%",
		"=--1",
		"=A1 <> B1",
		"=A1 != B1",
		"=Inputs",
		"=Unknown",
		`="Hello 世界"`,
		`="Test 😀 emoji"`,
		`=CONCATENATE("Hello ", "世界")`,
	}

	for _, formula := range validFormulas {
		t.Run(formula, func(t *testing.T) {
			_, err := Parse(formula, createTestContext())
			assert.NoError(t, err)
		})
	}
}

func TestParserInvalidFormulas(t *testing.T) {
	invalidFormulas := []string{
		"",
		"1+2",
		"=",
		"=SUM(",
		"=A1:",
		`="hello`,
		"=1+",
		"=(1",
		"=1)",
		"=1,2",
		"=SUM(1,)",
		"=#BOGUS!",
		"=A$",
		"=1 2",
		"=*2",
	}

	for _, formula := range invalidFormulas {
		t.Run(formula, func(t *testing.T) {
			_, err := Parse(formula, createTestContext())
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, ErrorCodeParse, parseErr.Code)
			assert.Equal(t, ErrorCodeParse, parseErr.CellError().ErrorCode)
		})
	}
}

func TestParserPrecedence(t *testing.T) {
	tests := []struct {
		formula string
		key     string
	}{
		{"=1+2*3", "(1+(2*3))"},
		{"=(1+2)*3", "((1+2)*3)"},
		{"=1-2-3", "((1-2)-3)"},
		{"=2^3^2", "(2^(3^2))"},
		{"=-2^2", "(-2^2)"},
		{"=2*-3", "(2*-3)"},
		{"=50%*2", "((50%)*2)"},
		{"=1+2=3", "((1+2)=3)"},
		{"=1<2=TRUE", "((1<2)=TRUE)"},
		{`="a"&1+2`, `("a"&(1+2))`},
		{`="a"&B1=C1`, `("a"&(B1=C1))`},
		{"=1!=2", "(1<>2)"},
		{`="say ""hi"""`, `"say ""hi"""`},
		{"=sum(a1:b2, 3)", "SUM(A1:B2,3)"},
		{"=$b$2 + b2", "(B2+B2)"},
		{"=Unknown*2", "(UNKNOWN*2)"},
		{"=#div/0!", "#DIV/0!"},
		{"=1.50e1", "15"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			assert.Equal(t, tt.key, parseFormula(t, tt.formula).Key())
		})
	}
}

func TestParserReferences(t *testing.T) {
	tests := []struct {
		name      string
		formula   string
		refs      []CellID
		names     []string
		functions []string
	}{
		{
			name:    "single cells, de-duplicated",
			formula: "=B2+A1+$B$2",
			refs:    []CellID{"A1", "B2"},
		},
		{
			name:      "range expanded row-major",
			formula:   "=SUM(B2:A1)",
			refs:      []CellID{"A1", "B1", "A2", "B2"},
			functions: []string{"SUM"},
		},
		{
			name:      "named range",
			formula:   "=SUM(inputs)*Rate",
			refs:      []CellID{"A1", "D1", "A2", "A3"},
			names:     []string{"INPUTS", "RATE"},
			functions: []string{"SUM"},
		},
		{
			name:    "unresolved name",
			formula: "=Missing+1",
			names:   []string{"MISSING"},
		},
		{
			name:      "nested functions",
			formula:   "=ROUND(AVERAGE(C1:C2), 1)",
			refs:      []CellID{"C1", "C2"},
			functions: []string{"AVERAGE", "ROUND"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := parseFormula(t, tt.formula)
			if diff := cmp.Diff(tt.refs, f.References, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("references mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.names, f.Names)
			assert.Equal(t, tt.functions, f.Functions)
		})
	}
}

func TestParserNamedRangeNodes(t *testing.T) {
	f := parseFormula(t, "=Inputs")
	node, ok := f.Root.(*RangeNode)
	require.True(t, ok, "got %T", f.Root)
	assert.Equal(t, "INPUTS", node.Name)
	assert.Len(t, node.Cells, 3)

	f = parseFormula(t, "=Rate")
	ref, ok := f.Root.(*CellRefNode)
	require.True(t, ok, "got %T", f.Root)
	assert.Equal(t, CellID("D1"), ref.Cell)

	f = parseFormula(t, "=Nope")
	_, ok = f.Root.(*NameNode)
	assert.True(t, ok)
}

func TestParserBounds(t *testing.T) {
	context := &ParserContext{MaxRows: 100, MaxColumns: 26, MaxRangeCells: 50}

	tests := []struct {
		formula string
		code    ErrorCode
	}{
		{"=A101", ErrorCodeRef},
		{"=AA1", ErrorCodeRef},
		{"=SUM(A1:A101)", ErrorCodeRef},
		{"=SUM(A1:E20)", ErrorCodeRef},
	}
	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			_, err := Parse(tt.formula, context)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr))
			assert.Equal(t, tt.code, parseErr.Code)
		})
	}

	names := &ParserContext{
		MaxRows:       100,
		MaxColumns:    26,
		MaxRangeCells: 50,
		ResolveName: func(name string) (RangeAddress, bool) {
			switch normalizeName(name) {
			case "WIDE":
				return NewRangeAddress(Address{Row: 0, Column: 0}, Address{Row: 19, Column: 4}), true
			case "FAR":
				return NewRangeAddress(Address{Row: 150, Column: 0}, Address{Row: 150, Column: 0}), true
			default:
				return RangeAddress{}, false
			}
		},
	}
	for _, formula := range []string{"=SUM(Wide)", "=Far+1"} {
		_, err := Parse(formula, names)
		var parseErr *ParseError
		require.ErrorAs(t, err, &parseErr, formula)
		assert.Equal(t, ErrorCodeRef, parseErr.Code, formula)
	}

	_, err := Parse("=SUM(A1:E10)", context)
	assert.NoError(t, err)
	_, err = Parse("=XFD1048576", DefaultParserContext())
	assert.NoError(t, err)
	_, err = Parse("=XFE1", DefaultParserContext())
	assert.Error(t, err)
}

func TestParserPositions(t *testing.T) {
	f := parseFormula(t, "=1 + A1")
	bin, ok := f.Root.(*BinaryOpNode)
	require.True(t, ok)
	assert.Equal(t, NodePosition{Start: 1, End: 7}, bin.Position())

	_, err := Parse("=1 + * 2", nil)
	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, 5, parseErr.Position)
	assert.Contains(t, parseErr.Describe("=1 + * 2"), "\n     ^ ")
}

func TestParseLiteral(t *testing.T) {
	tests := []struct {
		raw      string
		expected Primitive
	}{
		{"42", 42.0},
		{"-3.5", -3.5},
		{"+7", 7.0},
		{"1e3", 1000.0},
		{"true", true},
		{"FALSE", false},
		{"hello", "hello"},
		{"12abc", "12abc"},
		{"  ", nil},
		{"A1", "A1"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLiteral(tt.raw))
		})
	}

	cellErr, ok := ParseLiteral("#REF!").(*SpreadsheetError)
	require.True(t, ok)
	assert.Equal(t, ErrorCodeRef, cellErr.ErrorCode)
}
