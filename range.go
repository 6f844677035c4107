package recalc

import (
	"fmt"
	"iter"
	"sort"
	"strings"
)

// RangeAddress is a rectangular block of cells, normalised so that Start is
// the top-left corner
type RangeAddress struct {
	StartRow    uint32
	StartColumn uint32
	EndRow      uint32
	EndColumn   uint32
}

// NewRangeAddress builds a normalised range from two corners in any order
func NewRangeAddress(a, b Address) RangeAddress {
	r := RangeAddress{StartRow: a.Row, StartColumn: a.Column, EndRow: b.Row, EndColumn: b.Column}
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartColumn > r.EndColumn {
		r.StartColumn, r.EndColumn = r.EndColumn, r.StartColumn
	}
	return r
}

// ParseRangeRef parses "A1:B3" or a single "C4" into a range address
func ParseRangeRef(s string) (RangeAddress, error) {
	tokens, perr := NewLexerForReference(strings.TrimSpace(s)).Tokenize()
	if perr != nil {
		return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid reference %q: %s", s, perr.Reason))
	}
	if len(tokens) != 2 {
		return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid reference %q", s))
	}
	start, end, _ := strings.Cut(tokens[0].Value, ":")
	if end == "" {
		end = start
	}
	a, err := parseAddress(start)
	if err != nil {
		return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid reference %q: %v", s, err))
	}
	b, err := parseAddress(end)
	if err != nil {
		return RangeAddress{}, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid reference %q: %v", s, err))
	}
	return NewRangeAddress(a, b), nil
}

// Contains checks if a cell is within the range
func (r RangeAddress) Contains(a Address) bool {
	return a.Row >= r.StartRow && a.Row <= r.EndRow &&
		a.Column >= r.StartColumn && a.Column <= r.EndColumn
}

// Size returns the number of cells covered
func (r RangeAddress) Size() uint64 {
	return uint64(r.EndRow-r.StartRow+1) * uint64(r.EndColumn-r.StartColumn+1)
}

// Cells lists the covered cell ids in row-major order
func (r RangeAddress) Cells() []CellID {
	cells := make([]CellID, 0, r.Size())
	for row := r.StartRow; row <= r.EndRow; row++ {
		for col := r.StartColumn; col <= r.EndColumn; col++ {
			cells = append(cells, Address{Row: row, Column: col}.ID())
		}
	}
	return cells
}

func (r RangeAddress) String() string {
	start := Address{Row: r.StartRow, Column: r.StartColumn}.ID()
	end := Address{Row: r.EndRow, Column: r.EndColumn}.ID()
	if start == end {
		return string(start)
	}
	return string(start) + ":" + string(end)
}

// NamedRangeTable maps names to range definitions. names referenced by
// formulas before they are defined are tracked as undefined so a later
// definition can be picked up.
type NamedRangeTable struct {
	defined   map[string]RangeAddress // NAME -> address
	undefined map[string]struct{}     // referenced but not defined
	refCounts map[string]int          // NAME -> number of formulas using it
	spellings map[string]string       // NAME -> name as first defined
}

// NewNamedRangeTable creates a new named range table
func NewNamedRangeTable() *NamedRangeTable {
	return &NamedRangeTable{
		defined:   make(map[string]RangeAddress),
		undefined: make(map[string]struct{}),
		refCounts: make(map[string]int),
		spellings: make(map[string]string),
	}
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// ValidateName checks that a name can be used as a named range: it starts
// with a letter or underscore, contains only letters, digits and
// underscores, and cannot be mistaken for a cell reference or boolean
func ValidateName(name string) error {
	if name == "" {
		return NewApplicationError(InvalidArgument, "name must not be empty")
	}
	for i, ch := range name {
		if isASCIILetter(ch) || ch == charUnderscore || (i > 0 && isDigit(ch)) {
			continue
		}
		return NewApplicationError(InvalidArgument, fmt.Sprintf("invalid character %q in name %q", ch, name))
	}
	upper := normalizeName(name)
	if isCell(name) || upper == "TRUE" || upper == "FALSE" {
		return NewApplicationError(InvalidArgument, fmt.Sprintf("name %q is reserved", name))
	}
	return nil
}

// Define defines or redefines a named range
func (nrt *NamedRangeTable) Define(name string, address RangeAddress) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	key := normalizeName(name)
	nrt.defined[key] = address
	delete(nrt.undefined, key)
	if _, exists := nrt.spellings[key]; !exists {
		nrt.spellings[key] = name
	}
	return nil
}

// Undefine removes a definition. if formulas still refer to the name it
// stays tracked as undefined.
func (nrt *NamedRangeTable) Undefine(name string) bool {
	key := normalizeName(name)
	if _, exists := nrt.defined[key]; !exists {
		return false
	}
	delete(nrt.defined, key)
	if nrt.refCounts[key] > 0 {
		nrt.undefined[key] = struct{}{}
	} else {
		delete(nrt.spellings, key)
	}
	return true
}

// Resolve returns the address of a defined name
func (nrt *NamedRangeTable) Resolve(name string) (RangeAddress, bool) {
	addr, exists := nrt.defined[normalizeName(name)]
	return addr, exists
}

// AddReference records that a formula uses the name
func (nrt *NamedRangeTable) AddReference(name string) {
	key := normalizeName(name)
	nrt.refCounts[key]++
	if _, exists := nrt.defined[key]; !exists {
		nrt.undefined[key] = struct{}{}
	}
}

// RemoveReference drops one use of the name. undefined names with no uses
// left are forgotten.
func (nrt *NamedRangeTable) RemoveReference(name string) {
	key := normalizeName(name)
	if nrt.refCounts[key] <= 1 {
		delete(nrt.refCounts, key)
		if _, isUndefined := nrt.undefined[key]; isUndefined {
			delete(nrt.undefined, key)
		}
		return
	}
	nrt.refCounts[key]--
}

// ReferenceCount returns how many formulas use the name
func (nrt *NamedRangeTable) ReferenceCount(name string) int {
	return nrt.refCounts[normalizeName(name)]
}

// Defined returns all defined names (as first spelled) and their addresses
func (nrt *NamedRangeTable) Defined() map[string]RangeAddress {
	result := make(map[string]RangeAddress, len(nrt.defined))
	for key, addr := range nrt.defined {
		result[nrt.spellings[key]] = addr
	}
	return result
}

// Undefined returns names used by formulas but not defined, sorted
func (nrt *NamedRangeTable) Undefined() []string {
	result := make([]string, 0, len(nrt.undefined))
	for key := range nrt.undefined {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}

// Clear removes all names
func (nrt *NamedRangeTable) Clear() {
	nrt.defined = make(map[string]RangeAddress)
	nrt.undefined = make(map[string]struct{})
	nrt.refCounts = make(map[string]int)
	nrt.spellings = make(map[string]string)
}

// Range is the value a range reference evaluates to. functions receive it
// as an argument and iterate it lazily.
type Range interface {
	Cells() []CellID
	Len() int
	IterateValues() iter.Seq[Primitive]
}

// RangeValue implements Range over a static cell list, reading values
// through a lookup function at iteration time
type RangeValue struct {
	cells  []CellID
	lookup func(CellID) Primitive
}

// NewRangeValue creates a range over cells resolved with lookup
func NewRangeValue(cells []CellID, lookup func(CellID) Primitive) *RangeValue {
	return &RangeValue{cells: cells, lookup: lookup}
}

func (r *RangeValue) Cells() []CellID {
	return r.cells
}

func (r *RangeValue) Len() int {
	return len(r.cells)
}

// IterateValues yields cell values in row-major order
func (r *RangeValue) IterateValues() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, id := range r.cells {
			if !yield(r.lookup(id)) {
				return
			}
		}
	}
}
