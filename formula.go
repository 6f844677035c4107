package recalc

import "sort"

// Formula is the compiled form of one formula cell. it is replaced as a
// whole whenever the raw text or a named range it uses changes.
type Formula struct {
	Text       string
	Root       Node
	References []CellID    // de-duplicated, row-major
	Names      []string    // identifiers, resolved or not, upper case
	Functions  []string    // called function names, upper case
	Volatile   bool        // calls a volatile function
	Err        *ParseError // set when Text failed to compile
}

// Key returns the canonical text of the tree. two formulas with the same
// structure (ignoring whitespace and reference anchors) share a key.
func (f *Formula) Key() string {
	if f.Root == nil {
		return ""
	}
	return f.Root.String()
}

// FormulaTable holds the compiled formula of every formula cell and tracks
// which cells use which named ranges
type FormulaTable struct {
	// core formula storage

	byCell map[CellID]*Formula
	shared map[string]int // canonical key -> number of cells using it

	// named range tracking

	namesUsed      map[CellID]map[string]struct{} // cell -> names it uses
	cellsUsingName map[string]map[CellID]struct{} // name -> cells using it
}

// NewFormulaTable creates a new formula table
func NewFormulaTable() *FormulaTable {
	return &FormulaTable{
		byCell:         make(map[CellID]*Formula),
		shared:         make(map[string]int),
		namesUsed:      make(map[CellID]map[string]struct{}),
		cellsUsingName: make(map[string]map[CellID]struct{}),
	}
}

// Set stores the compiled formula for a cell, replacing any previous one
func (ft *FormulaTable) Set(cell CellID, f *Formula) {
	ft.Remove(cell)
	ft.byCell[cell] = f
	if key := f.Key(); key != "" {
		ft.shared[key]++
	}
	if len(f.Names) == 0 {
		return
	}
	names := make(map[string]struct{}, len(f.Names))
	for _, name := range f.Names {
		names[name] = struct{}{}
		if ft.cellsUsingName[name] == nil {
			ft.cellsUsingName[name] = make(map[CellID]struct{})
		}
		ft.cellsUsingName[name][cell] = struct{}{}
	}
	ft.namesUsed[cell] = names
}

// Get returns the compiled formula of a cell
func (ft *FormulaTable) Get(cell CellID) (*Formula, bool) {
	f, exists := ft.byCell[cell]
	return f, exists
}

// Remove forgets the formula of a cell. returns the names it used so the
// caller can release them.
func (ft *FormulaTable) Remove(cell CellID) []string {
	f, exists := ft.byCell[cell]
	if !exists {
		return nil
	}
	delete(ft.byCell, cell)
	if key := f.Key(); key != "" {
		if ft.shared[key] <= 1 {
			delete(ft.shared, key)
		} else {
			ft.shared[key]--
		}
	}

	var released []string
	for name := range ft.namesUsed[cell] {
		released = append(released, name)
		if cells, ok := ft.cellsUsingName[name]; ok {
			delete(cells, cell)
			if len(cells) == 0 {
				delete(ft.cellsUsingName, name)
			}
		}
	}
	delete(ft.namesUsed, cell)
	sort.Strings(released)
	return released
}

// CellsUsingName returns the cells whose formula mentions the name
func (ft *FormulaTable) CellsUsingName(name string) []CellID {
	cells := ft.cellsUsingName[normalizeName(name)]
	result := make([]CellID, 0, len(cells))
	for cell := range cells {
		result = append(result, cell)
	}
	sortRowMajor(result)
	return result
}

// Cells returns the cells holding a formula, in row-major order
func (ft *FormulaTable) Cells() []CellID {
	result := make([]CellID, 0, len(ft.byCell))
	for cell := range ft.byCell {
		result = append(result, cell)
	}
	sortRowMajor(result)
	return result
}

// SharedCount returns how many cells hold a formula with the given
// canonical key
func (ft *FormulaTable) SharedCount(key string) int {
	return ft.shared[key]
}

// Len returns the number of compiled formulas
func (ft *FormulaTable) Len() int {
	return len(ft.byCell)
}

// Clear removes all formulas
func (ft *FormulaTable) Clear() {
	ft.byCell = make(map[CellID]*Formula)
	ft.shared = make(map[string]int)
	ft.namesUsed = make(map[CellID]map[string]struct{})
	ft.cellsUsingName = make(map[string]map[CellID]struct{})
}
