package recalc

// CellIndex interns cell ids and remembers the order in which they were
// first seen. the sequence number is the tie breaker for topological order,
// so it survives edge resets and is only dropped by Clear.
type CellIndex struct {
	ids     map[CellID]uint32
	reverse []CellID // seq-1 -> id
}

// NewCellIndex creates a new cell index
func NewCellIndex() *CellIndex {
	return &CellIndex{
		ids: make(map[CellID]uint32),
	}
}

// Intern adds a cell id to the index if it is new. returns its sequence
// number, starting at 1; 0 is reserved for unknown cells.
func (ci *CellIndex) Intern(id CellID) uint32 {
	if seq, exists := ci.ids[id]; exists {
		return seq
	}
	ci.reverse = append(ci.reverse, id)
	seq := uint32(len(ci.reverse))
	ci.ids[id] = seq
	return seq
}

// Seq returns the sequence number of a cell, 0 if it was never interned
func (ci *CellIndex) Seq(id CellID) uint32 {
	return ci.ids[id]
}

// Contains checks if a cell id exists in the index and returns its
// sequence number
func (ci *CellIndex) Contains(id CellID) (uint32, bool) {
	seq, exists := ci.ids[id]
	return seq, exists
}

// CellAt retrieves a cell id by its sequence number
func (ci *CellIndex) CellAt(seq uint32) (CellID, bool) {
	if seq == 0 || int(seq) > len(ci.reverse) {
		return "", false
	}
	return ci.reverse[seq-1], true
}

// Count returns the number of interned cells
func (ci *CellIndex) Count() int {
	return len(ci.reverse)
}

// Clear forgets every cell
func (ci *CellIndex) Clear() {
	ci.ids = make(map[CellID]uint32)
	ci.reverse = nil
}
