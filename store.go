package recalc

import (
	"fmt"
	"iter"
	"sort"
	"sync"
)

// Snapshot is a read-only view of the cells of a grid
type Snapshot interface {
	Get(id CellID) (CellRecord, bool)
}

// DataStore owns the cell records. the engine reads raw text through it
// and commits computed values with SetComputed; it never creates or
// removes cells.
type DataStore interface {
	Snapshot
	SetComputed(id CellID, value Primitive, display string, code *ErrorCode) error
	// Cells yields every cell in row-major order
	Cells() iter.Seq[CellRecord]
}

// ChunkKey represents the key for indexing chunks in MemoryStore
type ChunkKey struct {
	ChunkRow uint32
	ChunkCol uint32
}

const (
	ChunkRows uint32 = 256 // rows per chunk
	ChunkCols uint32 = 256 // columns per chunk
)

// chunk is a 256x256 region of cells. only occupied positions hold a
// record.
type chunk struct {
	records map[uint32]*CellRecord // local row-major index -> record
}

// MemoryStore is an in-memory DataStore. cells are partitioned into sparse
// 256x256 chunks so that memory follows the occupied regions. it is safe
// for concurrent use, though a recalculation pass assumes no other writer.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[ChunkKey]*chunk
	count  int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks: make(map[ChunkKey]*chunk),
	}
}

func locate(id CellID) (ChunkKey, uint32, error) {
	addr, err := id.Address()
	if err != nil {
		return ChunkKey{}, 0, NewApplicationError(InvalidArgument, fmt.Sprintf("invalid cell id %q: %v", id, err))
	}
	key := ChunkKey{ChunkRow: addr.Row / ChunkRows, ChunkCol: addr.Column / ChunkCols}
	idx := (addr.Row%ChunkRows)*ChunkCols + addr.Column%ChunkCols
	return key, idx, nil
}

// Set stores the raw text of a cell. literal cells get their value right
// away; formula cells are left without a value until the next pass. empty
// text removes the cell.
func (ms *MemoryStore) Set(id CellID, raw string) error {
	if raw == "" {
		return ms.Remove(id)
	}
	canonical, err := ParseCellID(string(id))
	if err != nil {
		return err
	}
	key, idx, err := locate(canonical)
	if err != nil {
		return err
	}

	record := &CellRecord{ID: canonical, RawText: raw, Kind: KindLiteral}
	if isFormulaText(raw) {
		record.Kind = KindFormula
	} else {
		value := ParseLiteral(raw)
		record.ComputedValue = value
		record.DisplayText = FormatValue(value)
		if cellErr := checkForError(value); cellErr != nil {
			code := cellErr.ErrorCode
			record.Error = &code
		}
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	c, exists := ms.chunks[key]
	if !exists {
		c = &chunk{records: make(map[uint32]*CellRecord)}
		ms.chunks[key] = c
	}
	if _, occupied := c.records[idx]; !occupied {
		ms.count++
	}
	c.records[idx] = record
	return nil
}

// Get retrieves a copy of a cell record
func (ms *MemoryStore) Get(id CellID) (CellRecord, bool) {
	key, idx, err := locate(id)
	if err != nil {
		return CellRecord{}, false
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	c, exists := ms.chunks[key]
	if !exists {
		return CellRecord{}, false
	}
	record, exists := c.records[idx]
	if !exists {
		return CellRecord{}, false
	}
	return *record, true
}

// SetComputed commits the result of a formula cell
func (ms *MemoryStore) SetComputed(id CellID, value Primitive, display string, code *ErrorCode) error {
	key, idx, err := locate(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	c, exists := ms.chunks[key]
	if !exists {
		return NewApplicationError(NotFound, fmt.Sprintf("cell %s not found", id))
	}
	record, exists := c.records[idx]
	if !exists {
		return NewApplicationError(NotFound, fmt.Sprintf("cell %s not found", id))
	}
	record.ComputedValue = value
	record.DisplayText = display
	record.Error = code
	return nil
}

// Remove deletes a cell
func (ms *MemoryStore) Remove(id CellID) error {
	key, idx, err := locate(id)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	c, exists := ms.chunks[key]
	if !exists {
		return nil
	}
	if _, occupied := c.records[idx]; !occupied {
		return nil
	}
	delete(c.records, idx)
	ms.count--

	// drop chunks that became empty
	if len(c.records) == 0 {
		delete(ms.chunks, key)
	}
	return nil
}

// Value returns the value formulas see for a cell
func (ms *MemoryStore) Value(id CellID) Primitive {
	record, exists := ms.Get(id)
	if !exists {
		return nil
	}
	return recordValue(record)
}

// Cells yields copies of all records in row-major order. the set of cells
// is captured when iteration starts.
func (ms *MemoryStore) Cells() iter.Seq[CellRecord] {
	return func(yield func(CellRecord) bool) {
		type entry struct {
			addr   Address
			record CellRecord
		}

		ms.mu.RLock()
		entries := make([]entry, 0, ms.count)
		for key, c := range ms.chunks {
			for idx, record := range c.records {
				addr := Address{
					Row:    key.ChunkRow*ChunkRows + idx/ChunkCols,
					Column: key.ChunkCol*ChunkCols + idx%ChunkCols,
				}
				entries = append(entries, entry{addr: addr, record: *record})
			}
		}
		ms.mu.RUnlock()

		sort.Slice(entries, func(i, j int) bool { return entries[i].addr.Less(entries[j].addr) })
		for _, e := range entries {
			if !yield(e.record) {
				return
			}
		}
	}
}

// Len returns the number of stored cells
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.count
}

// ChunkCount returns the number of allocated chunks
func (ms *MemoryStore) ChunkCount() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.chunks)
}
