package recalc

import (
	"container/heap"
	"sort"
)

// DependencyGraph holds the dependency edges between cells. an edge runs
// from a dependent to the cell it reads; precedents and dependents are
// exact mirrors of each other at all times. the installed edges never
// form a cycle.
type DependencyGraph struct {
	index      *CellIndex
	precedents map[CellID]map[CellID]struct{} // cell -> cells it reads
	dependents map[CellID]map[CellID]struct{} // cell -> cells reading it
	installed  map[CellID]struct{}            // cells whose edges are in
}

// NewDependencyGraph creates a new dependency graph
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		index:      NewCellIndex(),
		precedents: make(map[CellID]map[CellID]struct{}),
		dependents: make(map[CellID]map[CellID]struct{}),
		installed:  make(map[CellID]struct{}),
	}
}

// Index returns the creation order index of the graph
func (dg *DependencyGraph) Index() *CellIndex {
	return dg.index
}

// SetEdges replaces the outgoing edges of cell with edges to refs. the old
// edges are always dropped; the new ones are installed only if they do not
// close a cycle, otherwise a *CycleError is returned and the cell is left
// without edges.
func (dg *DependencyGraph) SetEdges(cell CellID, refs []CellID) error {
	dg.RemoveEdges(cell)
	dg.index.Intern(cell)
	for _, ref := range refs {
		dg.index.Intern(ref)
	}

	if path, cycle := dg.CyclePath(cell, refs); cycle {
		return &CycleError{Cell: cell, Path: path}
	}

	if len(refs) > 0 {
		reads := make(map[CellID]struct{}, len(refs))
		for _, ref := range refs {
			reads[ref] = struct{}{}
			if dg.dependents[ref] == nil {
				dg.dependents[ref] = make(map[CellID]struct{})
			}
			dg.dependents[ref][cell] = struct{}{}
		}
		dg.precedents[cell] = reads
	}
	dg.installed[cell] = struct{}{}
	return nil
}

// RemoveEdges drops all outgoing edges of a cell and its installed mark.
// edges pointing at the cell are kept.
func (dg *DependencyGraph) RemoveEdges(cell CellID) {
	for ref := range dg.precedents[cell] {
		if readers, exists := dg.dependents[ref]; exists {
			delete(readers, cell)
			if len(readers) == 0 {
				delete(dg.dependents, ref)
			}
		}
	}
	delete(dg.precedents, cell)
	delete(dg.installed, cell)
}

// WouldCycle reports whether giving cell edges to refs would close a cycle
func (dg *DependencyGraph) WouldCycle(cell CellID, refs []CellID) bool {
	_, cycle := dg.CyclePath(cell, refs)
	return cycle
}

// CyclePath walks forward edges from each ref looking for cell. on a hit it
// returns the cells walked through, starting at the ref. the current
// outgoing edges of cell are ignored since SetEdges replaces them.
func (dg *DependencyGraph) CyclePath(cell CellID, refs []CellID) ([]CellID, bool) {
	// nothing reads cell, so only a self reference can loop
	if len(dg.dependents[cell]) == 0 {
		for _, ref := range refs {
			if ref == cell {
				return nil, true
			}
		}
		return nil, false
	}

	visited := make(map[CellID]struct{})
	var path []CellID

	var visit func(id CellID) bool
	visit = func(id CellID) bool {
		if id == cell {
			return true
		}
		if _, seen := visited[id]; seen {
			return false
		}
		visited[id] = struct{}{}
		path = append(path, id)
		for _, next := range dg.sorted(dg.precedents[id]) {
			if visit(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	for _, ref := range refs {
		if visit(ref) {
			return append([]CellID(nil), path...), true
		}
	}
	return nil, false
}

// DirectDependents returns the cells that read cell, in creation order
func (dg *DependencyGraph) DirectDependents(cell CellID) []CellID {
	return dg.sorted(dg.dependents[cell])
}

// DirectPrecedents returns the cells that cell reads, in creation order
func (dg *DependencyGraph) DirectPrecedents(cell CellID) []CellID {
	return dg.sorted(dg.precedents[cell])
}

// AffectedClosure returns every cell that transitively reads cell,
// excluding cell itself, in creation order
func (dg *DependencyGraph) AffectedClosure(cell CellID) []CellID {
	seen := map[CellID]struct{}{cell: {}}
	queue := []CellID{cell}
	var result []CellID

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for reader := range dg.dependents[current] {
			if _, visited := seen[reader]; visited {
				continue
			}
			seen[reader] = struct{}{}
			result = append(result, reader)
			queue = append(queue, reader)
		}
	}

	dg.sortByCreation(result)
	return result
}

// TopoOrder orders seeds and everything they transitively read so that
// every cell comes after the cells it reads. ties go to the cell created
// first.
func (dg *DependencyGraph) TopoOrder(seeds []CellID) []CellID {
	set := make(map[CellID]struct{}, len(seeds))
	stack := append([]CellID(nil), seeds...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, exists := set[id]; exists {
			continue
		}
		set[id] = struct{}{}
		for ref := range dg.precedents[id] {
			if _, exists := set[ref]; !exists {
				stack = append(stack, ref)
			}
		}
	}
	return dg.kahn(set)
}

// OrderWithin orders exactly the given cells, considering only the edges
// between them
func (dg *DependencyGraph) OrderWithin(cells []CellID) []CellID {
	set := make(map[CellID]struct{}, len(cells))
	for _, id := range cells {
		set[id] = struct{}{}
	}
	return dg.kahn(set)
}

// kahn runs Kahn's algorithm over the subgraph induced by set
func (dg *DependencyGraph) kahn(set map[CellID]struct{}) []CellID {
	inDegree := make(map[CellID]int, len(set))
	ready := &seqQueue{}
	for id := range set {
		dg.index.Intern(id)
		degree := 0
		for ref := range dg.precedents[id] {
			if _, inSet := set[ref]; inSet {
				degree++
			}
		}
		inDegree[id] = degree
		if degree == 0 {
			ready.items = append(ready.items, seqItem{id: id, seq: dg.index.Seq(id)})
		}
	}
	heap.Init(ready)

	order := make([]CellID, 0, len(set))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(seqItem).id
		order = append(order, id)
		for reader := range dg.dependents[id] {
			if _, inSet := set[reader]; !inSet {
				continue
			}
			inDegree[reader]--
			if inDegree[reader] == 0 {
				heap.Push(ready, seqItem{id: reader, seq: dg.index.Seq(reader)})
			}
		}
	}
	return order
}

// IsInstalled reports whether the cell's edges are in the graph
func (dg *DependencyGraph) IsInstalled(cell CellID) bool {
	_, exists := dg.installed[cell]
	return exists
}

// Installed returns the cells with installed edges, in creation order
func (dg *DependencyGraph) Installed() []CellID {
	return dg.sorted(dg.installed)
}

// NodeCount returns the number of cells taking part in any edge or
// marked installed
func (dg *DependencyGraph) NodeCount() int {
	nodes := make(map[CellID]struct{}, len(dg.installed)+len(dg.dependents))
	for id := range dg.installed {
		nodes[id] = struct{}{}
	}
	for id := range dg.precedents {
		nodes[id] = struct{}{}
	}
	for id := range dg.dependents {
		nodes[id] = struct{}{}
	}
	return len(nodes)
}

// EdgeCount returns the number of dependency edges
func (dg *DependencyGraph) EdgeCount() int {
	total := 0
	for _, reads := range dg.precedents {
		total += len(reads)
	}
	return total
}

// ResetEdges drops every edge but keeps the creation order
func (dg *DependencyGraph) ResetEdges() {
	dg.precedents = make(map[CellID]map[CellID]struct{})
	dg.dependents = make(map[CellID]map[CellID]struct{})
	dg.installed = make(map[CellID]struct{})
}

// Clear removes all edges and forgets the creation order
func (dg *DependencyGraph) Clear() {
	dg.ResetEdges()
	dg.index.Clear()
}

func (dg *DependencyGraph) sorted(set map[CellID]struct{}) []CellID {
	if len(set) == 0 {
		return nil
	}
	result := make([]CellID, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	dg.sortByCreation(result)
	return result
}

func (dg *DependencyGraph) sortByCreation(ids []CellID) {
	sort.Slice(ids, func(i, j int) bool {
		return dg.index.Seq(ids[i]) < dg.index.Seq(ids[j])
	})
}

type seqItem struct {
	id  CellID
	seq uint32
}

// seqQueue is a min-heap of cells by creation sequence
type seqQueue struct {
	items []seqItem
}

func (q *seqQueue) Len() int           { return len(q.items) }
func (q *seqQueue) Less(i, j int) bool { return q.items[i].seq < q.items[j].seq }
func (q *seqQueue) Swap(i, j int)      { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *seqQueue) Push(x any) {
	q.items = append(q.items, x.(seqItem))
}

func (q *seqQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	q.items = old[:n-1]
	return item
}
