package recalc

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

type cacheEntry struct {
	fingerprint uint64
	value       Primitive
}

// CacheStats reports cumulative cache activity
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// ResultCache memoizes formula results by fingerprint and tracks a version
// counter per cell. a version moves only when the observed value of a cell
// actually changes, which is the only signal that reaches dependents.
type ResultCache struct {
	entries  map[CellID]cacheEntry
	versions map[CellID]uint64
	observed map[CellID]Primitive // last value seen per cell
	hits     uint64
	misses   uint64
}

// NewResultCache creates an empty cache
func NewResultCache() *ResultCache {
	return &ResultCache{
		entries:  make(map[CellID]cacheEntry),
		versions: make(map[CellID]uint64),
		observed: make(map[CellID]Primitive),
	}
}

// Fingerprint hashes the identity of a cell's formula and edge set with the
// current version of every dependency. deps must be in a stable order.
func (c *ResultCache) Fingerprint(cell CellID, text string, deps []CellID) uint64 {
	d := xxhash.New()
	var buf [8]byte

	_, _ = d.WriteString(string(cell))
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(text)
	_, _ = d.Write([]byte{0})
	for _, dep := range deps {
		_, _ = d.WriteString(string(dep))
		binary.LittleEndian.PutUint64(buf[:], c.versions[dep])
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// GetOrCompute returns the cached value when the stored fingerprint
// matches, otherwise it calls compute and stores the result. the second
// return value reports a hit.
func (c *ResultCache) GetOrCompute(cell CellID, fingerprint uint64, compute func() Primitive) (Primitive, bool) {
	if entry, exists := c.entries[cell]; exists && entry.fingerprint == fingerprint {
		c.hits++
		return entry.value, true
	}

	c.misses++
	value := compute()
	c.entries[cell] = cacheEntry{fingerprint: fingerprint, value: value}
	return value, false
}

// Observe records the current value of a cell and bumps its version if the
// value differs from the last one seen. a cell never seen before counts as
// empty. returns true on a bump.
func (c *ResultCache) Observe(cell CellID, value Primitive) bool {
	if valuesEqual(c.observed[cell], value) {
		return false
	}
	if value == nil {
		delete(c.observed, cell)
	} else {
		c.observed[cell] = value
	}
	c.versions[cell]++
	return true
}

// Version returns the version counter of a cell
func (c *ResultCache) Version(cell CellID) uint64 {
	return c.versions[cell]
}

// Invalidate drops the cached result of a cell so the next lookup misses.
// the version is kept.
func (c *ResultCache) Invalidate(cell CellID) {
	delete(c.entries, cell)
}

// Forget drops the cached result and records the cell as empty
func (c *ResultCache) Forget(cell CellID) {
	delete(c.entries, cell)
	c.Observe(cell, nil)
}

// Stats returns cumulative hits and misses
func (c *ResultCache) Stats() CacheStats {
	return CacheStats{Hits: c.hits, Misses: c.misses, Entries: len(c.entries)}
}

// Len returns the number of cached results
func (c *ResultCache) Len() int {
	return len(c.entries)
}

// Clear drops every entry and version
func (c *ResultCache) Clear() {
	c.entries = make(map[CellID]cacheEntry)
	c.versions = make(map[CellID]uint64)
	c.observed = make(map[CellID]Primitive)
	c.hits = 0
	c.misses = 0
}
