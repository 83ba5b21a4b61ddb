// Package block holds small data-plane primitives shared by the back end
// implementations: a concurrency-safe per-block availability marker.
package block

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Marker tracks, per block index, whether that block's data is currently
// available. A cache or mock image uses it to distinguish "not yet
// fetched/written" from "zeroed", since both read as zero bytes otherwise.
type Marker struct {
	mu  sync.RWMutex
	set *bitset.BitSet
}

// NewMarker returns a Marker with size block slots, all initially unmarked.
func NewMarker(size uint) *Marker {
	return &Marker{set: bitset.New(size)}
}

// Mark records block index as available.
func (m *Marker) Mark(index int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.set.Set(uint(index))
}

// Unmark records block index as no longer available.
func (m *Marker) Unmark(index int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.set.Clear(uint(index))
}

// IsMarked reports whether block index is available.
func (m *Marker) IsMarked(index int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.set.Test(uint(index))
}

// All reports whether every block in [0, count) is marked.
func (m *Marker) All(count int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := int64(0); i < count; i++ {
		if !m.set.Test(uint(i)) {
			return false
		}
	}
	return true
}
