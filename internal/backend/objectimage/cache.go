package objectimage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/coldbit/nbdexport/internal/block"
)

// errNotAvailable is returned by mmapCache when the requested range has not
// yet been fetched from the remote object.
var errNotAvailable = errors.New("objectimage: bytes not available in cache")

// stripeCount bounds how many independent locks guard the cache's mmap
// region. A single whole-file RWMutex would serialize every read and write
// against the cache regardless of which blocks they touch; striping the
// lock by block index lets unrelated regions of the image proceed
// concurrently, which matters here since chunker dispatches fetches for
// disjoint ranges in parallel.
const stripeCount = 64

// mmapCache is a local, memory-mapped scratch file holding the chunks of a
// remote object that have already been fetched. Block availability is
// tracked with block.Marker, since both "never fetched" and "zero bytes"
// read as all-zero mmap content.
type mmapCache struct {
	locks     [stripeCount]sync.RWMutex
	marker    *block.Marker
	filePath  string
	size      int64
	blockSize int64
	mm        mmap.MMap
}

func newMmapCache(size, blockSize int64, filePath string) (*mmapCache, error) {
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("objectimage: open cache file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("objectimage: allocate cache file: %w", err)
	}

	mm, err := mmap.MapRegion(f, int(size), unix.PROT_READ|unix.PROT_WRITE, mmap.RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("objectimage: map cache file: %w", err)
	}

	return &mmapCache{
		mm:        mm,
		filePath:  filePath,
		size:      size,
		blockSize: blockSize,
		marker:    block.NewMarker(uint(size / blockSize)),
	}, nil
}

// stripesFor returns the set of stripe indices, in ascending order, whose
// locks must be held to safely touch [off, off+length). Callers must
// acquire them in the returned order and release in reverse, so two
// overlapping ranges can never deadlock against each other.
func (c *mmapCache) stripesFor(off, length int64) []int {
	seen := make(map[int64]bool, stripeCount)
	var out []int
	for i := off / c.blockSize; i*c.blockSize < off+length; i++ {
		s := i % stripeCount
		if !seen[s] {
			seen[s] = true
			out = append(out, int(s))
		}
	}
	sort.Ints(out)
	return out
}

func (c *mmapCache) rLockRange(off, length int64) func() {
	stripes := c.stripesFor(off, length)
	for _, s := range stripes {
		c.locks[s].RLock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			c.locks[stripes[i]].RUnlock()
		}
	}
}

func (c *mmapCache) lockRange(off, length int64) func() {
	stripes := c.stripesFor(off, length)
	for _, s := range stripes {
		c.locks[s].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			c.locks[stripes[i]].Unlock()
		}
	}
}

func (c *mmapCache) ReadAt(p []byte, off int64) (int, error) {
	if !c.isMarked(off, int64(len(p))) {
		return 0, errNotAvailable
	}

	end := off + int64(len(p))
	if end > c.size {
		end = c.size
	}

	unlock := c.rLockRange(off, end-off)
	defer unlock()

	return copy(p, c.mm[off:end]), nil
}

func (c *mmapCache) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > c.size {
		end = c.size
	}

	unlock := c.lockRange(off, end-off)
	n := copy(c.mm[off:end], p)
	unlock()

	c.mark(off, int64(n))

	return n, nil
}

// Sync flushes the whole mapped region, so it takes every stripe in a fixed
// order rather than computing a range; a targeted Sync(off, length) would
// be a straightforward extension via lockRange if a caller ever needs one.
func (c *mmapCache) Sync() error {
	c.lockAll()
	defer c.unlockAll()

	if err := c.mm.Flush(); err != nil {
		return fmt.Errorf("objectimage: flush cache: %w", err)
	}
	return nil
}

func (c *mmapCache) Close() error {
	c.lockAll()
	defer c.unlockAll()

	return errors.Join(c.mm.Unmap(), os.Remove(c.filePath))
}

func (c *mmapCache) lockAll() {
	for i := range c.locks {
		c.locks[i].Lock()
	}
}

func (c *mmapCache) unlockAll() {
	for i := len(c.locks) - 1; i >= 0; i-- {
		c.locks[i].Unlock()
	}
}

func (c *mmapCache) isMarked(off, length int64) bool {
	for i := off; i < off+length; i += c.blockSize {
		if !c.marker.IsMarked(i / c.blockSize) {
			return false
		}
	}
	return true
}

func (c *mmapCache) mark(off, length int64) {
	for i := off; i < off+length; i += c.blockSize {
		c.marker.Mark(i / c.blockSize)
	}
}
