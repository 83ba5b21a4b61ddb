package objectimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// chunkSize must be a multiple of, and at least as large as, the device
// block size: it's the grid the chunker aligns fetch ranges to.
const chunkSize = 2 * 1024 * 1024

const concurrentFetches = 18

// chunker serves reads against a local mmapCache, fetching missing data
// from a remote object on demand. Unlike a fixed one-chunk-per-request
// grid, ensureData first coalesces the chunk-aligned grid cells a read
// actually needs into the fewest contiguous runs, so one sequential read
// spanning several missing chunks costs one remote request instead of one
// per chunk. Concurrent fetches of the same run are deduplicated with
// singleflight; fetchSemaphore bounds how many runs fetch at once.
type chunker struct {
	ctx context.Context

	base  io.ReaderAt
	cache *mmapCache

	fetchSemaphore *semaphore.Weighted
	fetchGroup     singleflight.Group
}

func newChunker(ctx context.Context, base io.ReaderAt, cache *mmapCache) *chunker {
	return &chunker{
		ctx:            ctx,
		base:           base,
		cache:          cache,
		fetchSemaphore: semaphore.NewWeighted(concurrentFetches),
	}
}

// run is a contiguous span of missing chunk-grid cells, expressed as a
// chunk index and count rather than a byte range.
type run struct {
	startChunk int64
	count      int64
}

// missingRuns walks the chunk grid covering [off, off+length) and groups
// consecutive not-yet-cached chunks into runs, so ensureData can fetch each
// run with a single remote read instead of one read per chunk.
func (c *chunker) missingRuns(off, length int64) []run {
	firstChunk := off / chunkSize
	lastChunk := (off + length - 1) / chunkSize

	var runs []run
	for idx := firstChunk; idx <= lastChunk; idx++ {
		if c.cache.isMarked(idx*chunkSize, chunkSize) {
			continue
		}
		if n := len(runs); n > 0 && runs[n-1].startChunk+runs[n-1].count == idx {
			runs[n-1].count++
			continue
		}
		runs = append(runs, run{startChunk: idx, count: 1})
	}
	return runs
}

// ensureData fetches every chunk-grid cell covering [off, off+length) that
// isn't already cached and reports whether any remote fetch actually
// happened, so a caller like prefetcher can tell "already warm" apart from
// "just fetched" without a separate cache lookup.
func (c *chunker) ensureData(off, length int64) (bool, error) {
	runs := c.missingRuns(off, length)
	if len(runs) == 0 {
		return false, nil
	}

	var eg errgroup.Group

	for _, r := range runs {
		r := r
		eg.Go(func() error {
			key := strconv.FormatInt(r.startChunk, 10) + ":" + strconv.FormatInt(r.count, 10)

			_, err, _ := c.fetchGroup.Do(key, func() (interface{}, error) {
				if err := c.fetchSemaphore.Acquire(c.ctx, 1); err != nil {
					return nil, fmt.Errorf("acquire fetch semaphore: %w", err)
				}
				defer c.fetchSemaphore.Release(1)

				if err := c.fetchRun(r); err != nil {
					return nil, fmt.Errorf("fetch chunks %d-%d: %w", r.startChunk, r.startChunk+r.count-1, err)
				}
				return nil, nil
			})
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		return false, fmt.Errorf("ensure data at %d-%d: %w", off, off+length, err)
	}

	return true, nil
}

func (c *chunker) ReadAt(p []byte, off int64) (int, error) {
	n, err := c.cache.ReadAt(p, off)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, errNotAvailable) {
		return 0, fmt.Errorf("read from cache at %d: %w", off, err)
	}

	if _, err := c.ensureData(off, int64(len(p))); err != nil {
		return 0, err
	}

	n, err = c.cache.ReadAt(p, off)
	if err != nil {
		return 0, fmt.Errorf("read from cache after fetch at %d: %w", off, err)
	}

	return n, nil
}

// EnsureRange fetches the chunk-grid cells covering length bytes from off,
// the same as ReadAt would trigger on a miss, without copying any bytes
// into a caller buffer. It reports whether a remote fetch actually ran, so
// prefetcher can distinguish warming a cold range from re-touching one
// that's already cached. This replaces the teacher's prefetch path of
// calling ReadAt with a zero-length buffer, which never reached
// ensureData at all (isMarked/ReadAt both short-circuit as a vacuous match
// on an empty range) — a limitation the teacher's own chunk.go noted in a
// TODO but left unfixed.
func (c *chunker) EnsureRange(off, length int64) (bool, error) {
	return c.ensureData(off, length)
}

// fetchRun reads an entire contiguous run in one remote call and writes it
// to the cache in one call, rather than the grid-sized reads a per-chunk
// fetch would issue.
func (c *chunker) fetchRun(r run) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}

	off := r.startChunk * chunkSize
	length := r.count * chunkSize

	b := make([]byte, length)

	_, err := c.base.ReadAt(b, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read run from remote: %w", err)
	}

	if _, err := c.cache.WriteAt(b, off); err != nil {
		return fmt.Errorf("write run to cache: %w", err)
	}

	return nil
}
