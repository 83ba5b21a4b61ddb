package objectimage

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const prefetchInterval = 125 * time.Millisecond

// prefetchBatch is how many chunk-grid cells prefetcher warms per
// EnsureRange call. Batching turns what would otherwise be one remote
// request per chunk into one request per batch on a cold cache, the same
// coalescing chunker.ensureData already does for foreground reads.
const prefetchBatch = 4 * chunkSize

// prefetcher warms the cache from the middle of the image outward in both
// directions, on the theory that a guest's boot path touches the start and
// end of a disk image roughly symmetrically. Unlike touching the chunker
// through its byte-copying ReadAt with an empty buffer, prefetcher calls
// EnsureRange directly: this both fixes a no-op prefetch for zero-length
// reads and lets each step skip its throttling sleep once a batch turns
// out to already be cached, so warming a range a foreground read already
// populated doesn't cost the same pacing delay as fetching a cold one.
type prefetcher struct {
	chunker *chunker
	ctx     context.Context
	size    int64
}

func newPrefetcher(ctx context.Context, chunker *chunker, size int64) *prefetcher {
	return &prefetcher{ctx: ctx, chunker: chunker, size: size}
}

func (p *prefetcher) Start() error {
	middle := p.size / 2

	g, ctx := errgroup.WithContext(p.ctx)

	g.Go(func() error { return p.sweep(ctx, middle, 0, -prefetchBatch) })
	g.Go(func() error { return p.sweep(ctx, middle, p.size, prefetchBatch) })

	return g.Wait()
}

// sweep warms prefetchBatch-sized ranges starting at from and walking
// toward to in steps of stride (negative for a descending walk). It sleeps
// prefetchInterval between steps only when the step actually fetched
// something from the remote object.
func (p *prefetcher) sweep(ctx context.Context, from, to, stride int64) error {
	for off := from; (stride < 0 && off > to) || (stride > 0 && off < to); off += stride {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		length := prefetchBatch
		if stride < 0 && off-length < 0 {
			length = off
		}
		if stride > 0 && off+length > to {
			length = to - off
		}
		if length <= 0 {
			continue
		}

		start := off
		if stride < 0 {
			start = off - length
		}

		fetched, err := p.chunker.EnsureRange(start, length)
		if err != nil {
			return err
		}
		if fetched {
			time.Sleep(prefetchInterval)
		}
	}
	return nil
}
