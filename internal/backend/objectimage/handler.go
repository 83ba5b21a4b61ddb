// Package objectimage is the reference backend.Handler: a remote
// object-store image (Google Cloud Storage), served through a local
// memory-mapped cache with chunked on-demand fetch and background
// prefetching. It is the Go-idiomatic analogue of spec.md's object-store
// reference back end, built on the teacher's actual remote-storage
// dependency (GCS) rather than Ceph/RBD.
package objectimage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"github.com/coldbit/nbdexport/internal/backend"
)

const (
	errnoIO    = 5  // EIO
	errnoRange = 34 // ERANGE
)

// Config names the remote object and local cache file an objectimage
// Handler serves. Bucket/Object play the role of spec.md's "pool name" and
// "image name" handshake fields.
type Config struct {
	Bucket    string
	Object    string
	CacheDir  string
	BlockSize int64
}

// Handler is a backend.Handler backed by a chunked, cached remote object.
// Read and Write requests are dispatched to their own goroutine so the
// caller is never blocked on network or cache I/O; completion is posted via
// Session.Reply once the underlying operation finishes.
type Handler struct {
	remote  *remoteObject
	cache   *mmapCache
	chunker *chunker

	size      int64
	blockSize int64

	cancel context.CancelFunc
}

// New builds a Handler for cfg, querying the remote object's size and
// preparing a local cache file of that size under cfg.CacheDir. It starts a
// background prefetch goroutine that logs (does not fail the handler) if
// prefetching errors out.
func New(ctx context.Context, client *storage.Client, cfg Config, onPrefetchErr func(error)) (*Handler, error) {
	hctx, cancel := context.WithCancel(ctx)

	remote := newRemoteObject(hctx, client, cfg.Bucket, cfg.Object)

	size, err := remote.Size()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("objectimage: %w", err)
	}

	cachePath := cfg.CacheDir + "/" + cfg.Bucket + "-" + cfg.Object + ".cache"

	cache, err := newMmapCache(size, cfg.BlockSize, cachePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("objectimage: %w", err)
	}

	ck := newChunker(hctx, remote, cache)

	pf := newPrefetcher(hctx, ck, size)
	go func() {
		if err := pf.Start(); err != nil && onPrefetchErr != nil && !errors.Is(err, context.Canceled) {
			onPrefetchErr(err)
		}
	}()

	return &Handler{
		remote:    remote,
		cache:     cache,
		chunker:   ck,
		size:      size,
		blockSize: cfg.BlockSize,
		cancel:    cancel,
	}, nil
}

// Factory adapts New into a backend.FactoryFunc, serving the object named
// by the export descriptor's "object" field and using cacheDir for scratch
// files. defaultBucket is used unless the export descriptor's "bucket"
// field overrides it.
func Factory(ctx context.Context, client *storage.Client, defaultBucket, cacheDir string, onPrefetchErr func(error)) backend.FactoryFunc {
	return func(name string, blockSize uint32, opts map[string]interface{}) (backend.Handler, error) {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("objectimage: prepare cache dir: %w", err)
		}

		bucket := defaultBucket
		if v, ok := opts["bucket"].(string); ok && v != "" {
			bucket = v
		}

		object, _ := opts["object"].(string)
		if object == "" {
			return nil, fmt.Errorf("objectimage: export descriptor requires a non-empty object")
		}

		return New(ctx, client, Config{
			Bucket:    bucket,
			Object:    object,
			CacheDir:  cacheDir,
			BlockSize: int64(blockSize),
		}, onPrefetchErr)
	}
}

func (h *Handler) Size() uint64 {
	return uint64(h.size)
}

func (h *Handler) Blocks(blockSize uint32) uint64 {
	if blockSize == 0 {
		return 0
	}
	return (h.Size() + uint64(blockSize) - 1) / uint64(blockSize)
}

func (h *Handler) Read(s backend.Session, cookie uint64, off uint64, length uint32) {
	go func() {
		if int64(off)+int64(length) > h.size {
			s.Reply(cookie, errnoRange, nil)
			return
		}

		buf := make([]byte, length)
		_, err := h.chunker.ReadAt(buf, int64(off))
		if err != nil {
			s.Reply(cookie, errnoIO, nil)
			return
		}

		s.Reply(cookie, 0, buf)
	}()
}

func (h *Handler) Write(s backend.Session, cookie uint64, off uint64, data []byte) {
	go func() {
		if int64(off)+int64(len(data)) > h.size {
			s.Reply(cookie, errnoRange, nil)
			return
		}

		if _, err := h.cache.WriteAt(data, int64(off)); err != nil {
			s.Reply(cookie, errnoIO, nil)
			return
		}

		s.Reply(cookie, 0, nil)
	}()
}

func (h *Handler) Flush(s backend.Session, cookie uint64) {
	go func() {
		if err := h.cache.Sync(); err != nil {
			s.Reply(cookie, errnoIO, nil)
			return
		}

		s.Reply(cookie, 0, nil)
	}()
}

func (h *Handler) Close() error {
	h.cancel()
	return h.cache.Close()
}

var _ io.ReaderAt = (*remoteObject)(nil)
