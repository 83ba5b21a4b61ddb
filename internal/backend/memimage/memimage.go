// Package memimage is an in-memory backend.Handler, useful for tests and for
// exporting a throwaway scratch device. It completes every request
// synchronously, from the calling goroutine, before returning.
package memimage

import (
	"fmt"
	"sync"

	"github.com/coldbit/nbdexport/internal/backend"
	"github.com/coldbit/nbdexport/internal/block"
)

// Handler is a fixed-size byte slice exported as an NBD image. It cannot be
// resized after creation.
type Handler struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int64
	marker    *block.Marker
}

// New returns a Handler backed by data. If fillMarker is true every block is
// marked available up front (the image starts "hydrated"); otherwise blocks
// must be written before they can be read.
func New(data []byte, blockSize int64, fillMarker bool) *Handler {
	marker := block.NewMarker(uint(len(data) / int(blockSize)))

	if fillMarker {
		for off := int64(0); off < int64(len(data)); off += blockSize {
			marker.Mark(off / blockSize)
		}
	}

	return &Handler{
		data:      data,
		blockSize: blockSize,
		marker:    marker,
	}
}

// Factory adapts New into a backend.FactoryFunc for registration. The image
// is zero-filled and size bytes long; name is ignored, as memimage exports a
// single anonymous scratch image per process.
func Factory(size int64) backend.FactoryFunc {
	return func(name string, blockSize uint32, opts map[string]interface{}) (backend.Handler, error) {
		if blockSize == 0 {
			return nil, fmt.Errorf("memimage: block size must be non-zero")
		}
		return New(make([]byte, size), int64(blockSize), true), nil
	}
}

func (h *Handler) Size() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return uint64(len(h.data))
}

func (h *Handler) Blocks(blockSize uint32) uint64 {
	size := h.Size()
	if blockSize == 0 {
		return 0
	}
	return (size + uint64(blockSize) - 1) / uint64(blockSize)
}

func (h *Handler) Read(s backend.Session, cookie uint64, off uint64, length uint32) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	end := off + uint64(length)
	if end > uint64(len(h.data)) {
		s.Reply(cookie, errnoRange, nil)
		return
	}

	for b := int64(off) / h.blockSize; b*h.blockSize < int64(end); b++ {
		if !h.marker.IsMarked(b) {
			s.Reply(cookie, errnoNotAvailable, nil)
			return
		}
	}

	out := make([]byte, length)
	copy(out, h.data[off:end])
	s.Reply(cookie, 0, out)
}

func (h *Handler) Write(s backend.Session, cookie uint64, off uint64, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	end := off + uint64(len(data))
	if end > uint64(len(h.data)) {
		s.Reply(cookie, errnoRange, nil)
		return
	}

	copy(h.data[off:end], data)

	for at := int64(off); at < int64(end); at += h.blockSize {
		h.marker.Mark(at / h.blockSize)
	}

	s.Reply(cookie, 0, nil)
}

func (h *Handler) Flush(s backend.Session, cookie uint64) {
	s.Reply(cookie, 0, nil)
}

func (h *Handler) Close() error {
	return nil
}

// errno values used for request-level failures. These mirror the errno
// space spec.md's Session carries in reply frames (EIO/ERANGE-shaped), kept
// local to this package since memimage never surfaces host-specific errno
// values.
const (
	errnoRange        = 34 // ERANGE
	errnoNotAvailable = 61 // ENODATA
)
