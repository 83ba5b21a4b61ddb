package objectimage

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingReaderAt fills every read with a constant byte and counts how
// many times ReadAt was called, so tests can assert how many remote
// fetches ran.
type countingReaderAt struct {
	calls atomic.Int64
	fill  byte
}

func (r *countingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.calls.Add(1)
	for i := range p {
		p[i] = r.fill
	}
	return len(p), nil
}

func TestChunker_FetchesOnMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	cache, err := newMmapCache(chunkSize*2, 4096, path)
	require.NoError(t, err)
	defer cache.Close()

	base := &countingReaderAt{fill: 0x42}
	ck := newChunker(context.Background(), base, cache)

	buf := make([]byte, 8)
	n, err := ck.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte{0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42, 0x42}, buf)
	assert.Equal(t, int64(1), base.calls.Load())
}

func TestChunker_CachedReadSkipsFetch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.bin")
	cache, err := newMmapCache(chunkSize*2, 4096, path)
	require.NoError(t, err)
	defer cache.Close()

	base := &countingReaderAt{fill: 0x7}
	ck := newChunker(context.Background(), base, cache)

	buf := make([]byte, 8)
	_, err = ck.ReadAt(buf, 0)
	require.NoError(t, err)
	_, err = ck.ReadAt(buf, 0)
	require.NoError(t, err)

	assert.Equal(t, int64(1), base.calls.Load())
}
