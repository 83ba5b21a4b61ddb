package memimage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbit/nbdexport/internal/backend/memimage"
)

type recordingSession struct {
	cookie uint64
	errno  uint32
	data   []byte
	called bool
}

func (s *recordingSession) Reply(cookie uint64, errno uint32, data []byte) {
	s.cookie = cookie
	s.errno = errno
	s.data = data
	s.called = true
}

func TestHandler_ReadAfterWrite(t *testing.T) {
	h := memimage.New(make([]byte, 16), 4, false)

	write := &recordingSession{}
	h.Write(write, 1, 0, []byte{0, 1, 2, 3, 4, 5, 6, 7})
	require.True(t, write.called)
	assert.Equal(t, uint32(0), write.errno)

	read := &recordingSession{}
	h.Read(read, 2, 0, 8)
	require.True(t, read.called)
	assert.Equal(t, uint32(0), read.errno)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, read.data)
}

func TestHandler_ReadUnavailableBlock(t *testing.T) {
	h := memimage.New(make([]byte, 16), 4, false)

	read := &recordingSession{}
	h.Read(read, 1, 0, 4)
	require.True(t, read.called)
	assert.NotEqual(t, uint32(0), read.errno)
	assert.Nil(t, read.data)
}

func TestHandler_ReadPrefilled(t *testing.T) {
	data := []byte{9, 9, 9, 9}
	h := memimage.New(data, 4, true)

	read := &recordingSession{}
	h.Read(read, 1, 0, 4)
	require.True(t, read.called)
	assert.Equal(t, uint32(0), read.errno)
	assert.Equal(t, data, read.data)
}

func TestHandler_ReadOutOfRange(t *testing.T) {
	h := memimage.New(make([]byte, 16), 4, true)

	read := &recordingSession{}
	h.Read(read, 1, 12, 8)
	require.True(t, read.called)
	assert.NotEqual(t, uint32(0), read.errno)
}

func TestHandler_SizeAndBlocks(t *testing.T) {
	h := memimage.New(make([]byte, 16), 4, true)

	assert.Equal(t, uint64(16), h.Size())
	assert.Equal(t, uint64(4), h.Blocks(4))
	assert.Equal(t, uint64(2), h.Blocks(8))
}

func TestHandler_Flush(t *testing.T) {
	h := memimage.New(make([]byte, 4), 4, true)

	flush := &recordingSession{}
	h.Flush(flush, 7)
	require.True(t, flush.called)
	assert.Equal(t, uint32(0), flush.errno)
	assert.Equal(t, uint64(7), flush.cookie)
}
