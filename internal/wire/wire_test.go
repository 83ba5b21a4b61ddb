package wire_test

import (
	"bytes"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbit/nbdexport/internal/wire"
)

func encodeRequest(cmd uint32, cookie, offset uint64, length uint32) []byte {
	buf := make([]byte, wire.RequestHeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], wire.RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], cmd)
	binary.BigEndian.PutUint64(buf[8:16], cookie)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	return buf
}

func TestDecodeRequest_Read(t *testing.T) {
	buf := encodeRequest(wire.CmdRead, 0xDEADBEEF, 0, 8)

	req, err := wire.DecodeRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(wire.CmdRead), req.Command)
	assert.Equal(t, uint64(0xDEADBEEF), req.Cookie)
	assert.Equal(t, uint64(0), req.Offset)
	assert.Equal(t, uint32(8), req.Length)
}

func TestDecodeRequest_ShortBuffer(t *testing.T) {
	_, err := wire.DecodeRequest(make([]byte, wire.RequestHeaderSize-1))
	require.Error(t, err)
}

func TestDecodeRequest_BadMagic(t *testing.T) {
	buf := encodeRequest(wire.CmdRead, 1, 0, 0)
	binary.BigEndian.PutUint32(buf[0:4], 0)

	_, err := wire.DecodeRequest(buf)
	require.ErrorIs(t, err, wire.ErrBadMagic)
}

func TestDecodeRequest_BadCommand(t *testing.T) {
	buf := encodeRequest(99, 1, 0, 0)

	_, err := wire.DecodeRequest(buf)
	require.ErrorIs(t, err, wire.ErrBadCommand)
}

func TestIsKnownCommand(t *testing.T) {
	assert.True(t, wire.IsKnownCommand(wire.CmdRead))
	assert.True(t, wire.IsKnownCommand(wire.CmdWrite))
	assert.True(t, wire.IsKnownCommand(wire.CmdDisconnect))
	assert.True(t, wire.IsKnownCommand(wire.CmdFlush))
	assert.False(t, wire.IsKnownCommand(4))
}

// TestEncodeReply_Scenario3 is spec scenario 3 verbatim: an operational
// session receives a READ for 8 bytes at offset 0 against a memory back end
// initialised to 00 01 02 03 04 05 06 07. Exactly 24 bytes come back.
func TestEncodeReply_Scenario3(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	var buf bytes.Buffer
	err := wire.EncodeReply(&buf, 0, 0xDEADBEEF, data)
	require.NoError(t, err)

	want := make([]byte, 0, wire.ReplyHeaderSize+len(data))
	want = append(want, 0x67, 0x44, 0x66, 0x98)
	want = append(want, 0x00, 0x00, 0x00, 0x00)
	want = append(want, 0x00, 0x00, 0x00, 0x00, 0xDE, 0xAD, 0xBE, 0xEF)
	want = append(want, data...)

	assert.Len(t, buf.Bytes(), 24)
	assert.Equal(t, want, buf.Bytes())
}

func TestEncodeReply_ErrorNoPayload(t *testing.T) {
	var buf bytes.Buffer
	err := wire.EncodeReply(&buf, 5, 42, nil)
	require.NoError(t, err)
	assert.Len(t, buf.Bytes(), wire.ReplyHeaderSize)

	assert.Equal(t, uint32(wire.ReplyMagic), binary.BigEndian.Uint32(buf.Bytes()[0:4]))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf.Bytes()[4:8]))
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf.Bytes()[8:16]))
}

// TestEncodeReply_GatherWrite exercises the net.Buffers path over a real
// Unix socket pair, where gather I/O is genuinely available.
func TestEncodeReply_GatherWrite(t *testing.T) {
	ln, err := net.Listen("unix", filepath.Join(t.TempDir(), "reply.sock"))
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("unix", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()

	data := []byte("payload")
	done := make(chan error, 1)
	go func() {
		done <- wire.EncodeReply(server, 0, 7, data)
	}()

	got := make([]byte, wire.ReplyHeaderSize+len(data))
	_, err = readFull(client, got)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, uint32(wire.ReplyMagic), binary.BigEndian.Uint32(got[0:4]))
	assert.Equal(t, data, got[wire.ReplyHeaderSize:])
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
