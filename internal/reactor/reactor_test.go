package reactor_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coldbit/nbdexport/internal/backend"
	"github.com/coldbit/nbdexport/internal/backend/memimage"
	"github.com/coldbit/nbdexport/internal/reactor"
)

func startServer(t *testing.T, registry *backend.Registry) (addr string, stop func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := reactor.New(registry, nil, 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Serve(ctx, ln)
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

// Scenario 1: happy handshake.
func TestReactor_HappyHandshake(t *testing.T) {
	registry := backend.NewRegistry()
	registry.Register("mem", memimage.Factory(1024))

	addr, stop := startServer(t, registry)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, _ := json.Marshal(map[string]interface{}{"name": "mem", "blocksize": 512})
	_, err = conn.Write(req)
	require.NoError(t, err)

	reply := make([]byte, 64)
	n, err := conn.Read(reply)
	require.NoError(t, err)

	var resp struct {
		Error  *string `json:"error"`
		Blocks *uint64 `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(reply[:n], &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Blocks)
	require.Equal(t, uint64(2), *resp.Blocks)
}

// Scenario 2: unknown back end.
func TestReactor_UnknownBackend(t *testing.T) {
	registry := backend.NewRegistry()

	addr, stop := startServer(t, registry)
	defer stop()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, _ := json.Marshal(map[string]interface{}{"name": "missing", "blocksize": 512})
	_, err = conn.Write(req)
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	buf := make([]byte, 256)
	n, err := reader.Read(buf)
	require.NoError(t, err)

	var resp struct {
		Error *string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(buf[:n], &resp))
	require.NotNil(t, resp.Error)

	// The server closes the socket after a handshake failure.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err)
}
