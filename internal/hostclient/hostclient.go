// Package hostclient is the host side of an NBD session: it connects to a
// server, performs the JSON handshake, then hands the connection to the
// kernel NBD driver via internal/devicectl and blocks until the driver
// detaches it, always tearing down the device afterward.
package hostclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/coldbit/nbdexport/internal/devicectl"
)

const handshakeMaxBytes = 1024

// NBDConfig is the client-side [nbd] configuration document section.
type NBDConfig struct {
	BlockSize uint32
	Timeout   uint32
}

// ServerConfig is the client-side [server] configuration document section.
type ServerConfig struct {
	Address string
	Port    int
}

// BackendConfig is the client-side [backend] configuration document
// section: a back-end name plus its opaque, back-end-specific options.
type BackendConfig struct {
	Name    string
	Options map[string]interface{}
}

// Config is everything hostclient.Run needs to bring up one device.
type Config struct {
	NBD     NBDConfig
	Server  ServerConfig
	Backend BackendConfig
}

// Run dials the configured server, performs the handshake, and drives
// binding through the fixed device-control sequence before blocking in
// DoIt. It always tears down with Disconnect + ClearSock before returning,
// regardless of how DoIt exits.
func Run(ctx context.Context, cfg Config, binding devicectl.Binding) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("hostclient: dial server: %w", err)
	}
	defer conn.Close()

	blocks, err := handshake(conn, cfg)
	if err != nil {
		return err
	}

	disableNagle(conn)

	if err := binding.ClearSock(); err != nil {
		return fmt.Errorf("hostclient: clear_sock: %w", err)
	}
	if err := binding.SetBlockSize(cfg.NBD.BlockSize); err != nil {
		return fmt.Errorf("hostclient: set_blksize: %w", err)
	}
	if err := binding.SetSizeBlocks(blocks); err != nil {
		return fmt.Errorf("hostclient: set_size_blocks: %w", err)
	}
	timeout := cfg.NBD.Timeout
	if timeout == 0 {
		timeout = 10
	}
	if err := binding.SetTimeout(timeout); err != nil {
		return fmt.Errorf("hostclient: set_timeout: %w", err)
	}
	if err := binding.SetFlags(devicectl.DefaultFlags); err != nil {
		return fmt.Errorf("hostclient: set_flags: %w", err)
	}

	fd, err := connFd(conn)
	if err != nil {
		return fmt.Errorf("hostclient: resolve socket fd: %w", err)
	}
	if err := binding.SetSock(fd); err != nil {
		return fmt.Errorf("hostclient: set_sock: %w", err)
	}

	defer func() {
		_ = binding.Disconnect()
		_ = binding.ClearSock()
	}()

	return binding.DoIt()
}

type handshakeReply struct {
	Error  *string `json:"error"`
	Blocks *uint64 `json:"blocks"`
}

func handshake(conn net.Conn, cfg Config) (uint64, error) {
	req := map[string]interface{}{
		"name":      cfg.Backend.Name,
		"blocksize": cfg.NBD.BlockSize,
	}
	for k, v := range cfg.Backend.Options {
		req[k] = v
	}

	body, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("hostclient: encode handshake request: %w", err)
	}

	if _, err := conn.Write(body); err != nil {
		return 0, fmt.Errorf("hostclient: send handshake request: %w", err)
	}

	buf := make([]byte, handshakeMaxBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("hostclient: read handshake reply: %w", err)
	}

	// encoding/json leaves reply.Error == nil both when the "error" key is
	// present with a null value and when the key is absent entirely; those
	// are different wire messages (explicit "no error" vs. a malformed
	// response) and must be told apart before trusting Blocks. Decode into
	// raw fields first and check for key presence explicitly.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf[:n], &raw); err != nil {
		return 0, fmt.Errorf("hostclient: invalid server response: %w", err)
	}
	if _, ok := raw["error"]; !ok {
		return 0, fmt.Errorf("hostclient: invalid server response: missing error key")
	}

	var reply handshakeReply
	if err := json.Unmarshal(buf[:n], &reply); err != nil {
		return 0, fmt.Errorf("hostclient: invalid server response: %w", err)
	}

	if reply.Error != nil {
		return 0, fmt.Errorf("hostclient: server responded with error: %s", *reply.Error)
	}
	if reply.Blocks == nil {
		return 0, fmt.Errorf("hostclient: invalid server response: missing blocks key")
	}

	return *reply.Blocks, nil
}

func disableNagle(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

// connFd resolves the raw file descriptor backing a TCP connection, for
// handing off to the kernel NBD driver via SetSock.
func connFd(conn net.Conn) (int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, fmt.Errorf("hostclient: connection is not a *net.TCPConn")
	}

	rc, err := tc.SyscallConn()
	if err != nil {
		return 0, err
	}

	var fd int
	if err := rc.Control(func(ufd uintptr) {
		fd = int(ufd)
	}); err != nil {
		return 0, err
	}

	return fd, nil
}
