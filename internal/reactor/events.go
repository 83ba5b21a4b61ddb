package reactor

import (
	"net"

	"github.com/coldbit/nbdexport/internal/wire"
)

// event is anything that can arrive on the dispatcher's single channel:
// a newly accepted connection, a decoded frame (or framing failure) from a
// per-connection reader goroutine, or a completion posted by a handler.
// The dispatcher goroutine is the only reader of this channel and the only
// writer to any session's socket or state, per spec.md's single-writer
// invariant.
type event interface {
	isEvent()
}

// connAcceptedEvent announces a newly accepted client connection.
type connAcceptedEvent struct {
	id   uint64
	conn net.Conn
}

func (connAcceptedEvent) isEvent() {}

// handshakeReadEvent carries the raw bytes read for the JSON handshake, or
// a non-nil err if the read itself failed (EOF before any handshake byte
// arrived disconnects the session with no reply).
type handshakeReadEvent struct {
	sessionID uint64
	data      []byte
	err       error

	// resultCh receives true if the handshake succeeded and the reader
	// goroutine should proceed to the operational read loop, false if the
	// session was closed and the reader should stop.
	resultCh chan bool
}

func (handshakeReadEvent) isEvent() {}

// frameReadEvent carries one fully-decoded operational-phase request, or a
// framing failure. Exactly one of (req valid) / (framingErr) / (eof) holds.
type frameReadEvent struct {
	sessionID uint64

	req     wire.Request
	payload []byte

	framingErr bool // bad magic, bad command, short header, or short payload
	eof        bool // clean EOF: orderly disconnect, not a framing error
}

func (frameReadEvent) isEvent() {}

// completionEvent is posted by a backend.Handler (via sessionHandle.Reply)
// when a Read/Write/Flush request finishes.
type completionEvent struct {
	sessionID uint64
	cookie    uint64
	errno     uint32
	data      []byte
}

func (completionEvent) isEvent() {}
