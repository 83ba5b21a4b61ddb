package reactor

import (
	"net"

	"github.com/coldbit/nbdexport/internal/backend"
)

// Phase is a session's position in the Handshake -> Operational -> Closed
// lifecycle.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseOperational
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseOperational:
		return "operational"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is the dispatcher's private state for one client connection.
// Every field here is touched only by the dispatcher goroutine.
type session struct {
	id      uint64
	conn    net.Conn
	phase   Phase
	handler backend.Handler

	errorCount int
	maxErrors  int
}

func newSession(id uint64, conn net.Conn, maxErrors int) *session {
	return &session{
		id:        id,
		conn:      conn,
		phase:     PhaseHandshake,
		maxErrors: maxErrors,
	}
}

func (s *session) recordError() {
	s.errorCount++
}

func (s *session) overErrorCeiling() bool {
	return s.errorCount >= s.maxErrors
}
