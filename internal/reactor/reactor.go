// Package reactor implements the server-side NBD event loop: one dispatcher
// goroutine owns all session state and is the sole writer to any client
// socket, fed by per-connection reader goroutines and by handler
// completions arriving on the same channel. This is the channel-based,
// idiomatic-Go generalization of a single-threaded cooperative reactor.
package reactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/coldbit/nbdexport/internal/backend"
	"github.com/coldbit/nbdexport/internal/wire"
)

// DefaultMaxErrors is used when a Reactor is constructed with maxErrors<=0.
const DefaultMaxErrors = 10

// handshakeMaxBytes bounds the single read used for the JSON handshake, per
// spec.md §6/§9.
const handshakeMaxBytes = 1024

// Reactor is the server-side event loop. The zero value is not usable; use
// New.
type Reactor struct {
	registry  *backend.Registry
	logger    *zap.Logger
	maxErrors int

	events chan event
}

// New returns a Reactor looking up back ends in registry. maxErrors<=0
// uses DefaultMaxErrors.
func New(registry *backend.Registry, logger *zap.Logger, maxErrors int) *Reactor {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reactor{
		registry:  registry,
		logger:    logger,
		maxErrors: maxErrors,
		events:    make(chan event, 64),
	}
}

// Serve accepts connections on ln until ctx is cancelled. It returns once
// the dispatcher loop has drained: all sessions closed (and their handlers
// with them) and the listener closed.
func (r *Reactor) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go r.acceptLoop(ctx, ln)

	return r.dispatchLoop(ctx)
}

func (r *Reactor) acceptLoop(ctx context.Context, ln net.Listener) {
	var nextID uint64

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}

		nextID++
		id := nextID

		r.events <- connAcceptedEvent{id: id, conn: conn}

		go r.connLoop(id, conn)
	}
}

// connLoop owns blocking I/O for one connection. It never touches session
// state or writes to the socket; it only decodes frames and forwards them
// as events to the dispatcher.
func (r *Reactor) connLoop(id uint64, conn net.Conn) {
	buf := make([]byte, handshakeMaxBytes)
	n, err := conn.Read(buf)

	result := make(chan bool, 1)
	r.events <- handshakeReadEvent{sessionID: id, data: buf[:n], err: err, resultCh: result}

	if err != nil || !<-result {
		return
	}

	for {
		header := make([]byte, wire.RequestHeaderSize)

		hn, herr := io.ReadFull(conn, header)
		if herr != nil {
			if errors.Is(herr, io.EOF) && hn == 0 {
				r.events <- frameReadEvent{sessionID: id, eof: true}
			} else {
				r.events <- frameReadEvent{sessionID: id, framingErr: true}
			}
			return
		}

		req, decodeErr := wire.DecodeRequest(header)
		if decodeErr != nil {
			r.events <- frameReadEvent{sessionID: id, framingErr: true}
			continue
		}

		if req.Command == wire.CmdWrite {
			payload := make([]byte, req.Length)

			if _, perr := io.ReadFull(conn, payload); perr != nil {
				r.events <- frameReadEvent{sessionID: id, framingErr: true}
				return
			}

			r.events <- frameReadEvent{sessionID: id, req: req, payload: payload}
			continue
		}

		r.events <- frameReadEvent{sessionID: id, req: req}
	}
}

func (r *Reactor) dispatchLoop(ctx context.Context) error {
	sessions := make(map[uint64]*session)

	defer func() {
		for _, s := range sessions {
			r.closeSession(s)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			r.handle(sessions, ev)
		}
	}
}

func (r *Reactor) handle(sessions map[uint64]*session, ev event) {
	switch e := ev.(type) {
	case connAcceptedEvent:
		sessions[e.id] = newSession(e.id, e.conn, r.maxErrors)

	case handshakeReadEvent:
		r.handleHandshake(sessions, e)

	case frameReadEvent:
		r.handleFrame(sessions, e)

	case completionEvent:
		r.handleCompletion(sessions, e)
	}
}

func (r *Reactor) handleHandshake(sessions map[uint64]*session, e handshakeReadEvent) {
	sess := sessions[e.sessionID]
	if sess == nil {
		e.resultCh <- false
		return
	}

	if e.err != nil {
		r.closeSession(sess)
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}

	var descriptor map[string]interface{}
	if err := json.Unmarshal(e.data, &descriptor); err != nil {
		r.failHandshake(sess, fmt.Sprintf("malformed handshake: %v", err))
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}

	name, _ := descriptor["name"].(string)
	blockSizeF, ok := descriptor["blocksize"].(float64)
	if name == "" || !ok || blockSizeF <= 0 {
		r.failHandshake(sess, "handshake requires a non-empty name and a positive blocksize")
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}
	blockSize := uint32(blockSizeF)

	factory, err := r.registry.Lookup(name)
	if err != nil {
		r.failHandshake(sess, err.Error())
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}

	handler, err := factory(name, blockSize, descriptor)
	if err != nil {
		r.failHandshake(sess, err.Error())
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}

	sess.handler = handler
	blocks := handler.Blocks(blockSize)

	if err := writeJSON(sess.conn, handshakeReply{Error: nil, Blocks: &blocks}); err != nil {
		r.logger.Warn("failed to write handshake reply", zap.Error(err), zap.Uint64("session", sess.id))
		r.closeSession(sess)
		delete(sessions, sess.id)
		e.resultCh <- false
		return
	}

	sess.phase = PhaseOperational
	e.resultCh <- true
}

func (r *Reactor) failHandshake(sess *session, message string) {
	if err := writeJSON(sess.conn, handshakeReply{Error: &message}); err != nil {
		r.logger.Warn("failed to write handshake error", zap.Error(err), zap.Uint64("session", sess.id))
	}
	r.closeSession(sess)
}

func (r *Reactor) handleFrame(sessions map[uint64]*session, e frameReadEvent) {
	sess := sessions[e.sessionID]
	if sess == nil || sess.phase == PhaseClosed {
		return
	}

	if e.eof {
		r.closeSession(sess)
		delete(sessions, sess.id)
		return
	}

	if e.framingErr {
		sess.recordError()
		if sess.overErrorCeiling() {
			r.closeSession(sess)
			delete(sessions, sess.id)
		}
		return
	}

	handle := sessionHandle{sessionID: sess.id, events: r.events}

	switch e.req.Command {
	case wire.CmdDisconnect:
		r.closeSession(sess)
		delete(sessions, sess.id)

	case wire.CmdRead:
		sess.handler.Read(handle, e.req.Cookie, e.req.Offset, e.req.Length)

	case wire.CmdWrite:
		sess.handler.Write(handle, e.req.Cookie, e.req.Offset, e.payload)

	case wire.CmdFlush:
		sess.handler.Flush(handle, e.req.Cookie)
	}
}

func (r *Reactor) handleCompletion(sessions map[uint64]*session, e completionEvent) {
	sess := sessions[e.sessionID]
	if sess == nil || sess.phase != PhaseOperational {
		// Session already closed; drop the reply per spec.md §5
		// ("completion callbacks must tolerate a closed session").
		return
	}

	if err := wire.EncodeReply(sess.conn, e.errno, e.cookie, e.data); err != nil {
		r.logger.Warn("failed to write reply", zap.Error(err), zap.Uint64("session", sess.id))
		r.closeSession(sess)
		delete(sessions, sess.id)
	}
}

func (r *Reactor) closeSession(s *session) {
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed

	if s.handler != nil {
		if err := s.handler.Close(); err != nil {
			r.logger.Warn("handler close failed", zap.Error(err), zap.Uint64("session", s.id))
		}
	}

	_ = s.conn.Close()
}

type handshakeReply struct {
	Error  *string `json:"error"`
	Blocks *uint64 `json:"blocks,omitempty"`
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("reactor: marshal handshake reply: %w", err)
	}
	_, err = w.Write(b)
	return err
}
