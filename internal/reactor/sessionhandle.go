package reactor

// sessionHandle is the backend.Session a Handler is given on every call. It
// holds nothing but an id and a send-only reference to the dispatcher's
// event channel, so Reply is safe to call from any goroutine, at any time:
// it only ever enqueues, never touches the socket or session state
// directly. If the session has since closed, the dispatcher drops the
// completion (see handleCompletion).
type sessionHandle struct {
	sessionID uint64
	events    chan<- event
}

func (h sessionHandle) Reply(cookie uint64, errno uint32, data []byte) {
	h.events <- completionEvent{
		sessionID: h.sessionID,
		cookie:    cookie,
		errno:     errno,
		data:      data,
	}
}
