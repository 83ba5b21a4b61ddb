// Package backend defines the contract between the reactor and the storage
// implementation behind an exported device: the Handler interface, the
// Session callback surface a Handler uses to post completions, and a
// Registry that looks up Handler factories by name.
package backend

import "fmt"

// Session is the completion surface a Handler uses to reply to a request it
// was asked to perform. A Handler may call Reply from any goroutine, at any
// time after accepting the request; the reactor is responsible for
// serialising the resulting writes onto the client socket.
type Session interface {
	// Reply completes the request identified by cookie. errno is 0 on
	// success; data is the read payload on a successful READ and nil
	// otherwise.
	Reply(cookie uint64, errno uint32, data []byte)
}

// Handler is the storage back end behind one exported device. Read, Write
// and Flush are asynchronous: a call returns as soon as the request has
// been accepted, and the handler posts its result later via Session.Reply.
// Implementations must not block the caller on the underlying I/O.
type Handler interface {
	// Size returns the total size of the exported image, in bytes.
	Size() uint64

	// Blocks returns the image size expressed as a count of blockSize-byte
	// blocks, rounding up.
	Blocks(blockSize uint32) uint64

	Read(s Session, cookie uint64, off uint64, length uint32)
	Write(s Session, cookie uint64, off uint64, data []byte)
	Flush(s Session, cookie uint64)

	// Close releases any resources held by the handler. No further calls
	// are made to the handler once Close returns.
	Close() error
}

// FactoryFunc constructs a Handler for one session. name is the back-end
// name the client's handshake selected and blockSize its requested block
// size; opts is the whole decoded export descriptor, name and blocksize
// included, from which a back end reads its own fields.
type FactoryFunc func(name string, blockSize uint32, opts map[string]interface{}) (Handler, error)

// RegistryEntry is a tagged union: a backend kind is either Loaded, with a
// factory that can construct handlers, or Unavailable, carrying the error
// that prevented it from loading (e.g. a missing credential or driver at
// process start). Keeping failed backends in the registry, rather than
// silently omitting them, lets a handshake against an unavailable backend
// name return a specific error instead of "unknown backend".
type RegistryEntry struct {
	Factory FactoryFunc
	LoadErr error
}

// Loaded reports whether this entry can construct handlers.
func (e RegistryEntry) Loaded() bool {
	return e.Factory != nil
}

// Registry maps a backend kind name (e.g. "mem", "gcs") to its
// RegistryEntry. The zero value is ready to use.
type Registry struct {
	entries map[string]RegistryEntry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]RegistryEntry)}
}

// Register records a working factory for kind.
func (r *Registry) Register(kind string, factory FactoryFunc) {
	r.init()
	r.entries[kind] = RegistryEntry{Factory: factory}
}

// RegisterUnavailable records that kind failed to initialise, so lookups
// against it report loadErr instead of "unknown backend".
func (r *Registry) RegisterUnavailable(kind string, loadErr error) {
	r.init()
	r.entries[kind] = RegistryEntry{LoadErr: loadErr}
}

func (r *Registry) init() {
	if r.entries == nil {
		r.entries = make(map[string]RegistryEntry)
	}
}

// ErrUnknownBackend is returned by Lookup when kind was never registered at
// all (as opposed to registered-but-unavailable).
var ErrUnknownBackend = fmt.Errorf("backend: unknown backend kind")

// Lookup returns the factory for kind, or an error describing why one isn't
// available: ErrUnknownBackend if kind was never registered, or the
// recorded load error if it was registered as unavailable.
func (r *Registry) Lookup(kind string) (FactoryFunc, error) {
	entry, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
	if !entry.Loaded() {
		return nil, fmt.Errorf("backend %q unavailable: %w", kind, entry.LoadErr)
	}
	return entry.Factory, nil
}

// Kinds returns the registered backend kind names, in no particular order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	return kinds
}
