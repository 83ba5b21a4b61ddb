// Package devicectl abstracts the platform ioctls that configure a kernel
// NBD device: clear, set block size, set blocks, set timeout, set flags,
// attach socket, run, disconnect. The binding is injectable so the host
// client flow can be exercised against a loopback pair without a real NBD
// device node.
package devicectl

// Binding is the fixed device-control sequence the host client drives, in
// the order spec.md §4.7 requires: ClearSock, SetBlockSize,
// SetSizeBlocks, SetTimeout, SetFlags, SetSock, then the blocking DoIt; on
// any exit path, Disconnect followed by ClearSock.
type Binding interface {
	ClearSock() error
	SetBlockSize(size uint32) error
	SetSizeBlocks(blocks uint64) error
	SetTimeout(seconds uint32) error
	SetFlags(flags uint32) error
	SetSock(fd int) error
	DoIt() error
	Disconnect() error
}

// Flag mask used at host setup: HAS_FLAGS | SEND_FLUSH, per spec.md §6.
const (
	FlagHasFlags  = 1 << 0
	FlagSendFlush = 1 << 2

	DefaultFlags = FlagHasFlags | FlagSendFlush
)
