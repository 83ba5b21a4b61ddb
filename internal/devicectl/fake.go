package devicectl

import "sync"

// Fake is an in-memory Binding that records the call sequence instead of
// issuing ioctls, so the host client flow can be exercised in tests without
// a kernel NBD device. DoIt blocks until Release or Disconnect is called,
// mimicking the kernel driver's blocking DO_IT.
type Fake struct {
	mu      sync.Mutex
	Calls   []string
	release chan struct{}

	BlockSize  uint32
	SizeBlocks uint64
	Timeout    uint32
	Flags      uint32
	Fd         int

	DoItErr error
}

// NewFake returns a ready-to-use Fake Binding.
func NewFake() *Fake {
	return &Fake{release: make(chan struct{})}
}

func (f *Fake) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, name)
}

func (f *Fake) ClearSock() error {
	f.record("clear_sock")
	return nil
}

func (f *Fake) SetBlockSize(size uint32) error {
	f.record("set_blksize")
	f.BlockSize = size
	return nil
}

func (f *Fake) SetSizeBlocks(blocks uint64) error {
	f.record("set_size_blocks")
	f.SizeBlocks = blocks
	return nil
}

func (f *Fake) SetTimeout(seconds uint32) error {
	f.record("set_timeout")
	f.Timeout = seconds
	return nil
}

func (f *Fake) SetFlags(flags uint32) error {
	f.record("set_flags")
	f.Flags = flags
	return nil
}

func (f *Fake) SetSock(fd int) error {
	f.record("set_sock")
	f.Fd = fd
	return nil
}

// DoIt blocks until Release or Disconnect is called, then returns DoItErr.
func (f *Fake) DoIt() error {
	f.record("do_it")
	<-f.release
	return f.DoItErr
}

// Disconnect causes a pending DoIt to return, and records the call.
func (f *Fake) Disconnect() error {
	f.record("disconnect")
	f.Release()
	return nil
}

// Release unblocks a pending DoIt call, simulating the kernel driver
// detaching the socket.
func (f *Fake) Release() {
	select {
	case <-f.release:
	default:
		close(f.release)
	}
}
