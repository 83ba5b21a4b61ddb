// Package devicepool allocates /dev/nbdN device nodes to concurrent client
// sessions. It is not part of the NBD wire protocol proper (spec.md §1
// scopes that out), but a server or test harness juggling several sessions
// needs non-conflicting device nodes, so it is carried here as supplemental
// infrastructure.
package devicepool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Pool requires the nbd kernel module to be loaded before use; see Module
// for loading it with a chosen slot count.
type Pool struct {
	slots *bitset.BitSet
	mu    sync.Mutex

	watcher watcher
}

func maxNbdDevices() (uint, error) {
	data, err := os.ReadFile("/sys/module/nbd/parameters/nbds_max")
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("devicepool: read nbds_max: %w", err)
	}

	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("devicepool: parse nbds_max: %w", err)
	}
	return uint(n), nil
}

// NewPool returns a Pool sized to the nbd module's currently configured
// nbds_max. The module must already be loaded (see Module.Load).
func NewPool() (*Pool, error) {
	max, err := maxNbdDevices()
	if err != nil {
		return nil, fmt.Errorf("devicepool: get current max devices: %w", err)
	}
	if max == 0 {
		return nil, fmt.Errorf("devicepool: nbd module is not loaded or nbds_max is 0")
	}

	return &Pool{
		slots:   bitset.New(max),
		watcher: newWatcher(),
	}, nil
}

var devicePathRe = regexp.MustCompile(`^/dev/nbd(\d+)$`)

func (p *Pool) slotFromPath(path string) (uint, error) {
	matches := devicePathRe.FindStringSubmatch(path)
	if len(matches) != 2 {
		return 0, fmt.Errorf("devicepool: invalid nbd path: %s", path)
	}

	slot, err := strconv.ParseUint(matches[1], 10, 0)
	if err != nil {
		return 0, fmt.Errorf("devicepool: parse slot from path: %w", err)
	}
	return uint(slot), nil
}

func (p *Pool) devicePath(slot uint) string {
	return fmt.Sprintf("/dev/nbd%d", slot)
}

func (p *Pool) isDeviceFree(slot uint) (bool, error) {
	_, err := os.Stat(fmt.Sprintf("/sys/block/nbd%d/pid", slot))
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("devicepool: check device busy: %w", err)
	}
	return false, nil
}

func (p *Pool) tryClaim() (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for slot, ok := p.slots.NextClear(0); ok; slot, ok = p.slots.NextClear(slot + 1) {
		free, err := p.isDeviceFree(slot)
		if err != nil {
			return "", false, err
		}
		if !free {
			// Busy from a prior process's device, not from our own
			// bookkeeping; leave the slot clear and try the next one.
			continue
		}

		p.slots.Set(slot)
		return p.devicePath(slot), true, nil
	}

	return "", false, nil
}

// GetDevice returns the path to a free /dev/nbdN node, claiming it until
// ReleaseDevice is called. It blocks until a slot is free or ctx is
// cancelled, re-checking whenever the pool's watcher wakes it (see
// watcher).
func (p *Pool) GetDevice(ctx context.Context) (string, error) {
	for {
		path, ok, err := p.tryClaim()
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-p.watcher.changed():
		}
	}
}

// ReleaseDevice unmounts path (if mounted), waits for the kernel to report
// the device as free, then clears its slot. It blocks until free or ctx is
// cancelled; on cancellation the slot is left claimed so the pool never
// hands out a device the kernel still considers attached.
func (p *Pool) ReleaseDevice(ctx context.Context, path string) error {
	var errs []error

	out, err := exec.CommandContext(ctx, "umount", "--all-targets", path).CombinedOutput()
	if err != nil && !strings.HasSuffix(string(out), "not mounted\n") {
		errs = append(errs, fmt.Errorf("devicepool: umount device: %w: %s", err, string(out)))
	}

	slot, err := p.slotFromPath(path)
	if err != nil {
		errs = append(errs, fmt.Errorf("devicepool: get slot from path: %w", err))
		return errors.Join(errs...)
	}

	for {
		free, err := p.isDeviceFree(slot)
		if err != nil {
			errs = append(errs, fmt.Errorf("devicepool: check device free: %w", err))
			return errors.Join(errs...)
		}
		if free {
			break
		}

		select {
		case <-ctx.Done():
			// The device is still attached: leave its slot set so it
			// is not handed out again.
			return errors.Join(append(errs, ctx.Err())...)
		case <-p.watcher.changed():
		}
	}

	p.mu.Lock()
	p.slots.Clear(slot)
	p.mu.Unlock()

	p.watcher.notify()

	return errors.Join(errs...)
}

// Close releases the resources backing the pool's udev watcher, if any.
func (p *Pool) Close() error {
	return p.watcher.close()
}

// Busy reports how many slots are currently claimed. Module consults this
// before reloading the nbd kernel module so a resize never evicts a device
// still in use.
func (p *Pool) Busy() uint {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.slots.Count()
}
