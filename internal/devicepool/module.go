package devicepool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pmorjan/kmod"
)

// ErrPoolBusy is returned by Module.Load when resizing nbds_max would
// require reloading the nbd module while a bound Pool still has devices
// claimed. The teacher's mod.go had no such check and would unload the
// module out from under attached devices; binding a Pool here closes that
// hole.
var ErrPoolBusy = errors.New("devicepool: refusing to reload nbd module while devices are attached")

// Module loads the nbd kernel module with a requested device count,
// reloading it if it's already loaded with a different nbds_max. Grounded
// in pkg/nbd/mod.go.
type Module struct {
	kmod            *kmod.Kmod
	NumberOfDevices int

	pool *Pool
}

// NewModule returns a Module that will size the nbd device pool to
// numberOfDevices slots on Load.
func NewModule(numberOfDevices int) (*Module, error) {
	k, err := kmod.New()
	if err != nil {
		return nil, fmt.Errorf("devicepool: create kmod: %w", err)
	}

	return &Module{
		kmod:            k,
		NumberOfDevices: numberOfDevices,
	}, nil
}

// Bind ties pool to m: from this point on, Load refuses to reload the
// module (which would invalidate every device node already handed out)
// while pool reports any slot still claimed.
func (m *Module) Bind(pool *Pool) {
	m.pool = pool
}

func (m *Module) currentMaxDevices() (int, error) {
	data, err := os.ReadFile("/sys/module/nbd/parameters/nbds_max")
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("devicepool: read nbds_max: %w", err)
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("devicepool: parse nbds_max: %w", err)
	}
	return n, nil
}

// Load ensures the nbd module is loaded with exactly NumberOfDevices
// slots, unloading and reloading it if a different count is already in
// effect. It is a no-op if the requested count is already current, and it
// errors with ErrPoolBusy instead of reloading if a bound Pool (see Bind)
// still has any slot claimed — growing or shrinking nbds_max resets every
// device the kernel knows about, so a reload while devices are attached
// would silently detach them out from under their sessions.
func (m *Module) Load() error {
	current, err := m.currentMaxDevices()
	if err != nil {
		return fmt.Errorf("devicepool: get current max devices: %w", err)
	}

	if current == m.NumberOfDevices {
		return nil
	}

	if m.pool != nil {
		if busy := m.pool.Busy(); busy > 0 {
			return fmt.Errorf("%w: %d slot(s) claimed", ErrPoolBusy, busy)
		}
	}

	if current != 0 {
		if err := m.kmod.Unload("nbd"); err != nil {
			return fmt.Errorf("devicepool: unload nbd module: %w", err)
		}
	}

	if err := m.kmod.Load("nbd", fmt.Sprintf("nbds_max=%d", m.NumberOfDevices), 0); err != nil {
		return fmt.Errorf("devicepool: load nbd module: %w", err)
	}

	return nil
}
