//go:build linux

package devicepool

import (
	"github.com/pilebones/go-udev/netlink"
)

// udevWatcher wakes Pool waiters on udev events for block disks, instead
// of the teacher's plain 100ms polling ticker in pkg/nbd/pool.go. A slot
// freeing (or a device attaching) fires a uevent on its kobject;
// subscribing lets GetDevice/ReleaseDevice react immediately rather than
// up to one poll interval late. The rule is not narrowed to nbd* devices
// or to "change" actions, so events for other disks also wake waiters.
type udevWatcher struct {
	conn *netlink.UEventConn
	quit chan struct{}
	wake chan struct{}
}

func newWatcher() watcher {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		// No netlink access (e.g. unprivileged container): fall back to
		// polling rather than failing pool construction outright.
		return newPollWatcher()
	}

	w := &udevWatcher{
		conn: conn,
		quit: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}

	events := make(chan netlink.UEvent)
	errs := make(chan error)
	stop := conn.Monitor(events, errs, &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "block", "DEVTYPE": "disk"}},
		},
	})

	go w.run(events, errs, stop)

	return w
}

func (w *udevWatcher) run(events chan netlink.UEvent, errs chan error, stop chan struct{}) {
	defer close(stop)
	for {
		select {
		case <-w.quit:
			return
		case <-events:
			w.signal()
		case <-errs:
			// A netlink read error doesn't invalidate the pool; the next
			// successful event (or an explicit notify()) still wakes
			// waiters.
		}
	}
}

func (w *udevWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *udevWatcher) changed() <-chan struct{} { return w.wake }
func (w *udevWatcher) notify()                  { w.signal() }

func (w *udevWatcher) close() error {
	close(w.quit)
	return w.conn.Close()
}
