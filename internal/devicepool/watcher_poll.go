package devicepool

import "time"

// pollWatcher is the portable polling strategy: the teacher's original
// pkg/nbd/pool.go approach, unchanged. It backs watcher_other.go directly
// and serves as watcher_linux.go's fallback when netlink isn't available.
type pollWatcher struct {
	ticker *time.Ticker
	wake   chan struct{}
	done   chan struct{}
}

func newPollWatcher() watcher {
	w := &pollWatcher{
		ticker: time.NewTicker(100 * time.Millisecond),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *pollWatcher) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.signal()
		}
	}
}

func (w *pollWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *pollWatcher) changed() <-chan struct{} { return w.wake }
func (w *pollWatcher) notify()                  { w.signal() }

func (w *pollWatcher) close() error {
	w.ticker.Stop()
	close(w.done)
	return nil
}
