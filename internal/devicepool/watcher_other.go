//go:build !linux

package devicepool

// On non-Linux build targets there is no udev to subscribe to; fall back
// to the teacher's original polling strategy.
func newWatcher() watcher {
	return newPollWatcher()
}
