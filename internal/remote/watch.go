package remote

import "sync"

// waiter is a wakeup latch for the watch loop. An interrupt arriving while
// nobody waits is remembered and satisfies the next wait immediately, so a
// wakeup can never be lost to a race between the requester and the watcher.
type waiter struct {
	mu   sync.Mutex
	flag bool
	sig  chan struct{}
}

func newWaiter() *waiter {
	return &waiter{sig: make(chan struct{}, 1)}
}

// interrupt requests a wakeup. Never blocks.
func (w *waiter) interrupt() {
	w.mu.Lock()
	w.flag = true
	w.mu.Unlock()
	select {
	case w.sig <- struct{}{}:
	default:
	}
}

// takeFlag consumes a pending wakeup request, reporting whether one was
// set.
func (w *waiter) takeFlag() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.flag
	w.flag = false
	return f
}
