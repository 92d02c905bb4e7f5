package upload

import "sync"

// Waker is the condition-variable wakeup primitive the Dispatcher blocks
// on (spec.md §4.6, §6): wake() increments a counter and signals; the
// dispatcher loop drains the counter each time it wakes. Idempotent under
// rapid repeated calls — N calls while the dispatcher is busy collapse
// into exactly one extra iteration (spec.md §8 invariant 5), because the
// loop only checks "is the count nonzero", never "how many times was it
// incremented".
type Waker struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
	closed bool
}

// NewWaker constructs a ready-to-use Waker.
func NewWaker() *Waker {
	w := &Waker{}
	w.cond = sync.NewCond(&w.mu)

	return w
}

// Wake increments the wake counter and signals any blocked Wait.
func (w *Waker) Wake() {
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
	w.cond.Broadcast()
}

// Wait blocks until Wake has been called at least once since the last
// Wait returned, or until Close is called. Returns false if the waker was
// closed (shutdown).
func (w *Waker) Wait() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.count == 0 && !w.closed {
		w.cond.Wait()
	}

	if w.closed {
		return false
	}

	w.count = 0

	return true
}

// Close unblocks any waiter permanently, for cooperative shutdown (spec.md
// §5, "process-wide do_run flag").
func (w *Waker) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
}
