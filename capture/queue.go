package capture

import (
	"sync"

	"pi-capture-pipeline/hardware"
)

// bufferQueue hands completed buffers from the hardware callback to the
// delivery goroutine. push never blocks on delivery work.
type bufferQueue struct {
	mu    sync.Mutex
	items []*hardware.Buffer
}

func (q *bufferQueue) push(b *hardware.Buffer) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
}

// take removes and returns the whole backlog in arrival order
func (q *bufferQueue) take() []*hardware.Buffer {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *bufferQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wakeup is a coalescing signal: any number of signals before the waiter
// runs collapse into one.
type wakeup struct {
	c    chan struct{}
	done chan struct{}
	once sync.Once
}

func newWakeup() *wakeup {
	return &wakeup{
		c:    make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *wakeup) signal() {
	select {
	case w.c <- struct{}{}:
	default:
	}
}

// retire stops the waiter. Safe to call more than once.
func (w *wakeup) retire() {
	w.once.Do(func() { close(w.done) })
}
