package camera

import (
	"sync"

	"go.uber.org/zap"
)

// Flow fans frames out to subscribers. A subscriber that falls behind loses
// its oldest queued frame rather than blocking the writer.
type Flow struct {
	logger *zap.Logger

	mu          sync.Mutex
	subscribers map[chan *Frame]*subscription
	closed      bool
}

type subscription struct {
	missed uint64
}

// NewFlow creates an empty flow
func NewFlow(logger *zap.Logger) *Flow {
	return &Flow{
		logger:      logger,
		subscribers: make(map[chan *Frame]*subscription),
	}
}

// Subscribe registers a receiver with room for capacity queued frames.
// The channel is closed on Unsubscribe or Close.
func (f *Flow) Subscribe(capacity int) <-chan *Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	if capacity <= 0 {
		capacity = 1
	}
	s := make(chan *Frame, capacity)
	if f.closed {
		close(s)
		return s
	}
	f.subscribers[s] = &subscription{}
	return s
}

// Unsubscribe removes and closes a receiver
func (f *Flow) Unsubscribe(s <-chan *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch, sub := range f.subscribers {
		if ch == s {
			close(ch)
			delete(f.subscribers, ch)
			if sub.missed > 0 {
				f.logger.Debug("Subscriber left after missing frames", zap.Uint64("missed", sub.missed))
			}
			return
		}
	}
}

// Write delivers frame to every subscriber
func (f *Flow) Write(frame *Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch, sub := range f.subscribers {
		select {
		case ch <- frame:
		default:
			// drop oldest, add newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
			sub.missed++
		}
	}
}

// Subscribers returns the number of receivers
func (f *Flow) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// Missed returns the total number of frames subscribers lost
func (f *Flow) Missed() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	for _, sub := range f.subscribers {
		n += sub.missed
	}
	return n
}

// Close closes every receiver; later subscriptions get a closed channel
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subscribers {
		close(ch)
	}
	f.subscribers = make(map[chan *Frame]*subscription)
	f.closed = true
}
