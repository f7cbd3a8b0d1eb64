package camera

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestFlowFanOut(t *testing.T) {
	f := NewFlow(zaptest.NewLogger(t))
	a := f.Subscribe(2)
	b := f.Subscribe(2)

	f.Write(&Frame{Seq: 1})
	if got := (<-a).Seq; got != 1 {
		t.Errorf("a got seq %d, want 1", got)
	}
	if got := (<-b).Seq; got != 1 {
		t.Errorf("b got seq %d, want 1", got)
	}

	f.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel should be closed")
	}
	if f.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d, want 1", f.Subscribers())
	}
}

func TestFlowDropsOldest(t *testing.T) {
	f := NewFlow(zaptest.NewLogger(t))
	s := f.Subscribe(2)

	for i := uint64(1); i <= 5; i++ {
		f.Write(&Frame{Seq: i})
	}
	if got := (<-s).Seq; got != 4 {
		t.Errorf("first queued seq = %d, want 4", got)
	}
	if got := (<-s).Seq; got != 5 {
		t.Errorf("second queued seq = %d, want 5", got)
	}
	if f.Missed() != 3 {
		t.Errorf("Missed() = %d, want 3", f.Missed())
	}
}

func TestFlowClose(t *testing.T) {
	f := NewFlow(zaptest.NewLogger(t))
	s := f.Subscribe(1)
	f.Close()

	if _, ok := <-s; ok {
		t.Error("channel should be closed")
	}
	late := f.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription after close should be closed")
	}
	f.Write(&Frame{})
}
