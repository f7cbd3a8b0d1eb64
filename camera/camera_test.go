package camera

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pi-capture-pipeline/capture"
	"pi-capture-pipeline/config"
	"pi-capture-pipeline/hardware/sim"
)

func newTestCamera(t *testing.T) (*Camera, *sim.Hardware) {
	t.Helper()
	hcfg := sim.DefaultConfig()
	hcfg.Manual = true
	hcfg.BufferSize = 64
	hw := sim.New(hcfg, zaptest.NewLogger(t))

	cam, err := New(hw, config.Default(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { cam.Close() })
	return cam, hw
}

func TestCameraAssemblesFrames(t *testing.T) {
	cam, hw := newTestCamera(t)
	require.NoError(t, cam.Start(capture.Options{"width": 320, "height": 240}))

	frames := cam.Subscribe(4)
	want := jpegLike(150)
	n, err := hw.Emit(want)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	select {
	case f := <-frames:
		assert.Equal(t, want, f.Data)
		assert.Equal(t, uint64(1), f.Seq)
		assert.Equal(t, 320, f.Width)
		assert.Equal(t, 240, f.Height)
		assert.Equal(t, "image/jpeg", f.MIMEType())
	case <-time.After(2 * time.Second):
		t.Fatal("no frame assembled")
	}

	require.Eventually(t, func() bool { return cam.Latest() != nil }, time.Second, time.Millisecond)
	st := cam.Status()
	assert.Equal(t, capture.Active, st.State)
	assert.EqualValues(t, 1, st.Frames)
	assert.EqualValues(t, 3, st.Chunks)
	assert.Equal(t, 1, st.Subscribers)
}

func TestCameraNextFrame(t *testing.T) {
	cam, hw := newTestCamera(t)

	_, err := cam.NextFrame(context.Background())
	assert.ErrorIs(t, err, capture.ErrNotActive)

	require.NoError(t, cam.Start(nil))

	got := make(chan *Frame, 1)
	go func() {
		f, err := cam.NextFrame(context.Background())
		if err == nil {
			got <- f
		}
	}()
	require.Eventually(t, func() bool { return cam.flow.Subscribers() == 1 }, time.Second, time.Millisecond)

	_, err = hw.Emit(jpegLike(20))
	require.NoError(t, err)
	select {
	case f := <-got:
		assert.True(t, bytes.Equal(jpegLike(20), f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("NextFrame did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = cam.NextFrame(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCameraRunningFlag(t *testing.T) {
	cam, _ := newTestCamera(t)

	var mu sync.Mutex
	var states []capture.State
	cam.OnStateChange(func(s capture.State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	assert.False(t, cam.Running())
	require.NoError(t, cam.Start(nil))
	assert.True(t, cam.Running())
	require.NoError(t, cam.Pause())
	assert.False(t, cam.Running())
	assert.True(t, cam.IsPaused())
	require.NoError(t, cam.Resume())
	assert.True(t, cam.Running())
	require.NoError(t, cam.SetConfig(capture.Options{"quality": 50}))
	require.NoError(t, cam.Stop())
	assert.False(t, cam.Running())

	assert.ErrorIs(t, cam.Stop(), capture.ErrNotActive)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []capture.State{capture.Active, capture.Paused, capture.Active, capture.Idle}, states)
}

func TestCameraRestartResetsAssembly(t *testing.T) {
	cam, hw := newTestCamera(t)
	frames := cam.Subscribe(4)

	require.NoError(t, cam.Start(nil))
	// an incomplete frame is left behind by Stop
	_, err := hw.Emit(bytes.Repeat([]byte{1}, 64))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cam.Status().Chunks == 1 }, time.Second, time.Millisecond)
	require.NoError(t, cam.Stop())

	require.NoError(t, cam.Start(nil))
	want := jpegLike(10)
	_, err = hw.Emit(want)
	require.NoError(t, err)

	select {
	case f := <-frames:
		assert.Equal(t, want, f.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after restart")
	}
	require.NoError(t, cam.Stop())
	assert.True(t, hw.Resources().Zero())
}

func TestCameraPauseDropsPartialFrame(t *testing.T) {
	cam, hw := newTestCamera(t)
	frames := cam.Subscribe(4)

	require.NoError(t, cam.Start(nil))

	// first buffer of a frame arrives, the rest is withheld by Pause
	partial := jpegLike(150)
	_, err := hw.Emit(partial[:64])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cam.Status().Chunks == 1 }, time.Second, time.Millisecond)

	require.NoError(t, cam.Pause())
	_, err = hw.Emit(partial[64:])
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cam.Status().Capture.Suppressed == 2 }, time.Second, time.Millisecond)
	require.NoError(t, cam.Resume())

	want := jpegLike(150)
	want[10] = 0x42
	_, err = hw.Emit(want)
	require.NoError(t, err)

	select {
	case f := <-frames:
		assert.Equal(t, want, f.Data)
		assert.Equal(t, uint64(1), f.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame after resume")
	}

	select {
	case f := <-frames:
		t.Fatalf("unexpected extra frame of %d bytes", len(f.Data))
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, cam.Stop())
	assert.True(t, hw.Resources().Zero())
}
