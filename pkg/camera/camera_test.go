package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func openPattern(t *testing.T, cfg TestPatternConfig, opts ...Option) (*Camera, *TestPattern) {
	t.Helper()
	tp := NewTestPattern(cfg)
	cam, err := Open(append([]Option{WithTestPattern(tp)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to open test pattern camera: %v", err)
	}
	t.Cleanup(func() { cam.Close() })
	return cam, tp
}

func waitFrame(t *testing.T, cam *Camera) *Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := cam.WaitForFrameContext(ctx)
	if err != nil {
		t.Fatalf("Failed to wait for frame: %v", err)
	}
	return f
}

func TestOpenIsConfigured(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{})

	if st := cam.State(); st != Configured {
		t.Errorf("Expected Configured, got %s", st)
	}
	if info := cam.Info(); info.ID != "pattern:0" {
		t.Errorf("Expected first device, got %q", info.ID)
	}
	if cam.Backend() != BackendTestPattern {
		t.Errorf("Expected testpattern backend, got %q", cam.Backend())
	}
}

func TestOpenWithDevice(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{Devices: 3}, WithDevice("pattern:2"))
	if info := cam.Info(); info.ID != "pattern:2" {
		t.Errorf("Expected pattern:2, got %q", info.ID)
	}

	tp := NewTestPattern(TestPatternConfig{})
	if _, err := Open(WithTestPattern(tp), WithDevice("pattern:9")); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice for unknown id, got %v", err)
	}
}

func TestOpenWithoutDevices(t *testing.T) {
	tp := NewTestPattern(TestPatternConfig{Devices: -1})
	if _, err := Open(WithTestPattern(tp)); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Expected ErrNoDevice, got %v", err)
	}
	if got := EnumerateCameras(WithTestPattern(tp)); got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil list, got %#v", got)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(WithBackend("carrier-pigeon")); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestNewDefaultDevicePanicsWithoutDevice(t *testing.T) {
	if len(EnumerateCameras()) > 0 {
		t.Skip("a capture device is attached")
	}
	defer func() {
		if recover() == nil {
			t.Error("Expected NewDefaultDevice to panic")
		}
	}()
	NewDefaultDevice()
}

func TestStartStopIdempotent(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 200})

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop before Start failed: %v", err)
	}
	if st := cam.State(); st != Stopped {
		t.Errorf("Expected Stopped, got %s", st)
	}

	for i := 0; i < 2; i++ {
		if err := cam.Start(); err != nil {
			t.Fatalf("Start #%d failed: %v", i, err)
		}
	}
	if st := cam.State(); st != Running {
		t.Errorf("Expected Running, got %s", st)
	}

	for i := 0; i < 2; i++ {
		if err := cam.Stop(); err != nil {
			t.Fatalf("Stop #%d failed: %v", i, err)
		}
	}
	if st := cam.State(); st != Stopped {
		t.Errorf("Expected Stopped, got %s", st)
	}

	if err := cam.Start(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	f := waitFrame(t, cam)
	f.Close()
}

func TestWaitForFrameDeliversFrames(t *testing.T) {
	cam, tp := openPattern(t, TestPatternConfig{FPS: 200, Width: 64, Height: 48})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		f := cam.WaitForFrame()
		if f == nil {
			t.Fatal("Expected a frame, got nil")
		}
		if w, h := f.Size(); w != 64 || h != 48 {
			t.Errorf("Expected 64x48, got %dx%d", w, h)
		}
		if len(f.Data().Bytes()) != 64*48*4 {
			t.Errorf("Unexpected data length %d", len(f.Data().Bytes()))
		}
		if f.Generation() <= last {
			t.Errorf("Generation went from %d to %d", last, f.Generation())
		}
		last = f.Generation()
		f.Close()
	}

	if err := cam.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if tp.LiveSamples() != 0 {
		t.Errorf("Expected all samples released after Close, %d live", tp.LiveSamples())
	}
	if tp.OpenSessions() != 0 {
		t.Errorf("Expected no open sessions after Close, got %d", tp.OpenSessions())
	}
}

func TestWaitForFrameWhenNotRunning(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{})

	if _, err := cam.WaitForFrameContext(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped on a configured camera, got %v", err)
	}
	if f := cam.WaitForFrame(); f != nil {
		t.Error("Expected nil frame on a configured camera")
	}
}

func TestStopWakesWaiters(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 1})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const waiters = 3
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cam.WaitForFrameContext(context.Background())
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	wg.Wait()
	close(errs)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Waiters took %v to wake up", elapsed)
	}
	for err := range errs {
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Expected ErrStopped, got %v", err)
		}
	}
}

func TestWaitForFrameTimeout(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 1}, WithFrameTimeout(50*time.Millisecond))
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	_, err := cam.WaitForFrameContext(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Timeout took %v", elapsed)
	}
	if f := cam.WaitForFrame(); f != nil {
		t.Error("Expected nil frame on timeout")
		f.Close()
	}
}

func TestWaitForFrameContextCancel(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 1})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := cam.WaitForFrameContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the caller's deadline, got %v", err)
	}
}

func TestConcurrentWaitersGetDistinctGenerations(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 500, Width: 8, Height: 8})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var (
		mu   sync.Mutex
		seen = map[uint64]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f := cam.WaitForFrame()
				if f == nil {
					return
				}
				mu.Lock()
				seen[f.Generation()]++
				mu.Unlock()
				f.Close()
			}
		}()
	}
	wg.Wait()

	for gen, n := range seen {
		if n > 1 {
			t.Errorf("Generation %d delivered %d times", gen, n)
		}
	}
}

func TestChangeDeviceRotates(t *testing.T) {
	cam, tp := openPattern(t, TestPatternConfig{Devices: 3, FPS: 200, Width: 8, Height: 8})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f := waitFrame(t, cam)
	f.Close()

	firstSession := cam.Stats().SessionID
	want := []string{"pattern:1", "pattern:2", "pattern:0"}
	for _, id := range want {
		if err := cam.ChangeDevice(); err != nil {
			t.Fatalf("ChangeDevice failed: %v", err)
		}
		if got := cam.Info().ID; got != id {
			t.Errorf("Expected %s, got %s", id, got)
		}
		if st := cam.State(); st != Running {
			t.Errorf("Expected Running after ChangeDevice, got %s", st)
		}
		f := waitFrame(t, cam)
		f.Close()
	}

	if cam.Stats().SessionID == firstSession {
		t.Error("Expected a new session id after ChangeDevice")
	}
	if tp.OpenSessions() != 1 {
		t.Errorf("Expected exactly one open session, got %d", tp.OpenSessions())
	}
}

func TestChangeDeviceKeepsStoppedState(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{})

	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if st := cam.State(); st != Configured {
		t.Errorf("Expected Configured, got %s", st)
	}

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if st := cam.State(); st != Stopped {
		t.Errorf("Expected Stopped, got %s", st)
	}
	if got := cam.Info().ID; got != "pattern:0" {
		t.Errorf("Expected to wrap around to pattern:0, got %s", got)
	}
}

func TestChangeDeviceSingleDeviceIsNoop(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{Devices: 1})
	before := cam.Stats().SessionID

	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if cam.Stats().SessionID != before {
		t.Error("Expected the session to be kept with a single device")
	}
}

func TestChangeDeviceResetsGeneration(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 200, Width: 8, Height: 8})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	f := waitFrame(t, cam)
	high := f.Generation()
	f.Close()

	if err := cam.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if gen := cam.Stats().Generation; gen != 0 {
		t.Errorf("Expected a fresh mailbox at generation 0, got %d", gen)
	}
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f = waitFrame(t, cam)
	defer f.Close()
	if f.Generation() >= high {
		t.Errorf("Expected generation to restart, got %d after %d", f.Generation(), high)
	}
}

func TestChangeDeviceWaiterFollowsSwap(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 5, Width: 8, Height: 8})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		f, err := cam.WaitForFrameContext(ctx)
		if err == nil {
			f.Close()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Expected the waiter to receive a frame from the new device, got %v", err)
	}
}

func TestFramesOutliveChangeDeviceAndClose(t *testing.T) {
	tp := NewTestPattern(TestPatternConfig{FPS: 200, Width: 8, Height: 8})
	cam, err := Open(WithTestPattern(tp))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	f := waitFrame(t, cam)

	if err := cam.ChangeDevice(); err != nil {
		t.Fatalf("ChangeDevice failed: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !f.Data().Valid() || len(f.Data().Bytes()) != 8*8*4 {
		t.Error("Expected the held frame to stay readable")
	}
	if tp.LiveSamples() != 1 {
		t.Errorf("Expected only the held sample alive, got %d", tp.LiveSamples())
	}
	f.Close()
	if tp.LiveSamples() != 0 {
		t.Errorf("Expected no live samples, got %d", tp.LiveSamples())
	}
}

func TestSessionFailure(t *testing.T) {
	cam, tp := openPattern(t, TestPatternConfig{FPS: 1})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := cam.WaitForFrameContext(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	tp.Fail(errors.New("device unplugged"))

	select {
	case err := <-done:
		if !errors.Is(err, ErrSessionFailed) {
			t.Errorf("Expected ErrSessionFailed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Waiter not woken by session failure")
	}

	if st := cam.State(); st != Error {
		t.Errorf("Expected Error, got %s", st)
	}
	if err := cam.Start(); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("Expected Start to refuse a failed session, got %v", err)
	}
	if err := cam.Stop(); err != nil {
		t.Errorf("Expected Stop to succeed on a failed session, got %v", err)
	}
	if st := cam.Stats(); st.State != Error || st.Error == "" {
		t.Errorf("Expected stats to report the failure, got %+v", st)
	}

	before := cam.Info()
	if err := cam.ChangeDevice(); !errors.Is(err, ErrSessionFailed) {
		t.Errorf("Expected ChangeDevice to refuse a failed session, got %v", err)
	}
	if st := cam.State(); st != Error {
		t.Errorf("Expected Error to persist after ChangeDevice, got %s", st)
	}
	if after := cam.Info(); after.ID != before.ID {
		t.Errorf("Expected device %s to be kept, got %s", before.ID, after.ID)
	}
}

func TestLockFailureSkipsFrames(t *testing.T) {
	cam, tp := openPattern(t, TestPatternConfig{FPS: 200, Width: 8, Height: 8}, WithFrameTimeout(100*time.Millisecond))
	tp.SetLockError(errors.New("busy"))
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := cam.WaitForFrameContext(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout while every lock fails, got %v", err)
	}

	tp.SetLockError(nil)
	f := waitFrame(t, cam)
	f.Close()
	if st := cam.State(); st != Running {
		t.Errorf("Lock failures must not fail the session, got %s", st)
	}
}

func TestClosedCamera(t *testing.T) {
	cam, _ := openPattern(t, TestPatternConfig{FPS: 200})
	if err := cam.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}

	if err := cam.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Start, got %v", err)
	}
	if err := cam.Stop(); err != nil {
		t.Errorf("Expected Stop on a closed camera to be a no-op, got %v", err)
	}
	if err := cam.ChangeDevice(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from ChangeDevice, got %v", err)
	}
	if _, err := cam.WaitForFrameContext(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from WaitForFrameContext, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Uninitialized: "uninitialized",
		Configured:    "configured",
		Running:       "running",
		Stopped:       "stopped",
		Error:         "error",
		State(42):     "unknown",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}
