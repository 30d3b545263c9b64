package camera

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// ThreadedCamera confines a Camera to one dedicated OS thread. The camera is
// created, used and closed on that thread; callers talk to it through a
// channel, so calls from several goroutines are served one at a time. A
// WaitForFrame in progress delays every other call until it returns, except
// Stop and ChangeDevice, which cut it short with ErrStopped.
//
// Frames returned by ThreadedCamera are copies in Go memory; the native
// buffer never leaves the worker thread.
type ThreadedCamera struct {
	cmds chan request
	done chan struct{}

	// life is cancelled by Close and interrupts a wait in progress.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	exitErr  error
	closeErr error

	// waitCancel interrupts the wait running on the worker, if any. While
	// preempting is non-zero new waits return ErrStopped at once.
	waitCancel context.CancelFunc
	preempting int

	closeOnce sync.Once
	log       *slog.Logger
}

type request struct {
	run       func(*Camera)
	terminate bool
}

// NewThreadedCamera starts the worker thread and opens the camera on it with
// the same options Open takes.
func NewThreadedCamera(opts ...Option) (*ThreadedCamera, error) {
	o := newOptions(opts)
	tc := &ThreadedCamera{
		cmds: make(chan request),
		done: make(chan struct{}),
		log:  o.log.With("component", "camera-worker"),
	}
	tc.life, tc.cancel = context.WithCancel(context.Background())

	ready := make(chan error, 1)
	go tc.run(o, ready)
	if err := <-ready; err != nil {
		<-tc.done
		tc.cancel()
		return nil, err
	}
	return tc, nil
}

func (tc *ThreadedCamera) run(o options, ready chan<- error) {
	// The thread stays locked until the goroutine exits so that it is thrown
	// away together with any per-thread state ThreadInit set up.
	runtime.LockOSThread()
	defer close(tc.done)

	drv, err := o.driver()
	if err != nil {
		ready <- err
		return
	}
	defer drv.ThreadInit()()

	cam, err := open(o)
	if err != nil {
		ready <- err
		return
	}
	defer func() {
		err := cam.Close()
		tc.mu.Lock()
		tc.closeErr = err
		tc.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			tc.log.Error("Camera worker panicked", "panic", r)
			tc.setExit(fmt.Errorf("%w: %v", ErrWorkerExited, r))
		}
	}()
	ready <- nil

	tc.log.Debug("Camera worker started", "backend", drv.Name())
	for req := range tc.cmds {
		if req.terminate {
			tc.setExit(ErrClosed)
			return
		}
		req.run(cam)
	}
}

func (tc *ThreadedCamera) setExit(err error) {
	tc.mu.Lock()
	if tc.exitErr == nil {
		tc.exitErr = err
	}
	tc.mu.Unlock()
}

func (tc *ThreadedCamera) exited() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.exitErr == nil {
		return ErrWorkerExited
	}
	return tc.exitErr
}

type result[T any] struct {
	val T
	err error
}

// call runs fn on the worker thread and waits for its result.
func call[T any](ctx context.Context, tc *ThreadedCamera, fn func(*Camera) (T, error)) (T, error) {
	var zero T
	reply := make(chan result[T], 1)
	req := request{run: func(c *Camera) {
		v, err := fn(c)
		reply <- result[T]{v, err}
	}}

	select {
	case tc.cmds <- req:
	case <-tc.done:
		return zero, tc.exited()
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.val, r.err
	case <-tc.done:
		select {
		case r := <-reply:
			return r.val, r.err
		default:
			return zero, tc.exited()
		}
	}
}

func (tc *ThreadedCamera) Start() error {
	_, err := call(context.Background(), tc, func(c *Camera) (struct{}, error) {
		return struct{}{}, c.Start()
	})
	return err
}

// preempt interrupts the wait occupying the worker and keeps new waits off
// it until the returned func is called.
func (tc *ThreadedCamera) preempt() func() {
	tc.mu.Lock()
	tc.preempting++
	if tc.waitCancel != nil {
		tc.waitCancel()
	}
	tc.mu.Unlock()
	return func() {
		tc.mu.Lock()
		tc.preempting--
		tc.mu.Unlock()
	}
}

// beginWait registers a wait on the worker that Close, Stop and
// ChangeDevice can cancel. It returns nil when a Stop or ChangeDevice is
// pending.
func (tc *ThreadedCamera) beginWait(ctx context.Context) (context.Context, func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.preempting > 0 {
		return nil, nil
	}
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(tc.life, cancel)
	tc.waitCancel = cancel
	return wctx, func() {
		stop()
		tc.mu.Lock()
		tc.waitCancel = nil
		tc.mu.Unlock()
		cancel()
	}
}

// Stop halts capture. A WaitForFrame blocked on the worker returns
// ErrStopped so the stop is not queued behind it.
func (tc *ThreadedCamera) Stop() error {
	defer tc.preempt()()
	_, err := call(context.Background(), tc, func(c *Camera) (struct{}, error) {
		return struct{}{}, c.Stop()
	})
	return err
}

func (tc *ThreadedCamera) ChangeDevice() error {
	defer tc.preempt()()
	_, err := call(context.Background(), tc, func(c *Camera) (struct{}, error) {
		return struct{}{}, c.ChangeDevice()
	})
	return err
}

// WaitForFrame returns a copy of the next frame, or nil on stop, timeout,
// failure or after Close.
func (tc *ThreadedCamera) WaitForFrame() *Frame {
	f, err := tc.WaitForFrameContext(context.Background())
	if err != nil {
		tc.log.Debug("No frame", "reason", err)
		return nil
	}
	return f
}

// WaitForFrameContext is WaitForFrame with the reason for a missing frame.
func (tc *ThreadedCamera) WaitForFrameContext(ctx context.Context) (*Frame, error) {
	return call(ctx, tc, func(c *Camera) (*Frame, error) {
		wctx, done := tc.beginWait(ctx)
		if wctx == nil {
			return nil, ErrStopped
		}
		defer done()

		f, err := c.WaitForFrameContext(wctx)
		if err != nil {
			switch {
			case tc.life.Err() != nil:
				return nil, ErrClosed
			case ctx.Err() == nil && wctx.Err() != nil:
				return nil, ErrStopped
			}
			return nil, err
		}
		defer f.Close()
		return f.Copy()
	})
}

// EnumerateCameras lists the devices of the camera's backend, queried from
// the worker thread.
func (tc *ThreadedCamera) EnumerateCameras() []CameraInfo {
	devices, err := call(context.Background(), tc, func(c *Camera) ([]CameraInfo, error) {
		return c.drv.Enumerate()
	})
	if err != nil {
		tc.log.Warn("Failed to enumerate cameras", "error", err)
		return []CameraInfo{}
	}
	return devices
}

func (tc *ThreadedCamera) State() State {
	st, err := call(context.Background(), tc, func(c *Camera) (State, error) {
		return c.State(), nil
	})
	if err != nil {
		return Stopped
	}
	return st
}

func (tc *ThreadedCamera) Info() CameraInfo {
	info, _ := call(context.Background(), tc, func(c *Camera) (CameraInfo, error) {
		return c.Info(), nil
	})
	return info
}

func (tc *ThreadedCamera) Stats() (Stats, error) {
	return call(context.Background(), tc, func(c *Camera) (Stats, error) {
		return c.Stats(), nil
	})
}

// Close terminates the worker, which stops and closes the camera on its own
// thread, and waits for it to exit. It is safe to call more than once.
func (tc *ThreadedCamera) Close() error {
	tc.closeOnce.Do(func() {
		tc.cancel()
		select {
		case tc.cmds <- request{terminate: true}:
		case <-tc.done:
		}
		<-tc.done
	})
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.closeErr
}
