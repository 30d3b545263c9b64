// Package camera captures video frames from the platform's capture devices
// behind one small API: enumerate, open, start, wait for frames, stop, and
// rotate to the next device.
//
// Each binary carries exactly one native backend chosen at build time
// (V4L2 or GStreamer on Linux, AVFoundation on macOS, Media Foundation on
// Windows) plus the synthetic test-pattern backend available everywhere.
// Linux builds also carry the rpicam backend for Raspberry Pi camera
// modules, and builds with the opencv tag an OpenCV backend.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wachiwi/kamera/pkg/mailbox"
)

// Backend names accepted by WithBackend.
const (
	BackendNative      = "native"
	BackendTestPattern = "testpattern"
)

var backends = map[string]func() driver{
	BackendNative:      newNativeDriver,
	BackendTestPattern: func() driver { return NewTestPattern(TestPatternConfig{}) },
}

// Backends lists the backend names compiled into this binary.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type options struct {
	backend      string
	drv          driver
	deviceID     string
	frameTimeout time.Duration
	timeoutSet   bool
	cfg          sessionConfig
	log          *slog.Logger
}

// Option configures Open, NewThreadedCamera and EnumerateCameras.
type Option func(*options)

// WithDevice selects the device with the given id instead of the first one.
func WithDevice(id string) Option {
	return func(o *options) { o.deviceID = id }
}

// WithFrameTimeout bounds each WaitForFrame call. Zero waits until the
// session stops. Without this option the backend default applies.
func WithFrameTimeout(d time.Duration) Option {
	return func(o *options) {
		o.frameTimeout = d
		o.timeoutSet = true
	}
}

// WithPixelFormat asks the backend for a four-character pixel format such as
// "YUYV" or "BGRA". Backends that cannot negotiate it use their default.
func WithPixelFormat(fourcc string) Option {
	return func(o *options) { o.cfg.PixelFormat = fourcc }
}

// WithResolution asks the backend for a frame size.
func WithResolution(width, height int) Option {
	return func(o *options) {
		o.cfg.Width = width
		o.cfg.Height = height
	}
}

// WithFPS asks the backend for a frame rate.
func WithFPS(fps int) Option {
	return func(o *options) { o.cfg.FPS = fps }
}

// WithBackend selects a backend by name, see Backends.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backend = name
		o.drv = nil
	}
}

// WithTestPattern uses tp as the backend.
func WithTestPattern(tp *TestPattern) Option {
	return func(o *options) {
		o.backend = BackendTestPattern
		o.drv = tp
	}
}

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func newOptions(opts []Option) options {
	o := options{backend: BackendNative}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

func (o *options) driver() (driver, error) {
	if o.drv != nil {
		return o.drv, nil
	}
	newDriver, ok := backends[o.backend]
	if !ok {
		return nil, fmt.Errorf("camera: unknown backend %q (available: %v)", o.backend, Backends())
	}
	o.drv = newDriver()
	return o.drv, nil
}

// EnumerateCameras lists the capture devices of the selected backend. It has
// no side effects on open sessions; failures are logged and yield an empty
// list.
func EnumerateCameras(opts ...Option) []CameraInfo {
	o := newOptions(opts)
	drv, err := o.driver()
	if err != nil {
		o.log.Error("Failed to select camera backend", "error", err)
		return []CameraInfo{}
	}
	devices, err := drv.Enumerate()
	if err != nil {
		o.log.Warn("Failed to enumerate cameras", "backend", drv.Name(), "error", err)
		return []CameraInfo{}
	}
	if devices == nil {
		devices = []CameraInfo{}
	}
	return devices
}

// Stats is a snapshot of a camera session.
type Stats struct {
	SessionID  string     `json:"session_id"`
	Backend    string     `json:"backend"`
	Device     CameraInfo `json:"device"`
	State      State      `json:"state"`
	Generation uint64     `json:"generation"`
	Delivered  uint64     `json:"delivered"`
	Drops      uint64     `json:"drops"`
	Error      string     `json:"error,omitempty"`
}

// Camera is one capture session on one device. All methods are safe for
// concurrent use; WaitForFrame may block in several goroutines at once and
// each frame generation is handed to only one of them.
type Camera struct {
	mu   sync.Mutex
	drv  driver
	opts options

	info      CameraInfo
	sess      session
	mb        *mailbox.Mailbox[sample]
	sink      *sessionSink
	sessionID string
	state     State
	closed    bool
	log       *slog.Logger
}

// NewDefaultDevice opens the first device of the native backend. It panics
// when there is none; use Open to handle that case.
func NewDefaultDevice() *Camera {
	c, err := Open()
	if err != nil {
		panic(fmt.Sprintf("camera: cannot open default device: %v", err))
	}
	return c
}

// Open enumerates devices and opens a session on the first one, or on the
// one chosen with WithDevice. The session starts out Configured.
func Open(opts ...Option) (*Camera, error) {
	return open(newOptions(opts))
}

func open(o options) (*Camera, error) {
	drv, err := o.driver()
	if err != nil {
		return nil, err
	}
	devices, err := drv.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerate %s devices: %w", drv.Name(), err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevice
	}

	info := devices[0]
	if o.deviceID != "" {
		found := false
		for _, d := range devices {
			if d.ID == o.deviceID {
				info, found = d, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrNoDevice, o.deviceID)
		}
	}

	c := &Camera{drv: drv, opts: o, state: Uninitialized}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.openLocked(info); err != nil {
		return nil, err
	}
	c.state = Configured
	return c, nil
}

func (c *Camera) openLocked(info CameraInfo) error {
	id := uuid.NewString()
	log := c.opts.log.With("component", "camera", "backend", c.drv.Name(), "device", info.ID, "session_id", id)

	mb := mailbox.New[sample](true)
	sk := &sessionSink{mb: mb, log: log}
	cfg := c.opts.cfg
	cfg.Log = log
	sess, err := c.drv.Open(info, cfg, sk)
	if err != nil {
		mb.Close()
		return fmt.Errorf("open %s device %q: %w", c.drv.Name(), info.ID, err)
	}

	c.info, c.sess, c.mb, c.sink = info, sess, mb, sk
	c.sessionID, c.log = id, log
	log.Info("Capture session opened", "label", info.Label)
	return nil
}

// teardownLocked stops the native session, wakes waiters and releases every
// resource of the current session.
func (c *Camera) teardownLocked() error {
	var errs []error
	if c.sess != nil && c.state == Running && c.sink.failed() == nil {
		if err := c.sess.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	c.mb.Close()
	if c.sess != nil {
		if err := c.sess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		c.sess = nil
	}
	return errors.Join(errs...)
}

// Start begins delivering frames. Starting a running session is a no-op; a
// failed session cannot be restarted.
func (c *Camera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.sink.failed(); err != nil {
		c.state = Error
		return fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}
	if c.state == Running {
		return nil
	}

	c.mb.Resume()
	if err := c.sess.Start(); err != nil {
		c.sink.Fail(err)
		c.state = Error
		return fmt.Errorf("%w: start: %w", ErrSessionFailed, err)
	}
	c.state = Running
	c.log.Info("Capture started")
	return nil
}

// Stop halts delivery and wakes every blocked WaitForFrame. It is safe to
// call in any state and more than once.
func (c *Camera) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.sink.failed() != nil {
		c.state = Error
		return nil
	}
	if c.state != Running {
		c.state = Stopped
		c.mb.Pause()
		return nil
	}

	err := c.sess.Stop()
	c.mb.Pause()
	c.state = Stopped
	if err != nil {
		return fmt.Errorf("stop %s: %w", c.info.ID, err)
	}
	c.log.Info("Capture stopped")
	return nil
}

// ChangeDevice closes the current session and opens one on the next
// enumerated device, wrapping around after the last. A session that was
// running keeps running on the new device. With a single device it does
// nothing. A failed session is not rebuilt; only a new Camera recovers from
// Error. Frames already handed out stay valid until closed.
func (c *Camera) ChangeDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := c.sink.failed(); err != nil {
		c.state = Error
		return fmt.Errorf("%w: %w", ErrSessionFailed, err)
	}
	devices, err := c.drv.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate %s devices: %w", c.drv.Name(), err)
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}

	current := -1
	for i, d := range devices {
		if d.ID == c.info.ID {
			current = i
			break
		}
	}
	next := devices[(current+1)%len(devices)]
	if next.ID == c.info.ID {
		return nil
	}

	prev := c.info
	wasRunning := c.state == Running
	if err := c.teardownLocked(); err != nil {
		c.log.Warn("Error tearing down capture session", "error", err)
	}

	if err := c.openLocked(next); err != nil {
		c.markBrokenLocked(err)
		return err
	}
	deviceChanges.Add(context.Background(), 1)
	c.log.Info("Capture device changed", "previous", prev.ID)

	if !wasRunning {
		if c.state != Stopped {
			c.state = Configured
		}
		return nil
	}
	c.state = Configured
	c.mb.Resume()
	if err := c.sess.Start(); err != nil {
		c.sink.Fail(err)
		c.state = Error
		return fmt.Errorf("%w: start: %w", ErrSessionFailed, err)
	}
	c.state = Running
	return nil
}

// markBrokenLocked leaves the camera in the Error state without a native
// session after a failed rebuild.
func (c *Camera) markBrokenLocked(err error) {
	c.mb = mailbox.New[sample](true)
	c.sink = &sessionSink{mb: c.mb, log: c.log}
	c.sink.Fail(err)
	c.sess = nil
	c.state = Error
}

func (c *Camera) frameTimeout() time.Duration {
	if c.opts.timeoutSet {
		return c.opts.frameTimeout
	}
	return c.drv.FrameTimeout()
}

// WaitForFrame blocks until a new frame arrives and returns it. It returns
// nil when the session is stopped, closed or failed, or when the frame
// timeout passes. The caller must Close the frame.
func (c *Camera) WaitForFrame() *Frame {
	f, err := c.WaitForFrameContext(context.Background())
	if err != nil {
		c.mu.Lock()
		log := c.log
		c.mu.Unlock()
		log.Debug("No frame", "reason", err)
		return nil
	}
	return f
}

// WaitForFrameContext is WaitForFrame with the reason spelled out: ErrStopped,
// ErrTimeout, ErrSessionFailed, ErrClosed or the context's error. Waiters
// follow the camera across ChangeDevice.
func (c *Camera) WaitForFrameContext(ctx context.Context) (*Frame, error) {
	if d := c.frameTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, d, ErrTimeout)
		defer cancel()
	}

	for {
		c.mu.Lock()
		mb, sk, state, closed, log := c.mb, c.sink, c.state, c.closed, c.log
		c.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if err := sk.failed(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSessionFailed, err)
		}
		if state != Running {
			return nil, ErrStopped
		}

		s, gen, err := mb.Wait(ctx)
		switch {
		case err == nil:
		case errors.Is(err, mailbox.ErrPaused), errors.Is(err, mailbox.ErrClosed):
			// Stopped, failed or swapped by ChangeDevice; the next pass
			// tells which.
			continue
		case errors.Is(context.Cause(ctx), ErrTimeout):
			waitTimeouts.Add(context.Background(), 1)
			return nil, ErrTimeout
		default:
			return nil, err
		}

		g, err := lockSample(s)
		if err != nil {
			log.Warn("Failed to lock frame buffer", "generation", gen, "error", err)
			continue
		}
		framesDelivered.Add(context.Background(), 1)
		return newFrame(g, gen), nil
	}
}

// State reports the lifecycle state. A closed camera reports Stopped.
func (c *Camera) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Stopped
	}
	if c.sink.failed() != nil {
		return Error
	}
	return c.state
}

// Info describes the device the session is bound to.
func (c *Camera) Info() CameraInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// EnumerateCameras lists the devices of the camera's backend, including the
// one this session holds.
func (c *Camera) EnumerateCameras() []CameraInfo {
	devices, err := c.drv.Enumerate()
	if err != nil {
		c.mu.Lock()
		log := c.log
		c.mu.Unlock()
		log.Warn("Failed to enumerate cameras", "error", err)
		return []CameraInfo{}
	}
	if devices == nil {
		devices = []CameraInfo{}
	}
	return devices
}

// Backend returns the name of the backend serving this camera.
func (c *Camera) Backend() string {
	return c.drv.Name()
}

// Stats returns a snapshot of the session counters. Generation restarts
// with every ChangeDevice.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := c.mb.Stats()
	st := Stats{
		SessionID:  c.sessionID,
		Backend:    c.drv.Name(),
		Device:     c.info,
		State:      c.state,
		Generation: ms.Generation,
		Delivered:  ms.Delivered,
		Drops:      ms.Drops,
	}
	if err := c.sink.failed(); err != nil {
		st.State = Error
		st.Error = err.Error()
	}
	if c.closed {
		st.State = Stopped
	}
	return st
}

// Close stops the session and releases the device. Frames still held by the
// caller remain valid until they are closed.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.teardownLocked()
	c.state = Stopped
	c.log.Info("Capture session closed")
	return err
}

// sessionSink receives samples and failures from one native session. It
// never takes the camera mutex: native Stop and Close may wait for the
// delivery context that calls into it.
type sessionSink struct {
	mb      *mailbox.Mailbox[sample]
	log     *slog.Logger
	failure atomic.Pointer[error]
}

func (s *sessionSink) Push(smp sample) {
	if s.mb.Push(smp) {
		framesDropped.Add(context.Background(), 1)
	}
}

func (s *sessionSink) Fail(err error) {
	if err == nil {
		return
	}
	if s.failure.CompareAndSwap(nil, &err) {
		s.log.Error("Capture session failed", "error", err)
		s.mb.Pause()
	}
}

func (s *sessionSink) failed() error {
	if p := s.failure.Load(); p != nil {
		return *p
	}
	return nil
}
