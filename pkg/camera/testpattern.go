package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TestPatternConfig configures the synthetic backend.
type TestPatternConfig struct {
	// Devices is the number of enumerated devices. Defaults to 2; a negative
	// value means none.
	Devices int
	// Width and Height default to 320x240.
	Width  int
	Height int
	// FPS defaults to 30.
	FPS int
	// FrameTimeout is reported as the backend's default wait bound.
	FrameTimeout time.Duration
}

// TestPattern is a backend that paints gradient frames without hardware. It
// is used by the tests and by the demo binaries when no camera is attached.
// Frames are BGRA in memory, so Words yields 0xAARRGGBB on little-endian
// machines.
type TestPattern struct {
	cfg TestPatternConfig

	mu       sync.Mutex
	sessions map[*patternSession]struct{}
	lockErr  error

	live   atomic.Int64
	locked atomic.Int64
}

// NewTestPattern returns a synthetic backend.
func NewTestPattern(cfg TestPatternConfig) *TestPattern {
	if cfg.Devices == 0 {
		cfg.Devices = 2
	}
	if cfg.Width == 0 {
		cfg.Width = 320
	}
	if cfg.Height == 0 {
		cfg.Height = 240
	}
	if cfg.FPS == 0 {
		cfg.FPS = 30
	}
	return &TestPattern{cfg: cfg, sessions: make(map[*patternSession]struct{})}
}

func (tp *TestPattern) Name() string { return BackendTestPattern }

func (tp *TestPattern) Enumerate() ([]CameraInfo, error) {
	devices := make([]CameraInfo, max(tp.cfg.Devices, 0))
	for i := range devices {
		devices[i] = CameraInfo{
			ID:    fmt.Sprintf("pattern:%d", i),
			Label: fmt.Sprintf("Test Pattern %d", i),
		}
	}
	return devices, nil
}

func (tp *TestPattern) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	var index int
	if _, err := fmt.Sscanf(info.ID, "pattern:%d", &index); err != nil || index < 0 || index >= tp.cfg.Devices {
		return nil, fmt.Errorf("unknown test pattern device %q", info.ID)
	}
	if cfg.PixelFormat != "" && cfg.PixelFormat != "BGRA" {
		return nil, fmt.Errorf("test pattern only produces BGRA, not %s", cfg.PixelFormat)
	}

	s := &patternSession{
		tp:     tp,
		index:  index,
		width:  tp.cfg.Width,
		height: tp.cfg.Height,
		fps:    tp.cfg.FPS,
		out:    out,
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		s.width, s.height = cfg.Width, cfg.Height
	}
	if cfg.FPS > 0 {
		s.fps = cfg.FPS
	}

	tp.mu.Lock()
	tp.sessions[s] = struct{}{}
	tp.mu.Unlock()
	return s, nil
}

func (tp *TestPattern) FrameTimeout() time.Duration { return tp.cfg.FrameTimeout }

func (tp *TestPattern) ThreadInit() func() { return func() {} }

// Fail reports err as a native failure on every open session.
func (tp *TestPattern) Fail(err error) {
	tp.mu.Lock()
	sessions := make([]*patternSession, 0, len(tp.sessions))
	for s := range tp.sessions {
		sessions = append(sessions, s)
	}
	tp.mu.Unlock()

	for _, s := range sessions {
		s.out.Fail(err)
	}
}

// SetLockError makes every following buffer lock fail with err; nil restores
// normal behaviour.
func (tp *TestPattern) SetLockError(err error) {
	tp.mu.Lock()
	tp.lockErr = err
	tp.mu.Unlock()
}

// LiveSamples is the number of painted frames whose last reference has not
// been released yet.
func (tp *TestPattern) LiveSamples() int64 { return tp.live.Load() }

// LockedBuffers is the number of outstanding buffer locks.
func (tp *TestPattern) LockedBuffers() int64 { return tp.locked.Load() }

// OpenSessions is the number of sessions opened and not yet closed.
func (tp *TestPattern) OpenSessions() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sessions)
}

type patternSession struct {
	tp     *TestPattern
	index  int
	width  int
	height int
	fps    int
	out    sink

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	frame uint64
}

func (s *patternSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *patternSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

func (s *patternSession) Close() error {
	err := s.Stop()
	s.tp.mu.Lock()
	delete(s.tp.sessions, s)
	s.tp.mu.Unlock()
	return err
}

func (s *patternSession) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.frame++
			smp := s.paint(s.frame)
			s.out.Push(smp)
			smp.Release()
		}
	}
}

// paint draws a horizontal green and vertical red gradient over a blue level
// that changes every frame and differs per device.
func (s *patternSession) paint(n uint64) *patternSample {
	stride := s.width * 4
	pix := make([]byte, stride*s.height)
	level := byte(n*4 + uint64(s.index)*64)

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			offset := y*stride + x*4
			pix[offset] = level
			pix[offset+1] = byte((x * 255) / s.width)
			pix[offset+2] = byte((y * 255) / s.height)
			pix[offset+3] = 255
		}
	}

	smp := &patternSample{tp: s.tp, pix: pix, width: s.width, height: s.height}
	s.tp.live.Add(1)
	smp.init(func() { s.tp.live.Add(-1) })
	return smp
}

type patternSample struct {
	refCount
	tp     *TestPattern
	pix    []byte
	width  int
	height int
}

var errPatternLock = errors.New("test pattern lock failed")

func (s *patternSample) Lock() (lockedBuffer, error) {
	s.tp.mu.Lock()
	err := s.tp.lockErr
	s.tp.mu.Unlock()
	if err != nil {
		return lockedBuffer{}, fmt.Errorf("%w: %w", errPatternLock, err)
	}

	s.tp.locked.Add(1)
	return lockedBuffer{
		data:   s.pix,
		stride: s.width * 4,
		width:  s.width,
		height: s.height,
		format: "BGRA",
		unlock: func() { s.tp.locked.Add(-1) },
	}, nil
}
