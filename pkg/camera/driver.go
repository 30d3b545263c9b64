package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wachiwi/kamera/pkg/mailbox"
)

var (
	ErrNoDevice       = errors.New("camera: no capture device found")
	ErrStopped        = errors.New("camera: session not running")
	ErrTimeout        = errors.New("camera: timed out waiting for frame")
	ErrSessionFailed  = errors.New("camera: capture session failed")
	ErrClosed         = errors.New("camera: closed")
	ErrFrameReleased  = errors.New("camera: frame already released")
	ErrWorkerExited   = errors.New("camera: capture worker exited")
	ErrUnalignedWords = errors.New("camera: frame data is not word aligned")
)

// CameraInfo describes one enumerable capture device.
type CameraInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// lockedBuffer is the result of a native buffer lock. unlock must be called
// exactly once; the guard in frame.go takes care of that.
type lockedBuffer struct {
	data   []byte
	stride int
	width  int
	height int
	format string
	unlock func()
}

// sample is one frame as delivered by a backend. The reference it carries
// keeps the native memory alive; Lock maps it for reading.
type sample interface {
	mailbox.Sample
	Lock() (lockedBuffer, error)
}

// sink is what a backend session delivers into. Push and Fail are called from
// the backend's delivery context and must not block.
type sink interface {
	Push(s sample)
	Fail(err error)
}

// session is one opened device with its native input/output wiring.
type session interface {
	Start() error
	Stop() error
	Close() error
}

// sessionConfig carries the negotiation hints a backend may honour, and the
// session logger.
type sessionConfig struct {
	PixelFormat string
	Width       int
	Height      int
	FPS         int
	Log         *slog.Logger
}

func (c sessionConfig) logger() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// driver is the per-platform backend. Exactly one native driver is compiled
// into a binary, see the build-tagged camera_*.go files.
type driver interface {
	Name() string
	Enumerate() ([]CameraInfo, error)
	Open(info CameraInfo, cfg sessionConfig, out sink) (session, error)
	// FrameTimeout bounds WaitForFrame; zero means wait until stopped.
	FrameTimeout() time.Duration
	// ThreadInit prepares the calling OS thread for native calls and returns
	// the matching teardown.
	ThreadInit() func()
}

// refCount implements mailbox.Sample for backends. The count starts at one,
// owned by the delivery code that created the sample; free runs when the
// last reference is released.
type refCount struct {
	n    atomic.Int32
	free func()
}

func (r *refCount) init(free func()) {
	r.free = free
	r.n.Store(1)
}

func (r *refCount) Retain() {
	r.n.Add(1)
}

func (r *refCount) Release() {
	switch n := r.n.Add(-1); {
	case n == 0:
		if r.free != nil {
			r.free()
		}
	case n < 0:
		panic(fmt.Sprintf("camera: sample released too often (refs=%d)", n))
	}
}

// FourCC renders a four-character pixel format code the way V4L2 and
// CoreVideo store it (first character in the lowest byte).
func FourCC(code uint32) string {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	if b[0] == 0 {
		return fmt.Sprintf("0x%08X", code)
	}
	return string(b)
}

// ParseFourCC is the inverse of FourCC. Short codes are padded with spaces.
func ParseFourCC(s string) uint32 {
	var b [4]byte
	for i := range b {
		b[i] = ' '
		if i < len(s) {
			b[i] = s[i]
		}
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
