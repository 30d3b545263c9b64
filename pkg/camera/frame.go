package camera

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// guard owns one locked native buffer. The lock and the sample reference
// are given back exactly once, however many times release is called.
// mu orders release against retain so a retain never lands on a sample
// whose last reference is already gone.
type guard struct {
	s        sample
	buf      lockedBuffer
	mu       sync.Mutex
	released atomic.Bool
}

// lockSample adopts the caller's reference on s and locks it. On failure the
// reference is released.
func lockSample(s sample) (*guard, error) {
	buf, err := s.Lock()
	if err != nil {
		s.Release()
		return nil, err
	}
	return &guard{s: s, buf: buf}, nil
}

// retain takes another reference on the sample unless the guard has
// already been released.
func (g *guard) retain() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released.Load() {
		return ErrFrameReleased
	}
	g.s.Retain()
	return nil
}

func (g *guard) release() bool {
	g.mu.Lock()
	if !g.released.CompareAndSwap(false, true) {
		g.mu.Unlock()
		return false
	}
	g.mu.Unlock()
	if g.buf.unlock != nil {
		g.buf.unlock()
	}
	g.s.Release()
	return true
}

// Frame is one captured image. It keeps the native buffer locked until Close;
// frames that are garbage collected without Close are unlocked by a runtime
// cleanup, but callers should not rely on that for timely buffer reuse.
type Frame struct {
	g          *guard
	generation uint64
	timestamp  time.Time
	cleanup    runtime.Cleanup
}

func newFrame(g *guard, generation uint64) *Frame {
	f := &Frame{g: g, generation: generation, timestamp: time.Now()}
	f.cleanup = runtime.AddCleanup(f, func(g *guard) { g.release() }, g)
	return f
}

// Close unlocks the native buffer. It is safe to call more than once.
func (f *Frame) Close() {
	if f == nil {
		return
	}
	if f.g.release() {
		f.cleanup.Stop()
	}
}

// Err reports ErrFrameReleased once the frame has been closed.
func (f *Frame) Err() error {
	if f.g.released.Load() {
		return ErrFrameReleased
	}
	return nil
}

// Size returns the frame dimensions in pixels.
func (f *Frame) Size() (width, height uint32) {
	return uint32(f.g.buf.width), uint32(f.g.buf.height)
}

// Stride returns the number of bytes per row as reported by the native lock.
func (f *Frame) Stride() int {
	return f.g.buf.stride
}

// PixelFormat returns the negotiated four-character format code, e.g. "YUYV".
func (f *Frame) PixelFormat() string {
	return f.g.buf.format
}

// Generation is the mailbox generation the frame was taken from. It restarts
// at one after ChangeDevice.
func (f *Frame) Generation() uint64 {
	return f.generation
}

// Timestamp is the time the frame was handed to the caller.
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// Data returns a view over the locked bytes.
func (f *Frame) Data() FrameData {
	return FrameData{g: f.g}
}

// Clone locks the same native buffer a second time. The clone has its own
// lock and must be closed independently.
func (f *Frame) Clone() (*Frame, error) {
	if err := f.g.retain(); err != nil {
		return nil, err
	}
	g, err := lockSample(f.g.s)
	if err != nil {
		return nil, fmt.Errorf("clone frame: %w", err)
	}
	clone := newFrame(g, f.generation)
	clone.timestamp = f.timestamp
	return clone, nil
}

// Copy returns a frame backed by Go memory that stays valid after the native
// buffer is released.
func (f *Frame) Copy() (*Frame, error) {
	if err := f.Err(); err != nil {
		return nil, err
	}
	buf := f.g.buf
	owned := newOwnedSample(append([]byte(nil), buf.data...), buf.stride, buf.width, buf.height, buf.format)
	g, err := lockSample(owned)
	if err != nil {
		return nil, err
	}
	c := newFrame(g, f.generation)
	c.timestamp = f.timestamp
	return c, nil
}

func (f *Frame) String() string {
	w, h := f.Size()
	return fmt.Sprintf("Frame{%dx%d %s gen=%d bytes=%d}", w, h, f.PixelFormat(), f.generation, len(f.g.buf.data))
}

// FrameData is a borrowed view over a Frame's bytes. The slices it returns
// point into the native buffer and must not be used after Frame.Close; once
// the frame is closed the view returns nil.
type FrameData struct {
	g *guard
}

// Valid reports whether the underlying frame is still locked.
func (d FrameData) Valid() bool {
	return d.g != nil && !d.g.released.Load()
}

// Bytes returns the raw bytes, or nil once the frame is closed.
func (d FrameData) Bytes() []byte {
	if !d.Valid() {
		return nil
	}
	return d.g.buf.data
}

// Words reinterprets the bytes as native-endian 32-bit words, which is the
// natural view of packed 4-byte formats such as ARGB or BGRA. It returns nil
// once the frame is closed and panics when the buffer is not word aligned.
func (d FrameData) Words() []uint32 {
	w, err := d.WordsErr()
	if err != nil && err != ErrFrameReleased {
		panic(err)
	}
	return w
}

// WordsErr is Words without the panic.
func (d FrameData) WordsErr() ([]uint32, error) {
	if !d.Valid() {
		return nil, ErrFrameReleased
	}
	b := d.g.buf.data
	if len(b) == 0 {
		return []uint32{}, nil
	}
	if len(b)%4 != 0 || uintptr(unsafe.Pointer(unsafe.SliceData(b)))%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrUnalignedWords, len(b))
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4), nil
}

// ownedSample is a frame copied into Go memory. It has nothing native to
// retain or unlock.
type ownedSample struct {
	buf lockedBuffer
}

func newOwnedSample(data []byte, stride, width, height int, format string) *ownedSample {
	return &ownedSample{buf: lockedBuffer{data: data, stride: stride, width: width, height: height, format: format}}
}

func (s *ownedSample) Retain()  {}
func (s *ownedSample) Release() {}

func (s *ownedSample) Lock() (lockedBuffer, error) {
	return s.buf, nil
}
