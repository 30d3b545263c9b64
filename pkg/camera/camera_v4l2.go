//go:build linux && !gstreamer

package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wachiwi/kamera/pkg/v4l2"
)

const (
	v4l2BufferCount   = 4
	v4l2DefaultWidth  = 640
	v4l2DefaultHeight = 480
	v4l2PollInterval  = 100 * time.Millisecond
)

// Formats tried in order when no pixel format was requested.
var v4l2Preferred = []uint32{v4l2.PixFmtYUYV, v4l2.PixFmtNV12, v4l2.PixFmtRGB24, v4l2.PixFmtMJPEG}

func newNativeDriver() driver { return v4l2Driver{} }

// v4l2Driver captures from /dev/video* nodes with mmap streaming.
type v4l2Driver struct{}

func (v4l2Driver) Name() string { return "v4l2" }

func (v4l2Driver) Enumerate() ([]CameraInfo, error) {
	devices, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}
	infos := make([]CameraInfo, 0, len(devices))
	for _, d := range devices {
		label := d.Card
		if label == "" {
			label = d.Path
		}
		infos = append(infos, CameraInfo{ID: d.Path, Label: label})
	}
	return infos, nil
}

func (v4l2Driver) FrameTimeout() time.Duration { return 0 }

func (v4l2Driver) ThreadInit() func() { return func() {} }

func (v4l2Driver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	dev, err := v4l2.Open(info.ID)
	if err != nil {
		return nil, err
	}
	s, err := openV4L2Session(dev, cfg, out)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return s, nil
}

func openV4L2Session(dev *v4l2.Device, cfg sessionConfig, out sink) (*v4l2Session, error) {
	log := cfg.logger()
	caps, err := dev.QueryCapability()
	if err != nil {
		return nil, err
	}
	if !caps.CanStream() {
		return nil, fmt.Errorf("%s (%s) cannot stream video", dev.Path(), caps.Card)
	}

	candidates := v4l2Preferred
	if cfg.PixelFormat != "" {
		code, err := v4l2.FourCCCode(cfg.PixelFormat)
		if err != nil {
			return nil, err
		}
		candidates = []uint32{code}
	}
	want := v4l2.Format{Width: v4l2DefaultWidth, Height: v4l2DefaultHeight}
	if cfg.Width > 0 && cfg.Height > 0 {
		want.Width, want.Height = uint32(cfg.Width), uint32(cfg.Height)
	}

	var format v4l2.Format
	negotiated := false
	for _, code := range candidates {
		want.PixelFormat = code
		got, err := dev.SetFormat(want)
		if err != nil {
			log.Debug("Pixel format rejected", "format", v4l2.FourCCString(code), "error", err)
			continue
		}
		if got.PixelFormat == code {
			format, negotiated = got, true
			break
		}
	}
	if !negotiated {
		return nil, fmt.Errorf("%s: none of the pixel formats %v is supported", dev.Path(), fourccList(candidates))
	}

	if cfg.FPS > 0 {
		if err := dev.SetFrameRate(cfg.FPS); err != nil {
			log.Warn("Failed to set frame rate", "fps", cfg.FPS, "error", err)
		}
	}

	count, err := dev.RequestBuffers(v4l2BufferCount)
	if err != nil {
		return nil, err
	}
	if count < 2 {
		return nil, fmt.Errorf("%s: driver granted only %d buffers", dev.Path(), count)
	}
	if err := dev.Mmap(count); err != nil {
		return nil, err
	}

	log.Info("V4L2 device configured",
		"driver", caps.Driver,
		"card", caps.Card,
		"bus", caps.BusInfo,
		"format", format.String(),
		"buffers", count,
	)

	s := &v4l2Session{
		dev:    dev,
		format: format,
		out:    out,
		log:    log,
		held:   make([]bool, count),
		free:   make([]bool, count),
	}
	for i := range s.free {
		s.free[i] = true
	}
	return s, nil
}

func fourccList(codes []uint32) []string {
	names := make([]string, len(codes))
	for i, c := range codes {
		names[i] = v4l2.FourCCString(c)
	}
	return names
}

// v4l2Session streams from one node. A dequeued buffer belongs to the sample
// wrapping it and goes back to the driver when that sample's last reference
// is released. The mapping outlives Close until every sample is gone.
type v4l2Session struct {
	dev    *v4l2.Device
	format v4l2.Format
	out    sink
	log    *slog.Logger

	// ctl serializes Start, Stop and Close.
	ctl  sync.Mutex
	stop chan struct{}
	done chan struct{}

	// bufMu guards buffer ownership and the device lifetime.
	bufMu     sync.Mutex
	streaming bool
	held      []bool // referenced by a sample
	free      []bool // owned by us, neither queued nor held
	closed    bool
}

func (s *v4l2Session) Start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.stop != nil {
		return nil
	}

	s.bufMu.Lock()
	for i, free := range s.free {
		if !free {
			continue
		}
		if err := s.dev.Queue(uint32(i)); err != nil {
			s.bufMu.Unlock()
			return err
		}
		s.free[i] = false
	}
	if err := s.dev.StreamOn(); err != nil {
		s.bufMu.Unlock()
		return err
	}
	s.streaming = true
	s.bufMu.Unlock()

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *v4l2Session) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		ready, err := s.dev.WaitReadable(v4l2PollInterval)
		if err != nil {
			s.out.Fail(err)
			return
		}
		if !ready {
			continue
		}
		buf, err := s.dev.Dequeue()
		if errors.Is(err, v4l2.ErrAgain) {
			continue
		}
		if err != nil {
			s.out.Fail(err)
			return
		}

		smp := s.wrap(buf)
		s.out.Push(smp)
		smp.Release()
	}
}

func (s *v4l2Session) wrap(buf v4l2.Buffer) *v4l2Sample {
	s.bufMu.Lock()
	s.held[buf.Index] = true
	s.bufMu.Unlock()

	smp := &v4l2Sample{s: s, buf: buf}
	smp.init(func() { s.recycle(buf.Index) })
	return smp
}

// recycle runs when the last reference to a buffer's sample is gone.
func (s *v4l2Session) recycle(index uint32) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	s.held[index] = false
	if s.streaming {
		if err := s.dev.Queue(index); err != nil {
			s.log.Warn("Failed to requeue buffer", "index", index, "error", err)
			s.free[index] = true
		}
		return
	}
	s.free[index] = true
	if s.closed && s.heldCount() == 0 {
		if err := s.dev.Close(); err != nil {
			s.log.Warn("Failed to close V4L2 device", "error", err)
		}
	}
}

func (s *v4l2Session) heldCount() int {
	n := 0
	for _, h := range s.held {
		if h {
			n++
		}
	}
	return n
}

func (s *v4l2Session) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.stopLocked()
}

func (s *v4l2Session) stopLocked() error {
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil

	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.streaming = false
	err := s.dev.StreamOff()
	// STREAMOFF returns every queued buffer to us.
	for i, held := range s.held {
		if !held {
			s.free[i] = true
		}
	}
	return err
}

func (s *v4l2Session) Close() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	err := s.stopLocked()

	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	if s.heldCount() == 0 {
		return errors.Join(err, s.dev.Close())
	}
	s.log.Debug("Deferring device close until frames are released", "held", s.heldCount())
	return err
}

type v4l2Sample struct {
	refCount
	s   *v4l2Session
	buf v4l2.Buffer
}

func (smp *v4l2Sample) Lock() (lockedBuffer, error) {
	f := smp.s.format
	data := smp.s.dev.Bytes(smp.buf.Index, smp.buf.BytesUsed)
	if data == nil {
		return lockedBuffer{}, fmt.Errorf("buffer %d is not mapped", smp.buf.Index)
	}
	return lockedBuffer{
		data:   data,
		stride: int(f.BytesPerLine),
		width:  int(f.Width),
		height: int(f.Height),
		format: v4l2.FourCCString(f.PixelFormat),
	}, nil
}
