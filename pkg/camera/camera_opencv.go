//go:build opencv

package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// BackendOpenCV captures through OpenCV's VideoCapture. It is compiled in
// with -tags opencv and needs the OpenCV libraries at build time.
const BackendOpenCV = "opencv"

// OpenCV has no device listing; indices below this are probed.
const opencvMaxProbe = 8

func init() {
	drv := &opencvDriver{open: make(map[int]bool)}
	backends[BackendOpenCV] = func() driver { return drv }
}

type opencvDriver struct {
	mu   sync.Mutex
	open map[int]bool
}

func (*opencvDriver) Name() string { return BackendOpenCV }

// Enumerate probes device indices. Indices held by our own sessions are
// listed without probing, so ChangeDevice keeps a stable order.
func (d *opencvDriver) Enumerate() ([]CameraInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var infos []CameraInfo
	for i := 0; i < opencvMaxProbe; i++ {
		if !d.open[i] {
			vc, err := gocv.VideoCaptureDevice(i)
			if err != nil {
				continue
			}
			ok := vc.IsOpened()
			vc.Close()
			if !ok {
				continue
			}
		}
		infos = append(infos, CameraInfo{ID: fmt.Sprintf("opencv:%d", i), Label: fmt.Sprintf("OpenCV device %d", i)})
	}
	return infos, nil
}

func (*opencvDriver) FrameTimeout() time.Duration { return 0 }

func (*opencvDriver) ThreadInit() func() { return func() {} }

func (d *opencvDriver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	var index int
	if _, err := fmt.Sscanf(info.ID, "opencv:%d", &index); err != nil {
		return nil, fmt.Errorf("not an opencv device: %q", info.ID)
	}
	if cfg.PixelFormat != "" && cfg.PixelFormat != "BGR3" {
		return nil, fmt.Errorf("opencv backend only produces BGR3, not %s", cfg.PixelFormat)
	}

	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %d: %w", index, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture %d is not available", index)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.FPS))
	}

	d.mu.Lock()
	d.open[index] = true
	d.mu.Unlock()

	log := cfg.logger()
	log.Info("OpenCV capture configured",
		"width", int(vc.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(vc.Get(gocv.VideoCaptureFrameHeight)),
	)
	return &opencvSession{drv: d, index: index, vc: vc, out: out, log: log}, nil
}

type opencvSession struct {
	drv   *opencvDriver
	index int
	vc    *gocv.VideoCapture
	out   sink
	log   *slog.Logger

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (s *opencvSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *opencvSession) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		mat := gocv.NewMat()
		if ok := s.vc.Read(&mat); !ok {
			mat.Close()
			s.out.Fail(errors.New("opencv: cannot read from device"))
			return
		}
		if mat.Empty() {
			mat.Close()
			continue
		}

		smp := &opencvSample{mat: mat}
		smp.init(func() { smp.mat.Close() })
		s.out.Push(smp)
		smp.Release()
	}
}

func (s *opencvSession) Stop() error {
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

func (s *opencvSession) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.drv.mu.Lock()
	delete(s.drv.open, s.index)
	s.drv.mu.Unlock()
	return s.vc.Close()
}

// opencvSample owns a Mat; samples outlive the capture that produced them.
type opencvSample struct {
	refCount
	mat gocv.Mat
}

func (smp *opencvSample) Lock() (lockedBuffer, error) {
	data, err := smp.mat.DataPtrUint8()
	if err != nil {
		return lockedBuffer{}, fmt.Errorf("failed to access mat data: %w", err)
	}
	return lockedBuffer{
		data:   data,
		stride: smp.mat.Step(),
		width:  smp.mat.Cols(),
		height: smp.mat.Rows(),
		format: "BGR3",
	}, nil
}
