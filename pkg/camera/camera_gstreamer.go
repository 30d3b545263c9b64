//go:build linux && gstreamer

package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"github.com/wachiwi/kamera/pkg/v4l2"
)

const (
	gstDefaultWidth  = 640
	gstDefaultHeight = 480
	gstBusPoll       = 100 * time.Millisecond
)

var gstInit sync.Once

func newNativeDriver() driver { return gstDriver{} }

// gstDriver runs v4l2src ! videoconvert ! videoscale ! appsink per device and
// hands out appsink samples without copying.
type gstDriver struct{}

func (gstDriver) Name() string { return "gstreamer" }

func (gstDriver) Enumerate() ([]CameraInfo, error) {
	devices, err := v4l2.FindDevices()
	if err != nil {
		return nil, err
	}
	infos := make([]CameraInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, CameraInfo{ID: d.Path, Label: d.Card})
	}
	return infos, nil
}

func (gstDriver) FrameTimeout() time.Duration { return 0 }

func (gstDriver) ThreadInit() func() { return func() {} }

func (gstDriver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	gstInit.Do(func() { gst.Init(nil) })
	log := cfg.logger()

	format := "BGRx"
	if cfg.PixelFormat != "" {
		format = gstFormatName(cfg.PixelFormat)
	}
	width, height := gstDefaultWidth, gstDefaultHeight
	if cfg.Width > 0 && cfg.Height > 0 {
		width, height = cfg.Width, cfg.Height
	}
	bpp, ok := gstBytesPerPixel[format]
	if !ok {
		return nil, fmt.Errorf("gstreamer backend cannot deliver %s", cfg.PixelFormat)
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", info.ID)
	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	caps := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, width, height)
	if cfg.FPS > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", cfg.FPS)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(caps))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(src, converter, scaler, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline: %w", err)
	}

	s := &gstSession{
		pipeline: pipeline,
		out:      out,
		log:      log,
		layout: lockedBuffer{
			stride: width * bpp,
			width:  width,
			height: height,
			format: gstFourCC(format),
		},
	}
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	log.Info("GStreamer pipeline configured", "caps", caps)
	return s, nil
}

var gstBytesPerPixel = map[string]int{
	"BGRx": 4,
	"BGRA": 4,
	"RGBx": 4,
	"RGB":  3,
	"YUY2": 2,
}

// gstFormatName maps a fourcc to the GStreamer video format name.
func gstFormatName(fourcc string) string {
	switch fourcc {
	case "YUYV":
		return "YUY2"
	case "RGB3":
		return "RGB"
	default:
		return fourcc
	}
}

func gstFourCC(format string) string {
	switch format {
	case "YUY2":
		return "YUYV"
	case "RGB":
		return "RGB3"
	default:
		return format
	}
}

type gstSession struct {
	pipeline *gst.Pipeline
	out      sink
	log      *slog.Logger
	layout   lockedBuffer

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (s *gstSession) onNewSample(appsink *app.Sink) gst.FlowReturn {
	sample := appsink.PullSample()
	if sample == nil {
		s.log.Warn("Failed to pull sample from appsink")
		return gst.FlowOK
	}
	smp := &gstSample{sample: sample, layout: s.layout}
	smp.init(smp.drop)
	s.out.Push(smp)
	smp.Release()
	return gst.FlowOK
}

func (s *gstSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.watchBus(s.stop, s.done)
	return nil
}

// watchBus turns pipeline errors and end of stream into a session failure.
func (s *gstSession) watchBus(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-stop:
			return
		default:
		}
		msg := bus.TimedPop(gstBusPoll)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			s.log.Error("GStreamer pipeline error", "error", gerr.Error(), "debug", gerr.DebugString())
			s.out.Fail(errors.New(gerr.Error()))
			return
		case gst.MessageEOS:
			s.out.Fail(errors.New("gstreamer: end of stream"))
			return
		}
	}
}

func (s *gstSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop pipeline: %w", err)
	}
	return nil
}

func (s *gstSession) Close() error {
	err := s.Stop()
	if e := s.pipeline.SetState(gst.StateNull); e != nil && err == nil {
		err = e
	}
	return err
}

// gstSample keeps an appsink sample alive. go-gst unrefs the native sample
// once the Go wrapper is collected, so dropping the last reference only
// clears the pointer. Every Lock maps the buffer on its own; GStreamer allows
// any number of concurrent read maps.
type gstSample struct {
	refCount
	layout lockedBuffer

	mu     sync.Mutex
	sample *gst.Sample
	maps   int
}

func (smp *gstSample) drop() {
	smp.mu.Lock()
	smp.sample = nil
	smp.mu.Unlock()
}

func (smp *gstSample) Lock() (lockedBuffer, error) {
	smp.mu.Lock()
	defer smp.mu.Unlock()

	if smp.sample == nil {
		return lockedBuffer{}, errors.New("gstreamer sample already released")
	}
	// Each GetBuffer wrapper carries its own map info, so the unmap below
	// only touches this lock's mapping.
	buffer := smp.sample.GetBuffer()
	if buffer == nil {
		return lockedBuffer{}, errors.New("gstreamer sample has no buffer")
	}
	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return lockedBuffer{}, errors.New("failed to map gstreamer buffer")
	}
	smp.maps++

	buf := smp.layout
	buf.data = mapInfo.AsUint8Slice()
	buf.unlock = func() {
		buffer.Unmap()
		smp.mu.Lock()
		smp.maps--
		smp.mu.Unlock()
	}
	return buf, nil
}

// mapped reports the number of live buffer maps.
func (smp *gstSample) mapped() int {
	smp.mu.Lock()
	defer smp.mu.Unlock()
	return smp.maps
}
