//go:build linux

package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/wachiwi/kamera/pkg/mjpeg"
)

// BackendRPiCam streams MJPEG from rpicam-vid (or the older libcamera-vid)
// on Raspberry Pi OS.
const BackendRPiCam = "rpicam"

const (
	// rpicamStale matches how long a libcamera pipeline may stall before we
	// treat the stream as dead.
	rpicamStale    = 5 * time.Second
	rpicamStopWait = 2 * time.Second
)

func init() {
	backends[BackendRPiCam] = func() driver { return newRPiCamDriver() }
}

// rpicamDriver runs one rpicam-vid process per started session and splits
// its stdout into JPEG frames. Frames carry the compressed image with the
// "MJPG" format and no stride.
type rpicamDriver struct {
	bin string
}

func newRPiCamDriver() rpicamDriver {
	for _, name := range []string{"rpicam-vid", "libcamera-vid"} {
		if path, err := exec.LookPath(name); err == nil {
			return rpicamDriver{bin: path}
		}
	}
	return rpicamDriver{}
}

func (rpicamDriver) Name() string { return BackendRPiCam }

// "0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)"
var rpicamListLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)`)

func (d rpicamDriver) Enumerate() ([]CameraInfo, error) {
	if d.bin == "" {
		return nil, nil
	}
	out, err := exec.Command(d.bin, "--list-cameras").Output()
	if err != nil {
		return nil, fmt.Errorf("%s --list-cameras: %w", d.bin, err)
	}
	var infos []CameraInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := rpicamListLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		infos = append(infos, CameraInfo{ID: "rpicam:" + m[1], Label: m[2]})
	}
	return infos, sc.Err()
}

func (rpicamDriver) FrameTimeout() time.Duration { return rpicamStale }

func (rpicamDriver) ThreadInit() func() { return func() {} }

func (d rpicamDriver) Open(info CameraInfo, cfg sessionConfig, out sink) (session, error) {
	var index int
	if _, err := fmt.Sscanf(info.ID, "rpicam:%d", &index); err != nil {
		return nil, fmt.Errorf("not an rpicam device: %q", info.ID)
	}
	if cfg.PixelFormat != "" && cfg.PixelFormat != "MJPG" {
		return nil, fmt.Errorf("rpicam backend only produces MJPG, not %s", cfg.PixelFormat)
	}
	if d.bin == "" {
		return nil, errors.New("neither rpicam-vid nor libcamera-vid found")
	}

	args := []string{
		"--camera", strconv.Itoa(index),
		"--timeout", "0",
		"--nopreview",
		"--codec", "mjpeg",
		"--output", "-",
		"--awb", "auto",
		"--metering", "average",
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "--width", strconv.Itoa(cfg.Width), "--height", strconv.Itoa(cfg.Height))
	}
	if cfg.FPS > 0 {
		args = append(args, "--framerate", strconv.Itoa(cfg.FPS))
	}
	return &rpicamSession{bin: d.bin, args: args, out: out, log: cfg.logger()}, nil
}

type rpicamSession struct {
	bin  string
	args []string
	out  sink
	log  *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

func (s *rpicamSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.bin, s.args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", s.bin, err)
	}
	s.log.Info("Started camera streaming process", "command", s.bin, "args", s.args)

	s.cmd, s.cancel, s.stopping = cmd, cancel, false
	s.done = make(chan struct{})
	go s.pump(cmd, mjpeg.NewScanner(stdout), &stderr, s.done)
	return nil
}

// pump delivers frames until the process's stdout closes, then reaps it.
func (s *rpicamSession) pump(cmd *exec.Cmd, sc *mjpeg.Scanner, stderr *bytes.Buffer, done chan<- struct{}) {
	defer close(done)

	var width, height int
	for {
		frame, err := sc.Next()
		if errors.Is(err, mjpeg.ErrFrameTooLarge) {
			s.log.Warn("Frame buffer overflow, resetting")
			continue
		}
		if err != nil {
			break
		}
		if width == 0 {
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
			if err != nil {
				s.log.Debug("Skipping undecodable frame", "error", err)
				continue
			}
			width, height = cfg.Width, cfg.Height
		}
		s.out.Push(newOwnedSample(frame, 0, width, height, "MJPG"))
	}

	err := cmd.Wait()
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		s.log.Info("Camera streaming process exited")
		return
	}
	if err == nil {
		err = errors.New("exited")
	}
	s.log.Warn("Camera streaming process exited", "error", err, "stderr", stderr.String())
	s.out.Fail(fmt.Errorf("%s: %w", s.bin, err))
}

func (s *rpicamSession) Stop() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	cmd, cancel, done := s.cmd, s.cancel, s.done
	s.stopping = true
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(rpicamStopWait):
		s.log.Warn("Streaming process ignored interrupt, killing it")
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("failed to kill %s: %w", s.bin, err)
		}
		<-done
	}

	s.mu.Lock()
	s.cmd, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()
	return nil
}

func (s *rpicamSession) Close() error {
	return s.Stop()
}
