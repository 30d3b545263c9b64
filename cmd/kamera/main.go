// Command kamera lists capture devices and grabs frames from them.
//
//	kamera -list
//	kamera -frames 30 -o last.png
//	kamera -backend testpattern -threaded -change-device
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/config"
	"github.com/wachiwi/kamera/pkg/logger"
	"github.com/wachiwi/kamera/pkg/snapshot"
	"github.com/wachiwi/kamera/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/wachiwi/kamera/cmd/kamera")

func main() {
	var (
		configPath   = flag.String("config", os.Getenv("KAMERA_CONFIG"), "path to a YAML config file")
		backend      = flag.String("backend", "", "capture backend (overrides the config)")
		device       = flag.String("device", "", "device id (overrides the config)")
		list         = flag.Bool("list", false, "list capture devices and exit")
		frames       = flag.Int("frames", 10, "number of frames to capture")
		threaded     = flag.Bool("threaded", false, "run the camera on a dedicated OS thread")
		changeDevice = flag.Bool("change-device", false, "switch to the next device halfway through")
		output       = flag.String("o", "", "save the last frame as PNG to this file")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kamera: %v\n", err)
		os.Exit(2)
	}
	if *backend != "" {
		cfg.Camera.Backend = *backend
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *threaded {
		cfg.Camera.Threaded = true
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "kamera: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "kamera", cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Fatal("Failed to setup telemetry", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	if *list {
		listDevices(cfg.Camera)
		return
	}

	if err := run(ctx, cfg.Camera, *frames, *changeDevice, *output); err != nil {
		slog.Error("Capture failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func listDevices(cfg config.CameraConfig) {
	devices := camera.EnumerateCameras(cfg.CameraOptions()...)
	if len(devices) == 0 {
		fmt.Println("No cameras found.")
		return
	}
	for _, d := range devices {
		fmt.Printf("%-24s %s\n", d.ID, d.Label)
	}
}

func run(ctx context.Context, cfg config.CameraConfig, frames int, changeDevice bool, output string) error {
	ctx, span := tracer.Start(ctx, "capture",
		trace.WithAttributes(
			attribute.String("kamera.backend", cfg.Backend),
			attribute.Int("kamera.frames", frames),
		))
	defer span.End()

	cam, err := camera.OpenCapturer(cfg.Threaded, cfg.CameraOptions()...)
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			slog.Error("Failed to close camera", "error", err)
		}
	}()
	slog.Info("Camera opened", "device", cam.Info().ID, "label", cam.Info().Label, "threaded", cfg.Threaded)

	if err := cam.Start(); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	var last *camera.Frame
	defer func() {
		if last != nil {
			last.Close()
		}
	}()

	for i := 0; i < frames; i++ {
		if changeDevice && i == frames/2 {
			if err := cam.ChangeDevice(); err != nil {
				return fmt.Errorf("failed to change device: %w", err)
			}
			slog.Info("Switched device", "device", cam.Info().ID)
		}

		f, err := cam.WaitForFrameContext(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("Interrupted")
				return nil
			}
			return fmt.Errorf("failed to wait for frame %d: %w", i, err)
		}
		fmt.Println(f)

		if last != nil {
			last.Close()
		}
		last = f
	}

	if err := cam.Stop(); err != nil {
		slog.Warn("Failed to stop camera", "error", err)
	}

	if output != "" && last != nil {
		if err := snapshot.SavePNG(last, output); err != nil {
			return fmt.Errorf("failed to save %s: %w", output, err)
		}
		slog.Info("Saved frame", "path", output, "frame", last.String())
	}
	if st, err := camera.CapturerStats(cam); err == nil {
		slog.Info("Session stats", "delivered", st.Delivered, "drops", st.Drops, "session", st.SessionID)
	}
	return nil
}
