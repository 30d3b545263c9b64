// Package config loads the settings shared by the kamera binaries from an
// optional YAML file and KAMERA_* environment variables. The environment
// wins over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/wachiwi/kamera/pkg/camera"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Log       LogConfig       `yaml:"log"`
	Preview   PreviewConfig   `yaml:"preview"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Button    ButtonConfig    `yaml:"button"`
	Shutter   ShutterConfig   `yaml:"shutter"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type CameraConfig struct {
	Backend      string        `yaml:"backend"`
	Device       string        `yaml:"device"`
	PixelFormat  string        `yaml:"pixel_format"`
	Width        int           `yaml:"width"`
	Height       int           `yaml:"height"`
	FPS          int           `yaml:"fps"`
	FrameTimeout time.Duration `yaml:"frame_timeout"`
	// Threaded runs the camera on a dedicated OS thread.
	Threaded bool `yaml:"threaded"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PreviewConfig struct {
	Listen        string `yaml:"listen"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	SessionSecret string `yaml:"session_secret"`
}

type SnapshotConfig struct {
	Dir       string        `yaml:"dir"`
	Format    string        `yaml:"format"`
	Quality   int           `yaml:"quality"`
	Schedule  string        `yaml:"schedule"`
	TimeZone  string        `yaml:"time_zone"`
	Retention time.Duration `yaml:"retention"`
}

type ButtonConfig struct {
	Chip     string        `yaml:"chip"`
	Line     int           `yaml:"line"`
	Debounce time.Duration `yaml:"debounce"`
}

type ShutterConfig struct {
	Sound string `yaml:"sound"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Camera: CameraConfig{Backend: camera.BackendNative},
		Log:    LogConfig{Level: "info", Format: "text"},
		Preview: PreviewConfig{
			Listen: ":8080",
		},
		Snapshot: SnapshotConfig{
			Dir:       "./snapshots",
			Format:    "jpeg",
			Quality:   85,
			TimeZone:  "Local",
			Retention: 7 * 24 * time.Hour,
		},
		Button: ButtonConfig{
			Chip:     "gpiochip0",
			Line:     -1,
			Debounce: 50 * time.Millisecond,
		},
	}
}

// Load reads the YAML file at path, if path is not empty, on top of the
// defaults and then applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides cfg with the KAMERA_* variables found by lookup.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"KAMERA_BACKEND":           &cfg.Camera.Backend,
		"KAMERA_DEVICE":            &cfg.Camera.Device,
		"KAMERA_PIXEL_FORMAT":      &cfg.Camera.PixelFormat,
		"KAMERA_LOG_LEVEL":         &cfg.Log.Level,
		"KAMERA_LOG_FORMAT":        &cfg.Log.Format,
		"KAMERA_LISTEN":            &cfg.Preview.Listen,
		"KAMERA_USER":              &cfg.Preview.User,
		"KAMERA_PASSWORD":          &cfg.Preview.Password,
		"KAMERA_SESSION_SECRET":    &cfg.Preview.SessionSecret,
		"KAMERA_SNAPSHOT_DIR":      &cfg.Snapshot.Dir,
		"KAMERA_SNAPSHOT_FORMAT":   &cfg.Snapshot.Format,
		"KAMERA_SNAPSHOT_SCHEDULE": &cfg.Snapshot.Schedule,
		"KAMERA_TZ":                &cfg.Snapshot.TimeZone,
		"KAMERA_GPIO_CHIP":         &cfg.Button.Chip,
		"KAMERA_SHUTTER_SOUND":     &cfg.Shutter.Sound,
		"KAMERA_OTLP_ENDPOINT":     &cfg.Telemetry.Endpoint,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"KAMERA_WIDTH":            &cfg.Camera.Width,
		"KAMERA_HEIGHT":           &cfg.Camera.Height,
		"KAMERA_FPS":              &cfg.Camera.FPS,
		"KAMERA_SNAPSHOT_QUALITY": &cfg.Snapshot.Quality,
		"KAMERA_GPIO_LINE":        &cfg.Button.Line,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"KAMERA_FRAME_TIMEOUT":      &cfg.Camera.FrameTimeout,
		"KAMERA_SNAPSHOT_RETENTION": &cfg.Snapshot.Retention,
		"KAMERA_GPIO_DEBOUNCE":      &cfg.Button.Debounce,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("KAMERA_THREADED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KAMERA_THREADED: %w", err)
		}
		cfg.Camera.Threaded = b
	}
	return nil
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch c.Snapshot.Format {
	case "jpeg", "png":
	default:
		errs = append(errs, fmt.Errorf("snapshot.format must be jpeg or png, got %q", c.Snapshot.Format))
	}
	if c.Snapshot.Quality < 1 || c.Snapshot.Quality > 100 {
		errs = append(errs, fmt.Errorf("snapshot.quality must be within 1..100, got %d", c.Snapshot.Quality))
	}
	if (c.Camera.Width == 0) != (c.Camera.Height == 0) {
		errs = append(errs, errors.New("camera.width and camera.height must be set together"))
	}
	if c.Camera.FrameTimeout < 0 {
		errs = append(errs, errors.New("camera.frame_timeout must not be negative"))
	}
	if _, err := time.LoadLocation(c.Snapshot.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.time_zone: %w", err))
	}
	return errors.Join(errs...)
}

// CameraOptions turns the camera section into options for camera.Open and
// camera.NewThreadedCamera.
func (c CameraConfig) CameraOptions() []camera.Option {
	opts := []camera.Option{camera.WithBackend(c.Backend)}
	if c.Device != "" {
		opts = append(opts, camera.WithDevice(c.Device))
	}
	if c.PixelFormat != "" {
		opts = append(opts, camera.WithPixelFormat(c.PixelFormat))
	}
	if c.Width > 0 && c.Height > 0 {
		opts = append(opts, camera.WithResolution(c.Width, c.Height))
	}
	if c.FPS > 0 {
		opts = append(opts, camera.WithFPS(c.FPS))
	}
	if c.FrameTimeout > 0 {
		opts = append(opts, camera.WithFrameTimeout(c.FrameTimeout))
	}
	return opts
}
