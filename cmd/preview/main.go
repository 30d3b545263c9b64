// Command preview serves a live MJPEG preview of a camera, takes snapshots
// on demand or on a cron schedule, and switches cameras from the browser or
// a GPIO button.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/wachiwi/kamera/cmd/preview/handlers"
	"github.com/wachiwi/kamera/cmd/preview/middleware"
	"github.com/wachiwi/kamera/pkg/button"
	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/config"
	"github.com/wachiwi/kamera/pkg/logger"
	"github.com/wachiwi/kamera/pkg/shutter"
	"github.com/wachiwi/kamera/pkg/snapshot"
	"github.com/wachiwi/kamera/pkg/telemetry"
)

//go:embed templates/*
var templateFS embed.FS

type server struct {
	cfg       config.PreviewConfig
	camera    *handlers.CameraHandler
	snapshots *handlers.SnapshotHandler
}

func (s *server) authEnabled() bool {
	return s.cfg.User != "" && s.cfg.Password != ""
}

func (s *server) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger)
	router.SetTrustedProxies([]string{"127.0.0.1"})

	secret := s.cfg.SessionSecret
	if secret == "" {
		secret = uuid.NewString()
		slog.Warn("No session secret configured, logins will not survive a restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 7 * 24 * 3600, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	router.Use(sessions.Sessions("kamera_session", store))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"state": s.camera.Cam.State()})
	})

	authorized := router.Group("/")
	if s.authEnabled() {
		auth := &handlers.AuthHandler{User: s.cfg.User, Password: s.cfg.Password, TemplateFS: templateFS}
		router.GET("/login", auth.LoginPage)
		router.POST("/login", auth.Login)
		router.GET("/logout", auth.Logout)
		authorized.Use(middleware.AuthRequired)
	} else {
		slog.Warn("Preview credentials not set, authentication disabled")
	}

	index := &handlers.IndexHandler{
		Camera:      s.camera,
		Snapshots:   s.snapshots,
		TemplateFS:  templateFS,
		AuthEnabled: s.authEnabled(),
	}
	authorized.GET("/", index.Index)
	authorized.GET("/stream.mjpg", s.camera.Stream)
	authorized.GET("/snapshot.jpg", s.camera.Snapshot)
	authorized.GET("/snapshots/:name", s.snapshots.File)

	api := authorized.Group("/api")
	api.GET("/cameras", s.camera.Cameras)
	api.GET("/status", s.camera.Status)
	api.POST("/camera/start", s.camera.Start)
	api.POST("/camera/stop", s.camera.Stop)
	api.POST("/camera/next", s.camera.Next)
	api.GET("/snapshots", s.snapshots.List)
	api.POST("/snapshots", s.snapshots.Take)

	return router
}

func main() {
	configPath := flag.String("config", os.Getenv("KAMERA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preview: %v\n", err)
		os.Exit(2)
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "preview: %v\n", err)
		os.Exit(2)
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, "kamera-preview", cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Fatal("Failed to setup telemetry", "error", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Error("Failed to shutdown telemetry", "error", err)
		}
	}()

	cam, err := camera.OpenCapturer(cfg.Camera.Threaded, cfg.Camera.CameraOptions()...)
	if err != nil {
		logger.Fatal("Failed to open camera", "error", err)
	}
	defer func() {
		if err := cam.Close(); err != nil {
			slog.Error("Failed to close camera", "error", err)
		}
	}()
	if err := cam.Start(); err != nil {
		slog.Error("Failed to start camera", "error", err)
	}

	dir, err := snapshot.NewDir(cfg.Snapshot.Dir, snapshot.DirOptions{
		Format:    cfg.Snapshot.Format,
		Quality:   cfg.Snapshot.Quality,
		Retention: cfg.Snapshot.Retention,
	})
	if err != nil {
		logger.Fatal("Failed to prepare snapshot directory", "error", err)
	}
	snaps := &handlers.SnapshotHandler{Cam: cam, Dir: dir}
	if cfg.Shutter.Sound != "" {
		sound, err := shutter.Load(cfg.Shutter.Sound)
		if err != nil {
			slog.Error("Failed to load shutter sound, continuing without", "error", err)
		} else {
			snaps.Shutter = sound
		}
	}

	hub := handlers.NewFrameHub()
	go hub.Run(ctx, cam, cfg.Snapshot.Quality)

	if cfg.Snapshot.Schedule != "" {
		loc, err := time.LoadLocation(cfg.Snapshot.TimeZone)
		if err != nil {
			logger.Fatal("Failed to load time zone", "error", err)
		}
		cronLog := &logger.CronLogger{Logger: slog.Default().With("component", "timelapse")}
		c := cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.SkipIfStillRunning(cronLog)),
		)
		if _, err := c.AddJob(cfg.Snapshot.Schedule, snaps); err != nil {
			logger.Fatal("Failed to schedule timelapse", "schedule", cfg.Snapshot.Schedule, "error", err)
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
		slog.Info("Timelapse scheduled", "schedule", cfg.Snapshot.Schedule, "location", loc.String())
	}

	if cfg.Button.Line >= 0 {
		go watchButton(ctx, cfg.Button, cam)
	}

	s := &server{
		cfg:       cfg.Preview,
		camera:    &handlers.CameraHandler{Cam: cam, Frames: hub},
		snapshots: snaps,
	}
	srv := &http.Server{
		Addr:        cfg.Preview.Listen,
		Handler:     s.router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		slog.Info("Preview server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Preview server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Error("Failed to shutdown preview server", "error", err)
	}
}

func watchButton(ctx context.Context, cfg config.ButtonConfig, cam camera.Capturer) {
	err := button.Watch(ctx, button.Config{Chip: cfg.Chip, Line: cfg.Line, Debounce: cfg.Debounce}, func() {
		if err := cam.ChangeDevice(); err != nil {
			slog.Error("Failed to change camera", "error", err)
			return
		}
		slog.Info("Camera changed by button", "device", cam.Info().ID)
	})
	switch {
	case errors.Is(err, button.ErrUnsupported):
		slog.Warn("Button configured but not supported on this platform")
	case err != nil:
		slog.Error("Button watch failed", "error", err)
	}
}
