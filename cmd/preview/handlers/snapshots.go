package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/shutter"
	"github.com/wachiwi/kamera/pkg/snapshot"
)

const defaultCaptureTimeout = 10 * time.Second

type SnapshotHandler struct {
	Cam camera.Capturer
	Dir *snapshot.Dir
	// Shutter is played after every saved snapshot when set.
	Shutter *shutter.Sound
	Timeout time.Duration
}

// Capture waits for the next frame and saves it to the snapshot directory.
func (h *SnapshotHandler) Capture(ctx context.Context) (snapshot.Entry, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultCaptureTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, err := h.Cam.WaitForFrameContext(ctx)
	if err != nil {
		return snapshot.Entry{}, fmt.Errorf("failed to get frame: %w", err)
	}
	entry, err := h.Dir.Save(f, h.Cam.Info().ID)
	f.Close()
	if err != nil {
		return snapshot.Entry{}, fmt.Errorf("failed to save snapshot: %w", err)
	}
	snapshotsSaved.Add(ctx, 1)
	slog.Info("Snapshot saved", "name", entry.Name, "device", entry.Device)

	if h.Shutter != nil {
		go func() {
			if err := h.Shutter.Play(context.Background()); err != nil {
				slog.Warn("Failed to play shutter sound", "error", err)
			}
		}()
	}
	return entry, nil
}

// Run is the timelapse job.
func (h *SnapshotHandler) Run() {
	if _, err := h.Capture(context.Background()); err != nil {
		slog.Error("Timelapse snapshot failed", "error", err)
	}
}

func (h *SnapshotHandler) Take(c *gin.Context) {
	entry, err := h.Capture(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (h *SnapshotHandler) List(c *gin.Context) {
	entries, err := h.Dir.List()
	if err != nil {
		slog.Error("Failed to list snapshots", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list snapshots"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *SnapshotHandler) File(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	if name == "." || name == "/" || filepath.Ext(name) == ".json" {
		c.String(http.StatusNotFound, "Not found")
		return
	}
	c.File(filepath.Join(h.Dir.Path(), name))
}
