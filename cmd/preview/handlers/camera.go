package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/mjpeg"
)

type CameraHandler struct {
	Cam    camera.Capturer
	Frames *FrameHub
}

func (h *CameraHandler) Stream(c *gin.Context) {
	c.Header("Content-Type", mjpeg.ContentType)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "Streaming not supported")
		return
	}

	ctx := c.Request.Context()
	streamClients.Add(ctx, 1)
	defer streamClients.Add(ctx, -1)

	w := mjpeg.NewWriter(c.Writer)
	_, seq := h.Frames.Latest()
	if seq > 0 {
		seq--
	}
	for {
		frame, next, err := h.Frames.Next(ctx, seq)
		if err != nil {
			return
		}
		seq = next
		if err := w.WriteFrame(frame); err != nil {
			slog.Debug("Stream client gone", "error", err)
			return
		}
		flusher.Flush()
	}
}

func (h *CameraHandler) Snapshot(c *gin.Context) {
	frame, seq := h.Frames.Latest()
	if frame == nil {
		c.String(http.StatusServiceUnavailable, "No frame available")
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Sequence", strconv.FormatUint(seq, 10))
	c.Data(http.StatusOK, "image/jpeg", frame)
}

func (h *CameraHandler) Start(c *gin.Context) {
	h.control(c, "start", h.Cam.Start)
}

func (h *CameraHandler) Stop(c *gin.Context) {
	h.control(c, "stop", h.Cam.Stop)
}

func (h *CameraHandler) Next(c *gin.Context) {
	h.control(c, "next", h.Cam.ChangeDevice)
}

func (h *CameraHandler) control(c *gin.Context, action string, fn func() error) {
	if err := fn(); err != nil {
		slog.Error("Camera action failed", "action", action, "error", err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": h.Cam.State()})
		return
	}
	slog.Info("Camera action", "action", action, "device", h.Cam.Info().ID)
	h.Status(c)
}

func (h *CameraHandler) Cameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"current": h.Cam.Info().ID,
		"cameras": h.Cam.EnumerateCameras(),
	})
}

func (h *CameraHandler) Status(c *gin.Context) {
	st, err := camera.CapturerStats(h.Cam)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
