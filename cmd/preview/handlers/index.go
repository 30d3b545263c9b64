package handlers

import (
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/wachiwi/kamera/pkg/snapshot"
)

// recentSnapshots is the number of snapshots listed on the index page.
const recentSnapshots = 12

type IndexHandler struct {
	Camera     *CameraHandler
	Snapshots  *SnapshotHandler
	TemplateFS fs.FS
	// AuthEnabled shows the logout link.
	AuthEnabled bool
}

func (h *IndexHandler) Index(c *gin.Context) {
	entries := []snapshot.Entry{}
	if h.Snapshots != nil {
		var err error
		entries, err = h.Snapshots.Dir.List()
		if err != nil {
			slog.Error("Failed to list snapshots", "error", err)
			entries = []snapshot.Entry{}
		}
	}
	slices.Reverse(entries)
	if len(entries) > recentSnapshots {
		entries = entries[:recentSnapshots]
	}

	tmpl, err := template.ParseFS(h.TemplateFS, "templates/index.html")
	if err != nil {
		slog.Error("Failed to parse index template", "error", err)
		c.String(http.StatusInternalServerError, "Failed to render page")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	err = tmpl.Execute(c.Writer, gin.H{
		"current":     h.Camera.Cam.Info(),
		"state":       h.Camera.Cam.State().String(),
		"cameras":     h.Camera.Cam.EnumerateCameras(),
		"snapshots":   entries,
		"authEnabled": h.AuthEnabled,
	})
	if err != nil {
		slog.Error("Template execution error", "error", err)
	}
}
