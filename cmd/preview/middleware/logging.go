package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs every request with slog once it has been served.
// Streams are logged when the client disconnects.
func RequestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	level := slog.LevelDebug
	if c.Writer.Status() >= 500 {
		level = slog.LevelError
	}
	slog.Log(c.Request.Context(), level, "Request served",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start),
		"remote", c.ClientIP(),
	)
}
