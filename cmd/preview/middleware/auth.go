package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// AuthRequired is a middleware to check for a valid session. API calls get
// a 401; browsers are sent to the login page.
func AuthRequired(c *gin.Context) {
	session := sessions.Default(c)
	if session.Get("user") != nil {
		c.Next()
		return
	}

	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	// If the request is from HTMX, trigger a client-side redirect.
	if c.GetHeader("HX-Request") == "true" {
		c.Header("HX-Redirect", "/login")
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Redirect(http.StatusFound, "/login")
	c.Abort()
}
