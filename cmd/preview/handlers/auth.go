package handlers

import (
	"crypto/subtle"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// SessionUserKey holds the logged in user in the session.
const SessionUserKey = "user"

type AuthHandler struct {
	User       string
	Password   string
	TemplateFS fs.FS
}

func (h *AuthHandler) LoginPage(c *gin.Context) {
	h.render(c, http.StatusOK, nil)
}

func (h *AuthHandler) Login(c *gin.Context) {
	session := sessions.Default(c)
	formUser := c.PostForm("username")
	formPassword := c.PostForm("password")

	if !h.valid(formUser, formPassword) {
		slog.Warn("Failed login", "user", formUser, "remote", c.ClientIP())
		h.render(c, http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	session.Set(SessionUserKey, h.User)
	if err := session.Save(); err != nil {
		slog.Error("Failed to save session", "error", err)
		c.String(http.StatusInternalServerError, "Failed to save session")
		return
	}
	if c.GetHeader("HX-Request") == "true" {
		c.Header("HX-Redirect", "/")
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func (h *AuthHandler) Logout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		slog.Error("Failed to clear session", "error", err)
	}
	c.Redirect(http.StatusFound, "/login")
}

func (h *AuthHandler) valid(user, password string) bool {
	okUser := subtle.ConstantTimeCompare([]byte(user), []byte(h.User)) == 1
	okPassword := subtle.ConstantTimeCompare([]byte(password), []byte(h.Password)) == 1
	return okUser && okPassword
}

func (h *AuthHandler) render(c *gin.Context, status int, data any) {
	tmpl, err := template.ParseFS(h.TemplateFS, "templates/login.html")
	if err != nil {
		slog.Error("Failed to parse login template", "error", err)
		c.String(http.StatusInternalServerError, "Failed to render page")
		return
	}
	c.Status(status)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(c.Writer, data); err != nil {
		slog.Error("Template execution error", "error", err)
	}
}
