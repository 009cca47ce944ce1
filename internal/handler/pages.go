package handler

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"path/filepath"
)

// PageHandler serves the browser client: a login page, a registration page
// and a dashboard. The pages are thin shells; web/static/js/app.js talks to
// the JSON API.
//
// TEMPLATE COMPOSITION:
// Every page is parsed together with base.html. base.html lays out the
// document and calls {{template "content" .}}; each page file fills that
// block with {{define "content"}}...{{end}}. Because every page defines the
// same block name, each gets its own template set.
type PageHandler struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// page names double as template file names: login → login.html.
var pageTitles = map[string]string{
	"login":     "Login",
	"register":  "Register",
	"dashboard": "Dashboard",
}

// NewPageHandler parses the page templates once at startup.
func NewPageHandler(templateDir string, logger *slog.Logger) (*PageHandler, error) {
	pages := make(map[string]*template.Template, len(pageTitles))
	for name := range pageTitles {
		tmpl, err := template.ParseFiles(
			filepath.Join(templateDir, "base.html"),
			filepath.Join(templateDir, name+".html"),
		)
		if err != nil {
			return nil, fmt.Errorf("handler: parsing %s page: %w", name, err)
		}
		pages[name] = tmpl
	}
	return &PageHandler{pages: pages, logger: logger}, nil
}

// Login serves GET /.
func (h *PageHandler) Login(w http.ResponseWriter, r *http.Request) { h.render(w, "login") }

// Register serves GET /register.
func (h *PageHandler) Register(w http.ResponseWriter, r *http.Request) { h.render(w, "register") }

// Dashboard serves GET /dashboard. The page itself is public; it calls
// /api/v1/users/current-user and goes back to / on a 401.
func (h *PageHandler) Dashboard(w http.ResponseWriter, r *http.Request) { h.render(w, "dashboard") }

func (h *PageHandler) render(w http.ResponseWriter, name string) {
	data := map[string]any{
		"Title": pageTitles[name] + " · User API",
		"Page":  name,
	}

	// Set content type header BEFORE writing the body
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages[name].ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
