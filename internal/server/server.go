// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware and
// routes, and decides:
//   - which URL patterns map to which handler functions
//   - what middleware runs on which routes
//   - how the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go opens the infrastructure (store, object store, sync client) and
// hands it over in Deps. New builds the rest:
//
//	Deps.Users ─┬→ UserService → UserHandler
//	            └→ auth.RequireAuth (loads the principal)
//
// This is the "composition root" pattern: all dependencies are wired in one
// place instead of being scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/handler"
	"github.com/sakif/user-api/internal/middleware"
	"github.com/sakif/user-api/internal/repository"
	"github.com/sakif/user-api/internal/response"
	"github.com/sakif/user-api/internal/service"
	"github.com/sakif/user-api/internal/upload"
)

// shutdownTimeout is how long in-flight requests get after SIGINT/SIGTERM.
const shutdownTimeout = 30 * time.Second

// Config holds server configuration.
type Config struct {
	Port          int
	TemplateDir   string
	StaticDir     string
	CORSOrigin    string
	BodyLimit     int64 // cap for JSON and urlencoded bodies
	SecureCookies bool
}

// Deps are the collaborators built in main.go.
type Deps struct {
	Users        repository.UserRepository
	Passwords    *auth.PasswordService
	Access       *auth.TokenService
	Refresh      *auth.TokenService
	Media        service.MediaUploader
	Sync         service.AccountSyncer
	Stager       *upload.Stager
	RollbackUser bool

	// Close releases the store once the server has stopped. Optional.
	Close func(ctx context.Context) error
}

// Server represents the HTTP server and all its dependencies.
type Server struct {
	router   *chi.Mux
	config   Config
	deps     Deps
	logger   *slog.Logger
	registry *prometheus.Registry
}

// New creates a Server and registers every route.
func New(cfg Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if deps.Users == nil || deps.Stager == nil {
		return nil, errors.New("server: user store and upload stager are required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		deps:     deps,
		logger:   logger,
		registry: reg,
	}

	if err := s.setupRoutes(); err != nil {
		return nil, fmt.Errorf("setting up routes: %w", err)
	}
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /                                   → login page (HTML)
//	GET    /register, /dashboard               → client pages (HTML)
//	GET    /static/*                           → CSS and JS
//	GET    /healthz                            → store ping
//	GET    /metrics                            → Prometheus
//	GET    /api/v1/users                       → list users
//	GET    /api/v1/users/{id}                  → one user
//	POST   /api/v1/users/register              → multipart: avatar, coverImage
//	POST   /api/v1/users/login
//	POST   /api/v1/users/refresh-token
//	POST   /api/v1/users/logout                ┐
//	POST   /api/v1/users/change-password       │
//	GET    /api/v1/users/current-user          │ auth gate
//	PATCH  /api/v1/users/update-account/details│
//	PATCH  /api/v1/users/avatar                │ multipart: avatar
//	PATCH  /api/v1/users/cover-image           ┘ multipart: coverImage
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID assigns an id to each request, picked up by the logger
//  2. RealIP extracts the client IP from proxy headers
//  3. Logger and Metrics observe the final status
//  4. Recover turns panics into 500 envelopes, which 3 then records
//  5. CORS answers preflights before any handler runs
//  6. BodyLimit caps JSON and form bodies (multipart has its own cap)
func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.NewMetrics(s.registry).Handler)
	s.router.Use(middleware.Recover(s.logger))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.config.CORSOrigin},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(middleware.BodyLimit(s.config.BodyLimit))

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, s.logger, apperror.NotFound("Route not found"))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, s.logger, apperror.ValidationFailed("", "Method not allowed").WithStatus(http.StatusMethodNotAllowed))
	})

	// === Static Files ===
	// GET /static/css/app.css → {StaticDir}/css/app.css
	fileServer := http.FileServer(http.Dir(s.config.StaticDir))
	s.router.Handle("/static/*", http.StripPrefix("/static/", fileServer))

	// === Page Routes ===
	pages, err := handler.NewPageHandler(s.config.TemplateDir, s.logger)
	if err != nil {
		return fmt.Errorf("creating page handler: %w", err)
	}
	s.router.Get("/", pages.Login)
	s.router.Get("/register", pages.Register)
	s.router.Get("/dashboard", pages.Dashboard)

	// === Operational Routes ===
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// === API Routes ===
	users := service.NewUserService(service.Deps{
		Users:        s.deps.Users,
		Passwords:    s.deps.Passwords,
		Access:       s.deps.Access,
		Refresh:      s.deps.Refresh,
		Media:        s.deps.Media,
		Sync:         s.deps.Sync,
		RollbackUser: s.deps.RollbackUser,
		Logger:       s.logger,
	})
	h := handler.NewUserHandler(users, s.config.SecureCookies, s.logger)
	requireAuth := auth.RequireAuth(s.deps.Access, s.deps.Users, s.logger)
	stager := s.deps.Stager

	s.router.Route("/api/v1/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.With(stager.Fields(
			upload.Field{Name: "avatar", MaxCount: 1},
			upload.Field{Name: "coverImage", MaxCount: 1},
		)).Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/refresh-token", h.RefreshToken)

		// Secured routes. The gate runs before the stager so anonymous
		// uploads are never written to disk.
		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Post("/logout", h.Logout)
			r.Post("/change-password", h.ChangePassword)
			r.Get("/current-user", h.CurrentUser)
			r.Patch("/update-account/details", h.UpdateDetails)
			r.With(stager.Single("avatar")).Patch("/avatar", h.UpdateAvatar)
			r.With(stager.Single("coverImage")).Patch("/cover-image", h.UpdateCoverImage)
		})

		r.Get("/{id}", h.GetUser)
	})

	return nil
}

// handleHealth pings the store with a short deadline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Users.Ping(ctx); err != nil {
		response.Error(w, s.logger,
			apperror.Upstream("Database unavailable", err).WithStatus(http.StatusServiceUnavailable))
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"}, "OK")
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections
//  2. Wait for in-flight requests to finish (30s budget)
//  3. Close the store client
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		} else {
			s.logger.Info("server stopped gracefully")
		}
	}

	return errors.Join(runErr, s.closeStore())
}

func (s *Server) closeStore() error {
	if s.deps.Close == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Close(ctx); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
