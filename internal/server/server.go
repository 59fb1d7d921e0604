package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/config"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/server/handlers"
	"github.com/vyrti/redpill/internal/server/middleware"
)

const requestTimeout = 60 * time.Second

type Server struct {
	cfg        *config.Config
	mgr        *manager.Manager
	api        *handlers.API
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, mgr *manager.Manager, secrets credentials.Store, auditLog *audit.Logger) *Server {
	s := &Server{
		cfg: cfg,
		mgr: mgr,
		api: &handlers.API{
			Manager:        mgr,
			Secrets:        secrets,
			Audit:          auditLog,
			PollInterval:   cfg.PollInterval,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		},
	}
	s.setupRouter()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", handlers.Health)
	r.Get("/ready", s.api.Ready)

	a := s.api
	timeout := chimiddleware.Timeout(requestTimeout)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Token(s.cfg.APIToken))

		r.Route("/groups", func(r chi.Router) {
			r.Use(timeout)
			r.Get("/", a.ListGroups)
			r.Post("/", a.CreateGroup)
			r.Put("/{id}", a.UpdateGroup)
			r.Delete("/{id}", a.DeleteGroup)
			r.Post("/{id}/connect", a.ConnectGroup)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", a.ListSessions)
				r.Post("/", a.CreateSession)
				r.Get("/{id}", a.GetSession)
				r.Put("/{id}", a.UpdateSession)
				r.Delete("/{id}", a.DeleteSession)
				r.Put("/{id}/secret", a.SetSecret)
				r.Post("/{id}/open", a.OpenSession)
				r.Get("/{id}/sftp/list", a.ListFiles)
				r.Post("/{id}/sftp/mkdir", a.MakeDir)
				r.Post("/{id}/sftp/rename", a.RenameFile)
				r.Delete("/{id}/sftp/delete", a.DeleteFile)
			})
			// transfers run as long as the file takes
			r.Get("/{id}/sftp/download", a.DownloadFile)
			r.Post("/{id}/sftp/upload", a.UploadFile)
		})

		r.Route("/tabs", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", a.ListTabs)
				r.Post("/", a.OpenLocalTab)
				r.Get("/{tab}", a.GetTab)
				r.Delete("/{tab}", a.CloseTab)
			})
			r.Get("/{tab}/ws", a.TerminalStream)
		})

		r.Route("/catalogue", func(r chi.Router) {
			r.Use(timeout)
			r.Post("/backup", a.BackupCatalogue)
			r.Post("/reload", a.ReloadCatalogue)
		})
	})

	s.router = r
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("Starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server and closes every open tab.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	log.Info().Int("tabs", len(s.mgr.Tabs())).Msg("Closing open tabs")
	s.mgr.CloseAll()
	return err
}
