package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/createtree2017/createtree"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	createtree.Config

	Addr        string
	Credentials map[string]string
	// ResumeInterval is how often unfinished jobs left by other processes
	// are picked up.
	ResumeInterval time.Duration
}

// Serve starts the music generation service.
func Serve(ctx context.Context, cfg *Config) error {
	log.Info().Msg("web: server started")
	defer log.Info().Msg("web: server ended")

	svc, err := createtree.Open(ctx, &cfg.Config)
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Error().Err(err).Msg("web: couldn't close service")
		}
	}()

	svc.Orchestrator.Start(ctx)
	tasks, err := svc.Orchestrator.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("web: %w", err)
	}
	if len(tasks) > 0 {
		log.Info().Int("jobs", len(tasks)).Msg("web: resumed unfinished jobs")
	}

	// Create router
	mux := chi.NewRouter()

	// Add middleware
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	if cfg.Debug {
		mux.Use(middleware.Logger)
	}

	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	// Handler to serve files of the local storage
	if cfg.FSType == "local" {
		mux.Get("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.FSConn))).ServeHTTP)
	}

	s := &server{
		jobs:     svc.Store,
		music:    svc.Orchestrator,
		submit:   submitter(svc.Orchestrator),
		notifier: svc.Notifier,
	}
	mux.Group(func(r chi.Router) {
		// Add BasicAuth middleware
		if len(cfg.Credentials) > 0 {
			r.Use(middleware.BasicAuth("private", cfg.Credentials))
		}
		s.routes(r)
	})

	// Create server
	split := strings.Split(cfg.Addr, ":")
	if len(split) != 2 {
		return fmt.Errorf("web: invalid address: %s", cfg.Addr)
	}
	host := split[0]
	port, err := strconv.Atoi(split[1])
	if err != nil {
		return fmt.Errorf("web: invalid port: %s", split[1])
	}
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.ResumeInterval > 0 {
		g.Go(func() error {
			svc.Orchestrator.Watch(gctx, cfg.ResumeInterval)
			return nil
		})
	}
	g.Go(func() error {
		note := fmt.Sprintf("http://%s:%d", host, port)
		if host == "" {
			note = fmt.Sprintf("all interfaces http://localhost:%d", port)
		}
		log.Info().Msgf("web: listening on %s", note)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web: couldn't start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("web: couldn't shutdown server")
		}
		// Jobs still polling stay running and are resumed on next start.
		// Shutdown returns only once every loop is done, so the store
		// outlives them.
		return svc.Orchestrator.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
