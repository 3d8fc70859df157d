package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/natgridstats/natgridstats/pkg/coordinator"
	"github.com/natgridstats/natgridstats/pkg/entry"
	"github.com/natgridstats/natgridstats/pkg/log"
	"github.com/natgridstats/natgridstats/pkg/sensors"
	"github.com/natgridstats/natgridstats/pkg/statistics"
	"github.com/natgridstats/natgridstats/pkg/storage"
	"github.com/natgridstats/natgridstats/pkg/utility"
)

// Server runs the polling loop for one National Grid login and serves the
// HTTP status and control API.
type Server struct {
	client  utility.Client
	storage storage.Database
	sensors *sensors.Manager
	mirrors []statistics.Mirror

	accounts       []string
	updateInterval time.Duration
	setupRetry     time.Duration

	listenAddr string
	httpServer *http.Server
	serverName string

	adminEmails []string
	verifier    tokenVerifier

	mu    sync.RWMutex
	entry *entry.Entry
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(c utility.Client, s storage.Database, sm *sensors.Manager, mirrors ...statistics.Mirror) *Server {
	srv := &Server{
		client:     c,
		storage:    s,
		sensors:    sm,
		mirrors:    mirrors,
		serverName: "natgridstats",
		setupRetry: time.Minute,
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	accounts := lflag.String("accounts", "", "comma-delimited list of billing account IDs to poll (default: every linked account)")
	updateInterval := lflag.Duration("update-interval", coordinator.DefaultInterval, "How often to poll National Grid")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to call the control endpoints")
	oidcAudience := lflag.String("oidc-audience", "", "audience of the id tokens allowed to call the control endpoints (disables auth if empty)")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "issuer of the id tokens allowed to call the control endpoints")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.accounts = splitList(*accounts)
		srv.updateInterval = *updateInterval
		srv.adminEmails = splitList(*adminEmails)
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = newOIDCVerifier(provider.Verifier(&oidc.Config{ClientID: *oidcAudience}))
			if len(srv.adminEmails) == 0 {
				log.Ctx(context.Background()).Error("admin-emails is required when oidc-audience is set")
				os.Exit(1)
			}
		}
	})

	return srv
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/meters", s.handleMeters)
	apiMux.HandleFunc("GET /api/statistics", s.handleStatistics)
	apiMux.HandleFunc("GET /api/statistics/ids", s.handleStatisticIDs)
	apiMux.Handle("POST /api/refresh", s.adminMiddleware(http.HandlerFunc(s.handleRefresh)))
	apiMux.Handle("POST /api/reset", s.adminMiddleware(http.HandlerFunc(s.handleReset)))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.readyMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.revisionMiddleware(gziphandler.GzipHandler(securityHeadersMiddleware(mux)))
}

// Entry returns the set up entry or nil if setup hasn't succeeded yet.
func (s *Server) Entry() *entry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entry
}

// setup sets up the entry, retrying until it is ready. Rejected credentials
// are not retried.
func (s *Server) setup(ctx context.Context) (*entry.Entry, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.setupRetry
	b.MaxInterval = 30 * s.setupRetry
	b.MaxElapsedTime = 0

	var e *entry.Entry
	err := backoff.Retry(func() error {
		var err error
		e, err = entry.Setup(ctx, s.client, s.storage, entry.Options{
			Accounts: s.accounts,
			Mirrors:  s.mirrors,
			Sensors:  s.sensors,
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, coordinator.ErrReauthRequired) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.Ctx(ctx).WarnContext(ctx, "setup failed, retrying", slog.Any("error", err))
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entry = e
	s.mu.Unlock()
	return e, nil
}

// Run starts the HTTP server, sets up the entry and polls until the context
// is canceled or an error occurs. It handles graceful shutdown when the
// context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capturing server errors
	errChan := make(chan error, 2)
	go func() {
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	go func() {
		e, err := s.setup(ctx)
		if err != nil {
			if ctx.Err() == nil {
				errChan <- fmt.Errorf("setup failed: %w", err)
			}
			return
		}
		if err := e.Run(ctx, s.updateInterval); err != nil {
			errChan <- fmt.Errorf("polling failed: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errChan:
	}

	// Context canceled, shut down gracefully
	log.Ctx(ctx).InfoContext(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("server shutdown failed: %w", err)
	}
	if e := s.Entry(); e != nil {
		if err := e.Unload(shutdownCtx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unload entry", slog.Any("error", err))
		}
	}
	return runErr
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// readyMiddleware rejects API requests until the entry is set up.
func (s *Server) readyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		if s.Entry() == nil {
			writeJSONError(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
