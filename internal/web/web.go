package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"recurd/internal/config"
	appLog "recurd/internal/log"
	"recurd/internal/recur"
	"recurd/internal/service"
	"recurd/internal/store"
)

// UserHeader names the acting user when Basic Auth does not.
const UserHeader = "X-User-ID"

// Server exposes the series API over HTTP.
type Server struct {
	cfg    *config.Config
	svc    *service.Service
	codec  store.Codec
	router *mux.Router
	now    func() time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *service.Service) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		codec:  store.NewCodec(svc.Location()),
		router: mux.NewRouter(),
		now:    time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the root http.Handler, wrapped in Basic Auth when
// configured.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards every path except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="recurd", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// actor resolves the acting user: the X-User-ID header, else the Basic
// Auth username.
func actor(r *http.Request) recur.Actor {
	if id := r.Header.Get(UserHeader); id != "" {
		return recur.Actor{UserID: id}
	}
	if u, _, ok := r.BasicAuth(); ok {
		return recur.Actor{UserID: u}
	}
	return recur.Actor{}
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, svc *service.Service) error {
	s := NewServer(cfg, svc)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/series", s.handleCreate).Methods(http.MethodPost)
	// Registered before /series/{id} so the suffix is not read as an id.
	api.HandleFunc("/series/{id}.ics", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/series/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/series/{id}/instances", s.handleInstances).Methods(http.MethodGet)
	api.HandleFunc("/series/{id}/occurrences", s.handleOccurrences).Methods(http.MethodGet)
	api.HandleFunc("/series/{id}/mutate", s.handleMutate).Methods(http.MethodPost)
	api.HandleFunc("/series/{id}/reconcile", s.handleReconcile).Methods(http.MethodPost)
	api.HandleFunc("/reconcile", s.handleReconcileAll).Methods(http.MethodPost)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// writeEngineError maps engine errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case recur.IsInvalidRule(err), errors.Is(err, recur.ErrInvalidMutation):
		writeError(w, http.StatusBadRequest, err.Error())
	case recur.IsNotFound(err), errors.Is(err, recur.ErrOccurrenceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case recur.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		appLog.Error("request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
