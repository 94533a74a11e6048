// Package web is the HTTP boundary over the device registry, consumed by
// the mobile and desktop clients for registration and push-token rotation.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tmolnar/smsbridge/auth"
	"github.com/tmolnar/smsbridge/registry"
)

// SessionInvalidator closes live broker connections bound to a device.
// Implemented by the server coordinator; called when a device is removed so
// stale connections cannot keep acting under the dead id.
type SessionInvalidator interface {
	InvalidateDevice(deviceID string)
}

type Server struct {
	Addr string

	devices     registry.Store
	verifier    auth.TokenVerifier
	invalidator SessionInvalidator
	server      *http.Server
}

func NewServer(addr string, devices registry.Store, verifier auth.TokenVerifier, invalidator SessionInvalidator) *Server {
	return &Server{
		Addr:        addr,
		devices:     devices,
		verifier:    verifier,
		invalidator: invalidator,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/devices", func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleList)
		r.Get("/registered", s.handleRegisteredCheck)
		r.Get("/{deviceID}", s.handleGet)
		r.Put("/{deviceID}/capabilities", s.handleUpdateCapabilities)
		r.Put("/{deviceID}/push-token", s.handleUpdateToken)
		r.Delete("/{deviceID}", s.handleRemove)
	})

	return r
}

func (s *Server) Start() error {
	slog.Info("Starting HTTP API", "addr", s.Addr)
	s.server = &http.Server{
		Addr:         s.Addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	slog.Info("Shutting down HTTP API", "addr", s.Addr)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

type contextKey string

const userIDKey contextKey = "userID"

// requireUser resolves the bearer token to a user id and stashes it in the
// request context. Verification failure is a plain 401 with no detail.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "Missing credentials")
			return
		}

		userID, err := s.verifier.VerifyToken(r.Context(), token)
		if err != nil || userID == "" {
			slog.Warn("Rejected API request with bad token", "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "Unauthenticated", "Invalid credentials")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}
