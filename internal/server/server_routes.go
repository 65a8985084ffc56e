package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koltyakov/deskrelay/internal/auth"
)

// Routes reachable without the operator token. The relay is protected by
// the session password and registration by the installation key.
const (
	routeHealth   = "health"
	routeRegister = "register-machine"
	routeRelay    = "relay"
)

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.operatorAuthMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet).Name(routeHealth)
	api.HandleFunc("/system/info", s.handleSystemInfo).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	api.HandleFunc("/connections", s.handleCreateConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.handleGetConnection).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}", s.handleDeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/status", s.handleSetStatus).Methods(http.MethodPut)
	api.HandleFunc("/connections/{id}/installer", s.handleInstaller).Methods(http.MethodGet)
	api.HandleFunc("/connections/{id}/sessions", s.handleOpenSession).Methods(http.MethodPost)

	api.HandleFunc("/register-machine", s.handleRegisterMachine).Methods(http.MethodPost).Name(routeRegister)

	api.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}", s.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{sid}/relay", s.handleRelay).Methods(http.MethodGet).Name(routeRelay)

	api.HandleFunc("/files/{id}", s.handleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/files/{id}/upload", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/files/{id}/download", s.handleDownload).Methods(http.MethodGet)
	api.HandleFunc("/files/{id}/history", s.handleTransferHistory).Methods(http.MethodGet)

	api.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		// Query strings are never logged; the relay carries the session password there.
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Microsecond).String(),
		)
	})
}

func (s *Server) operatorAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.OperatorTokenHash == "" || isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			writeErrorCode(w, http.StatusUnauthorized, "operator token required", "unauthorized")
			return
		}
		if !s.verifyOperatorToken(strings.TrimSpace(token)) {
			s.log.Warn("operator token rejected", "remote_addr", r.RemoteAddr, "token_fingerprint", auth.Fingerprint(token))
			writeErrorCode(w, http.StatusUnauthorized, "invalid operator token", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicRoute(r *http.Request) bool {
	route := mux.CurrentRoute(r)
	if route == nil {
		return false
	}
	switch route.GetName() {
	case routeHealth, routeRegister, routeRelay:
		return true
	}
	return false
}

func (s *Server) verifyOperatorToken(token string) bool {
	key := auth.HashSecret(token)
	if _, ok := s.verifiedTokens.Load(key); ok {
		return true
	}
	if !auth.VerifyPasswordHash(s.cfg.OperatorTokenHash, token) {
		return false
	}
	s.verifiedTokens.Store(key, struct{}{})
	return true
}
