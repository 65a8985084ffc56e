// Package server exposes the connection registry, session broker and
// transfer tracker over HTTP, and relays session bytes over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/deskrelay/internal/activity"
	"github.com/koltyakov/deskrelay/internal/broker"
	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/connlock"
	"github.com/koltyakov/deskrelay/internal/debughttp"
	"github.com/koltyakov/deskrelay/internal/filestore"
	ilog "github.com/koltyakov/deskrelay/internal/log"
	"github.com/koltyakov/deskrelay/internal/registry"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
	"github.com/koltyakov/deskrelay/internal/transfer"
)

const (
	readHeaderTimeout = 10 * time.Second
	relayWriteTimeout = 15 * time.Second
	maxJSONBodyBytes  = 64 * 1024
)

// Server wires the broker components behind an HTTP API.
type Server struct {
	cfg       config.ServerConfig
	store     *sqlite.Store
	log       *slog.Logger
	version   string
	activity  *activity.Logger
	registry  *registry.Registry
	broker    *broker.Broker
	transfers *transfer.Tracker
	files     *filestore.Local
	limiter   *registrationLimiter
	upgrader  websocket.Upgrader

	// operator tokens that already passed bcrypt verification, by hash
	verifiedTokens sync.Map

	handlerOnce sync.Once
	handler     http.Handler
}

// New builds a Server and its components on top of store.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger) (*Server, error) {
	logger = ilog.OrDiscard(logger)
	files, err := filestore.New(cfg.FilesDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, fmt.Errorf("files dir: %w", err)
	}

	locks := connlock.New()
	act := activity.New(store, logger)
	reg := registry.New(store, act, locks, logger)
	brk := broker.New(broker.Config{
		MachinePort:     cfg.MachinePort,
		IdleTimeout:     cfg.IdleTimeout,
		DialTimeout:     cfg.DialTimeout,
		BufferSize:      cfg.RelayBufferBytes,
		JanitorInterval: cfg.JanitorInterval,
		RelayEndpoint:   relayPath,
	}, reg, store, act, locks, logger)
	reg.SetSessionCloser(brk)

	return &Server{
		cfg:       cfg,
		store:     store,
		log:       logger,
		version:   "dev",
		activity:  act,
		registry:  reg,
		broker:    brk,
		transfers: transfer.New(store, reg, files, act, logger),
		files:     files,
		limiter:   newRegistrationLimiter(cfg.RegisterRate, cfg.RegisterBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.RelayBufferBytes,
			WriteBufferSize: cfg.RelayBufferBytes,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// SetVersion sets the version reported by the system info endpoint.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() {
		s.handler = s.setupRoutes()
	})
	return s.handler
}

// Run serves the API until ctx is canceled, then shuts the listeners down
// and tears every session down.
func (s *Server) Run(ctx context.Context) error {
	tlsConfig, challenge, err := s.tlsSetup()
	if err != nil {
		return err
	}

	var workers sync.WaitGroup
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer func() {
		stopWorkers()
		workers.Wait()
	}()
	workers.Add(2)
	go func() {
		defer workers.Done()
		s.broker.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		s.runJanitor(workerCtx)
	}()

	if err := debughttp.StartServer(ctx, s.cfg.DebugListen, s.log, "server"); err != nil {
		return fmt.Errorf("debug listener: %w", err)
	}

	apiServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		TLSConfig:         tlsConfig,
		ErrorLog:          log.New(newHTTPErrorLogWriter(s.log), "", 0),
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server
	if challenge != nil {
		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           challenge,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
	}

	go func() {
		var err error
		if tlsConfig != nil {
			s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "tls_mode", s.cfg.TLSMode)
			err = apiServer.ListenAndServeTLS("", "")
		} else {
			s.log.Info("starting HTTP server", "addr", s.cfg.Listen)
			err = apiServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	if err := shutdownServer(apiServer, s.cfg.ShutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, s.cfg.ShutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.broker.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("timed out waiting for relays to stop", "active_sessions", s.broker.ActiveCount())
	}
	s.log.Info("server stopped")
	return runErr
}

func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func relayPath(sessionID string) string {
	return "/api/sessions/" + sessionID + "/relay"
}
