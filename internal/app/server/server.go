// Package server wires the storage, engine, and HTTP layers into a
// runnable telemetry daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/framelog/framelog/internal/api/rest"
	"github.com/framelog/framelog/internal/engine"
	"github.com/framelog/framelog/internal/live"
	"github.com/framelog/framelog/internal/query"
	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// Config holds daemon settings loaded from the environment.
type Config struct {
	Port      int    `env:"FRAMELOG_PORT" envDefault:"8080"`
	DBPath    string `env:"FRAMELOG_DB_PATH" envDefault:"framelog.db"`
	Ephemeral bool   `env:"FRAMELOG_EPHEMERAL" envDefault:"false"`
}

// Server hosts the framelog HTTP API over a running engine.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	engine     *engine.Engine
	hub        *live.Hub
}

// New opens the store, recovers interrupted sessions, and builds a
// configured server listening on the provided port.
func New(ctx context.Context, cfg Config) (*Server, error) {
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("build schema registry: %w", err)
	}

	var store *sqlite.Store
	if cfg.Ephemeral {
		store, err = sqlite.OpenEphemeral(registry)
	} else {
		store, err = sqlite.Open(cfg.DBPath, registry)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := live.NewHub()
	opts := engine.DefaultOptions()
	opts.OnCommit = hub.Broadcast
	eng, err := engine.New(ctx, store, registry, opts)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	queries, err := query.NewService(store, registry, eng.Pipeline(), eng)
	if err != nil {
		eng.Close()
		store.Close()
		return nil, fmt.Errorf("build query service: %w", err)
	}
	api, err := rest.NewServer(queries, hub)
	if err != nil {
		eng.Close()
		store.Close()
		return nil, fmt.Errorf("build api server: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		eng.Close()
		store.Close()
		return nil, fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: api.Router()},
		store:      store,
		engine:     eng,
		hub:        hub,
	}, nil
}

// Run creates and serves a daemon until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Engine exposes the running engine for embedding callers.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Addr reports the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts the HTTP server and blocks until it stops or the
// context ends. Shutdown flushes pending writes before closing the
// store so committed events survive restarts.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	log.Printf("server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}

	select {
	case <-ctx.Done():
		err := handleErr(s.shutdown())
		if serve := handleErr(<-serveErr); err == nil {
			err = serve
		}
		return err
	case err := <-serveErr:
		s.shutdown()
		return handleErr(err)
	}
}

func (s *Server) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("shutdown http: %w", err)
	}
	s.hub.Close()
	if err := s.engine.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close engine: %w", err)
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	return firstErr
}
