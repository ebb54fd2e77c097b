package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/notify"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

// Config controls the HTTP listener.
type Config struct {
	Addr           string
	MaxUploadBytes int64
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 32 << 20
	}
	return c
}

// Server is the thin HTTP shell in front of the session registry and the
// dispatch engine. Session identity comes from the URL path; everything the
// handlers do is delegate and translate errors to status codes.
type Server struct {
	cfg      Config
	log      logx.Logger
	registry *session.Registry
	engine   *dispatch.Engine
	bridge   notify.Bridge

	// Audit, when set, is called after every finished dispatch.
	Audit func(ctx context.Context, sessionID string, res dispatch.Result, media bool)

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, registry *session.Registry, engine *dispatch.Engine, bridge notify.Bridge, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "http")),
		registry: registry,
		engine:   engine,
		bridge:   bridge,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/send", s.handleSend)
	mux.HandleFunc("POST /api/sessions/{id}/send-file", s.handleSendFile)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("server already started")
	}

	srv := &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: dispatch responses legitimately take as long as
		// the job's pacing delays add up to.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server started", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
