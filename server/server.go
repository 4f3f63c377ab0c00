package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/gateway"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/session"
	"github.com/agentdeck/agentdeck/store"
	"github.com/agentdeck/agentdeck/terminal"
)

// Server owns and coordinates all application components.
type Server struct {
	cfg *config.Config

	store     *store.Store
	terminals *terminal.Manager
	sessions  *session.Manager
	gateway   *gateway.Gateway

	// Cancelled on shutdown; WebSocket handlers listen to this so hijacked
	// connections close before the HTTP server drains.
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc

	router *gin.Engine
	http   *http.Server
}

// New creates a server with all components initialized.
func New(cfg *config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:            cfg,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	log.Info().Str("path", cfg.DatabasePath).Msg("opening store")
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	s.store = st

	s.terminals = terminal.NewManager(cfg.TerminalIdle)

	s.sessions = session.NewManager(st, s.terminals, session.Config{
		AgentCLI:          cfg.AgentCLI,
		BootstrapPrompt:   cfg.BootstrapPrompt,
		MaxSessions:       cfg.MaxSessions,
		SessionTimeout:    cfg.SessionTimeout,
		PermissionTimeout: cfg.PermissionTimeout,
		QuestionTimeout:   cfg.QuestionTimeout,
	})

	s.gateway = gateway.New(ctx, s.sessions, cfg.SessionSecret)

	s.setupRouter()

	log.Info().Msg("server initialized")
	return s, nil
}

// setupRouter creates and configures the Gin router.
func (s *Server) setupRouter() {
	if !s.cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(log.GinLogger())

	if !s.cfg.IsDevelopment() {
		s.router.Use(securityHeadersMiddleware())
	}

	// Gzip compression (skip the WebSocket endpoint - protocol upgrade)
	s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{
		"/ws",
	})))

	s.router.SetTrustedProxies(nil)

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.GET("/ws", s.gateway.Handle)
}

// securityHeadersMiddleware adds security headers for production.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("Cross-Origin-Opener-Policy", "same-origin")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

// Start runs the HTTP server. Blocks until the listener closes.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:  s.router,
		ErrorLog: log.StdErrorLogger(),
	}

	log.Info().
		Str("addr", s.http.Addr).
		Str("env", s.cfg.Env).
		Msg("HTTP server starting")

	return s.http.ListenAndServe()
}

// Shutdown stops accepting clients, winds down every session and closes
// the store last so the final WAL checkpoint runs.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")

	// Signal WebSocket handlers first; hijacked connections are not closed
	// by http.Server.Shutdown
	s.shutdownCancel()
	time.Sleep(100 * time.Millisecond)

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
	}

	s.sessions.Close()
	s.terminals.Close()

	if err := s.store.Close(); err != nil {
		log.Error().Err(err).Msg("store close error")
		return err
	}

	log.Info().Msg("server shutdown complete")
	return nil
}

// Component accessors.
func (s *Server) Sessions() *session.Manager       { return s.sessions }
func (s *Server) Router() *gin.Engine              { return s.router }
func (s *Server) ShutdownContext() context.Context { return s.shutdownCtx }
