package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"counselsim/internal/config"
)

// Server is the relay HTTP server.
type Server struct {
	cfg *config.RelayConfig
	log *zap.Logger
	srv *http.Server
}

// NewServer builds the relay server and its router.
func NewServer(cfg *config.RelayConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))
	r.Use(CORS(cfg.AllowedOrigins))

	handler := NewHandler(log)
	r.Post(cfg.Endpoint, handler.ServeHTTP)

	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:        cfg.Listen,
			Handler:     r,
			ReadTimeout: 30 * time.Second,
			// No write timeout: supervisor calls can run minutes.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("relay listening",
			zap.String("addr", s.cfg.Listen),
			zap.String("endpoint", s.cfg.Endpoint))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
