// README: API gateway; owns the gin engine and the HTTP server lifecycle.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"roadside/internal/http/handlers"
	"roadside/internal/infra"
	"roadside/internal/modules/order"
	"roadside/internal/modules/pricing"
)

type ServerDeps struct {
	Order     *order.Service
	Pricing   *pricing.Service
	Executors handlers.ExecutorIndex
	Verifier  infra.TokenVerifier
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

type Server struct {
	engine *gin.Engine
	logger *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		engine: NewRouter(deps),
		logger: deps.Logger.With("component", "http_server"),
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx ends, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.InfoContext(shutdownCtx, "http server stopped")
	return nil
}
