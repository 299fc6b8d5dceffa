package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/williamhogman/build-orchestrator/orchestrator/internal/config"
	"github.com/williamhogman/build-orchestrator/orchestrator/internal/service"
)

// NewHandler routes the Connect procedures and /metrics
func NewHandler(server *OrchestratorServer, reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(OrchestrateProcedure, connect.NewUnaryHandler(OrchestrateProcedure, server.Orchestrate))
	mux.Handle(CancelProcedure, connect.NewUnaryHandler(CancelProcedure, server.Cancel))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	// Use h2c so we can serve HTTP/2 without TLS
	return h2c.NewHandler(mux, &http2.Server{})
}

type serverParams struct {
	fx.In

	Lifecycle           fx.Lifecycle
	Config              *config.Config
	OrchestratorService *service.OrchestratorService
	Registry            *prometheus.Registry
	Logger              *zap.Logger
}

// ProvideServer creates and registers the HTTP server with fx lifecycle
func ProvideServer(p serverParams) *http.Server {
	logger := p.Logger.Named("server")
	server := NewOrchestratorServer(p.OrchestratorService, logger)

	addr := fmt.Sprintf(":%d", p.Config.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: NewHandler(server, p.Registry),
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			logger.Info("Starting Orchestrator server with Connect API",
				zap.String("address", addr),
				zap.Int("port", p.Config.Server.Port))

			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("Failed to serve", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Stopping server")
			return srv.Shutdown(ctx)
		},
	})
	return srv
}

// Module provides the HTTP server to the fx container
var Module = fx.Options(
	fx.Provide(ProvideServer),
	fx.Invoke(func(*http.Server) {}),
)
