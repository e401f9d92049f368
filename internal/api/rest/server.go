package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openbid/car-auction-backend/internal/infrastructure/config"
)

// Server is the HTTP front: REST endpoints, health probes, metrics and the
// websocket gateway on one listener.
type Server struct {
	http   *http.Server
	logger *zap.Logger
}

func NewServer(cfg config.ServerConfig, handler *Handler, health *HealthHandler, gateway *Gateway, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/auctions", handler.handleListAuctions)
	mux.HandleFunc("GET /api/v1/auctions/{id}", handler.handleGetAuction)
	mux.HandleFunc("GET /api/v1/auctions/{id}/bids", handler.handleListBids)
	mux.HandleFunc("POST /api/v1/bids", handler.requireAuth(handler.handlePlaceBid))

	mux.HandleFunc("GET /healthz", health.handleLiveness)
	mux.HandleFunc("GET /health", health.handleReadiness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /ws", gateway)

	return &Server{
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      requestLogging(logger, mux),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogging logs completed requests. Websocket upgrades log on entry
// only; their duration is the connection lifetime.
func requestLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
