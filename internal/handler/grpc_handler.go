package handler

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Pinger reports whether the bill store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NopPinger always reports healthy. Used with the in-memory store.
type NopPinger struct{}

func (NopPinger) Ping(context.Context) error { return nil }

// GRPCHandler serves the standard gRPC health service and reflection.
// Health follows the bill store: SERVING while it answers pings.
type GRPCHandler struct {
	server *grpc.Server
	health *health.Server
	store  Pinger
	logger zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(store Pinger, logger zerolog.Logger) *GRPCHandler {
	h := &GRPCHandler{
		health: health.NewServer(),
		store:  store,
		logger: logger.With().Str("handler", "grpc").Logger(),
	}

	h.server = grpc.NewServer(grpc.ChainUnaryInterceptor(h.recoverInterceptor, h.logInterceptor))
	healthpb.RegisterHealthServer(h.server, h.health)
	reflection.Register(h.server)
	return h
}

// Serve blocks serving gRPC on lis.
func (h *GRPCHandler) Serve(lis net.Listener) error {
	return h.server.Serve(lis)
}

// WatchStore probes the store every interval until ctx is done.
func (h *GRPCHandler) WatchStore(ctx context.Context, interval time.Duration) {
	h.probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *GRPCHandler) probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(pingCtx); err != nil {
		h.logger.Warn().Err(err).Msg("Bill store ping failed")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus("", st)
	return st
}

// GracefulStop marks the service as not serving and drains connections.
func (h *GRPCHandler) GracefulStop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}

func (h *GRPCHandler) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)

	evt := h.logger.Debug()
	if err != nil {
		evt = h.logger.Warn().Err(err)
	}
	evt.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("gRPC request")
	return resp, err
}

func (h *GRPCHandler) recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("gRPC handler panicked")
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return next(ctx, req)
}
