package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
)

// ServiceName is the name the health service reports under.
const ServiceName = "crm.leads.LeadAllocation"

// HealthReporter keeps the gRPC health status in line with the store.
type HealthReporter struct {
	server *health.Server
	store  Pinger
	log    *logger.Logger
}

// NewGRPCServer creates the gRPC server with health and reflection
// registered.
func NewGRPCServer(store Pinger, log *logger.Logger) (*grpc.Server, *HealthReporter) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryInterceptor(log)))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, &HealthReporter{server: hs, store: store, log: log}
}

// Check pings the store once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) bool {
	st := healthpb.HealthCheckResponse_SERVING
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			h.log.Warn().Err(err).Msg("Store ping failed, reporting NOT_SERVING")
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
	return st == healthpb.HealthCheckResponse_SERVING
}

// Run checks the store every interval until ctx is done, then marks the
// server as shutting down.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	h.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			h.Check(pingCtx)
			cancel()
		}
	}
}

// UnaryInterceptor logs every call and converts application errors into
// gRPC statuses.
func UnaryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			if _, ok := status.FromError(err); !ok {
				err = status.Error(GRPCCode(err), err.Error())
			}
		}

		evt := log.Debug()
		if err != nil {
			evt = log.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")

		return resp, err
	}
}

// GRPCCode maps an application error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch errors.CodeOf(err) {
	case "":
		return codes.OK
	case errors.ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodePermissionDenied, errors.ErrCodeCrossOfficeForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeEmptyStock:
		return codes.FailedPrecondition
	case errors.ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
