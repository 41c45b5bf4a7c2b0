package handler

import (
	"context"
	stderrors "errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/logger"
)

type flakyStore struct {
	down atomic.Bool
}

func (s *flakyStore) Ping(context.Context) error {
	if s.down.Load() {
		return stderrors.New("connection refused")
	}
	return nil
}

func TestHealthReporter(t *testing.T) {
	store := &flakyStore{}
	srv, reporter := NewGRPCServer(store, logger.Nop())

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	require.True(t, reporter.Check(ctx))
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	store.down.Store(true)
	require.False(t, reporter.Check(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestUnaryInterceptorMapsErrors(t *testing.T) {
	intercept := UnaryInterceptor(logger.Nop())
	info := &grpc.UnaryServerInfo{FullMethod: "/crm.leads.LeadAllocation/Distribute"}

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"ok", nil, codes.OK},
		{"empty stock", errors.EmptyStock("c1"), codes.FailedPrecondition},
		{"cross office", errors.CrossOffice("o1", "o2"), codes.PermissionDenied},
		{"conflict", errors.New(errors.ErrCodeConflict, "changed"), codes.Aborted},
		{"not found", errors.NotFound("lead", "L1"), codes.NotFound},
		{"foreign", stderrors.New("boom"), codes.Internal},
		{"status passes through", status.Error(codes.Unavailable, "later"), codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := intercept(context.Background(), nil, info, func(context.Context, any) (any, error) {
				return "ok", tt.err
			})
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}
