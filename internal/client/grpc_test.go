package client

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestGRPCHealthClient_Check(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := NewGRPCHealthClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	got, err := c.Check(context.Background(), "")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if got != "SERVING" {
		t.Fatalf("status = %q, want SERVING", got)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	if got, _ := c.Check(context.Background(), ""); got != "NOT_SERVING" {
		t.Fatalf("status = %q, want NOT_SERVING", got)
	}

	if _, err := c.Check(context.Background(), "unknown.Service"); err == nil {
		t.Fatal("expected NotFound for an unregistered service")
	}
}
