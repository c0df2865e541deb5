package grpc

import (
	"context"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServerReportsServing(t *testing.T) {
	srv, err := NewHealthServer("127.0.0.1:0", nil, "trpg.realtime")
	if err != nil {
		t.Fatalf("new health server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn := dial(t, srv.Addr())
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	for _, service := range []string{"", "trpg.realtime"} {
		if status := check(t, client, service); status != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Fatalf("service %q status = %s, want SERVING", service, status)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestHealthServerUnknownService(t *testing.T) {
	srv, err := NewHealthServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("new health server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn := dial(t, srv.Addr())
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	_, err = grpc_health_v1.NewHealthClient(conn).Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: "unknown.Service"}, gogrpc.WaitForReady(true))
	if err == nil {
		t.Fatal("expected NOT_FOUND for unregistered service")
	}
}

func TestServeNilServer(t *testing.T) {
	var srv *HealthServer
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
	srv.Close()
}

func check(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	response, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service}, gogrpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return response.GetStatus()
}

func dial(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()
	conn, err := gogrpc.NewClient(addr, gogrpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}
	return conn
}
