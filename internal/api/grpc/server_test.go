package grpc

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/saltfish/freqsearch/go-evolver/internal/orchestrator"
)

type fakeRun struct {
	mu    sync.Mutex
	state orchestrator.State
}

func (f *fakeRun) Status() orchestrator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return orchestrator.Status{State: f.state}
}

func (f *fakeRun) set(state orchestrator.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func startServer(t *testing.T, run *fakeRun) (*Server, healthpb.HealthClient) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(run, 5*time.Millisecond, zaptest.NewLogger(t))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_FollowsRunState(t *testing.T) {
	run := &fakeRun{state: orchestrator.StateIdle}
	_, client := startServer(t, run)

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, ServiceName))

	run.set(orchestrator.StateRunning)
	assert.Eventually(t, func() bool {
		return check(t, client, ServiceName) == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))

	run.set(orchestrator.StateStopped)
	assert.Eventually(t, func() bool {
		return check(t, client, "") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_RegistersHealthAndReflection(t *testing.T) {
	srv, _ := startServer(t, &fakeRun{state: orchestrator.StateRunning})

	info := srv.grpcServer.GetServiceInfo()
	assert.Contains(t, info, healthpb.Health_ServiceDesc.ServiceName)

	reflection := false
	for name := range info {
		if strings.HasPrefix(name, "grpc.reflection.") {
			reflection = true
		}
	}
	assert.True(t, reflection, "server reflection registered")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv, _ := startServer(t, &fakeRun{state: orchestrator.StateRunning})
	srv.Stop()
	srv.Stop()
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, servingStatus(orchestrator.StateRunning))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(orchestrator.StateIdle))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, servingStatus(orchestrator.StateStopped))
}
