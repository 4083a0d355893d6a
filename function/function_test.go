package function

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/discovery"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

type recordingRegistrar struct {
	mu           sync.Mutex
	registered   []discovery.Endpoint
	deregistered []discovery.Endpoint
}

func (r *recordingRegistrar) Register(_ context.Context, ep discovery.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, ep)
	return nil
}

func (r *recordingRegistrar) Deregister(_ context.Context, ep discovery.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, ep)
	return nil
}

type doubleIn struct {
	N int `json:"n"`
}

func testRegistry(seen *sync.Map) *task.Registry {
	reg := task.NewRegistry()
	task.Register(reg, "double", func(_ context.Context, wc *workerctx.Context, in doubleIn) (map[string]any, error) {
		if seen != nil {
			seen.Store(wc.WorkerID(), wc.Auth().ID)
		}
		return map[string]any{"value": in.N * 2, "provider": wc.Auth().Provider}, nil
	})
	reg.Handle("fail", func(context.Context, *workerctx.Context, any) (any, error) {
		return nil, errors.New("upstream 500")
	})
	reg.Handle("panic", func(context.Context, *workerctx.Context, any) (any, error) {
		panic("bad granule")
	})
	reg.Handle("chan", func(context.Context, *workerctx.Context, any) (any, error) {
		return make(chan int), nil
	})
	return reg
}

// startServer serves reg on a bufconn listener and returns a connected
// client.
func startServer(t *testing.T, reg *task.Registry, cfg Config) (*grpc.ClientConn, func()) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(reg, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func testAuth() authctx.AuthContext {
	exp := time.Now().Add(time.Hour).UTC()
	return authctx.FromSession("PODAAC", &credentials.Credential{
		Provider:        "PODAAC",
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      exp,
	}, credentials.Session{Headers: map[string]string{"Authorization": "Bearer t"}})
}

func TestInvokeRoundTrip(t *testing.T) {
	var seen sync.Map
	conn, stop := startServer(t, testRegistry(&seen), Config{Name: "fetch"})
	defer stop()

	client := NewClient(conn)
	auth := testAuth()

	resp, err := client.Invoke(context.Background(), Request{
		TaskID:  "t-1",
		Index:   3,
		Handler: "double",
		Input:   doubleIn{N: 21},
		Auth:    auth.ToPrimitive(),
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, "t-1", resp.TaskID)
	assert.Equal(t, int64(3), resp.Index)

	out, err := task.Decode[map[string]any](resp.Output)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out["value"])
	assert.Equal(t, "PODAAC", out["provider"])

	// the worker context saw the shipped AuthContext
	var ids []string
	seen.Range(func(_, v any) bool {
		ids = append(ids, v.(string))
		return true
	})
	assert.Equal(t, []string{auth.ID}, ids)
}

func TestInvokeFreshContextPerCall(t *testing.T) {
	var seen sync.Map
	conn, stop := startServer(t, testRegistry(&seen), Config{})
	defer stop()

	client := NewClient(conn)
	auth := testAuth().ToPrimitive()
	for i := 0; i < 3; i++ {
		resp, err := client.Invoke(context.Background(), Request{TaskID: "t", Handler: "double", Input: doubleIn{N: i}, Auth: auth})
		require.NoError(t, err)
		require.NoError(t, resp.Err())
	}

	workers := 0
	seen.Range(func(_, _ any) bool {
		workers++
		return true
	})
	assert.Equal(t, 3, workers)
}

func TestInvokeErrors(t *testing.T) {
	conn, stop := startServer(t, testRegistry(nil), Config{})
	defer stop()

	client := NewClient(conn)
	auth := testAuth().ToPrimitive()

	tests := []struct {
		name     string
		req      Request
		wantKind error
		contains string
	}{
		{"handler error", Request{TaskID: "a", Handler: "fail", Auth: auth}, fetcherr.ErrWorkerTask, "upstream 500"},
		{"panic", Request{TaskID: "b", Handler: "panic", Auth: auth}, fetcherr.ErrWorkerTask, "bad granule"},
		{"unknown handler", Request{TaskID: "c", Handler: "nope", Auth: auth}, fetcherr.ErrWorkerTask, "nope"},
		{"unserializable output", Request{TaskID: "d", Handler: "chan", Auth: auth}, fetcherr.ErrSerialization, "chan"},
		{"missing auth", Request{TaskID: "e", Handler: "double"}, fetcherr.ErrSerialization, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := client.Invoke(context.Background(), tt.req)
			require.NoError(t, err)

			rerr := resp.Err()
			require.Error(t, rerr)
			assert.True(t, errors.Is(rerr, tt.wantKind), "got %v", rerr)
			assert.Contains(t, rerr.Error(), tt.contains)
			assert.Equal(t, tt.req.TaskID, resp.TaskID)
		})
	}
}

func TestServeRegistersEndpointAndHealth(t *testing.T) {
	rec := &recordingRegistrar{}
	conn, stop := startServer(t, testRegistry(nil), Config{Name: "fetch", AdvertiseAddress: "fetch.svc:50051", Registrar: rec})

	health := grpc_health_v1.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		resp, err := health.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.Status == grpc_health_v1.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	stop()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.registered, 1)
	ep := rec.registered[0]
	assert.Equal(t, "fetch", ep.Name)
	assert.Equal(t, "fetch.svc:50051", ep.Address)
	assert.ElementsMatch(t, []string{"chan", "double", "fail", "panic"}, ep.Handlers)
	require.Len(t, rec.deregistered, 1)
	assert.Equal(t, ep.InstanceID, rec.deregistered[0].InstanceID)
}

func TestResponseErr(t *testing.T) {
	assert.NoError(t, Response{TaskID: "x"}.Err())

	err := Response{TaskID: "x", Error: "denied", ErrorKind: "authentication"}.Err()
	assert.True(t, errors.Is(err, fetcherr.ErrAuthentication))
	assert.True(t, fetcherr.IsFatal(err))

	err = Response{TaskID: "x", Error: "odd", ErrorKind: "mystery"}.Err()
	assert.True(t, errors.Is(err, fetcherr.ErrWorkerTask))
}

func TestNewServerBadTLS(t *testing.T) {
	_, err := NewServer(task.NewRegistry(), Config{TLSCertFile: "/nonexistent.crt", TLSKeyFile: "/nonexistent.key"})
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}
