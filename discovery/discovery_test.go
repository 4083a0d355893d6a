package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zero-day-ai/granule/fetcherr"
)

// fakeEtcd is an in-memory etcdAPI. Get always treats the key as a prefix.
type fakeEtcd struct {
	mu      sync.Mutex
	nextID  clientv3.LeaseID
	kv      map[string]string
	leaseOf map[string]clientv3.LeaseID
	revoked []clientv3.LeaseID
	getErr  error
	closed  bool
}

func newFakeEtcd() *fakeEtcd {
	return &fakeEtcd{kv: map[string]string{}, leaseOf: map[string]clientv3.LeaseID{}}
}

func (f *fakeEtcd) Grant(context.Context, int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &clientv3.LeaseGrantResponse{ID: f.nextID}, nil
}

func (f *fakeEtcd) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	for k, lease := range f.leaseOf {
		if lease == id {
			delete(f.kv, k)
			delete(f.leaseOf, k)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeEtcd) KeepAliveOnce(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error) {
	return &clientv3.LeaseKeepAliveResponse{ID: id}, nil
}

func (f *fakeEtcd) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = val
	f.leaseOf[key] = f.nextID
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcd) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	resp := &clientv3.GetResponse{}
	for k, v := range f.kv {
		if strings.HasPrefix(k, key) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func (f *fakeEtcd) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestEtcdRegisterResolve(t *testing.T) {
	fake := newFakeEtcd()
	e := newEtcd(fake, Config{}, nil)
	defer e.Close()

	ctx := context.Background()
	ep := Endpoint{Name: "fetch", InstanceID: "i-1", Address: "10.0.0.1:9000", Handlers: []string{"granule.download"}}
	require.NoError(t, e.Register(ctx, ep))
	require.NoError(t, e.Register(ctx, Endpoint{Name: "fetch", InstanceID: "i-2", Address: "10.0.0.2:9000"}))
	require.NoError(t, e.Register(ctx, Endpoint{Name: "other", InstanceID: "i-3", Address: "10.0.0.3:9000"}))

	_, ok := fake.kv["/granule/functions/fetch/i-1"]
	assert.True(t, ok, "expected namespaced key")

	eps, err := e.Resolve(ctx, "fetch")
	require.NoError(t, err)
	assert.Len(t, eps, 2)
	for _, got := range eps {
		assert.Equal(t, "fetch", got.Name)
	}
}

func TestEtcdDeregister(t *testing.T) {
	fake := newFakeEtcd()
	e := newEtcd(fake, Config{Namespace: "test"}, nil)
	defer e.Close()

	ctx := context.Background()
	ep := Endpoint{Name: "fetch", InstanceID: "i-1", Address: "a:1"}
	require.NoError(t, e.Register(ctx, ep))
	require.NoError(t, e.Deregister(ctx, ep))
	assert.Len(t, fake.revoked, 1)

	_, err := e.Resolve(ctx, "fetch")
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))

	// unknown instance is a no-op
	require.NoError(t, e.Deregister(ctx, Endpoint{Name: "fetch", InstanceID: "nope"}))
}

func TestEtcdResolveSkipsMalformed(t *testing.T) {
	fake := newFakeEtcd()
	fake.kv["/granule/functions/fetch/bad"] = "{not json"
	e := newEtcd(fake, Config{}, nil)
	defer e.Close()

	require.NoError(t, e.Register(context.Background(), Endpoint{Name: "fetch", InstanceID: "ok", Address: "a:1"}))
	eps, err := e.Resolve(context.Background(), "fetch")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "ok", eps[0].InstanceID)
}

func TestEtcdResolveError(t *testing.T) {
	fake := newFakeEtcd()
	fake.getErr = errors.New("unavailable")
	e := newEtcd(fake, Config{}, nil)
	defer e.Close()

	_, err := e.Resolve(context.Background(), "fetch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestEtcdClose(t *testing.T) {
	fake := newFakeEtcd()
	e := newEtcd(fake, Config{}, nil)
	require.NoError(t, e.Register(context.Background(), Endpoint{Name: "fetch", InstanceID: "i-1"}))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.True(t, fake.closed)

	assert.Error(t, e.Register(context.Background(), Endpoint{Name: "fetch", InstanceID: "i-2"}))
	_, err := e.Resolve(context.Background(), "fetch")
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic("fetch", "a:1", "b:2")
	eps, err := s.Resolve(context.Background(), "fetch")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "fetch-0", eps[0].InstanceID)
	assert.Equal(t, "b:2", eps[1].Address)

	eps[0].Address = "mutated"
	again, _ := s.Resolve(context.Background(), "fetch")
	assert.Equal(t, "a:1", again[0].Address)

	_, err = s.Resolve(context.Background(), "missing")
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestEndpointServes(t *testing.T) {
	assert.True(t, Endpoint{}.Serves("anything"))
	ep := Endpoint{Handlers: []string{"a", "b"}}
	assert.True(t, ep.Serves("b"))
	assert.False(t, ep.Serves("c"))
}

func TestConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "granule", cfg.Namespace)
	assert.Equal(t, 30, cfg.TTL)
	assert.Error(t, cfg.validate())

	cfg.Endpoints = []string{"localhost:2379"}
	assert.NoError(t, cfg.validate())

	cfg.TLS = &TLSConfig{Enabled: true, CertFile: "c"}
	assert.ErrorContains(t, cfg.validate(), "key file")

	_, err := NewEtcd(Config{}, nil)
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GRANULE_ETCD_ENDPOINTS", "")
	_, ok := ConfigFromEnv()
	assert.False(t, ok)

	t.Setenv("GRANULE_ETCD_ENDPOINTS", " a:1, ,b:2 ")
	cfg, ok := ConfigFromEnv()
	require.True(t, ok)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Endpoints)
	assert.Equal(t, "granule", cfg.Namespace)
}

func TestClientTLSDisabled(t *testing.T) {
	cfg, err := clientTLS(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = clientTLS(&TLSConfig{Enabled: true, CertFile: "/nonexistent", KeyFile: "/nonexistent", CAFile: "/nonexistent"})
	assert.Error(t, err)
}
