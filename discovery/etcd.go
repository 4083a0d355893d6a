package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zero-day-ai/granule/fetcherr"
)

// etcdAPI is the subset of *clientv3.Client the registry uses.
type etcdAPI interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Close() error
}

// Etcd registers and resolves function endpoints in etcd. Each registration
// holds a lease renewed every TTL/3 until Deregister or Close.
//
// All methods are safe for concurrent use.
type Etcd struct {
	client    etcdAPI
	namespace string
	ttl       int
	logger    *slog.Logger

	mu        sync.Mutex
	leases    map[string]clientv3.LeaseID
	cancelFns map[string]context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

// NewEtcd connects to the cluster described by cfg.
func NewEtcd(cfg Config, logger *slog.Logger) (*Etcd, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fetcherr.Wrap("discovery.NewEtcd", fetcherr.KindConfiguration, err)
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	}
	tlsCfg, err := clientTLS(cfg.TLS)
	if err != nil {
		return nil, fetcherr.Wrap("discovery.NewEtcd", fetcherr.KindConfiguration, err)
	}
	clientCfg.TLS = tlsCfg

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return newEtcd(cli, cfg, logger), nil
}

func newEtcd(client etcdAPI, cfg Config, logger *slog.Logger) *Etcd {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Etcd{
		client:    client,
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		logger:    logger,
		leases:    make(map[string]clientv3.LeaseID),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// Register publishes ep under a fresh lease. Registering the same instance
// again replaces the entry and restarts its keepalive.
func (e *Etcd) Register(ctx context.Context, ep Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("discovery client is closed")
	}
	if cancel, ok := e.cancelFns[ep.InstanceID]; ok {
		cancel()
		delete(e.cancelFns, ep.InstanceID)
	}

	lease, err := e.client.Grant(ctx, int64(e.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint: %w", err)
	}

	if _, err := e.client.Put(ctx, e.key(ep.Name, ep.InstanceID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register endpoint: %w", err)
	}

	e.leases[ep.InstanceID] = lease.ID
	kctx, cancel := context.WithCancel(context.Background())
	e.cancelFns[ep.InstanceID] = cancel

	e.wg.Add(1)
	go e.keepalive(kctx, lease.ID, ep.InstanceID)

	e.logger.Info("registered function endpoint",
		"function", ep.Name,
		"instance_id", ep.InstanceID,
		"address", ep.Address,
	)
	return nil
}

// Deregister revokes the lease for ep. Unknown instances are a no-op.
func (e *Etcd) Deregister(ctx context.Context, ep Endpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("discovery client is closed")
	}
	if cancel, ok := e.cancelFns[ep.InstanceID]; ok {
		cancel()
		delete(e.cancelFns, ep.InstanceID)
	}

	leaseID, ok := e.leases[ep.InstanceID]
	if !ok {
		return nil
	}
	if _, err := e.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	delete(e.leases, ep.InstanceID)
	return nil
}

// Resolve lists the live instances of a function. Entries that fail to
// decode are skipped.
func (e *Etcd) Resolve(ctx context.Context, name string) ([]Endpoint, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("discovery client is closed")
	}

	resp, err := e.client.Get(ctx, e.prefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve function %s: %w", name, err)
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			e.logger.Debug("skipping malformed endpoint", "key", string(kv.Key), "error", err)
			continue
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, fetcherr.New("discovery.Resolve", fetcherr.KindConfiguration, "no endpoints for function "+name)
	}
	return eps, nil
}

// Close stops every keepalive and closes the etcd connection. Leases are
// left to expire.
func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, cancel := range e.cancelFns {
		cancel()
		delete(e.cancelFns, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
	return e.client.Close()
}

func (e *Etcd) keepalive(ctx context.Context, leaseID clientv3.LeaseID, instanceID string) {
	defer e.wg.Done()

	interval := time.Duration(e.ttl) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.logger.Warn("lease keepalive failed", "instance_id", instanceID, "error", err)
			}
		}
	}
}

func (e *Etcd) prefix(name string) string {
	return fmt.Sprintf("/%s/functions/%s/", e.namespace, name)
}

func (e *Etcd) key(name, instanceID string) string {
	return e.prefix(name) + instanceID
}
