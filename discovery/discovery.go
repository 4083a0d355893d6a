// Package discovery locates remote function endpoints for the serverless
// executor.
//
// Function instances register themselves under
// /{namespace}/functions/{name}/{instance-id} with a leased etcd key. The
// serverless executor resolves a function name to the set of live
// instances before each invocation. A Static resolver covers deployments
// with fixed addresses and tests.
package discovery

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/zero-day-ai/granule/fetcherr"
)

// Endpoint describes one running function instance.
type Endpoint struct {
	// Name is the function name shared by all instances.
	Name string `json:"name"`

	// InstanceID distinguishes concurrent instances of the same function.
	InstanceID string `json:"instance_id"`

	// Address is the gRPC dial target, "host:port".
	Address string `json:"address"`

	// Handlers lists the task names the instance can run.
	Handlers []string `json:"handlers,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	StartedAt time.Time         `json:"started_at"`
}

// Serves reports whether the endpoint advertises handler. An endpoint that
// advertises nothing is assumed to serve everything.
func (e Endpoint) Serves(handler string) bool {
	return len(e.Handlers) == 0 || slices.Contains(e.Handlers, handler)
}

// Resolver maps a function name to its live endpoints.
type Resolver interface {
	Resolve(ctx context.Context, name string) ([]Endpoint, error)
}

// Registrar publishes and withdraws function endpoints.
type Registrar interface {
	Register(ctx context.Context, ep Endpoint) error
	Deregister(ctx context.Context, ep Endpoint) error
}

// Static is a Resolver over a fixed set of addresses.
type Static map[string][]Endpoint

// NewStatic returns a Static resolver serving addrs under name.
func NewStatic(name string, addrs ...string) Static {
	eps := make([]Endpoint, 0, len(addrs))
	for i, addr := range addrs {
		eps = append(eps, Endpoint{
			Name:       name,
			InstanceID: fmt.Sprintf("%s-%d", name, i),
			Address:    addr,
		})
	}
	return Static{name: eps}
}

// Resolve returns the configured endpoints for name.
func (s Static) Resolve(_ context.Context, name string) ([]Endpoint, error) {
	eps, ok := s[name]
	if !ok || len(eps) == 0 {
		return nil, fetcherr.New("discovery.Resolve", fetcherr.KindConfiguration, "no endpoints for function "+name)
	}
	return slices.Clone(eps), nil
}
