// Package health checks that the backends a granule deployment depends on
// are reachable before work is submitted to them.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/granule/config"
)

// Status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the outcome of one check or of a combination of checks.
type Status struct {
	Name    string         `json:"name,omitempty"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

func healthy(msg string) Status { return Status{Status: StatusHealthy, Message: msg} }

func unhealthy(msg string, details map[string]any) Status {
	return Status{Status: StatusUnhealthy, Message: msg, Details: details}
}

// Check produces a Status when called.
type Check struct {
	Name string
	Run  func(ctx context.Context) Status
}

// NetworkCheck verifies TCP connectivity to address ("host:port").
func NetworkCheck(ctx context.Context, address string) Status {
	if _, _, err := net.SplitHostPort(address); err != nil {
		return unhealthy(fmt.Sprintf("invalid address %q", address), map[string]any{"error": err.Error()})
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return unhealthy(fmt.Sprintf("cannot reach %s", address), map[string]any{
			"address": address,
			"error":   err.Error(),
		})
	}
	conn.Close()
	return healthy(fmt.Sprintf("%s reachable", address))
}

// DirectoryCheck verifies that path is a directory granules can be
// written to.
func DirectoryCheck(path string) Status {
	if path == "" {
		return unhealthy("path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		return unhealthy(fmt.Sprintf("cannot stat %s", path), map[string]any{"path": path, "error": err.Error()})
	}
	if !info.IsDir() {
		return unhealthy(fmt.Sprintf("%s is not a directory", path), map[string]any{"path": path})
	}

	f, err := os.CreateTemp(path, ".granule-check-*")
	if err != nil {
		return unhealthy(fmt.Sprintf("%s is not writable", path), map[string]any{"path": path, "error": err.Error()})
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	return healthy(fmt.Sprintf("%s writable", path))
}

// ForConfig returns the checks that the executor configured in cfg needs
// to pass. Serial and thread executors depend on nothing remote.
func ForConfig(cfg *config.Config) ([]Check, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}

	var checks []Check
	switch cfg.Executor.GetKind() {
	case "distributed":
		opts, err := redis.ParseURL(cfg.Distributed.GetRedisURL())
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		checks = append(checks, network("redis", opts.Addr))

	case "serverless":
		if cfg.Serverless != nil && len(cfg.Serverless.Addresses) > 0 {
			for _, addr := range cfg.Serverless.Addresses {
				checks = append(checks, network("function", addr))
			}
		} else if cfg.Discovery != nil {
			for _, ep := range cfg.Discovery.Endpoints {
				checks = append(checks, network("etcd", ep))
			}
		}
	}
	return checks, nil
}

func network(name, address string) Check {
	return Check{
		Name: name + " " + address,
		Run: func(ctx context.Context) Status {
			return NetworkCheck(ctx, address)
		},
	}
}

// Directory wraps DirectoryCheck as a Check.
func Directory(path string) Check {
	return Check{
		Name: "directory " + path,
		Run:  func(context.Context) Status { return DirectoryCheck(path) },
	}
}

// Run executes checks in order and returns each named result together with
// their combination.
func Run(ctx context.Context, checks ...Check) ([]Status, Status) {
	results := make([]Status, 0, len(checks))
	for _, c := range checks {
		s := c.Run(ctx)
		s.Name = c.Name
		results = append(results, s)
	}
	return results, Combine(results...)
}

// Combine aggregates statuses: any unhealthy wins, then any degraded,
// otherwise healthy.
func Combine(checks ...Status) Status {
	if len(checks) == 0 {
		return healthy("no checks provided")
	}

	var unhealthyNames, degradedNames []string
	for i, c := range checks {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("check %d", i)
		}
		switch c.Status {
		case StatusUnhealthy:
			unhealthyNames = append(unhealthyNames, name)
		case StatusDegraded:
			degradedNames = append(degradedNames, name)
		}
	}
	sort.Strings(unhealthyNames)
	sort.Strings(degradedNames)

	switch {
	case len(unhealthyNames) > 0:
		return Status{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d of %d checks unhealthy: %s", len(unhealthyNames), len(checks), strings.Join(unhealthyNames, ", ")),
			Details: map[string]any{"unhealthy": unhealthyNames, "degraded": degradedNames},
		}
	case len(degradedNames) > 0:
		return Status{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d of %d checks degraded: %s", len(degradedNames), len(checks), strings.Join(degradedNames, ", ")),
			Details: map[string]any{"degraded": degradedNames},
		}
	}
	return healthy(fmt.Sprintf("all %d checks healthy", len(checks)))
}
