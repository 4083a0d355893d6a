package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/telemetry"
)

// DefaultSafetyBuffer is how long before expiration a cached credential
// stops being served.
const DefaultSafetyBuffer = 5 * time.Minute

// Authenticator is the external collaborator that issues temporary
// credentials and the authenticated session template.
type Authenticator interface {
	// GetTemporaryCredentials returns the raw credential fields for provider.
	GetTemporaryCredentials(ctx context.Context, provider string) (RawCredentials, error)

	// GetSessionTemplate returns the headers and cookies of an authenticated
	// HTTP session.
	GetSessionTemplate(ctx context.Context) (Session, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSafetyBuffer overrides DefaultSafetyBuffer. Negative values are
// treated as zero.
func WithSafetyBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d < 0 {
			d = 0
		}
		m.buffer = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTelemetry sets the tracer and counters.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.tel = t
	}
}

// Manager caches one credential per provider and refreshes it through an
// Authenticator with per-provider single-flight de-duplication.
//
// Manager is safe for concurrent use.
type Manager struct {
	auth   Authenticator
	buffer time.Duration
	now    func() time.Time
	logger *slog.Logger
	tel    *telemetry.Telemetry

	mu    sync.RWMutex
	cache map[string]Credential

	group singleflight.Group
}

// NewManager creates a Manager backed by auth.
func NewManager(auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		auth:   auth,
		buffer: DefaultSafetyBuffer,
		now:    time.Now,
		cache:  make(map[string]Credential),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.tel == nil {
		m.tel = telemetry.Default()
	}
	return m
}

var defaultManager atomic.Pointer[Manager]

// Default returns the process-wide manager installed by SetDefault, or nil.
func Default() *Manager {
	return defaultManager.Load()
}

// SetDefault installs m as the process-wide manager. With replace false an
// already installed manager is kept; the return value reports whether m
// was installed.
func SetDefault(m *Manager, replace bool) bool {
	if replace {
		defaultManager.Store(m)
		return true
	}
	return defaultManager.CompareAndSwap(nil, m)
}

// SafetyBuffer returns the configured expiry safety buffer.
func (m *Manager) SafetyBuffer() time.Duration {
	return m.buffer
}

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time {
	return m.now()
}

// Authenticator returns the collaborator backing m.
func (m *Manager) Authenticator() Authenticator {
	return m.auth
}

// GetCredentials returns a credential for provider that is valid for at
// least the safety buffer.
//
// A cached credential is returned as-is. Otherwise one fetch is issued per
// provider no matter how many goroutines are waiting; every waiter receives
// the same credential or the same error. The fetch is detached from the
// caller's cancellation so that one impatient caller cannot fail the others;
// ctx still bounds how long this caller waits.
func (m *Manager) GetCredentials(ctx context.Context, provider string) (Credential, error) {
	const op = "credentials.GetCredentials"

	if provider == "" {
		return Credential{}, fetcherr.New(op, fetcherr.KindConfiguration, "provider is required")
	}
	if m.auth == nil {
		return Credential{}, fetcherr.New(op, fetcherr.KindConfiguration, "no authenticator configured").WithProvider(provider)
	}

	if c, ok := m.cached(ctx, provider); ok {
		return c, nil
	}

	leader := false
	fetchCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(provider, func() (any, error) {
		leader = true
		// A flight that finished just before this one started may already
		// have refreshed the entry.
		if c, ok := m.cached(fetchCtx, provider); ok {
			return c, nil
		}
		return m.fetch(fetchCtx, provider)
	})

	select {
	case <-ctx.Done():
		return Credential{}, fetcherr.Wrap(op, fetcherr.KindCancelled, ctx.Err())
	case res := <-ch:
		if res.Shared && !leader {
			m.tel.CredentialShared(ctx, provider)
		}
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate evicts the cached credential for provider, forcing the next
// GetCredentials call to fetch.
func (m *Manager) Invalidate(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, provider)
}

// Cached returns the cached credential for provider without validating it.
func (m *Manager) Cached(provider string) (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cache[provider]
	return c, ok
}

func (m *Manager) cached(ctx context.Context, provider string) (Credential, bool) {
	m.mu.RLock()
	c, ok := m.cache[provider]
	m.mu.RUnlock()
	if !ok {
		return Credential{}, false
	}

	if c.ExpiresWithin(m.now(), m.buffer) {
		m.tel.CredentialExpired(ctx, provider)
		m.logger.Debug("cached credential inside safety buffer, refreshing",
			"provider", provider,
			"kind", fetcherr.KindExpiredCredential,
			"expires_at", c.Expiration,
			"buffer", m.buffer,
		)
		return Credential{}, false
	}
	return c, true
}

func (m *Manager) fetch(ctx context.Context, provider string) (Credential, error) {
	const op = "credentials.GetCredentials"

	ctx, span := m.tel.Tracer.Start(ctx, "credentials.fetch",
		trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	m.tel.CredentialFetched(ctx, provider)
	start := m.now()

	raw, err := m.auth.GetTemporaryCredentials(ctx, provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "authentication failed")
		m.logger.Error("credential fetch failed", "provider", provider, "error", err)
		return Credential{}, fetcherr.Authentication(op, provider, err)
	}

	c, err := ParseCredentials(provider, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid credential payload")
		return Credential{}, fetcherr.Authentication(op, provider, err)
	}

	if c.ExpiresWithin(m.now(), m.buffer) {
		m.logger.Warn("fetched credential expires inside the safety buffer",
			"provider", provider,
			"expires_at", c.Expiration,
			"buffer", m.buffer,
		)
	}

	m.mu.Lock()
	m.cache[provider] = c
	m.mu.Unlock()

	m.logger.Info("credential refreshed",
		"provider", provider,
		"expires_at", c.Expiration,
		"duration_ms", m.now().Sub(start).Milliseconds(),
	)
	return c, nil
}

// String describes the manager for debugging.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fmt.Sprintf("credentials.Manager{providers=%d buffer=%s}", len(m.cache), m.buffer)
}
