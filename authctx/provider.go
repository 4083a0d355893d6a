package authctx

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/fetcherr"
)

// Provider hands out the current AuthContext for a data provider. It
// builds a new AuthContext whenever the manager's credential has been
// refreshed, so long streams survive credential rotation without any
// worker re-authenticating on its own.
type Provider struct {
	manager  *credentials.Manager
	provider string
	logger   *slog.Logger

	mu      sync.Mutex
	current *AuthContext
	session *credentials.Session
}

// NewProvider returns a Provider for provider backed by manager. An empty
// provider yields anonymous contexts carrying only the session template.
func NewProvider(manager *credentials.Manager, provider string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		manager:  manager,
		provider: provider,
		logger:   logger.With("provider", provider),
	}
}

// Name returns the data provider served by p.
func (p *Provider) Name() string {
	return p.provider
}

// Current returns the cached AuthContext while it is valid and a freshly
// built one otherwise. The returned value is never modified afterwards.
func (p *Provider) Current(ctx context.Context) (AuthContext, error) {
	const op = "authctx.Current"

	if p.manager == nil {
		return AuthContext{}, fetcherr.New(op, fetcherr.KindConfiguration, "no credential manager configured")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.IsValid(p.manager.Now(), p.manager.SafetyBuffer()) {
		if p.provider == "" {
			return *p.current, nil
		}
		// The manager may have been invalidated or refreshed underneath us.
		if cached, ok := p.manager.Cached(p.provider); ok && p.current.Credential != nil && cached == *p.current.Credential {
			return *p.current, nil
		}
	}

	session, err := p.sessionTemplate(ctx)
	if err != nil {
		return AuthContext{}, err
	}

	var cred *credentials.Credential
	if p.provider != "" {
		c, err := p.manager.GetCredentials(ctx, p.provider)
		if err != nil {
			return AuthContext{}, err
		}
		cred = &c
	}

	ac := FromSession(p.provider, cred, session)
	p.current = &ac
	p.logger.Debug("auth context built", "auth_id", ac.ID)
	return ac, nil
}

func (p *Provider) sessionTemplate(ctx context.Context) (credentials.Session, error) {
	if p.session != nil {
		return *p.session, nil
	}
	auth := p.manager.Authenticator()
	if auth == nil {
		return credentials.Session{}, fetcherr.New("authctx.Current", fetcherr.KindConfiguration, "no authenticator configured")
	}
	s, err := auth.GetSessionTemplate(ctx)
	if err != nil {
		return credentials.Session{}, fetcherr.Authentication("authctx.Current", p.provider, err)
	}
	p.session = &s
	return s, nil
}
