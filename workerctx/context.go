// Package workerctx holds the live resources of a single worker.
//
// A Context is built from an authctx.AuthContext and lazily creates one
// storage.Filesystem per URL scheme plus one cloned HTTP session template,
// then reuses them for every item the worker processes. A Context belongs to
// exactly one worker goroutine or process and is not safe for concurrent
// use; only the AuthContext crosses worker boundaries.
//
// Registry keeps contexts keyed by worker identity so pools can acquire,
// rebuild on credential rotation, and release them explicitly.
package workerctx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/storage"
)

// Session is a worker's private copy of the authenticated session template.
type Session struct {
	Headers map[string]string
	Cookies []storage.HTTPCookie
}

// BearerToken returns the token of an "Authorization: Bearer" header.
func (s *Session) BearerToken() string {
	v := s.Headers["Authorization"]
	if token, ok := strings.CutPrefix(v, "Bearer "); ok {
		return token
	}
	return ""
}

// Factory builds the filesystem for scheme. It is called at most once per
// scheme per Context.
type Factory func(ctx context.Context, scheme string, auth authctx.AuthContext, session *Session) (storage.Filesystem, error)

// Options configures the filesystems built by a Context.
type Options struct {
	// S3Endpoint overrides the S3 endpoint.
	S3Endpoint string

	// S3PathStyle forces path-style S3 addressing.
	S3PathStyle bool

	// GCSEndpoint overrides the GCS endpoint.
	GCSEndpoint string

	// HTTPRetryMax bounds data-plane HTTP retries.
	HTTPRetryMax int

	// Factory replaces the built-in scheme dispatch.
	Factory Factory

	Logger *slog.Logger
}

// OptionsFromConfig maps the storage section of a configuration onto
// Options. cfg may be nil.
func OptionsFromConfig(cfg *config.StorageConfig, logger *slog.Logger) Options {
	opts := Options{Logger: logger}
	if cfg != nil {
		opts.S3Endpoint = cfg.S3Endpoint
		opts.S3PathStyle = cfg.S3PathStyle
		opts.GCSEndpoint = cfg.GCSEndpoint
		opts.HTTPRetryMax = cfg.HTTPRetryMax
	}
	return opts
}

// Context is the per-worker resource holder.
type Context struct {
	workerID string
	auth     authctx.AuthContext
	opts     Options
	logger   *slog.Logger

	filesystems map[string]storage.Filesystem
	session     *Session
	clones      int
	closed      bool
}

// New returns an empty Context for workerID. Nothing is built until first
// use.
func New(workerID string, auth authctx.AuthContext, opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory(opts)
	}
	return &Context{
		workerID:    workerID,
		auth:        auth,
		opts:        opts,
		logger:      logger.With("worker_id", workerID, "auth_id", auth.ID),
		filesystems: make(map[string]storage.Filesystem),
	}
}

// WorkerID returns the owning worker's identity.
func (c *Context) WorkerID() string { return c.workerID }

// Auth returns the AuthContext the resources were built from.
func (c *Context) Auth() authctx.AuthContext { return c.auth }

// GetFilesystem returns the filesystem serving rawURL's scheme, building it
// on first use.
func (c *Context) GetFilesystem(ctx context.Context, rawURL string) (storage.Filesystem, error) {
	const op = "workerctx.GetFilesystem"

	if c.closed {
		return nil, fetcherr.New(op, fetcherr.KindConfiguration, "worker context is closed")
	}

	scheme := storage.Scheme(rawURL)
	if scheme == "http" {
		scheme = "https"
	}
	if fs, ok := c.filesystems[scheme]; ok {
		return fs, nil
	}

	fs, err := c.opts.Factory(ctx, scheme, c.auth, c.CloneSession())
	if err != nil {
		return nil, err
	}
	c.filesystems[scheme] = fs
	c.logger.Debug("filesystem built", "scheme", scheme)
	return fs, nil
}

// CloneSession returns the worker's session, cloning the AuthContext's
// template on the first call only.
func (c *Context) CloneSession() *Session {
	if c.session != nil {
		return c.session
	}

	s := &Session{Headers: make(map[string]string, len(c.auth.Session.Headers))}
	for k, v := range c.auth.Session.Headers {
		s.Headers[k] = v
	}
	for _, ck := range c.auth.Session.Cookies {
		s.Cookies = append(s.Cookies, storage.HTTPCookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
		})
	}
	c.session = s
	c.clones++
	return s
}

// SessionClones reports how many times the session template was cloned.
// It is at most one for the lifetime of the Context.
func (c *Context) SessionClones() int { return c.clones }

// Close releases every cached filesystem. It is idempotent.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for scheme, fs := range c.filesystems {
		if err := fs.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s filesystem: %w", scheme, err)
		}
	}
	c.filesystems = nil
	c.session = nil
	return firstErr
}

// DefaultFactory dispatches on scheme to the storage package.
func DefaultFactory(opts Options) Factory {
	return func(ctx context.Context, scheme string, auth authctx.AuthContext, session *Session) (storage.Filesystem, error) {
		const op = "workerctx.GetFilesystem"

		switch scheme {
		case "s3":
			s3opts := storage.S3Options{
				Endpoint:  opts.S3Endpoint,
				PathStyle: opts.S3PathStyle,
			}
			if auth.Credential != nil {
				s3opts.AccessKeyID = auth.Credential.AccessKeyID
				s3opts.SecretAccessKey = auth.Credential.SecretAccessKey
				s3opts.SessionToken = auth.Credential.SessionToken
				s3opts.Region = auth.Credential.Region
			}
			fs, err := storage.NewS3(ctx, s3opts)
			if err != nil {
				return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
			}
			return fs, nil
		case "gs":
			fs, err := storage.NewGCS(ctx, storage.GCSOptions{
				AccessToken: session.BearerToken(),
				Endpoint:    opts.GCSEndpoint,
			})
			if err != nil {
				return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
			}
			return fs, nil
		case "https":
			fs, err := storage.NewHTTP(storage.HTTPOptions{
				Headers:  session.Headers,
				Cookies:  session.Cookies,
				RetryMax: opts.HTTPRetryMax,
				Logger:   opts.Logger,
			})
			if err != nil {
				return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
			}
			return fs, nil
		case "file":
			return storage.NewLocal(), nil
		}
		return nil, fetcherr.New(op, fetcherr.KindConfiguration, fmt.Sprintf("unsupported URL scheme %q", scheme))
	}
}
