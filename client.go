package granule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/catalog"
	"github.com/zero-day-ai/granule/config"
	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/discovery"
	"github.com/zero-day-ai/granule/executor"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/queue"
	"github.com/zero-day-ai/granule/stream"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/telemetry"
	"github.com/zero-day-ai/granule/workerctx"
)

// Client ties together the credential manager, the handler registry and an
// executor. It is safe for concurrent use; each Stream or Download call
// starts an independent pipeline on the shared executor.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry

	manager   *credentials.Manager
	providers *credentials.ProviderTable
	registry  *task.Registry
	exec      executor.Executor
	provider  string
	streamOpt []stream.Option
	closers   []io.Closer

	mu    sync.Mutex
	auths map[string]*authctx.Provider

	closeOnce sync.Once
	closeErr  error
}

// New builds a Client. A nil auth logs in with the bearer token found in
// the environment variable named by credentials.token_env. The first
// client built in a process installs its manager as credentials.Default.
func New(ctx context.Context, auth credentials.Authenticator, opts ...Option) (*Client, error) {
	const op = "granule.New"

	var cc clientConfig
	for _, opt := range opts {
		opt(&cc)
	}

	cfg := cc.cfg
	if cfg == nil && cc.configPath != "" {
		loaded, err := config.Load(cc.configPath)
		if err != nil {
			return nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, err)
		}
		cfg = loaded
	}
	if cfg == nil {
		cfg = &config.Config{}
	}

	logger := cc.logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := cc.telemetry
	if tel == nil {
		tel = telemetry.Default()
	}

	if auth == nil {
		a, err := AuthenticatorFromConfig(cfg.Credentials)
		if err != nil {
			return nil, err
		}
		auth = a
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		manager: credentials.NewManager(auth,
			credentials.WithSafetyBuffer(cfg.Credentials.GetSafetyBuffer()),
			credentials.WithLogger(logger),
			credentials.WithTelemetry(tel),
		),
		providers: providerTable(cfg.Credentials),
		registry:  cc.registry,
		exec:      cc.executor,
		provider:  cc.provider,
		streamOpt: append([]stream.Option{stream.WithConfig(cfg.Stream), stream.WithLogger(logger)}, cc.stream...),
		auths:     make(map[string]*authctx.Provider),
	}

	if c.registry == nil {
		c.registry = task.NewRegistry()
	}
	if _, ok := c.registry.Lookup(catalog.DownloadTask); !ok {
		catalog.RegisterHandlers(c.registry)
	}

	if c.exec == nil {
		exec, closers, err := buildExecutor(ctx, cfg, c.registry, logger, tel)
		if err != nil {
			return nil, err
		}
		c.exec = exec
		c.closers = closers
	}

	credentials.SetDefault(c.manager, false)

	logger.Info("granule client ready",
		"executor", string(c.exec.Kind()),
		"workers", c.exec.Workers(),
	)
	return c, nil
}

// AuthenticatorFromConfig returns the HTTP authenticator described by cfg.
// The bearer token is read from the configured environment variable.
func AuthenticatorFromConfig(cfg *config.CredentialsConfig) (*credentials.HTTPAuthenticator, error) {
	env := cfg.GetTokenEnv()
	token := os.Getenv(env)
	if token == "" {
		return nil, fetcherr.New("granule.AuthenticatorFromConfig", fetcherr.KindConfiguration,
			fmt.Sprintf("no authenticator given and %s is not set", env))
	}

	opts := credentials.HTTPAuthenticatorOptions{
		Token:             token,
		RequestsPerSecond: cfg.GetRequestsPerSecond(),
	}
	if cfg != nil && len(cfg.Endpoints) > 0 {
		opts.Endpoints = cfg.Endpoints
	}
	return credentials.NewHTTPAuthenticator(opts), nil
}

func providerTable(cfg *config.CredentialsConfig) *credentials.ProviderTable {
	if cfg == nil || len(cfg.Providers) == 0 {
		return credentials.DefaultProviderTable()
	}
	return credentials.NewProviderTable(cfg.Providers)
}

func buildExecutor(ctx context.Context, cfg *config.Config, reg *task.Registry, logger *slog.Logger, tel *telemetry.Telemetry) (executor.Executor, []io.Closer, error) {
	const op = "granule.New"

	kind, err := executor.ParseKind(cfg.Executor.GetKind())
	if err != nil {
		return nil, nil, err
	}

	base := executor.Options{
		Workers:       cfg.Executor.GetWorkers(),
		Logger:        logger,
		Telemetry:     tel,
		WorkerContext: workerctx.OptionsFromConfig(cfg.Storage, logger),
	}

	switch kind {
	case executor.KindSerial:
		return executor.NewSerial(reg, base), nil, nil

	case executor.KindThreads:
		return executor.NewThreadPool(reg, base), nil, nil

	case executor.KindDistributed:
		rc, err := queue.NewRedisClient(queue.RedisOptions{
			URL:    cfg.Distributed.GetRedisURL(),
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fetcherr.Wrap(op, fetcherr.KindConfiguration, fmt.Errorf("failed to connect to Redis: %w", err))
		}
		var workers int
		if cfg.Executor != nil {
			workers = cfg.Executor.Workers
		}
		exec, err := executor.NewDistributed(ctx, executor.DistributedOptions{
			Client:     rc,
			Pool:       cfg.Distributed.GetPool(),
			Workers:    workers,
			SessionTTL: cfg.Distributed.GetSessionTTL(),
			Logger:     logger,
			Telemetry:  tel,
		})
		if err != nil {
			rc.Close()
			return nil, nil, err
		}
		return exec, []io.Closer{rc}, nil

	case executor.KindServerless:
		var (
			resolver discovery.Resolver
			closers  []io.Closer
		)
		name := cfg.Serverless.GetFunction()
		if cfg.Serverless != nil && len(cfg.Serverless.Addresses) > 0 {
			resolver = discovery.NewStatic(name, cfg.Serverless.Addresses...)
		} else {
			dcfg := discovery.Config{}
			if cfg.Discovery != nil {
				dcfg = *cfg.Discovery
			} else if envCfg, ok := discovery.ConfigFromEnv(); ok {
				dcfg = envCfg
			}
			etcd, err := discovery.NewEtcd(dcfg, logger)
			if err != nil {
				return nil, nil, err
			}
			resolver = etcd
			closers = append(closers, etcd)
		}

		exec, err := executor.NewServerless(executor.ServerlessOptions{
			Function:    name,
			Resolver:    resolver,
			Concurrency: cfg.Serverless.GetConcurrency(),
			Timeout:     cfg.Serverless.GetTimeout(),
			Logger:      logger,
			Telemetry:   tel,
		})
		if err != nil {
			return nil, nil, errors.Join(err, closeAll(closers))
		}
		return exec, closers, nil
	}
	return nil, nil, fetcherr.New(op, fetcherr.KindConfiguration, fmt.Sprintf("unsupported executor kind %q", kind))
}

// Registry returns the handler registry. Handlers must be registered
// before the first stream that uses them starts.
func (c *Client) Registry() *task.Registry { return c.registry }

// Executor returns the executor the client submits to.
func (c *Client) Executor() executor.Executor { return c.exec }

// Manager returns the credential manager.
func (c *Client) Manager() *credentials.Manager { return c.manager }

// Providers returns the provider prefix table.
func (c *Client) Providers() *credentials.ProviderTable { return c.providers }

// Auth returns the AuthContext source for provider. An empty provider
// yields anonymous contexts carrying only the session template.
func (c *Client) Auth(provider string) *authctx.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.auths[provider]
	if !ok {
		p = authctx.NewProvider(c.manager, provider, c.logger)
		c.auths[provider] = p
	}
	return p
}

// Stream starts a pipeline applying the handler registered as taskName to
// every item of src, with the AuthContext of the client's provider.
func Stream[I, O any](ctx context.Context, c *Client, src stream.Source[I], taskName string, opts ...stream.Option) *stream.Stream[O] {
	all := append(append([]stream.Option(nil), c.streamOpt...), opts...)
	return stream.Run[I, O](ctx, c.exec, c.Auth(c.provider), src, taskName, all...)
}

// Download copies every granule of src into dir. All granules of one call
// must come from the same provider; the provider is taken from the first
// granule that names one or whose links match the provider table.
func (c *Client) Download(ctx context.Context, src stream.Source[catalog.Granule], dir string, opts ...stream.Option) *stream.Stream[catalog.DownloadOutput] {
	ds := &downloadSource{
		src:       src,
		dir:       dir,
		providers: c.providers,
		provider:  c.provider,
		client:    c,
	}
	all := append(append([]stream.Option(nil), c.streamOpt...), opts...)
	return stream.Run[catalog.DownloadInput, catalog.DownloadOutput](ctx, c.exec, ds, ds, catalog.DownloadTask, all...)
}

// Close shuts the executor down and releases its connections.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		err := c.exec.Shutdown(ctx)
		c.closeErr = errors.Join(err, closeAll(c.closers))
	})
	return c.closeErr
}

func closeAll(closers []io.Closer) error {
	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// downloadSource turns granules into download inputs and fixes the
// provider whose credentials the whole download uses. It doubles as the
// stream's AuthSource: the producer always pulls an item before any
// consumer asks for its AuthContext.
type downloadSource struct {
	src       stream.Source[catalog.Granule]
	dir       string
	providers *credentials.ProviderTable
	client    *Client

	mu       sync.Mutex
	provider string
}

func (d *downloadSource) Next(ctx context.Context) (catalog.DownloadInput, bool, error) {
	g, ok, err := d.src.Next(ctx)
	if err != nil || !ok {
		return catalog.DownloadInput{}, ok, err
	}

	p, err := d.granuleProvider(g)
	if err != nil {
		return catalog.DownloadInput{}, false, err
	}
	if p != "" {
		d.mu.Lock()
		switch {
		case d.provider == "":
			d.provider = p
		case !strings.EqualFold(d.provider, p):
			current := d.provider
			d.mu.Unlock()
			return catalog.DownloadInput{}, false, fetcherr.New("granule.Download", fetcherr.KindConfiguration,
				fmt.Sprintf("granule %s belongs to %s but this download uses %s credentials; download each provider separately", g.ID, p, current))
		}
		d.mu.Unlock()
	}
	return catalog.DownloadInput{Granule: g, Dir: d.dir}, true, nil
}

func (d *downloadSource) granuleProvider(g catalog.Granule) (string, error) {
	if g.Provider != "" {
		return g.Provider, nil
	}
	for _, link := range g.Links {
		if p, ok := d.providers.InferProvider(link); ok {
			return p, nil
		}
	}
	if !g.CloudHosted {
		return "", nil
	}
	for _, link := range g.Links {
		if strings.HasPrefix(strings.ToLower(link), "s3://") {
			_, err := d.providers.ResolveProvider(link)
			return "", err
		}
	}
	return "", nil
}

func (d *downloadSource) Current(ctx context.Context) (authctx.AuthContext, error) {
	d.mu.Lock()
	provider := d.provider
	d.mu.Unlock()
	return d.client.Auth(provider).Current(ctx)
}
