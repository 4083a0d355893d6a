package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPCookie is a cookie to preload into the session jar.
type HTTPCookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

// HTTPOptions configures an HTTPS filesystem.
type HTTPOptions struct {
	// Headers are sent with every request.
	Headers map[string]string

	// Cookies are preloaded into the client's jar.
	Cookies []HTTPCookie

	// RetryMax bounds retries of transient data-plane failures. Zero means 3.
	RetryMax int

	// Logger receives retry diagnostics. Nil disables them.
	Logger *slog.Logger
}

// HTTP reads objects over HTTP(S) with a cloned authenticated session.
type HTTP struct {
	client    *retryablehttp.Client
	transport *http.Transport
	headers   map[string]string
}

// NewHTTP builds a pooled, retrying client carrying the given headers and
// cookies.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	for _, c := range opts.Cookies {
		if c.Domain == "" {
			continue
		}
		u := &url.URL{Scheme: "https", Host: trimDot(c.Domain), Path: "/"}
		jar.SetCookies(u, []*http.Cookie{{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path}})
	}

	transport := cleanhttp.DefaultPooledTransport()
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport, Jar: jar}
	rc.RetryMax = opts.RetryMax
	if rc.RetryMax <= 0 {
		rc.RetryMax = 3
	}
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	if opts.Logger != nil {
		rc.Logger = retryablehttp.LeveledLogger(opts.Logger)
	} else {
		rc.Logger = nil
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &HTTP{client: rc, transport: transport, headers: headers}, nil
}

func (f *HTTP) Scheme() string { return "https" }

// Open issues a GET for rawURL. Non-2xx responses are errors.
func (f *HTTP) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// Write is not supported over HTTPS.
func (f *HTTP) Write(context.Context, string, []byte) error {
	return ErrUnsupported
}

// Close drops idle pooled connections.
func (f *HTTP) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

func trimDot(domain string) string {
	for len(domain) > 0 && domain[0] == '.' {
		domain = domain[1:]
	}
	return domain
}
