package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/time/rate"
)

// DefaultEndpoints lists the s3credentials endpoints of the Earthdata cloud
// archives.
var DefaultEndpoints = map[string]string{
	"PODAAC":    "https://archive.podaac.earthdata.nasa.gov/s3credentials",
	"NSIDC":     "https://data.nsidc.earthdatacloud.nasa.gov/s3credentials",
	"LPDAAC":    "https://data.lpdaac.earthdatacloud.nasa.gov/s3credentials",
	"GES_DISC":  "https://data.gesdisc.earthdata.nasa.gov/s3credentials",
	"ORNL_DAAC": "https://data.ornldaac.earthdata.nasa.gov/s3credentials",
	"GHRC_DAAC": "https://data.ghrc.earthdata.nasa.gov/s3credentials",
	"ASF":       "https://cumulus.asf.alaska.edu/s3credentials",
	"OB_DAAC":   "https://obdaac-tea.earthdatacloud.nasa.gov/s3credentials",
}

// HTTPAuthenticatorOptions configures an HTTPAuthenticator.
type HTTPAuthenticatorOptions struct {
	// Endpoints maps provider -> s3credentials URL. Defaults to DefaultEndpoints.
	Endpoints map[string]string

	// Token is the bearer token sent to every endpoint.
	Token string

	// Cookies are added to the session template for HTTPS data access.
	Cookies []Cookie

	// RequestsPerSecond throttles endpoint calls. Zero means 2 rps.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Zero means 4.
	Burst int

	// Client overrides the pooled HTTP client.
	Client *http.Client
}

// HTTPAuthenticator fetches temporary credentials from per-provider HTTP
// endpoints using a bearer token.
type HTTPAuthenticator struct {
	endpoints map[string]string
	token     string
	cookies   []Cookie
	client    *http.Client
	limiter   *rate.Limiter
}

// NewHTTPAuthenticator creates an HTTPAuthenticator.
func NewHTTPAuthenticator(opts HTTPAuthenticatorOptions) *HTTPAuthenticator {
	if opts.Endpoints == nil {
		opts.Endpoints = DefaultEndpoints
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	if opts.Client == nil {
		opts.Client = cleanhttp.DefaultPooledClient()
	}

	return &HTTPAuthenticator{
		endpoints: opts.Endpoints,
		token:     opts.Token,
		cookies:   opts.Cookies,
		client:    opts.Client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
	}
}

// GetTemporaryCredentials implements Authenticator.
func (a *HTTPAuthenticator) GetTemporaryCredentials(ctx context.Context, provider string) (RawCredentials, error) {
	endpoint, ok := a.endpoints[provider]
	if !ok {
		return nil, fmt.Errorf("no credential endpoint configured for provider %s", provider)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build credential request: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("credential request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read credential response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credential endpoint %s returned %d", endpoint, resp.StatusCode)
	}

	var raw RawCredentials
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode credential response: %w", err)
	}
	return raw, nil
}

// GetSessionTemplate implements Authenticator.
func (a *HTTPAuthenticator) GetSessionTemplate(_ context.Context) (Session, error) {
	s := Session{Headers: map[string]string{}}
	if a.token != "" {
		s.Headers["Authorization"] = "Bearer " + a.token
	}
	if len(a.cookies) > 0 {
		s.Cookies = append([]Cookie(nil), a.cookies...)
	}
	return s, nil
}

// STSAPI is the subset of the STS client used by STSAuthenticator.
type STSAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// STSAuthenticator issues provider credentials by assuming one IAM role per
// provider.
type STSAuthenticator struct {
	client      STSAPI
	roles       map[string]string
	sessionName string
	region      string
	duration    int32
}

// NewSTSAuthenticator loads the default AWS config for region and returns
// an authenticator that assumes roles[provider].
func NewSTSAuthenticator(ctx context.Context, region string, roles map[string]string) (*STSAuthenticator, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSTSAuthenticatorWithClient(sts.NewFromConfig(cfg), region, roles), nil
}

// NewSTSAuthenticatorWithClient wraps an existing STS client.
func NewSTSAuthenticatorWithClient(client STSAPI, region string, roles map[string]string) *STSAuthenticator {
	return &STSAuthenticator{
		client:      client,
		roles:       roles,
		sessionName: "granule",
		region:      region,
		duration:    3600,
	}
}

// GetTemporaryCredentials implements Authenticator.
func (a *STSAuthenticator) GetTemporaryCredentials(ctx context.Context, provider string) (RawCredentials, error) {
	roleArn, ok := a.roles[provider]
	if !ok {
		return nil, fmt.Errorf("no role configured for provider %s", provider)
	}

	out, err := a.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleArn),
		RoleSessionName: aws.String(a.sessionName),
		DurationSeconds: aws.Int32(a.duration),
	})
	if err != nil {
		return nil, err
	}
	if out.Credentials == nil {
		return nil, fmt.Errorf("assume role for %s returned no credentials", provider)
	}

	return RawCredentials{
		"accessKeyId":     aws.ToString(out.Credentials.AccessKeyId),
		"secretAccessKey": aws.ToString(out.Credentials.SecretAccessKey),
		"sessionToken":    aws.ToString(out.Credentials.SessionToken),
		"expiration":      aws.ToTime(out.Credentials.Expiration),
		"region":          a.region,
	}, nil
}

// GetSessionTemplate implements Authenticator. STS sessions carry no HTTP
// state.
func (a *STSAuthenticator) GetSessionTemplate(context.Context) (Session, error) {
	return Session{}, nil
}

// StaticAuthenticator serves fixed credentials. It is meant for local runs
// and tests; FetchCount reports how often each provider was requested.
type StaticAuthenticator struct {
	mu      sync.Mutex
	creds   map[string]Credential
	session Session
	counts  map[string]int
}

// NewStaticAuthenticator creates a StaticAuthenticator.
func NewStaticAuthenticator(creds map[string]Credential, session Session) *StaticAuthenticator {
	return &StaticAuthenticator{creds: creds, session: session, counts: make(map[string]int)}
}

// GetTemporaryCredentials implements Authenticator.
func (a *StaticAuthenticator) GetTemporaryCredentials(_ context.Context, provider string) (RawCredentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[provider]++

	c, ok := a.creds[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %s", provider)
	}
	return RawCredentials{
		"accessKeyId":     c.AccessKeyID,
		"secretAccessKey": c.SecretAccessKey,
		"sessionToken":    c.SessionToken,
		"expiration":      c.Expiration,
		"region":          c.Region,
	}, nil
}

// GetSessionTemplate implements Authenticator.
func (a *StaticAuthenticator) GetSessionTemplate(context.Context) (Session, error) {
	return a.session.Clone(), nil
}

// FetchCount returns how many times provider was requested.
func (a *StaticAuthenticator) FetchCount(provider string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[provider]
}
