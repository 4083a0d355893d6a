package storage

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// GCSOptions configures a GCS filesystem.
type GCSOptions struct {
	// AccessToken is an OAuth2 bearer token. Empty means anonymous access.
	AccessToken string

	// Endpoint overrides the storage endpoint, e.g. for an emulator.
	Endpoint string
}

// GCS is a Google Cloud Storage filesystem.
type GCS struct {
	client *storage.Client
}

// NewGCS builds a GCS client from a static access token.
func NewGCS(ctx context.Context, opts GCSOptions) (*GCS, error) {
	var clientOpts []option.ClientOption
	if opts.AccessToken != "" {
		// The storage client resolves its own credentials, which clashes
		// with WithTokenSource; an authorized HTTP client does not.
		tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.AccessToken,
			TokenType:   "Bearer",
		})
		clientOpts = append(clientOpts, option.WithHTTPClient(oauth2.NewClient(ctx, tokenSource)))
	} else {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating GCS client: %w", err)
	}
	return &GCS{client: client}, nil
}

func (f *GCS) Scheme() string { return "gs" }

// Open streams gs://bucket/object.
func (f *GCS) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	bucket, key, err := SplitBucketKey(rawURL)
	if err != nil {
		return nil, err
	}
	r, err := f.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	return r, nil
}

// Write uploads data to gs://bucket/object.
func (f *GCS) Write(ctx context.Context, path string, data []byte) error {
	bucket, key, err := SplitBucketKey(path)
	if err != nil {
		return err
	}
	w := f.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("put %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (f *GCS) Close() error {
	return f.client.Close()
}
