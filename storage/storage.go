// Package storage implements the filesystems a worker uses to read granule
// data and write it locally.
//
// Each Filesystem is built from plain authentication material (a static S3
// credential, a bearer token or a session template) and owns its live
// clients. Filesystems are created and closed by a workerctx.Context and
// are never shared between workers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Filesystem is the storage surface workers use.
type Filesystem interface {
	// Open returns a stream of the object at rawURL. The caller closes it.
	Open(ctx context.Context, rawURL string) (io.ReadCloser, error)

	// Write stores data at path.
	Write(ctx context.Context, path string, data []byte) error

	// Scheme names the URL scheme served, e.g. "s3".
	Scheme() string

	// Close releases clients and pooled connections.
	Close() error
}

// ErrUnsupported is returned by filesystems that cannot perform an
// operation, such as writing over HTTPS.
var ErrUnsupported = errors.New("operation not supported by filesystem")

// Scheme returns the lowercased scheme of rawURL, or "file" for plain paths.
func Scheme(rawURL string) string {
	i := strings.Index(rawURL, "://")
	if i <= 0 {
		return "file"
	}
	return strings.ToLower(rawURL[:i])
}

// SplitBucketKey splits an s3:// or gs:// URL into bucket and key.
func SplitBucketKey(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid object URL %q: %w", rawURL, err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("object URL %q needs a bucket and a key", rawURL)
	}
	return bucket, key, nil
}

// BaseName returns the last path element of rawURL, ignoring any query.
func BaseName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		rawURL = u.Path
	}
	rawURL = strings.TrimRight(rawURL, "/")
	if i := strings.LastIndex(rawURL, "/"); i >= 0 {
		return rawURL[i+1:]
	}
	return rawURL
}
