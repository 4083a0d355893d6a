package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local reads and writes the local filesystem.
type Local struct{}

// NewLocal returns a local filesystem.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Scheme() string { return "file" }

// Open opens a plain path or a file:// URL.
func (l *Local) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(localPath(rawURL))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rawURL, err)
	}
	return f, nil
}

// Write creates parent directories and writes data to path atomically.
func (l *Local) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path = localPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp.Name(), path)
}

func (l *Local) Close() error { return nil }

func localPath(rawURL string) string {
	return strings.TrimPrefix(rawURL, "file://")
}
