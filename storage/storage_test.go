package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheme(t *testing.T) {
	tests := map[string]string{
		"s3://bucket/key":          "s3",
		"S3://bucket/key":          "s3",
		"gs://bucket/key":          "gs",
		"https://host/path":        "https",
		"http://host/path":         "http",
		"file:///tmp/x":            "file",
		"/tmp/x":                   "file",
		"relative/path/granule.nc": "file",
	}
	for in, want := range tests {
		assert.Equal(t, want, Scheme(in), in)
	}
}

func TestSplitBucketKey(t *testing.T) {
	bucket, key, err := SplitBucketKey("s3://podaac-ops/MUR/2024/file.nc")
	require.NoError(t, err)
	assert.Equal(t, "podaac-ops", bucket)
	assert.Equal(t, "MUR/2024/file.nc", key)

	_, _, err = SplitBucketKey("s3://bucket-only")
	require.Error(t, err)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "file.nc", BaseName("s3://b/dir/file.nc"))
	assert.Equal(t, "file.nc", BaseName("https://h/dir/file.nc?token=x"))
	assert.Equal(t, "file.nc", BaseName("/tmp/file.nc"))
}

func TestLocalWriteAndOpen(t *testing.T) {
	dir := t.TempDir()
	fs := NewLocal()
	path := filepath.Join(dir, "nested", "out.bin")

	require.NoError(t, fs.Write(context.Background(), path, []byte("payload")))

	rc, err := fs.Open(context.Background(), "file://"+path)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fs.Open(ctx, path)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPSendsSessionHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer edl" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("granule-bytes"))
	}))
	defer srv.Close()

	fs, err := NewHTTP(HTTPOptions{Headers: map[string]string{"Authorization": "Bearer edl"}})
	require.NoError(t, err)
	defer fs.Close()

	rc, err := fs.Open(context.Background(), srv.URL+"/data/file.nc")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "granule-bytes", string(data))

	anon, err := NewHTTP(HTTPOptions{})
	require.NoError(t, err)
	_, err = anon.Open(context.Background(), srv.URL+"/data/file.nc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	assert.ErrorIs(t, fs.Write(context.Background(), "x", nil), ErrUnsupported)
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	fs, err := NewHTTP(HTTPOptions{RetryMax: 2})
	require.NoError(t, err)

	rc, err := fs.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPCookies(t *testing.T) {
	fs, err := NewHTTP(HTTPOptions{Cookies: []HTTPCookie{{Name: "urs", Value: "v", Domain: ".example.com", Path: "/"}}})
	require.NoError(t, err)

	u, _ := http.NewRequest(http.MethodGet, "https://data.example.com/x", nil)
	cookies := fs.client.HTTPClient.Jar.Cookies(u.URL)
	require.Len(t, cookies, 1)
	assert.Equal(t, "urs", cookies[0].Name)
}

func TestS3OpenAndWrite(t *testing.T) {
	var (
		gotPath   atomic.Value
		gotMethod atomic.Value
		gotAuth   atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotMethod.Store(r.Method)
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Length", "5")
			_, _ = w.Write([]byte("hello"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs, err := NewS3(context.Background(), S3Options{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Region:          "us-west-2",
		Endpoint:        srv.URL,
		PathStyle:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", fs.Scheme())

	rc, err := fs.Open(context.Background(), "s3://podaac-ops/MUR/file.nc")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "/podaac-ops/MUR/file.nc", gotPath.Load())
	assert.Contains(t, gotAuth.Load(), "AKIAEXAMPLE")

	require.NoError(t, fs.Write(context.Background(), "s3://out-bucket/a/b.bin", []byte("data")))
	assert.Equal(t, http.MethodPut, gotMethod.Load())
	assert.Equal(t, "/out-bucket/a/b.bin", gotPath.Load())

	_, err = fs.Open(context.Background(), "s3://no-key")
	require.Error(t, err)
}

func TestNewGCSWithToken(t *testing.T) {
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("STORAGE_EMULATOR_HOST", "")

	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "payload")
	}))
	defer srv.Close()

	fs, err := NewGCS(context.Background(), GCSOptions{
		AccessToken: "ya29.token",
		Endpoint:    srv.URL + "/storage/v1/",
	})
	require.NoError(t, err)
	defer fs.Close()
	assert.Equal(t, "gs", fs.Scheme())

	r, err := fs.Open(context.Background(), "gs://granules/MUR/file.nc")
	if err == nil {
		_, _ = io.ReadAll(r)
		r.Close()
	}
	assert.Equal(t, "Bearer ya29.token", gotAuth.Load())
}
