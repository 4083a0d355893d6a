package workerctx

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/storage"
)

type fakeFS struct {
	scheme string
	closed bool
}

func (f *fakeFS) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.scheme)), nil
}
func (f *fakeFS) Write(context.Context, string, []byte) error { return nil }
func (f *fakeFS) Scheme() string                              { return f.scheme }
func (f *fakeFS) Close() error {
	f.closed = true
	return nil
}

type countingFactory struct {
	mu     sync.Mutex
	builds map[string]int
	built  []*fakeFS
}

func (c *countingFactory) build(_ context.Context, scheme string, _ authctx.AuthContext, _ *Session) (storage.Filesystem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.builds == nil {
		c.builds = make(map[string]int)
	}
	c.builds[scheme]++
	fs := &fakeFS{scheme: scheme}
	c.built = append(c.built, fs)
	return fs, nil
}

func testAuth() authctx.AuthContext {
	return authctx.FromSession("PODAAC", &credentials.Credential{
		AccessKeyID:     "AKIA",
		SecretAccessKey: "secret",
		Expiration:      time.Now().Add(time.Hour),
	}, credentials.Session{
		Headers: map[string]string{"Authorization": "Bearer edl"},
		Cookies: []credentials.Cookie{{Name: "urs", Value: "v", Domain: ".nasa.gov"}},
	})
}

func TestGetFilesystemCachesPerScheme(t *testing.T) {
	f := &countingFactory{}
	wc := New("w1", testAuth(), Options{Factory: f.build})

	for _, u := range []string{"s3://a/1", "s3://b/2", "https://h/x", "http://h/y", "/tmp/z"} {
		_, err := wc.GetFilesystem(context.Background(), u)
		require.NoError(t, err)
	}

	assert.Equal(t, map[string]int{"s3": 1, "https": 1, "file": 1}, f.builds)
	assert.Equal(t, 1, wc.SessionClones())
}

func TestCloneSessionOnce(t *testing.T) {
	auth := testAuth()
	wc := New("w1", auth, Options{})

	s1 := wc.CloneSession()
	s2 := wc.CloneSession()
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, wc.SessionClones())
	assert.Equal(t, "edl", s1.BearerToken())
	require.Len(t, s1.Cookies, 1)

	s1.Headers["Authorization"] = "mutated"
	assert.Equal(t, "Bearer edl", auth.Session.Headers["Authorization"])
}

func TestCloseReleasesFilesystems(t *testing.T) {
	f := &countingFactory{}
	wc := New("w1", testAuth(), Options{Factory: f.build})
	_, err := wc.GetFilesystem(context.Background(), "s3://a/b")
	require.NoError(t, err)

	require.NoError(t, wc.Close())
	require.NoError(t, wc.Close())
	for _, fs := range f.built {
		assert.True(t, fs.closed)
	}

	_, err = wc.GetFilesystem(context.Background(), "s3://a/b")
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))
}

func TestDefaultFactory(t *testing.T) {
	wc := New("w1", testAuth(), Options{})
	defer wc.Close()

	local, err := wc.GetFilesystem(context.Background(), "file:///tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "file", local.Scheme())

	https, err := wc.GetFilesystem(context.Background(), "https://data.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https", https.Scheme())

	s3fs, err := wc.GetFilesystem(context.Background(), "s3://bucket/key")
	require.NoError(t, err)
	assert.Equal(t, "s3", s3fs.Scheme())

	_, err = wc.GetFilesystem(context.Background(), "ftp://host/file")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

func TestRegistryAcquire(t *testing.T) {
	f := &countingFactory{}
	reg := NewRegistry(Options{Factory: f.build})
	auth := testAuth()

	a := reg.Acquire("w1", auth)
	b := reg.Acquire("w1", auth)
	assert.Same(t, a, b)

	c := reg.Acquire("w2", auth)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, reg.Len())

	_, err := a.GetFilesystem(context.Background(), "s3://x/y")
	require.NoError(t, err)

	rotated := testAuth()
	d := reg.Acquire("w1", rotated)
	assert.NotSame(t, a, d)
	assert.Equal(t, rotated.ID, d.Auth().ID)
	assert.True(t, f.built[0].closed, "stale context must be closed")

	require.NoError(t, reg.Release("w2"))
	require.NoError(t, reg.Release("missing"))
	assert.Equal(t, 1, reg.Len())

	require.NoError(t, reg.CloseAll())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryConcurrentWorkers(t *testing.T) {
	reg := NewRegistry(Options{Factory: (&countingFactory{}).build})
	auth := testAuth()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				wc := reg.Acquire(id, auth)
				_, _ = wc.GetFilesystem(context.Background(), "s3://b/k")
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Equal(t, 8, reg.Len())
	require.NoError(t, reg.CloseAll())
}
