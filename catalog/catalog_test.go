package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/granule/authctx"
	"github.com/zero-day-ai/granule/credentials"
	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/stream"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newWorker(t *testing.T, auth authctx.AuthContext) *workerctx.Context {
	t.Helper()
	wc := workerctx.New("test-worker", auth, workerctx.Options{})
	t.Cleanup(func() { wc.Close() })
	return wc
}

func TestDownloadLocal(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	g := Granule{
		ID: "G1",
		Links: []string{
			writeFile(t, src, "a.nc", "alpha"),
			"file://" + writeFile(t, src, "b.nc", "bravo!"),
		},
	}

	out, err := Download(context.Background(), newWorker(t, authctx.Anonymous()), DownloadInput{Granule: g, Dir: dst})
	require.NoError(t, err)

	assert.Equal(t, "G1", out.ID)
	assert.Equal(t, []string{filepath.Join(dst, "a.nc"), filepath.Join(dst, "b.nc")}, out.Paths)
	assert.Equal(t, int64(11), out.Bytes)

	data, err := os.ReadFile(filepath.Join(dst, "b.nc"))
	require.NoError(t, err)
	assert.Equal(t, "bravo!", string(data))
}

func TestDownloadSkipsExisting(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	link := writeFile(t, src, "a.nc", "new content")
	writeFile(t, dst, "a.nc", "old")

	in := DownloadInput{Granule: Granule{ID: "G1", Links: []string{link}}, Dir: dst}
	out, err := Download(context.Background(), newWorker(t, authctx.Anonymous()), in)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Bytes)

	in.Overwrite = true
	out, err = Download(context.Background(), newWorker(t, authctx.Anonymous()), in)
	require.NoError(t, err)
	assert.Equal(t, int64(11), out.Bytes)

	data, err := os.ReadFile(filepath.Join(dst, "a.nc"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(data))
}

func TestDownloadHTTPUsesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path == "/missing.nc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	auth := authctx.FromSession("PODAAC", nil, credentials.Session{
		Headers: map[string]string{"Authorization": "Bearer tok"},
	})
	dst := t.TempDir()

	out, err := Download(context.Background(), newWorker(t, auth), DownloadInput{
		Granule: Granule{ID: "G2", Links: []string{srv.URL + "/data/granule.nc?version=2"}},
		Dir:     dst,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dst, "granule.nc")}, out.Paths)

	_, err = Download(context.Background(), newWorker(t, auth), DownloadInput{
		Granule: Granule{ID: "G3", Links: []string{srv.URL + "/missing.nc"}},
		Dir:     dst,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, fetcherr.ErrWorkerTask))

	var fe *fetcherr.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "G3", fe.Item)
}

func TestDownloadValidation(t *testing.T) {
	wc := newWorker(t, authctx.Anonymous())

	_, err := Download(context.Background(), wc, DownloadInput{Granule: Granule{ID: "G", Links: []string{"x"}}})
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))

	_, err = Download(context.Background(), wc, DownloadInput{Granule: Granule{ID: "G"}, Dir: t.TempDir()})
	assert.True(t, errors.Is(err, fetcherr.ErrWorkerTask))
}

func TestDownloadRejectsCollidingFileNames(t *testing.T) {
	src := t.TempDir()
	other := filepath.Join(src, "other")
	require.NoError(t, os.MkdirAll(other, 0o755))

	tests := []struct {
		name  string
		links []string
	}{
		{
			name:  "same base name",
			links: []string{writeFile(t, src, "a.nc", "first"), writeFile(t, other, "a.nc", "second")},
		},
		{name: "parent segment", links: []string{"https://archive.example.com/data/.."}},
		{name: "bucket only", links: []string{"s3://podaac-ops/"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := t.TempDir()
			out, err := Download(context.Background(), newWorker(t, authctx.Anonymous()), DownloadInput{
				Granule: Granule{ID: "G9", Links: tt.links},
				Dir:     dst,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, fetcherr.ErrWorkerTask))
			assert.Empty(t, out.Paths)

			entries, err := os.ReadDir(dst)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestInspect(t *testing.T) {
	src := t.TempDir()
	link := writeFile(t, src, "a.nc", "alpha")

	out, err := Inspect(context.Background(), newWorker(t, authctx.Anonymous()), Granule{ID: "G1", Links: []string{link}})
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("alpha"))
	require.Len(t, out.Links, 1)
	assert.Equal(t, LinkInfo{URL: link, Bytes: 5, SHA256: hex.EncodeToString(sum[:])}, out.Links[0])
}

func TestRegisteredHandlersDecodePrimitiveInput(t *testing.T) {
	reg := task.NewRegistry()
	RegisterHandlers(reg)
	assert.ElementsMatch(t, []string{DownloadTask, InspectTask}, reg.Names())

	src := t.TempDir()
	dst := t.TempDir()
	link := writeFile(t, src, "a.nc", "alpha")

	// Remote workers receive the input as decoded JSON.
	input := map[string]any{
		"granule": map[string]any{"id": "G1", "links": []any{link}},
		"dir":     dst,
	}
	out, err := reg.Execute(context.Background(), newWorker(t, authctx.Anonymous()), task.Task{Name: DownloadTask, Input: input})
	require.NoError(t, err)

	res, ok := out.(DownloadOutput)
	require.True(t, ok)
	assert.Equal(t, []string{filepath.Join(dst, "a.nc")}, res.Paths)
	require.NoError(t, task.CheckSerializable(res))
}

func TestFilter(t *testing.T) {
	g := Granule{ID: "G1", Provider: "PODAAC", Size: 120.5, Links: []string{"s3://podaac-ops/a.nc"}, CloudHosted: true}

	tests := []struct {
		expr string
		want bool
	}{
		{expr: `granule.cloud_hosted`, want: true},
		{expr: `granule.provider == "PODAAC" && granule.size < 100.0`, want: false},
		{expr: `granule.size > 100.0`, want: true},
		{expr: `granule.links.exists(l, l.startsWith("s3://"))`, want: true},
		{expr: `size(granule.links) == 2`, want: false},
		{expr: `granule.id.matches("^G[0-9]+$")`, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := NewFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.expr, f.String())

			got, err := f.Match(g)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFilterErrors(t *testing.T) {
	_, err := NewFilter(`granule.size +`)
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))

	_, err = NewFilter(`"not a bool"`)
	assert.True(t, errors.Is(err, fetcherr.ErrConfiguration))

	f, err := NewFilter(`granule.size`)
	require.NoError(t, err)
	_, err = f.Match(Granule{ID: "G1", Size: 3})
	assert.Error(t, err)
}

func TestFiltered(t *testing.T) {
	f, err := NewFilter(`granule.cloud_hosted`)
	require.NoError(t, err)

	src := Filtered(stream.FromSlice([]Granule{
		{ID: "a", CloudHosted: true},
		{ID: "b"},
		{ID: "c", CloudHosted: true},
	}), f)

	var ids []string
	for {
		g, ok, err := src.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)

	plain := stream.FromSlice([]Granule{{ID: "x"}})
	assert.Equal(t, plain, Filtered(plain, nil))
}
