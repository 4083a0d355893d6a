// Package catalog holds the granule item type and the handlers that fetch
// granule data inside a worker.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zero-day-ai/granule/fetcherr"
	"github.com/zero-day-ai/granule/storage"
	"github.com/zero-day-ai/granule/task"
	"github.com/zero-day-ai/granule/workerctx"
)

// Handler names registered by RegisterHandlers.
const (
	DownloadTask = "granule.download"
	InspectTask  = "granule.inspect"
)

// Granule is one catalog entry: a data file split across one or more
// links. It is plain data and safe to ship to remote workers.
type Granule struct {
	ID          string   `json:"id" yaml:"id"`
	Provider    string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Size        float64  `json:"size,omitempty" yaml:"size,omitempty"`
	Links       []string `json:"links" yaml:"links"`
	CloudHosted bool     `json:"cloud_hosted,omitempty" yaml:"cloud_hosted,omitempty"`
}

func (g Granule) attributes() map[string]any {
	links := g.Links
	if links == nil {
		links = []string{}
	}
	return map[string]any{
		"id":           g.ID,
		"provider":     g.Provider,
		"size":         g.Size,
		"links":        links,
		"cloud_hosted": g.CloudHosted,
	}
}

// DownloadInput is the payload of a granule.download task.
type DownloadInput struct {
	Granule Granule `json:"granule"`

	// Dir is the local directory files are written to.
	Dir string `json:"dir"`

	// Overwrite replaces files that already exist. By default they are
	// kept and reported as written.
	Overwrite bool `json:"overwrite,omitempty"`
}

// DownloadOutput lists the local files of one granule.
type DownloadOutput struct {
	ID    string   `json:"id"`
	Paths []string `json:"paths"`
	Bytes int64    `json:"bytes"`
}

// LinkInfo describes one link read by granule.inspect.
type LinkInfo struct {
	URL    string `json:"url"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// InspectOutput is the result of a granule.inspect task.
type InspectOutput struct {
	ID    string     `json:"id"`
	Links []LinkInfo `json:"links"`
}

// RegisterHandlers registers the catalog handlers on reg.
func RegisterHandlers(reg *task.Registry) {
	task.Register(reg, DownloadTask, Download)
	task.Register(reg, InspectTask, Inspect)
}

// Download copies every link of a granule into in.Dir. All streams are
// opened through the worker's filesystems and closed before returning.
func Download(ctx context.Context, wc *workerctx.Context, in DownloadInput) (DownloadOutput, error) {
	const op = "catalog.Download"

	out := DownloadOutput{ID: in.Granule.ID, Paths: []string{}}
	if in.Dir == "" {
		return out, fetcherr.New(op, fetcherr.KindConfiguration, "download directory is required")
	}
	if len(in.Granule.Links) == 0 {
		return out, fetcherr.New(op, fetcherr.KindWorkerTask, "granule has no links").WithItem(in.Granule.ID)
	}

	names, err := localNames(in.Granule.Links)
	if err != nil {
		return out, fetcherr.WorkerTask(op, in.Granule.ID, err)
	}

	local, err := wc.GetFilesystem(ctx, "file://"+in.Dir)
	if err != nil {
		return out, err
	}

	for i, link := range in.Granule.Links {
		path := filepath.Join(in.Dir, names[i])

		if !in.Overwrite {
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				out.Paths = append(out.Paths, path)
				out.Bytes += info.Size()
				continue
			}
		}

		data, err := readLink(ctx, wc, link)
		if err != nil {
			return out, fetcherr.WorkerTask(op, in.Granule.ID, err)
		}
		if err := local.Write(ctx, path, data); err != nil {
			return out, fetcherr.WorkerTask(op, in.Granule.ID, err)
		}
		out.Paths = append(out.Paths, path)
		out.Bytes += int64(len(data))
	}
	return out, nil
}

// localNames maps each link to its file name in the download directory.
// Links without a usable name, or whose names collide, are rejected.
func localNames(links []string) ([]string, error) {
	names := make([]string, len(links))
	seen := make(map[string]string, len(links))
	for i, link := range links {
		name := storage.BaseName(link)
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return nil, fmt.Errorf("link %q has no usable file name", link)
		}
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("links %q and %q both map to %s", prev, link, name)
		}
		seen[name] = link
		names[i] = name
	}
	return names, nil
}

// Inspect reads every link of a granule and reports its size and digest
// without keeping the data.
func Inspect(ctx context.Context, wc *workerctx.Context, g Granule) (InspectOutput, error) {
	const op = "catalog.Inspect"

	out := InspectOutput{ID: g.ID, Links: make([]LinkInfo, 0, len(g.Links))}
	for _, link := range g.Links {
		info, err := digestLink(ctx, wc, link)
		if err != nil {
			return out, fetcherr.WorkerTask(op, g.ID, err)
		}
		out.Links = append(out.Links, info)
	}
	return out, nil
}

func readLink(ctx context.Context, wc *workerctx.Context, link string) (data []byte, err error) {
	rc, err := open(ctx, wc, link)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = errors.Join(err, rc.Close())
	}()

	data, err = io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", link, err)
	}
	return data, nil
}

func digestLink(ctx context.Context, wc *workerctx.Context, link string) (info LinkInfo, err error) {
	rc, err := open(ctx, wc, link)
	if err != nil {
		return info, err
	}
	defer func() {
		err = errors.Join(err, rc.Close())
	}()

	h := sha256.New()
	n, err := io.Copy(h, rc)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", link, err)
	}
	return LinkInfo{URL: link, Bytes: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func open(ctx context.Context, wc *workerctx.Context, link string) (io.ReadCloser, error) {
	fs, err := wc.GetFilesystem(ctx, link)
	if err != nil {
		return nil, err
	}
	return fs.Open(ctx, link)
}
