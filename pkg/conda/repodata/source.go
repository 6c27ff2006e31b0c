// Copyright 2025 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package repodata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/pgzip"
	"go.opentelemetry.io/otel"

	"chainguard.dev/cpm/pkg/fetch"
)

// Request asks a Source for one key. ETag and LastModified are the freshness
// tokens from a previous response; when set the source may answer
// NotModified.
type Request struct {
	URL          string
	ETag         string
	LastModified string
}

// Response is a Source's answer. Body is nil when NotModified is set and must
// be closed otherwise.
type Response struct {
	NotModified  bool
	Body         io.ReadCloser
	ETag         string
	LastModified string
}

// Source fetches bytes for a URL-like key and reports their freshness.
// Missing keys are reported with an error wrapping ErrNotFound.
type Source interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// HTTPSource serves http and https URLs with conditional GET requests.
type HTTPSource struct {
	Client *http.Client
}

func (s *HTTPSource) Fetch(ctx context.Context, r Request) (*Response, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "HTTPSource.Fetch")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	if r.ETag != "" {
		req.Header.Set("If-None-Match", r.ETag)
	}
	if r.LastModified != "" {
		req.Header.Set("If-Modified-Since", r.LastModified)
	}
	// Setting this ourselves stops net/http from decompressing behind our
	// back, which would break Range resumption.
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{
			URL:        redact(r.URL),
			StatusCode: fetch.StatusCode(err),
			Attempts:   fetch.Attempts(err),
			Err:        err,
		}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotModified:
		resp.Body.Close()
		return &Response{NotModified: true, ETag: r.ETag, LastModified: r.LastModified}, nil
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: status %d: %w", redact(r.URL), resp.StatusCode, ErrNotFound)
	default:
		resp.Body.Close()
		return nil, &NetworkError{
			URL:        redact(r.URL),
			StatusCode: resp.StatusCode,
			Attempts:   1,
			Err:        fmt.Errorf("unexpected status code %d", resp.StatusCode),
		}
	}

	body := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := pgzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip body of %s: %w", redact(r.URL), err)
		}
		body = &gzipBody{Reader: zr, underlying: resp.Body}
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		etag = r.ETag
	}
	lastMod := resp.Header.Get("Last-Modified")
	return &Response{Body: body, ETag: etag, LastModified: lastMod}, nil
}

type gzipBody struct {
	*pgzip.Reader
	underlying io.Closer
}

func (g *gzipBody) Close() error {
	return errors.Join(g.Reader.Close(), g.underlying.Close())
}

// FSSource serves keys from an fs.FS, for file:// channels and local
// mirrors. Prefix is trimmed from each URL to form the path within FS.
// Freshness is the file's size and modification time.
type FSSource struct {
	FS     fs.FS
	Prefix string
}

func (s *FSSource) Fetch(_ context.Context, r Request) (*Response, error) {
	name, err := s.path(r.URL)
	if err != nil {
		return nil, err
	}
	fi, err := fs.Stat(s.FS, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", r.URL, ErrNotFound)
		}
		return nil, err
	}
	etag := `"` + strconv.FormatInt(fi.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(fi.Size(), 36) + `"`
	if r.ETag == etag {
		return &Response{NotModified: true, ETag: etag}, nil
	}
	f, err := s.FS.Open(name)
	if err != nil {
		return nil, err
	}
	return &Response{Body: f, ETag: etag}, nil
}

func (s *FSSource) path(raw string) (string, error) {
	name, ok := strings.CutPrefix(raw, s.Prefix)
	if !ok {
		return "", fmt.Errorf("%s is outside %s", raw, s.Prefix)
	}
	name = strings.TrimPrefix(name, "/")
	if u, err := url.PathUnescape(name); err == nil {
		name = u
	}
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("invalid path %q", name)
	}
	return name, nil
}

// DefaultSource serves file:// URLs from the local filesystem and
// everything else over HTTP with client.
func DefaultSource(client *http.Client) Source {
	return &routedSource{
		file: &FSSource{FS: os.DirFS("/"), Prefix: "file:///"},
		http: &HTTPSource{Client: client},
	}
}

// routedSource sends file:// URLs to one source and everything else to
// another.
type routedSource struct {
	file Source
	http Source
}

func (s *routedSource) Fetch(ctx context.Context, r Request) (*Response, error) {
	if strings.HasPrefix(r.URL, "file://") {
		return s.file.Fetch(ctx, r)
	}
	return s.http.Fetch(ctx, r)
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
