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
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"chainguard.dev/cpm/pkg/fetch"
)

// stateVersion is bumped whenever entryState changes incompatibly.
const stateVersion = 1

// entryState is the sidecar describing a cached index payload.
type entryState struct {
	Version      int    `cbor:"1,keyasint"`
	URL          string `cbor:"2,keyasint"`
	ETag         string `cbor:"3,keyasint,omitempty"`
	LastModified string `cbor:"4,keyasint,omitempty"`
	// Variant is the file name that answered, e.g. repodata.json.zst.
	Variant   string `cbor:"5,keyasint"`
	FetchedAt int64  `cbor:"6,keyasint"`
	Size      int64  `cbor:"7,keyasint"`
	// Digest is the BLAKE3 digest of the decompressed payload.
	Digest []byte `cbor:"8,keyasint"`
}

func (s *entryState) fetchedAt() time.Time {
	return time.Unix(0, s.FetchedAt)
}

// token identifies one generation of the payload.
func (s *entryState) token() string {
	if s.ETag != "" {
		return s.ETag
	}
	return "blake3:" + hex.EncodeToString(s.Digest)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("repodata: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}).DecMode(); err != nil {
		panic("repodata: CBOR decoder initialization failed: " + err.Error())
	}
}

// diskCache stores index payloads under <root>/repodata, one
// <key>.json and <key>.state pair per index URL.
type diskCache struct {
	dir string
}

func newDiskCache(root string) *diskCache {
	return &diskCache{dir: filepath.Join(root, "repodata")}
}

// Key returns the cache key for an index URL: the hex BLAKE3 digest of the
// URL with any trailing slash removed.
func Key(indexURL string) string {
	sum := blake3.Sum256([]byte(normalizeURL(indexURL)))
	return hex.EncodeToString(sum[:])
}

func (c *diskCache) payloadPath(u string) string {
	return filepath.Join(c.dir, Key(u)+".json")
}

func (c *diskCache) statePath(u string) string {
	return filepath.Join(c.dir, Key(u)+".state")
}

// loadState reads the sidecar for u. It returns (nil, nil) when there is no
// entry and a CacheCorruptionError when the entry is unusable.
func (c *diskCache) loadState(u string) (*entryState, error) {
	p := c.statePath(u)
	b, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var st entryState
	if err := decMode.Unmarshal(b, &st); err != nil {
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: err}
	}
	switch {
	case st.Version != stateVersion:
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: fmt.Errorf("state version %d, want %d", st.Version, stateVersion)}
	case st.URL != normalizeURL(u):
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: fmt.Errorf("state is for %s", st.URL)}
	case len(st.Digest) != 32:
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: fmt.Errorf("bad digest length %d", len(st.Digest))}
	}
	return &st, nil
}

// openPayload opens the cached payload for st and checks it is the size the
// state records. The digest is checked by verifyingReader as it is read.
func (c *diskCache) openPayload(u string, st *entryState) (io.ReadCloser, error) {
	p := c.payloadPath(u)
	f, err := os.Open(p)
	if err != nil {
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != st.Size {
		f.Close()
		return nil, &CacheCorruptionError{URL: u, Path: p, Err: fmt.Errorf("payload is %d bytes, state says %d", fi.Size(), st.Size)}
	}
	return &verifyingReader{f: f, h: blake3.New(), want: st.Digest, url: u, path: p}, nil
}

// storePayload streams r into the payload file and returns the digest and size
// of what was written. decode sees the same bytes as they are written; if it
// fails nothing is stored.
func (c *diskCache) storePayload(u string, r io.Reader, decode func(io.Reader) error) (digest []byte, size int64, err error) {
	h := blake3.New()
	err = fetch.WriteFileAtomic(c.payloadPath(u), 0o644, func(w io.Writer) error {
		cw := &countingWriter{w: io.MultiWriter(w, h)}
		tee := io.TeeReader(r, cw)
		if err := decode(tee); err != nil {
			return err
		}
		// Keep whatever trailed the document so the digest covers the file.
		if _, err := io.Copy(io.Discard, tee); err != nil {
			return err
		}
		size = cw.n
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return h.Sum(nil), size, nil
}

func (c *diskCache) storeState(u string, st *entryState) error {
	st.Version = stateVersion
	st.URL = normalizeURL(u)
	b, err := encMode.Marshal(st)
	if err != nil {
		return err
	}
	return fetch.WriteBytesAtomic(c.statePath(u), 0o644, b)
}

// remove deletes both halves of an entry.
func (c *diskCache) remove(u string) error {
	return errors.Join(
		ignoreNotExist(os.Remove(c.statePath(u))),
		ignoreNotExist(os.Remove(c.payloadPath(u))),
	)
}

func ignoreNotExist(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// verifyingReader reports a CacheCorruptionError at EOF when the bytes read
// don't match the recorded digest.
type verifyingReader struct {
	f    *os.File
	h    *blake3.Hasher
	want []byte
	url  string
	path string
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.f.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF {
		if got := v.h.Sum(nil); !bytes.Equal(got, v.want) {
			return n, &CacheCorruptionError{URL: v.url, Path: v.path, Err: fmt.Errorf("digest %x, want %x", got, v.want)}
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.f.Close()
}
