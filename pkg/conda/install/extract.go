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

package install

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"

	"chainguard.dev/cpm/pkg/limitio"
)

// Artifact formats.
const (
	extTarBz2 = ".tar.bz2"
	extConda  = ".conda"
)

func artifactFormat(fn string) (string, error) {
	switch {
	case strings.HasSuffix(fn, extConda):
		return extConda, nil
	case strings.HasSuffix(fn, extTarBz2):
		return extTarBz2, nil
	default:
		return "", fmt.Errorf("unsupported artifact format: %s", fn)
	}
}

// extractArtifact unpacks the artifact at src into root, which must exist.
func extractArtifact(ctx context.Context, src, format, root string, limit int64) error {
	_, span := otel.Tracer("cpm").Start(ctx, "extractArtifact")
	defer span.End()

	switch format {
	case extTarBz2:
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return extractTar(limitio.NewReader(bzip2.NewReader(f), filepath.Base(src), limit, DefaultMaxUnpackedSize), root)
	case extConda:
		return extractConda(src, root, limit)
	default:
		return fmt.Errorf("unsupported artifact format %q", format)
	}
}

// extractConda unpacks the info-*.tar.zst and pkg-*.tar.zst members of a
// .conda zip. Other members, like metadata.json, are ignored.
func extractConda(src, root string, limit int64) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", filepath.Base(src), err)
	}
	defer zr.Close()

	var found int
	for _, m := range zr.File {
		if !strings.HasSuffix(m.Name, ".tar.zst") || strings.Contains(m.Name, "/") {
			continue
		}
		if !strings.HasPrefix(m.Name, "info-") && !strings.HasPrefix(m.Name, "pkg-") {
			continue
		}
		found++
		if err := extractZstdMember(m, root, limit); err != nil {
			return fmt.Errorf("%s: %w", m.Name, err)
		}
	}
	if found == 0 {
		return fmt.Errorf("%s holds no package tarballs", filepath.Base(src))
	}
	return nil
}

func extractZstdMember(m *zip.File, root string, limit int64) error {
	rc, err := m.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()
	return extractTar(limitio.NewReader(dec, m.Name, limit, DefaultMaxUnpackedSize), root)
}

// extractTar writes the entries of a tar stream beneath root. Entries whose
// name or link target would leave root are rejected.
func extractTar(r io.Reader, root string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		name, err := cleanEntry(hdr.Name)
		if err != nil {
			return err
		}
		if name == "." {
			continue
		}
		dest, err := securejoin.SecureJoin(root, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fsError("", "mkdir", dest, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fsError("", "mkdir", filepath.Dir(dest), err)
			}
			if err := writeEntry(dest, hdr, tr); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if path.IsAbs(hdr.Linkname) {
				return fmt.Errorf("%w: %s links to absolute path %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if _, err := cleanEntry(path.Join(path.Dir(name), hdr.Linkname)); err != nil {
				return fmt.Errorf("%w: %s links to %s", ErrUnsafePath, hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fsError("", "mkdir", filepath.Dir(dest), err)
			}
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return fsError("", "symlink", dest, err)
			}

		case tar.TypeLink:
			target, err := cleanEntry(hdr.Linkname)
			if err != nil {
				return err
			}
			src, err := securejoin.SecureJoin(root, target)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fsError("", "mkdir", filepath.Dir(dest), err)
			}
			if err := os.Link(src, dest); err != nil {
				return fsError("", "link", dest, err)
			}

		case tar.TypeXGlobalHeader:
			// pax global headers carry no file

		default:
			return fmt.Errorf("unsupported file type %q for %s", hdr.Typeflag, hdr.Name)
		}
	}
}

func writeEntry(dest string, hdr *tar.Header, r io.Reader) error {
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, hdr.FileInfo().Mode().Perm()|0o200)
	if err != nil {
		return fsError("", "create", dest, err)
	}
	defer f.Close()
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		return fmt.Errorf("writing %s: %w", hdr.Name, err)
	}
	return nil
}

// cleanEntry normalizes an archive path and rejects absolute paths and ones
// that climb out of the root.
func cleanEntry(name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if name == "" {
		return ".", nil
	}
	if path.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return clean, nil
}
