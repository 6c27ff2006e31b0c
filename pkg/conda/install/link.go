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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/cpm/pkg/conda/types"
)

// pythonLayout is where noarch: python packages go in a prefix.
type pythonLayout struct {
	version      string
	sitePackages string
	scripts      string
	windows      bool
}

// newPythonLayout derives the layout from the python record of a solution.
// It returns nil when the solution has no python.
func newPythonLayout(sol *types.Solution) *pythonLayout {
	py, ok := sol.Get("python")
	if !ok {
		return nil
	}
	ver := py.Version.Prefix(2).String()
	if strings.HasPrefix(py.Subdir, "win-") {
		return &pythonLayout{version: ver, sitePackages: "Lib/site-packages", scripts: "Scripts", windows: true}
	}
	return &pythonLayout{version: ver, sitePackages: "lib/python" + ver + "/site-packages", scripts: "bin"}
}

// target maps a path inside a package to its path inside the prefix.
func (py *pythonLayout) target(rec *types.PackageRecord, p string) (string, error) {
	if rec.Noarch != types.NoarchPython {
		return p, nil
	}
	if py == nil {
		return "", fmt.Errorf("%s is a noarch: python package, but the environment has no python", rec.DistName())
	}
	if rest, ok := strings.CutPrefix(p, "site-packages/"); ok {
		return py.sitePackages + "/" + rest, nil
	}
	if rest, ok := strings.CutPrefix(p, "python-scripts/"); ok {
		return py.scripts + "/" + rest, nil
	}
	return p, nil
}

// rollback remembers what a link pass created so a failure can undo it.
type rollback struct {
	created []string
}

func (rb *rollback) add(p string) {
	rb.created = append(rb.created, p)
}

func (rb *rollback) undo(ctx context.Context, prefix string) {
	log := clog.FromContext(ctx)
	for i := len(rb.created) - 1; i >= 0; i-- {
		p := rb.created[i]
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warnf("rolling back %s: %v", p, err)
			continue
		}
		pruneDirs(prefix, filepath.Dir(p))
	}
	rb.created = nil
}

// linker places one unpacked package into a prefix.
type linker struct {
	prefix string
	mode   LinkMode
	py     *pythonLayout
	rb     *rollback
}

// link places the files of the package unpacked at dir and returns its
// prefix record. It does not write the record.
func (l *linker) link(ctx context.Context, rec *types.PackageRecord, dir string, info *pkgInfo) (*types.PrefixRecord, error) {
	log := clog.FromContext(ctx)
	pr := &types.PrefixRecord{
		PackageRecord:       *rec,
		ExtractedPackageDir: dir,
		Link:                &types.Link{Source: dir, Type: l.mode.String()},
	}

	for _, p := range info.paths {
		rel, err := l.py.target(rec, p.Path)
		if err != nil {
			return nil, err
		}
		src := filepath.Join(dir, filepath.FromSlash(p.Path))
		dst := filepath.Join(l.prefix, filepath.FromSlash(rel))

		if p.Type == PathDirectory {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return nil, fsError(rec.DistName(), "mkdir", dst, err)
			}
			continue
		}
		if err := l.prepare(rec, dst); err != nil {
			return nil, err
		}

		switch {
		case p.Type == PathSoftlink:
			target, err := os.Readlink(src)
			if err != nil {
				return nil, fsError(rec.DistName(), "readlink", src, err)
			}
			err = os.Symlink(target, dst)
			if err != nil {
				return nil, fsError(rec.DistName(), "symlink", dst, err)
			}
		case p.PrefixPlaceholder != "":
			if err := l.rewrite(rec, p, src, dst); err != nil {
				return nil, err
			}
		case l.mode == LinkHardlink && !p.NoLink:
			if err := os.Link(src, dst); err != nil {
				log.Debugf("hardlinking %s failed, copying: %v", rel, err)
				if err := copyFile(src, dst); err != nil {
					return nil, fsError(rec.DistName(), "copy", dst, err)
				}
			}
		default:
			if err := copyFile(src, dst); err != nil {
				return nil, fsError(rec.DistName(), "copy", dst, err)
			}
		}
		l.rb.add(dst)
		pr.Files = append(pr.Files, rel)
	}

	if rec.Noarch == types.NoarchPython {
		for _, ep := range info.entryPoints {
			rel, err := l.entryPoint(rec, ep)
			if err != nil {
				return nil, err
			}
			if rel != "" {
				pr.Files = append(pr.Files, rel)
			}
		}
	}
	return pr, nil
}

// prepare creates the parent of dst and clears whatever file is in its way.
func (l *linker) prepare(rec *types.PackageRecord, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fsError(rec.DistName(), "mkdir", filepath.Dir(dst), err)
	}
	fi, err := os.Lstat(dst)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return fsError(rec.DistName(), "stat", dst, err)
	case fi.IsDir():
		return fsError(rec.DistName(), "link", dst, fmt.Errorf("a directory is in the way"))
	}
	if err := os.Remove(dst); err != nil {
		return fsError(rec.DistName(), "remove", dst, err)
	}
	return nil
}

// rewrite copies src to dst with the prefix placeholder replaced.
func (l *linker) rewrite(rec *types.PackageRecord, p PathEntry, src, dst string) error {
	fi, err := os.Stat(src)
	if err != nil {
		return fsError(rec.DistName(), "stat", src, err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fsError(rec.DistName(), "read", src, err)
	}
	prefix := filepath.ToSlash(l.prefix)
	if p.FileMode == FileModeBinary {
		data, err = replaceBinary(data, p.PrefixPlaceholder, prefix)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", rec.DistName(), p.Path, err)
		}
	} else {
		data = bytes.ReplaceAll(data, []byte(p.PrefixPlaceholder), []byte(prefix))
	}
	if err := os.WriteFile(dst, data, fi.Mode().Perm()); err != nil {
		return fsError(rec.DistName(), "write", dst, err)
	}
	return nil
}

// entryPoint writes the console script for a "name = module:function"
// entry point and returns its prefix-relative path.
func (l *linker) entryPoint(rec *types.PackageRecord, spec string) (string, error) {
	name, target, ok := strings.Cut(spec, "=")
	module, fn, ok2 := strings.Cut(strings.TrimSpace(target), ":")
	name, module, fn = strings.TrimSpace(name), strings.TrimSpace(module), strings.TrimSpace(fn)
	if !ok || !ok2 || name == "" || module == "" || fn == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%s: malformed entry point %q", rec.DistName(), spec)
	}
	if l.py.windows {
		// Windows launchers are executables we don't ship.
		return "", nil
	}
	rel := path.Join(l.py.scripts, name)
	dst := filepath.Join(l.prefix, filepath.FromSlash(rel))
	if err := l.prepare(rec, dst); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, []byte(pythonScript(l.prefix, module, fn)), 0o755); err != nil {
		return "", fsError(rec.DistName(), "write", dst, err)
	}
	l.rb.add(dst)
	return rel, nil
}

func pythonScript(prefix, module, fn string) string {
	return fmt.Sprintf(`#!%s/bin/python
# -*- coding: utf-8 -*-
import re
import sys

from %s import %s

if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw?|\.exe)?$', '', sys.argv[0])
    sys.exit(%s())
`, filepath.ToSlash(prefix), module, strings.SplitN(fn, ".", 2)[0], fn)
}

// replaceBinary rewrites each C string that contains placeholder, padding
// it with NULs so that every string keeps its length and offset.
func replaceBinary(data []byte, placeholder, prefix string) ([]byte, error) {
	if len(prefix) > len(placeholder) {
		return nil, fmt.Errorf("prefix %q is longer than the %d byte placeholder", prefix, len(placeholder))
	}
	pat, repl := []byte(placeholder), []byte(prefix)
	out := bytes.Clone(data)
	if len(pat) == 0 {
		return out, nil
	}
	for i := 0; i < len(out); {
		j := bytes.Index(out[i:], pat)
		if j < 0 {
			break
		}
		start := i + j
		end := len(out)
		if k := bytes.IndexByte(out[start:], 0); k >= 0 {
			end = start + k
		}
		seg := bytes.ReplaceAll(out[start:end], pat, repl)
		n := copy(out[start:end], seg)
		clear(out[start+n : end])
		i = end
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// pruneDirs removes dir and its parents while they are empty, stopping at
// root.
func pruneDirs(root, dir string) {
	root = filepath.Clean(root)
	for dir = filepath.Clean(dir); dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
