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

// Package log is a compact slog handler for the CLI's --log-policy targets.
// Each line carries the level marker, the package the message is about (the
// "pkg" attribute) and the message.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Builtin targets.
const (
	TargetStderr  = "builtin:stderr"
	TargetStdout  = "builtin:stdout"
	TargetDiscard = "builtin:discard"
)

// PackageKey is the attribute shown in the package column.
const PackageKey = "pkg"

// writerFromTarget returns a writer given a target specification.
func writerFromTarget(target string) (io.Writer, error) {
	switch target {
	case TargetStderr:
		return os.Stderr, nil
	case TargetStdout:
		return os.Stdout, nil
	case TargetDiscard:
		return io.Discard, nil
	default:
		if strings.ContainsRune(target, filepath.Separator) || strings.Contains(target, "/") {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		return out, nil
	}
}

// writer returns a writer which writes to multiple target specifications.
func writer(targets []string) (io.Writer, error) {
	if len(targets) == 0 {
		return os.Stderr, nil
	}
	if len(targets) == 1 {
		return writerFromTarget(targets[0])
	}

	writers := make([]io.Writer, 0, len(targets))
	for _, target := range targets {
		w, err := writerFromTarget(target)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return io.MultiWriter(writers...), nil
}

const (
	reset   = 0
	yellow  = 33
	magenta = 35
	gray    = 37
)

func isTerminal(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return term.IsTerminal(int(v.Fd()))
	default:
		return false
	}
}

func color(w io.Writer, color int) string {
	if !isTerminal(w) {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", color)
}

func levelToColor(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return magenta
	case l >= slog.LevelWarn:
		return yellow
	default:
		return gray
	}
}

func levelMarker(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "E"
	case l >= slog.LevelWarn:
		return "W"
	case l >= slog.LevelInfo:
		return "I"
	default:
		return "D"
	}
}

// Handler writes records at or above level to every target of logPolicy.
func Handler(logPolicy []string, level slog.Level) (slog.Handler, error) {
	out, err := writer(logPolicy)
	if err != nil {
		return nil, err
	}
	return &handler{out: out, level: level, mu: &sync.Mutex{}}, nil
}

type handler struct {
	level slog.Level
	out   io.Writer
	attrs []slog.Attr

	mu *sync.Mutex
}

func (h *handler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{
		level: h.level,
		out:   h.out,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
		mu:    h.mu,
	}
}

// WithGroup is a no-op: groups are flattened.
func (h *handler) WithGroup(string) slog.Handler { return h }

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}

	var pkg string
	var extra []string
	add := func(a slog.Attr) bool {
		if a.Key == PackageKey {
			pkg = a.Value.String()
		} else if a.Key != "" {
			extra = append(extra, a.Key+"="+a.Value.String())
		}
		return true
	}
	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(add)

	msg := r.Message
	if len(extra) > 0 {
		msg += " " + strings.Join(extra, " ")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	c := levelToColor(r.Level)
	_, err := fmt.Fprintf(h.out, "%s %s%-16s|%s %s%s%s\n", levelMarker(r.Level), color(h.out, c), pkg, color(h.out, reset), color(h.out, c), msg, color(h.out, reset))
	return err
}
