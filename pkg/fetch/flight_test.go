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

package fetch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlightCache(t *testing.T) {
	s := NewFlightCache[string, int]()
	var called int
	r1, err := s.Do(context.Background(), "test", func() (int, error) {
		called++
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, r1)

	r2, err := s.Do(context.Background(), "test", func() (int, error) {
		called++
		return 1337, nil
	})
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Equal(t, 1, called, "Function should only be called once")

	s.Forget("test")

	r3, err := s.Do(context.Background(), "test", func() (int, error) {
		called++
		return 1337, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1337, r3)
	require.Equal(t, 2, called, "Function should be called again after Forget")
}

func TestFlightCacheCachesNoErrors(t *testing.T) {
	s := NewFlightCache[string, int]()
	var called int
	_, err := s.Do(context.Background(), "test", func() (int, error) {
		called++
		return 0, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	r2, err := s.Do(context.Background(), "test", func() (int, error) {
		called++
		return 1337, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1337, r2)
	require.Equal(t, 2, called)
}

func TestFlightCacheConcurrent(t *testing.T) {
	s := NewFlightCache[string, int]()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Do(context.Background(), "key", func() (int, error) {
				calls.Add(1)
				<-release
				return 7, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for _, v := range results {
		require.Equal(t, 7, v)
	}
}

func TestFlightCacheWaiterCancelled(t *testing.T) {
	s := NewFlightCache[string, int]()
	release := make(chan struct{})
	started := make(chan struct{})

	owner := make(chan error, 1)
	go func() {
		_, err := s.Do(context.Background(), "key", func() (int, error) {
			close(started)
			<-release
			return 7, nil
		})
		owner <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	_, err := s.Do(ctx, "key", func() (int, error) {
		t.Fatal("a waiter must not run its own function while the flight is live")
		return 0, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(begin), 2*time.Second)

	close(release)
	require.NoError(t, <-owner)

	v, err := s.Do(context.Background(), "key", func() (int, error) { return 0, nil })
	require.NoError(t, err)
	require.Equal(t, 7, v, "the abandoned flight still completes and is remembered")
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "entry.json")

	require.NoError(t, WriteBytesAtomic(path, 0o644, []byte("first")))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(b))

	boom := errors.New("boom")
	err = WriteFileAtomic(path, 0o644, func(w io.Writer) error {
		_, _ = w.Write([]byte("half"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "first", string(b), "a failed write must leave the old file alone")

	des, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, des, 1, "temporary files must be cleaned up")
}
