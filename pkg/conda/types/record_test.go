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

package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeRecord(t *testing.T) {
	raw := `{
		"name": "numpy",
		"version": "1.26.4",
		"build": "py312h8753938_0",
		"build_number": 0,
		"depends": ["libblas >=3.9.0,<4.0a0", "python >=3.12,<3.13.0a0"],
		"constrains": ["numpy-base <0a0"],
		"md5": "ABCDEF",
		"sha256": "00FF",
		"size": 7484186,
		"subdir": "linux-64",
		"timestamp": 1707225421,
		"license": "BSD-3-Clause",
		"track_features": "a b,c",
		"noarch": true,
		"some_future_field": {"nested": 1}
	}`
	var r PackageRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &r))
	require.NoError(t, r.Validate())
	require.Equal(t, "numpy", r.Name)
	require.Equal(t, "1.26.4", r.Version.String())
	require.Equal(t, "numpy-1.26.4-py312h8753938_0", r.DistName())
	require.Equal(t, Timestamp(1707225421000), r.Timestamp)
	require.Equal(t, time.Date(2024, 2, 6, 13, 17, 1, 0, time.UTC), r.Timestamp.Time())
	require.Equal(t, Features{"a", "b", "c"}, r.TrackFeatures)
	require.Equal(t, NoarchGeneric, r.Noarch)

	algo, digest := r.Hash()
	require.Equal(t, "sha256", algo)
	require.Equal(t, "00ff", digest)

	out, err := json.Marshal(&r)
	require.NoError(t, err)
	var again PackageRecord
	require.NoError(t, json.Unmarshal(out, &again))
	require.Equal(t, r.Key(), again.Key())
	require.Equal(t, r.TrackFeatures, again.TrackFeatures)
	require.Equal(t, r.Timestamp, again.Timestamp)
}

func TestDecodeRecordVariants(t *testing.T) {
	var r PackageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","version":"1","timestamp":1707225421123,"noarch":"python","track_features":["x"]}`), &r))
	require.Equal(t, Timestamp(1707225421123), r.Timestamp)
	require.Equal(t, NoarchPython, r.Noarch)
	require.Equal(t, Features{"x"}, r.TrackFeatures)

	algo, _ := (&PackageRecord{MD5: "aa"}).Hash()
	require.Equal(t, "md5", algo)
}

func TestValidate(t *testing.T) {
	var r PackageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a"}`), &r))
	require.Error(t, r.Validate())

	require.Error(t, json.Unmarshal([]byte(`{"name":"a","version":"x.y"}`), &r))
}

func TestSolution(t *testing.T) {
	s := &Solution{Records: []*PackageRecord{{Name: "__glibc"}, {Name: "python"}, {Name: "numpy"}}}
	require.Equal(t, []string{"__glibc", "python", "numpy"}, s.Names())
	require.Len(t, s.Installable(), 2)
	r, ok := s.Get("numpy")
	require.True(t, ok)
	require.Equal(t, "numpy", r.Name)
	_, ok = s.Get("scipy")
	require.False(t, ok)
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, Cancelled(ctx, "op"))
	require.Equal(t, errors.New("x"), WrapCancelled(ctx, "op", errors.New("x")))
	cancel()

	err := WrapCancelled(ctx, "fetch", fmt.Errorf("dial: %w", context.Canceled))
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "fetch", ce.Op)

	require.Same(t, err, WrapCancelled(ctx, "outer", err))
	require.ErrorIs(t, Cancelled(ctx, "solve"), ErrCancelled)
	require.NoError(t, WrapCancelled(ctx, "op", nil))
}
