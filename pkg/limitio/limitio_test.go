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

package limitio

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		limit   int64
		def     int64
		want    string
		wantErr bool
	}{
		{name: "under", input: "abc", limit: 5, want: "abc"},
		{name: "exact", input: "abcde", limit: 5, want: "abcde"},
		{name: "over", input: "abcdef", limit: 5, wantErr: true},
		{name: "default", input: "abcdef", limit: 0, def: 3, wantErr: true},
		{name: "unlimited", input: "abcdef", limit: Unlimited, def: 3, want: "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(NewReader(strings.NewReader(tt.input), "test", tt.limit, tt.def))
			if tt.wantErr {
				var se *SizeLimitExceededError
				require.ErrorAs(t, err, &se)
				require.Equal(t, "test", se.What)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestReadCloser(t *testing.T) {
	rc := ReadCloser(io.NopCloser(strings.NewReader("0123456789")), "", 4, 0)
	_, err := io.ReadAll(rc)
	require.EqualError(t, err, "size limit exceeded: limit is 4 bytes")
	require.NoError(t, rc.Close())
}
