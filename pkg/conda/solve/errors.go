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

package solve

import (
	"fmt"
	"strings"
)

// UnsatisfiableError is returned when no set of packages satisfies the
// request. Explanation walks from the conflicting constraints to the
// failure, one reason per line.
type UnsatisfiableError struct {
	Explanation string
	// Packages names every package mentioned by the explanation, sorted.
	Packages []string
}

func (e *UnsatisfiableError) Error() string {
	return fmt.Sprintf("cannot solve environment:\n%s", indent(e.Explanation))
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
