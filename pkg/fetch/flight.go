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
	"sync"
)

// FlightCache runs a function at most once per key at a time and remembers
// successful results. Concurrent callers for the same key wait for the first
// and share its outcome. Errors are not remembered, so a call made after a
// failure has finished runs fn again.
type FlightCache[K comparable, V any] struct {
	mu      sync.Mutex
	flights map[K]*flight[V]
}

type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewFlightCache returns an empty cache.
func NewFlightCache[K comparable, V any]() *FlightCache[K, V] {
	return &FlightCache[K, V]{flights: make(map[K]*flight[V])}
}

// Do returns the remembered value for key, or runs fn to produce it. A
// caller waiting on another's flight stops waiting when ctx is done; the
// flight itself carries on. fn runs with whatever context it closed over, so
// a shared error may come from the owner's cancellation rather than ours.
func (c *FlightCache[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		case <-f.done:
			return f.val, f.err
		}
	}
	f := &flight[V]{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.val, f.err = fn()
	if f.err != nil {
		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		c.mu.Unlock()
	}
	close(f.done)
	return f.val, f.err
}

// Forget drops any remembered value for key.
func (c *FlightCache[K, V]) Forget(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flights, key)
}
