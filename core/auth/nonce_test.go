// Copyright 2022 Board of Trustees of the University of Illinois.
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

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceRegistryUse(t *testing.T) {
	registry := NewNonceRegistry()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	registry.seen.Clock = func() time.Time { return now }

	fresh, err := registry.Use("nonce-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh)

	//a repeat is rejected while the original is still tracked
	fresh, err = registry.Use("nonce-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, fresh)

	//different nonces are independent
	fresh, _ = registry.Use("nonce-2", now.Add(time.Minute))
	assert.True(t, fresh)

	//once the original expires the value may be used again
	now = now.Add(2 * time.Minute)
	fresh, err = registry.Use("nonce-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestNonceRegistryExpiredNonce(t *testing.T) {
	registry := NewNonceRegistry()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	registry.seen.Clock = func() time.Time { return now }

	//a nonce whose expiry already passed needs no tracking and is always fresh
	fresh, err := registry.Use("stale", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 0, registry.seen.Len())
}

func TestNonceRegistryDeleteExpired(t *testing.T) {
	registry := NewNonceRegistry()
	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	registry.seen.Clock = func() time.Time { return now }

	registry.Use("short", now.Add(time.Minute))
	registry.Use("long", now.Add(time.Hour))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, registry.DeleteExpired())
	assert.Equal(t, 1, registry.seen.Len())
}
