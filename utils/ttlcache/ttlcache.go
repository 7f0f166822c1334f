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

// Package ttlcache provides a map with per-entry expiration.
//
// The cache never evicts on its own - DeleteExpired must be called
// periodically by the owner. It is not safe for concurrent use; callers that
// share a cache across goroutines must serialize access themselves.
package ttlcache

import (
	"time"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

type entry[V any] struct {
	value   V
	ttl     time.Duration
	expires time.Time
}

// Cache maps string keys to values with per-entry expiry.
type Cache[V any] struct {
	entries map[string]entry[V]

	//Clock reports the current time. Overridable in tests.
	Clock func() time.Time
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[string]entry[V]), Clock: time.Now}
}

// Get returns the value for key if present and unexpired. Expired entries are
// left in place for DeleteExpired to collect.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	item, ok := c.entries[key]
	if !ok || !item.expires.After(c.Clock()) {
		return zero, false
	}
	return item.value, true
}

// GetAndRefresh acts like Get but slides the expiry forward by the entry's
// original TTL, counted from now. Entries stored with SetWithExpires have no
// TTL and are returned without refreshing.
func (c *Cache[V]) GetAndRefresh(key string) (V, bool) {
	var zero V
	item, ok := c.entries[key]
	if !ok || !item.expires.After(c.Clock()) {
		return zero, false
	}
	if item.ttl > 0 {
		item.expires = c.Clock().Add(item.ttl)
		c.entries[key] = item
	}
	return item.value, true
}

// Set stores value under key, expiring ttl from now.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.entries[key] = entry[V]{value: value, ttl: ttl, expires: c.Clock().Add(ttl)}
}

// SetWithExpires stores value under key with an absolute expiry.
func (c *Cache[V]) SetWithExpires(key string, value V, expires time.Time) error {
	if !expires.After(c.Clock()) {
		return errors.ErrorData(logutils.StatusInvalid, "cache entry expiry", &logutils.FieldArgs{"key": key, "expires": expires})
	}
	c.entries[key] = entry[V]{value: value, expires: expires}
	return nil
}

// Delete removes the entry for key, if any.
func (c *Cache[V]) Delete(key string) {
	delete(c.entries, key)
}

// DeleteExpired removes every entry whose expiry has passed and returns the
// number of entries removed.
func (c *Cache[V]) DeleteExpired() int {
	now := c.Clock()
	removed := 0
	for key, item := range c.entries {
		if !item.expires.After(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	return len(c.entries)
}
