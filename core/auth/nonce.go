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
	"sync"
	"time"

	"auth-building-block/utils/ttlcache"
)

// NonceRegistry remembers consumed single-use values until they expire on
// their own. Signed request nonces and accepted totp codes both go through it,
// which is what makes them replay-proof across the whole deployment - one
// registry lives in the master process.
type NonceRegistry struct {
	mutex sync.Mutex
	seen  *ttlcache.Cache[bool]
}

// NewNonceRegistry creates an empty nonce registry
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{seen: ttlcache.New[bool]()}
}

// Use consumes the nonce until expires and reports whether it was fresh.
// A repeated nonce extends nothing - the original expiry stands.
func (r *NonceRegistry) Use(nonce string, expires time.Time) (bool, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, seen := r.seen.Get(nonce); seen {
		return false, nil
	}

	err := r.seen.SetWithExpires(nonce, true, expires)
	if err != nil {
		//an already expired nonce is trivially fresh and needs no tracking
		return true, nil
	}
	return true, nil
}

// DeleteExpired drops expired nonces and returns how many were removed
func (r *NonceRegistry) DeleteExpired() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.seen.DeleteExpired()
}
