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
)

// ConnectionAuthorization is the auth state bound to one live client
// connection. Seq shadows the session's sequence number: refreshes on a bound
// connection advance the shadow copy instead of the stored session, so the
// connection stays current without invalidating tokens elsewhere.
type ConnectionAuthorization struct {
	SessionID string
	Seq       int64
}

// ConnectionRegistry tracks the authorization attached to each live
// connection. Entries are process-local - a connection's tokens are only
// meaningful to the worker holding the connection.
type ConnectionRegistry struct {
	mutex   sync.Mutex
	entries map[string]*ConnectionAuthorization
}

// NewConnectionRegistry creates an empty connection registry
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{entries: make(map[string]*ConnectionAuthorization)}
}

// Bind attaches a session to the connection, replacing any previous binding
func (r *ConnectionRegistry) Bind(connectionID string, sessionID string, seq int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.entries[connectionID] = &ConnectionAuthorization{SessionID: sessionID, Seq: seq}
}

// Get returns the authorization bound to the connection, or nil
func (r *ConnectionRegistry) Get(connectionID string) *ConnectionAuthorization {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry := r.entries[connectionID]
	if entry == nil {
		return nil
	}
	copied := *entry
	return &copied
}

// AdvanceSeq moves the connection's shadow sequence from expected to
// expected+1 and reports whether the swap happened
func (r *ConnectionRegistry) AdvanceSeq(connectionID string, sessionID string, expected int64) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry := r.entries[connectionID]
	if entry == nil || entry.SessionID != sessionID || entry.Seq != expected {
		return false
	}
	entry.Seq = expected + 1
	return true
}

// Unbind drops the connection's authorization, e.g. when the connection closes
func (r *ConnectionRegistry) Unbind(connectionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	delete(r.entries, connectionID)
}

// UnbindSession drops every connection bound to the session, used on logout
func (r *ConnectionRegistry) UnbindSession(sessionID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for connectionID, entry := range r.entries {
		if entry.SessionID == sessionID {
			delete(r.entries, connectionID)
		}
	}
}
