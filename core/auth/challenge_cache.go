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
	"sort"
	"sync"
	"time"

	"auth-building-block/core/model"
	"auth-building-block/utils/ttlcache"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// ChallengeCache holds in-flight second factor challenges, grouped per user.
// Challenges are transient login state and never touch storage - the single
// master-resident cache is their only home. Each user's group expires as a
// whole after a period of inactivity, individual challenges also carry their
// own expiry.
type ChallengeCache struct {
	mutex sync.Mutex
	users *ttlcache.Cache[[]model.Challenge]

	groupTTL time.Duration
	now      func() time.Time
}

// NewChallengeCache creates an empty challenge cache
func NewChallengeCache(config model.Config) *ChallengeCache {
	return &ChallengeCache{users: ttlcache.New[[]model.Challenge](),
		groupTTL: config.ChallengeCacheTTL, now: time.Now}
}

// SaveChallenge stores a new challenge for its user. Expired challenges are
// dropped in passing and the oldest pending one is evicted when the user is
// at the cap.
func (c *ChallengeCache) SaveChallenge(challenge model.Challenge) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	stored, _ := c.users.Get(challenge.UserID)

	pending := make([]model.Challenge, 0, len(stored)+1)
	for _, existing := range stored {
		if !existing.IsExpired(now) {
			pending = append(pending, existing)
		}
	}

	if len(pending) >= model.MaxChallengesPerUser {
		sort.Slice(pending, func(i, j int) bool {
			return pending[i].DateCreated.Before(pending[j].DateCreated)
		})
		pending = pending[len(pending)-model.MaxChallengesPerUser+1:]
	}

	pending = append(pending, challenge)
	c.users.Set(challenge.UserID, pending, c.groupTTL)
	return nil
}

// GetChallenge returns the user's challenge by ID, or nil if absent or expired
func (c *ChallengeCache) GetChallenge(userID string, challengeID string) (*model.Challenge, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored, ok := c.users.GetAndRefresh(userID)
	if !ok {
		return nil, nil
	}

	for _, challenge := range stored {
		if challenge.ID == challengeID {
			if challenge.IsExpired(c.now()) {
				return nil, nil
			}
			found := challenge
			return &found, nil
		}
	}
	return nil, nil
}

// ModifyChallenge overwrites a stored challenge with updated state
func (c *ChallengeCache) ModifyChallenge(challenge model.Challenge) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored, ok := c.users.Get(challenge.UserID)
	if !ok {
		return errors.ErrorData(logutils.StatusMissing, model.TypeChallenge, logutils.StringArgs(challenge.ID))
	}

	for i, existing := range stored {
		if existing.ID == challenge.ID {
			stored[i] = challenge
			c.users.Set(challenge.UserID, stored, c.groupTTL)
			return nil
		}
	}
	return errors.ErrorData(logutils.StatusMissing, model.TypeChallenge, logutils.StringArgs(challenge.ID))
}

// DeleteChallenge removes the user's challenge by ID, if present
func (c *ChallengeCache) DeleteChallenge(userID string, challengeID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	stored, ok := c.users.Get(userID)
	if !ok {
		return nil
	}

	remaining := make([]model.Challenge, 0, len(stored))
	for _, challenge := range stored {
		if challenge.ID != challengeID {
			remaining = append(remaining, challenge)
		}
	}

	if len(remaining) == 0 {
		c.users.Delete(userID)
		return nil
	}
	c.users.Set(userID, remaining, c.groupTTL)
	return nil
}

// DeleteExpired drops user groups whose cache entries have lapsed
func (c *ChallengeCache) DeleteExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.users.DeleteExpired()
}
