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

package interfaces

import (
	"time"

	"auth-building-block/core/model"
)

// The services below are owned exclusively by the master process. Worker
// processes reach them through RPC-backed implementations of the same
// interfaces, so shared counters have a single writer.

// RateLimiter tracks per-IP credits, bans and attempt counters
type RateLimiter interface {
	CanPerformRequest(ip string) (bool, error)
	PayAdditionalCostIfPossible(ip string, cost int64) (bool, error)

	IncreaseLoginCount(ip string, userID string) (int, error)
	GetLoginCount(ip string, userID string) (int, error)
	ResetLoginCount(ip string, userID string) error

	IncreaseTotpCount(ip string, userID string) (int, error)
	ResetTotpCount(ip string, userID string) error

	BanIPAddress(ip string, duration time.Duration) error
	UnbanIPAddress(ip string) error

	//MarkPossibleAttackTarget flags the user for the given duration and
	//reports whether the flag was already set
	MarkPossibleAttackTarget(userID string, duration time.Duration) (bool, error)
}

// NonceRegistry provides replay protection for single-use values.
type NonceRegistry interface {
	//Use consumes the nonce until expires and reports whether it was fresh
	Use(nonce string, expires time.Time) (bool, error)
}

// ChallengeStore holds in-flight second factor challenges per user
type ChallengeStore interface {
	SaveChallenge(challenge model.Challenge) error
	GetChallenge(userID string, challengeID string) (*model.Challenge, error)
	ModifyChallenge(challenge model.Challenge) error
	DeleteChallenge(userID string, challengeID string) error
}

// TokenKeys serves the rotating symmetric keys used to seal opaque tokens
type TokenKeys interface {
	//CurrentKey returns the key new tokens must be minted with
	CurrentKey() (*model.TokenEncryptionKey, error)
	//FindKey returns the key by ID, or nil if unknown or past hard expiry
	FindKey(id string) (*model.TokenEncryptionKey, error)
}
