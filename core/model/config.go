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

package model

import (
	"time"

	"github.com/rokwire/logging-library-go/v2/logutils"
)

const (
	//TypeConfig config type
	TypeConfig logutils.MessageDataType = "config"
)

// Config is a read-only snapshot of the numeric policy knobs.
// It is built once at startup and passed by value.
type Config struct {
	//rate limiting
	RateLimitInitialCredit  int64
	RateLimitMaxCredit      int64
	RateLimitRefillCredit   int64
	RateLimitRefillInterval time.Duration
	RateLimitInactiveEvict  time.Duration
	RequestCost             int64
	WhitelistedIPs          []string

	//login attempts
	LoginAttemptLimit int
	LoginBanDuration  time.Duration

	//second factor
	SecondFactorMaxAttempts  int
	SecondFactorMaxResends   int
	SecondFactorChallengeTTL time.Duration
	SecondFactorIPExemptTTL  time.Duration
	ChallengeCacheTTL        time.Duration

	//totp
	TotpCooldownEnabled bool
	TotpCooldown        time.Duration
	TotpAttemptLimit    int
	TotpBanDuration     time.Duration
	TotpReplayWindow    time.Duration
	AttackFlagDuration  time.Duration

	//tokens
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	//token encryption keys
	KeyUsageTTL time.Duration
	KeyHardTTL  time.Duration

	//request signatures
	SignatureClockSkew time.Duration
	NonceTTL           time.Duration
}

// DefaultConfig returns the default policy values
func DefaultConfig() Config {
	return Config{
		RateLimitInitialCredit:  1000,
		RateLimitMaxCredit:      1200,
		RateLimitRefillCredit:   100,
		RateLimitRefillInterval: 10 * time.Second,
		RateLimitInactiveEvict:  time.Hour,
		RequestCost:             10,

		LoginAttemptLimit: 10,
		LoginBanDuration:  30 * time.Minute,

		SecondFactorMaxAttempts:  5,
		SecondFactorMaxResends:   3,
		SecondFactorChallengeTTL: 5 * time.Minute,
		SecondFactorIPExemptTTL:  30 * time.Minute,
		ChallengeCacheTTL:        15 * time.Minute,

		TotpCooldownEnabled: true,
		TotpCooldown:        time.Second,
		TotpAttemptLimit:    20,
		TotpBanDuration:     time.Hour,
		TotpReplayWindow:    90 * time.Second,
		AttackFlagDuration:  time.Hour,

		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 14 * 24 * time.Hour,

		KeyUsageTTL: 24 * time.Hour,
		KeyHardTTL:  15 * 24 * time.Hour,

		SignatureClockSkew: 10 * time.Minute,
		NonceTTL:           20 * time.Minute,
	}
}
