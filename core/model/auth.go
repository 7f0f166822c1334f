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
	//TypeSession session type
	TypeSession logutils.MessageDataType = "session"
	//TypeTokenSessionInfo token session info type
	TypeTokenSessionInfo logutils.MessageDataType = "token session info"
	//TypeToken opaque token type
	TypeToken logutils.MessageDataType = "token"
	//TypeTokenEncryptionKey token encryption key type
	TypeTokenEncryptionKey logutils.MessageDataType = "token encryption key"
	//TypeAPIKey api key type
	TypeAPIKey logutils.MessageDataType = "api key"
	//TypeSecondFactor second factor type
	TypeSecondFactor logutils.MessageDataType = "second factor"
	//TypeChallenge second factor challenge type
	TypeChallenge logutils.MessageDataType = "challenge"
	//TypeNonce nonce type
	TypeNonce logutils.MessageDataType = "nonce"
	//TypeScope scope type
	TypeScope logutils.MessageDataType = "scope"
)

const (
	//MaxSessionsPerUser is the concurrent session cap - the oldest session is evicted on overflow
	MaxSessionsPerUser int = 16
	//MaxChallengesPerUser is the pending challenge cap - the oldest challenge is evicted on overflow
	MaxChallengesPerUser int = 10
)

// Session represents one logical login session, human or API-key driven
type Session struct {
	ID     string `bson:"_id"`
	Name   string `bson:"name"`
	UserID string `bson:"user_id"`

	DeviceID string `bson:"device_id"`

	TokenInfo TokenSessionInfo `bson:"token_info"`

	DateCreated  time.Time `bson:"date_created"`
	DateAccessed time.Time `bson:"date_accessed"`
}

// IsExpired says whether the session has expired
func (s Session) IsExpired(now time.Time) bool {
	return !s.TokenInfo.Expires.After(now)
}

// TokenSessionInfo carries the token state embedded in a session.
//
// Seq is a monotonically increasing sequence number. A token is valid only if
// its embedded seq equals the session's current one; every successful refresh
// increments it, permanently invalidating tokens issued against the old value.
type TokenSessionInfo struct {
	Seq     int64     `bson:"seq"`
	Scopes  []string  `bson:"scopes"`
	Expires time.Time `bson:"expires"`

	APIKeyID     *string `bson:"api_key_id,omitempty"`
	ConnectionID *string `bson:"connection_id,omitempty"`
}

// APIKey represents a client credential record
type APIKey struct {
	ID     string `bson:"_id"`
	Name   string `bson:"name"`
	UserID string `bson:"user_id"`

	//exactly one of Secret or PublicKey is set
	Secret    *string `bson:"secret,omitempty"`
	PublicKey *string `bson:"public_key,omitempty"` //base64 encoded Ed25519 public key

	MaxScopes []string `bson:"max_scopes"`
	Enabled   bool     `bson:"enabled"`

	DateCreated time.Time `bson:"date_created"`
}

const (
	//SecondFactorTypeEmail email second factor
	SecondFactorTypeEmail string = "email"
	//SecondFactorTypeTotp totp second factor
	SecondFactorTypeTotp string = "totp"
)

// SecondFactor represents a user's enabled second factor method.
// A user has at most one.
type SecondFactor struct {
	Type    string `bson:"type"` //email or totp
	Enabled bool   `bson:"enabled"`

	Secret *string `bson:"secret,omitempty"` //totp shared secret, never changes after enable

	KnownDevices []string `bson:"known_devices"` //device IDs exempt from repeat challenges

	//where and when the last challenge was passed - a repeat request from the
	//same IP is exempt until the exemption TTL runs out
	LastValidatedIP   string     `bson:"last_validated_ip,omitempty"`
	DateLastValidated *time.Time `bson:"date_last_validated,omitempty"`

	DateCreated time.Time `bson:"date_created"`
}

// IsKnownDevice says whether deviceID is exempt from challenges
func (sf SecondFactor) IsKnownDevice(deviceID string) bool {
	for _, known := range sf.KnownDevices {
		if known == deviceID {
			return true
		}
	}
	return false
}

// IsSatisfiedByIP says whether a recently passed challenge from ip still
// exempts it. An empty ip never matches.
func (sf SecondFactor) IsSatisfiedByIP(ip string, now time.Time, ttl time.Duration) bool {
	if ip == "" || sf.LastValidatedIP != ip || sf.DateLastValidated == nil {
		return false
	}
	return now.Sub(*sf.DateLastValidated) <= ttl
}

// Challenge represents an in-flight second factor challenge
type Challenge struct {
	ID     string
	UserID string
	Type   string //email or totp

	//the challenge only validates the exact request that triggered it
	RequestHash string

	Code     string //email one-time code
	Attempts int
	Sends    int

	LastAttempt *time.Time //totp attempt cooldown

	DateCreated time.Time
	Expires     time.Time
}

// IsExpired says whether the challenge has individually expired
func (c Challenge) IsExpired(now time.Time) bool {
	return !c.Expires.After(now)
}

// TokenEncryptionKey is symmetric key material used to seal opaque tokens.
//
// New tokens may be minted with the key until UsageExpires; decoding keeps
// working until HardExpires so in-flight tokens survive rotation.
type TokenEncryptionKey struct {
	ID  string
	Key []byte //32 bytes, AES-256

	DateCreated  time.Time
	UsageExpires time.Time
	HardExpires  time.Time
}

// CanEncode says whether new tokens may still be minted with the key
func (k TokenEncryptionKey) CanEncode(now time.Time) bool {
	return k.UsageExpires.After(now)
}

// CanDecode says whether tokens sealed with the key may still be decoded
func (k TokenEncryptionKey) CanDecode(now time.Time) bool {
	return k.HardExpires.After(now)
}

// ScopesSatisfy says whether the granted scope set covers every required scope.
// The "*" scope grants everything.
func ScopesSatisfy(granted []string, required []string) bool {
	for _, g := range granted {
		if g == "*" {
			return true
		}
	}
	for _, req := range required {
		found := false
		for _, g := range granted {
			if g == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IntersectScopes returns the scopes from requested that max allows.
// An empty requested set means the full max set.
func IntersectScopes(requested []string, max []string) []string {
	if len(requested) == 0 {
		result := make([]string, len(max))
		copy(result, max)
		return result
	}

	result := make([]string, 0, len(requested))
	for _, req := range requested {
		for _, m := range max {
			if m == req || m == "*" {
				result = append(result, req)
				break
			}
		}
	}
	return result
}
