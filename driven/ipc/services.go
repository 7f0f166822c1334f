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

package ipc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"
	"auth-building-block/utils/ttlcache"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// RPC method names of the master-resident services
const (
	methodRateLimitCanPerformRequest  string = "ratelimit/canPerformRequest"
	methodRateLimitPayAdditionalCost  string = "ratelimit/payAdditionalCost"
	methodRateLimitIncreaseLoginCount string = "ratelimit/increaseLoginCount"
	methodRateLimitGetLoginCount      string = "ratelimit/getLoginCount"
	methodRateLimitResetLoginCount    string = "ratelimit/resetLoginCount"
	methodRateLimitIncreaseTotpCount  string = "ratelimit/increaseTotpCount"
	methodRateLimitResetTotpCount     string = "ratelimit/resetTotpCount"
	methodRateLimitBanIP              string = "ratelimit/banIp"
	methodRateLimitUnbanIP            string = "ratelimit/unbanIp"
	methodRateLimitMarkAttackTarget   string = "ratelimit/markAttackTarget"

	methodNonceUse string = "nonce/use"

	methodChallengesSave   string = "challenges/save"
	methodChallengesGet    string = "challenges/get"
	methodChallengesModify string = "challenges/modify"
	methodChallengesDelete string = "challenges/delete"

	methodKeysCurrent string = "keys/current"
	methodKeysFind    string = "keys/find"
)

const defaultCallTimeout time.Duration = 5 * time.Second

type ipUserParams struct {
	IP     string `json:"ip"`
	UserID string `json:"userId,omitempty"`
}

type costParams struct {
	IP   string `json:"ip"`
	Cost int64  `json:"cost"`
}

type durationParams struct {
	IP       string        `json:"ip,omitempty"`
	UserID   string        `json:"userId,omitempty"`
	Duration time.Duration `json:"duration"`
}

type nonceParams struct {
	Nonce   string    `json:"nonce"`
	Expires time.Time `json:"expires"`
}

type challengeKeyParams struct {
	UserID      string `json:"userId"`
	ChallengeID string `json:"challengeId"`
}

type keyIDParams struct {
	ID string `json:"id"`
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultCallTimeout)
}

//RemoteRateLimiter

// RemoteRateLimiter implements the RateLimiter interface by delegating to the
// master over the channel
type RemoteRateLimiter struct {
	channel *Channel
}

// NewRemoteRateLimiter creates a rate limiter client over the channel
func NewRemoteRateLimiter(channel *Channel) *RemoteRateLimiter {
	return &RemoteRateLimiter{channel: channel}
}

// CanPerformRequest says whether ip may perform a request of the default cost
func (r *RemoteRateLimiter) CanPerformRequest(ip string) (bool, error) {
	ctx, cancel := callContext()
	defer cancel()

	var allowed bool
	err := r.channel.Call(ctx, methodRateLimitCanPerformRequest, ipUserParams{IP: ip}, &allowed)
	return allowed, err
}

// PayAdditionalCostIfPossible debits cost credits from the IP's balance
func (r *RemoteRateLimiter) PayAdditionalCostIfPossible(ip string, cost int64) (bool, error) {
	ctx, cancel := callContext()
	defer cancel()

	var allowed bool
	err := r.channel.Call(ctx, methodRateLimitPayAdditionalCost, costParams{IP: ip, Cost: cost}, &allowed)
	return allowed, err
}

// IncreaseLoginCount bumps the failed login counter for (ip, userID)
func (r *RemoteRateLimiter) IncreaseLoginCount(ip string, userID string) (int, error) {
	ctx, cancel := callContext()
	defer cancel()

	var count int
	err := r.channel.Call(ctx, methodRateLimitIncreaseLoginCount, ipUserParams{IP: ip, UserID: userID}, &count)
	return count, err
}

// GetLoginCount returns the failed login counter for (ip, userID)
func (r *RemoteRateLimiter) GetLoginCount(ip string, userID string) (int, error) {
	ctx, cancel := callContext()
	defer cancel()

	var count int
	err := r.channel.Call(ctx, methodRateLimitGetLoginCount, ipUserParams{IP: ip, UserID: userID}, &count)
	return count, err
}

// ResetLoginCount clears the failed login counter for (ip, userID)
func (r *RemoteRateLimiter) ResetLoginCount(ip string, userID string) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodRateLimitResetLoginCount, ipUserParams{IP: ip, UserID: userID}, nil)
}

// IncreaseTotpCount bumps the totp attempt counter for (ip, userID)
func (r *RemoteRateLimiter) IncreaseTotpCount(ip string, userID string) (int, error) {
	ctx, cancel := callContext()
	defer cancel()

	var count int
	err := r.channel.Call(ctx, methodRateLimitIncreaseTotpCount, ipUserParams{IP: ip, UserID: userID}, &count)
	return count, err
}

// ResetTotpCount clears the totp attempt counter for (ip, userID)
func (r *RemoteRateLimiter) ResetTotpCount(ip string, userID string) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodRateLimitResetTotpCount, ipUserParams{IP: ip, UserID: userID}, nil)
}

// BanIPAddress bans ip for the given duration
func (r *RemoteRateLimiter) BanIPAddress(ip string, duration time.Duration) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodRateLimitBanIP, durationParams{IP: ip, Duration: duration}, nil)
}

// UnbanIPAddress lifts an active ban on ip
func (r *RemoteRateLimiter) UnbanIPAddress(ip string) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodRateLimitUnbanIP, ipUserParams{IP: ip}, nil)
}

// MarkPossibleAttackTarget flags the user and reports whether it already was
func (r *RemoteRateLimiter) MarkPossibleAttackTarget(userID string, duration time.Duration) (bool, error) {
	ctx, cancel := callContext()
	defer cancel()

	var already bool
	err := r.channel.Call(ctx, methodRateLimitMarkAttackTarget, durationParams{UserID: userID, Duration: duration}, &already)
	return already, err
}

//RemoteNonceRegistry

// RemoteNonceRegistry implements the NonceRegistry interface over the channel
type RemoteNonceRegistry struct {
	channel *Channel
}

// NewRemoteNonceRegistry creates a nonce registry client over the channel
func NewRemoteNonceRegistry(channel *Channel) *RemoteNonceRegistry {
	return &RemoteNonceRegistry{channel: channel}
}

// Use consumes the nonce until expires and reports whether it was fresh
func (r *RemoteNonceRegistry) Use(nonce string, expires time.Time) (bool, error) {
	ctx, cancel := callContext()
	defer cancel()

	var fresh bool
	err := r.channel.Call(ctx, methodNonceUse, nonceParams{Nonce: nonce, Expires: expires}, &fresh)
	return fresh, err
}

//RemoteChallengeStore

// RemoteChallengeStore implements the ChallengeStore interface over the channel
type RemoteChallengeStore struct {
	channel *Channel
}

// NewRemoteChallengeStore creates a challenge store client over the channel
func NewRemoteChallengeStore(channel *Channel) *RemoteChallengeStore {
	return &RemoteChallengeStore{channel: channel}
}

// SaveChallenge stores a new challenge
func (r *RemoteChallengeStore) SaveChallenge(challenge model.Challenge) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodChallengesSave, challenge, nil)
}

// GetChallenge returns the user's challenge by ID, or nil
func (r *RemoteChallengeStore) GetChallenge(userID string, challengeID string) (*model.Challenge, error) {
	ctx, cancel := callContext()
	defer cancel()

	var challenge *model.Challenge
	err := r.channel.Call(ctx, methodChallengesGet, challengeKeyParams{UserID: userID, ChallengeID: challengeID}, &challenge)
	return challenge, err
}

// ModifyChallenge overwrites a stored challenge
func (r *RemoteChallengeStore) ModifyChallenge(challenge model.Challenge) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodChallengesModify, challenge, nil)
}

// DeleteChallenge removes the user's challenge by ID
func (r *RemoteChallengeStore) DeleteChallenge(userID string, challengeID string) error {
	ctx, cancel := callContext()
	defer cancel()

	return r.channel.Call(ctx, methodChallengesDelete, challengeKeyParams{UserID: userID, ChallengeID: challengeID}, nil)
}

//RemoteTokenKeys

// RemoteTokenKeys implements the TokenKeys interface over the channel. Keys
// are immutable once minted, so fetched ones are cached locally until their
// hard expiry - a worker pays the hop once per key.
type RemoteTokenKeys struct {
	channel *Channel

	mutex     sync.Mutex
	cache     *ttlcache.Cache[model.TokenEncryptionKey]
	currentID string

	now func() time.Time
}

// NewRemoteTokenKeys creates a token keys client over the channel
func NewRemoteTokenKeys(channel *Channel) *RemoteTokenKeys {
	return &RemoteTokenKeys{channel: channel, cache: ttlcache.New[model.TokenEncryptionKey](), now: time.Now}
}

// CurrentKey returns the key new tokens must be minted with
func (r *RemoteTokenKeys) CurrentKey() (*model.TokenEncryptionKey, error) {
	r.mutex.Lock()
	if key, ok := r.cache.Get(r.currentID); ok && key.CanEncode(r.now()) {
		r.mutex.Unlock()
		return &key, nil
	}
	r.mutex.Unlock()

	ctx, cancel := callContext()
	defer cancel()

	var key model.TokenEncryptionKey
	err := r.channel.Call(ctx, methodKeysCurrent, nil, &key)
	if err != nil {
		return nil, err
	}

	r.storeKey(key)
	r.mutex.Lock()
	r.currentID = key.ID
	r.mutex.Unlock()

	return &key, nil
}

// FindKey returns the key by ID, or nil if unknown or past hard expiry
func (r *RemoteTokenKeys) FindKey(id string) (*model.TokenEncryptionKey, error) {
	r.mutex.Lock()
	if key, ok := r.cache.Get(id); ok {
		r.mutex.Unlock()
		return &key, nil
	}
	r.mutex.Unlock()

	ctx, cancel := callContext()
	defer cancel()

	var key *model.TokenEncryptionKey
	err := r.channel.Call(ctx, methodKeysFind, keyIDParams{ID: id}, &key)
	if err != nil || key == nil {
		return nil, err
	}

	r.storeKey(*key)
	return key, nil
}

func (r *RemoteTokenKeys) storeKey(key model.TokenEncryptionKey) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	err := r.cache.SetWithExpires(key.ID, key, key.HardExpires)
	if err == nil {
		r.cache.DeleteExpired()
	}
}

//Master side

// RegisterMasterServices binds the master's local service implementations to
// the server's handler map, making them callable from workers
func RegisterMasterServices(server *Server, rateLimiter interfaces.RateLimiter, nonces interfaces.NonceRegistry,
	challenges interfaces.ChallengeStore, keys interfaces.TokenKeys) {

	server.RegisterHandler(methodRateLimitCanPerformRequest, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.CanPerformRequest(params.IP)
	})
	server.RegisterHandler(methodRateLimitPayAdditionalCost, func(raw json.RawMessage) (interface{}, error) {
		var params costParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.PayAdditionalCostIfPossible(params.IP, params.Cost)
	})
	server.RegisterHandler(methodRateLimitIncreaseLoginCount, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.IncreaseLoginCount(params.IP, params.UserID)
	})
	server.RegisterHandler(methodRateLimitGetLoginCount, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.GetLoginCount(params.IP, params.UserID)
	})
	server.RegisterHandler(methodRateLimitResetLoginCount, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nil, rateLimiter.ResetLoginCount(params.IP, params.UserID)
	})
	server.RegisterHandler(methodRateLimitIncreaseTotpCount, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.IncreaseTotpCount(params.IP, params.UserID)
	})
	server.RegisterHandler(methodRateLimitResetTotpCount, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nil, rateLimiter.ResetTotpCount(params.IP, params.UserID)
	})
	server.RegisterHandler(methodRateLimitBanIP, func(raw json.RawMessage) (interface{}, error) {
		var params durationParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nil, rateLimiter.BanIPAddress(params.IP, params.Duration)
	})
	server.RegisterHandler(methodRateLimitUnbanIP, func(raw json.RawMessage) (interface{}, error) {
		var params ipUserParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nil, rateLimiter.UnbanIPAddress(params.IP)
	})
	server.RegisterHandler(methodRateLimitMarkAttackTarget, func(raw json.RawMessage) (interface{}, error) {
		var params durationParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return rateLimiter.MarkPossibleAttackTarget(params.UserID, params.Duration)
	})

	server.RegisterHandler(methodNonceUse, func(raw json.RawMessage) (interface{}, error) {
		var params nonceParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nonces.Use(params.Nonce, params.Expires)
	})

	server.RegisterHandler(methodChallengesSave, func(raw json.RawMessage) (interface{}, error) {
		var challenge model.Challenge
		if err := decodeParams(raw, &challenge); err != nil {
			return nil, err
		}
		return nil, challenges.SaveChallenge(challenge)
	})
	server.RegisterHandler(methodChallengesGet, func(raw json.RawMessage) (interface{}, error) {
		var params challengeKeyParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return challenges.GetChallenge(params.UserID, params.ChallengeID)
	})
	server.RegisterHandler(methodChallengesModify, func(raw json.RawMessage) (interface{}, error) {
		var challenge model.Challenge
		if err := decodeParams(raw, &challenge); err != nil {
			return nil, err
		}
		return nil, challenges.ModifyChallenge(challenge)
	})
	server.RegisterHandler(methodChallengesDelete, func(raw json.RawMessage) (interface{}, error) {
		var params challengeKeyParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return nil, challenges.DeleteChallenge(params.UserID, params.ChallengeID)
	})

	server.RegisterHandler(methodKeysCurrent, func(raw json.RawMessage) (interface{}, error) {
		return keys.CurrentKey()
	})
	server.RegisterHandler(methodKeysFind, func(raw json.RawMessage) (interface{}, error) {
		var params keyIDParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return keys.FindKey(params.ID)
	})
}

func decodeParams(raw json.RawMessage, params interface{}) error {
	if raw == nil {
		return errors.ErrorData(logutils.StatusMissing, "rpc params", nil)
	}
	err := json.Unmarshal(raw, params)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUnmarshal, "rpc params", nil, err)
	}
	return nil
}
