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

// Package ratelimit implements the master-resident IP rate limiter.
//
// Credits model burst tolerance better than fixed-window counters. A ban is
// a separate, stronger gate checked before the credit logic, so a banned IP
// can never buy back access mid-ban.
package ratelimit

import (
	"sync"
	"time"

	"auth-building-block/core/model"
	"auth-building-block/utils/ttlcache"

	"github.com/rokwire/logging-library-go/v2/logs"
)

type ipEntry struct {
	credits  int64
	banUntil *time.Time

	lastActivity time.Time

	loginCounts map[string]int //userID -> failed login attempts
	totpCounts  map[string]int //userID -> unsuccessful totp attempts
}

// Service tracks rate limiting state for every contacting IP
type Service struct {
	mutex   sync.Mutex
	entries map[string]*ipEntry

	whitelist     map[string]bool
	attackTargets *ttlcache.Cache[bool]

	initialCredit int64
	maxCredit     int64
	refillCredit  int64
	requestCost   int64
	inactiveEvict time.Duration

	logger *logs.Logger
	now    func() time.Time
}

// NewService creates a rate limiter service with the configured policy
func NewService(config model.Config, logger *logs.Logger) *Service {
	whitelist := make(map[string]bool, len(config.WhitelistedIPs))
	for _, ip := range config.WhitelistedIPs {
		whitelist[ip] = true
	}

	return &Service{
		entries:       make(map[string]*ipEntry),
		whitelist:     whitelist,
		attackTargets: ttlcache.New[bool](),
		initialCredit: config.RateLimitInitialCredit,
		maxCredit:     config.RateLimitMaxCredit,
		refillCredit:  config.RateLimitRefillCredit,
		requestCost:   config.RequestCost,
		inactiveEvict: config.RateLimitInactiveEvict,
		logger:        logger,
		now:           time.Now,
	}
}

// getEntry returns the entry for ip, creating it lazily on first contact.
// The caller must hold the mutex.
func (s *Service) getEntry(ip string) *ipEntry {
	entry := s.entries[ip]
	if entry == nil {
		entry = &ipEntry{credits: s.initialCredit, lastActivity: s.now(),
			loginCounts: make(map[string]int), totpCounts: make(map[string]int)}
		s.entries[ip] = entry
	}
	return entry
}

func (s *Service) isBanned(entry *ipEntry) bool {
	return entry.banUntil != nil && entry.banUntil.After(s.now())
}

// CanPerformRequest says whether ip may perform a request of the default cost
func (s *Service) CanPerformRequest(ip string) (bool, error) {
	return s.PayAdditionalCostIfPossible(ip, s.requestCost)
}

// PayAdditionalCostIfPossible debits cost credits from the IP's balance.
// There is no partial debit - the request either fits or is rejected with the
// balance unchanged. Whitelisted IPs always pass.
func (s *Service) PayAdditionalCostIfPossible(ip string, cost int64) (bool, error) {
	if s.whitelist[ip] {
		return true, nil
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.getEntry(ip)
	if s.isBanned(entry) {
		return false, nil
	}

	if entry.credits < cost {
		return false, nil
	}
	entry.credits -= cost
	entry.lastActivity = s.now()
	return true, nil
}

// IncreaseLoginCount bumps the failed login counter for (ip, userID)
func (s *Service) IncreaseLoginCount(ip string, userID string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.getEntry(ip)
	entry.loginCounts[userID]++
	entry.lastActivity = s.now()
	return entry.loginCounts[userID], nil
}

// GetLoginCount returns the failed login counter for (ip, userID)
func (s *Service) GetLoginCount(ip string, userID string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.entries[ip]
	if entry == nil {
		return 0, nil
	}
	return entry.loginCounts[userID], nil
}

// ResetLoginCount clears the failed login counter for (ip, userID)
func (s *Service) ResetLoginCount(ip string, userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry := s.entries[ip]; entry != nil {
		delete(entry.loginCounts, userID)
	}
	return nil
}

// IncreaseTotpCount bumps the cross-challenge totp attempt counter for (ip, userID)
func (s *Service) IncreaseTotpCount(ip string, userID string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.getEntry(ip)
	entry.totpCounts[userID]++
	entry.lastActivity = s.now()
	return entry.totpCounts[userID], nil
}

// ResetTotpCount clears the totp attempt counter for (ip, userID)
func (s *Service) ResetTotpCount(ip string, userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry := s.entries[ip]; entry != nil {
		delete(entry.totpCounts, userID)
	}
	return nil
}

// BanIPAddress bans ip for the given duration
func (s *Service) BanIPAddress(ip string, duration time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	until := s.now().Add(duration)
	entry := s.getEntry(ip)
	entry.banUntil = &until

	s.logger.Warnf("banned %s until %s", ip, until.Format(time.RFC3339))
	return nil
}

// UnbanIPAddress lifts an active ban on ip
func (s *Service) UnbanIPAddress(ip string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry := s.entries[ip]; entry != nil {
		entry.banUntil = nil
	}
	return nil
}

// MarkPossibleAttackTarget flags userID for the given duration and reports
// whether the flag was already set, so duplicate warnings can be suppressed
func (s *Service) MarkPossibleAttackTarget(userID string, duration time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, already := s.attackTargets.Get(userID)
	if !already {
		s.attackTargets.Set(userID, true, duration)
	}
	return already, nil
}

// AddCreditsAndRemoveInactive is the periodic job: every tracked IP is either
// topped up (capped at the maximum) or, once its credits are maxed and it has
// been inactive past the threshold, evicted entirely.
func (s *Service) AddCreditsAndRemoveInactive() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	for ip, entry := range s.entries {
		if entry.credits >= s.maxCredit {
			if now.Sub(entry.lastActivity) > s.inactiveEvict && !s.isBanned(entry) {
				delete(s.entries, ip)
			}
			continue
		}

		entry.credits += s.refillCredit
		if entry.credits > s.maxCredit {
			entry.credits = s.maxCredit
		}
	}

	s.attackTargets.DeleteExpired()
}

// Credits returns the current credit balance for ip
func (s *Service) Credits(ip string) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry := s.entries[ip]
	if entry == nil {
		return s.initialCredit
	}
	return entry.credits
}

// SetCredits overrides the credit balance for ip
func (s *Service) SetCredits(ip string, credits int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.getEntry(ip).credits = credits
}

// IsWhitelisted says whether ip bypasses rate limiting entirely
func (s *Service) IsWhitelisted(ip string) bool {
	return s.whitelist[ip]
}
