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
	"time"

	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

const (
	typeSecondFactorType logutils.MessageDataType = "second factor type"

	sessionDeletePeriod int64 = 2 //hours
)

// Auth is the central authorization orchestrator: credential verification,
// session creation, token pair encoding/decoding, refresh/fork semantics and
// the second factor gate.
type Auth struct {
	storage interfaces.Storage
	emailer interfaces.Emailer

	rateLimiter interfaces.RateLimiter
	nonces      interfaces.NonceRegistry
	challenges  interfaces.ChallengeStore
	keys        interfaces.TokenKeys

	connections *ConnectionRegistry

	secondFactorTypes map[string]secondFactorType

	host   string
	config model.Config

	logger *logs.Logger
	now    func() time.Time

	deleteSessionsTimerDone chan bool
}

// NewAuth creates a new auth instance
func NewAuth(host string, config model.Config, storage interfaces.Storage, emailer interfaces.Emailer,
	rateLimiter interfaces.RateLimiter, nonces interfaces.NonceRegistry, challenges interfaces.ChallengeStore,
	keys interfaces.TokenKeys, logger *logs.Logger) (*Auth, error) {

	auth := &Auth{storage: storage, emailer: emailer, rateLimiter: rateLimiter, nonces: nonces,
		challenges: challenges, keys: keys, connections: NewConnectionRegistry(),
		secondFactorTypes: map[string]secondFactorType{}, host: host, config: config,
		logger: logger, now: time.Now, deleteSessionsTimerDone: make(chan bool)}

	_, err := initEmailSecondFactor(auth)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInitialize, typeSecondFactorType, logutils.StringArgs(model.SecondFactorTypeEmail), err)
	}
	_, err = initTotpSecondFactor(auth)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInitialize, typeSecondFactorType, logutils.StringArgs(model.SecondFactorTypeTotp), err)
	}

	return auth, nil
}

// Start starts the auth service
func (a *Auth) Start() {
	go a.setupDeleteSessionsTimer()
}

// GetHost returns the host/issuer of the auth service
func (a *Auth) GetHost() string {
	return a.host
}

// Now returns the service's current time
func (a *Auth) Now() time.Time {
	return a.now()
}

// Connections returns the in-memory connection authorization registry
func (a *Auth) Connections() *ConnectionRegistry {
	return a.connections
}

func (a *Auth) registerSecondFactorType(name string, secondFactor secondFactorType) error {
	if _, ok := a.secondFactorTypes[name]; ok {
		return errors.ErrorData(logutils.StatusInvalid, typeSecondFactorType, &logutils.FieldArgs{"name": name, "error": "already registered"})
	}

	a.secondFactorTypes[name] = secondFactor
	return nil
}

func (a *Auth) getSecondFactorType(name string) (secondFactorType, error) {
	if secondFactor, ok := a.secondFactorTypes[name]; ok {
		return secondFactor, nil
	}
	return nil, errors.ErrorData(logutils.StatusInvalid, typeSecondFactorType, logutils.StringArgs(name))
}

// validateUserStatus checks the user is in good standing
func (a *Auth) validateUserStatus(user model.User) error {
	if user.Blocked {
		return model.NewAPIError(model.CodeAccountBlocked, "account is blocked")
	}
	if !user.Activated {
		return model.NewAPIError(model.CodeAccountNotActivated, "account is not activated")
	}
	return nil
}

// applyLogin creates a session for the user and records a login event.
// Concurrent sessions are capped - the oldest session is evicted on overflow.
func (a *Auth) applyLogin(storage interfaces.Storage, user model.User, sessionName string, deviceID string,
	ipAddress string, scopes []string, apiKeyID *string, connectionID *string, l *logs.Log) (*model.Session, error) {

	sessions, err := storage.FindSessionsByUser(user.ID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, nil, err)
	}
	if len(sessions) >= model.MaxSessionsPerUser {
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].DateCreated.Before(sessions[j].DateCreated)
		})
		for i := 0; i <= len(sessions)-model.MaxSessionsPerUser; i++ {
			err = storage.DeleteSession(sessions[i].ID)
			if err != nil {
				return nil, errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, logutils.StringArgs(sessions[i].ID), err)
			}
		}
	}

	now := a.now()
	session := model.Session{ID: uuid.NewString(), Name: sessionName, UserID: user.ID, DeviceID: deviceID,
		TokenInfo: model.TokenSessionInfo{Seq: 0, Scopes: scopes, Expires: now.Add(a.config.RefreshTokenTTL),
			APIKeyID: apiKeyID, ConnectionID: connectionID},
		DateCreated: now, DateAccessed: now}

	err = storage.InsertSession(session)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInsert, model.TypeSession, nil, err)
	}

	//audit only - a failed login event must not fail the login
	event := model.LoginEvent{ID: uuid.NewString(), UserID: user.ID, SessionID: session.ID,
		IPAddress: ipAddress, DeviceID: deviceID, DateCreated: now}
	err = storage.InsertLoginEvent(event)
	if err != nil {
		l.Warnf("error inserting login event for session %s: %v", session.ID, err)
	}

	return &session, nil
}

// createTokenPair mints an access/refresh token pair for the session
func (a *Auth) createTokenPair(session model.Session, seq int64, connectionID *string) (*TokenPair, error) {
	now := a.now()

	accessPayload := tokenPayload{SessionID: session.ID, Seq: seq, Expires: now.Add(a.config.AccessTokenTTL).Unix(), ConnectionID: connectionID}
	accessToken, err := a.encodeToken(TokenTypeAccess, accessPayload)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionEncode, model.TypeToken, logutils.StringArgs(string(TokenTypeAccess)), err)
	}

	refreshPayload := tokenPayload{SessionID: session.ID, Seq: seq, Expires: session.TokenInfo.Expires.Unix(), ConnectionID: connectionID}
	refreshToken, err := a.encodeToken(TokenTypeRefresh, refreshPayload)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionEncode, model.TypeToken, logutils.StringArgs(string(TokenTypeRefresh)), err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// validateSessionUser checks the user and API key a session references.
// A session pointing at a missing user indicates a bug or tampering and is
// reported as an opaque internal error.
func (a *Auth) validateSessionUser(session model.Session, l *logs.Log) (*model.User, error) {
	user, err := a.storage.FindUser(session.UserID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeUser, logutils.StringArgs(session.UserID), err)
	}
	if user == nil {
		l.ErrorWithDetails("session references missing user", logutils.Fields{"session_id": session.ID, "user_id": session.UserID})
		return nil, model.NewAPIError(model.CodeInternalError, "internal error")
	}

	err = a.validateUserStatus(*user)
	if err != nil {
		return nil, err
	}

	if session.TokenInfo.APIKeyID != nil {
		apiKey, err := a.storage.FindAPIKey(*session.TokenInfo.APIKeyID)
		if err != nil {
			return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, logutils.StringArgs(*session.TokenInfo.APIKeyID), err)
		}
		if apiKey == nil || !apiKey.Enabled {
			return nil, model.NewAPIError(model.CodeTokenRevoked, "token revoked")
		}
	}

	return user, nil
}

// setupDeleteSessionsTimer periodically deletes expired sessions
func (a *Auth) setupDeleteSessionsTimer() {
	ticker := time.NewTicker(time.Duration(sessionDeletePeriod) * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := a.storage.DeleteExpiredSessions(a.now())
			if err != nil {
				a.logger.Errorf("error deleting expired sessions: %v", err)
			}
		case <-a.deleteSessionsTimerDone:
			return
		}
	}
}
