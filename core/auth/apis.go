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
	"crypto/subtle"

	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
	"golang.org/x/crypto/bcrypt"
)

// LoginResponse is the result of a successful login or registration
type LoginResponse struct {
	Tokens    TokenPair `json:"tokens"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
}

// Authorization is the resolved auth context of a request
type Authorization struct {
	User    model.User
	Session model.Session
	Scopes  []string
}

// Login authenticates email/password credentials and issues a token pair.
// Failed attempts count against the per-(ip, user) limit and ban the IP past
// it. When the account has an enabled second factor the challenge gate must
// pass before any session is created. A non-nil connectionID binds the issued
// tokens to that connection.
func (a *Auth) Login(email string, password string, sessionName string, deviceID string, ip string,
	connectionID *string, answer *ChallengeAnswer, requestHash string, l *logs.Log) (*LoginResponse, error) {

	user, err := a.storage.FindUserByEmail(email)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeUser, nil, err)
	}
	if user == nil {
		return nil, model.NewAPIError(model.CodeUserDoesntExist, "user does not exist")
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		count, err := a.rateLimiter.IncreaseLoginCount(ip, user.ID)
		if err != nil {
			return nil, errors.WrapErrorAction(logutils.ActionUpdate, "login attempt count", nil, err)
		}
		if count >= a.config.LoginAttemptLimit {
			err = a.rateLimiter.BanIPAddress(ip, a.config.LoginBanDuration)
			if err != nil {
				l.Warnf("error banning %s: %v", ip, err)
			}
		}
		return nil, model.NewAPIError(model.CodeInvalidCredentials, "invalid credentials")
	}

	err = a.validateUserStatus(*user)
	if err != nil {
		return nil, err
	}

	err = a.CheckSecondFactor(*user, answer, deviceID, ip, requestHash, l)
	if err != nil {
		return nil, err
	}

	err = a.rateLimiter.ResetLoginCount(ip, user.ID)
	if err != nil {
		l.Warnf("error resetting login count for %s/%s: %v", ip, user.ID, err)
	}

	session, err := a.applyLogin(a.storage, *user, sessionName, deviceID, ip, []string{"*"}, nil, connectionID, l)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionCreate, model.TypeSession, nil, err)
	}

	tokens, err := a.createTokenPair(*session, 0, connectionID)
	if err != nil {
		return nil, err
	}
	if connectionID != nil {
		a.connections.Bind(*connectionID, session.ID, 0)
	}

	return &LoginResponse{Tokens: *tokens, SessionID: session.ID, UserID: user.ID}, nil
}

// Register creates an account and its initial session atomically - either
// both exist afterwards or neither does
func (a *Auth) Register(email string, password string, name string, language string,
	sessionName string, deviceID string, ip string, l *logs.Log) (*LoginResponse, error) {

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionGenerate, "password hash", nil, err)
	}

	var session *model.Session
	var tokens *TokenPair
	var userID string
	transaction := func(storage interfaces.Storage) error {
		existing, err := storage.FindUserByEmail(email)
		if err != nil {
			return errors.WrapErrorAction(logutils.ActionFind, model.TypeUser, nil, err)
		}
		if existing != nil {
			return model.NewAPIError(model.CodeUserAlreadyExists, "user already exists")
		}

		user := model.User{ID: uuid.NewString(), Email: email, Name: name, PasswordHash: string(hash),
			Language: language, Activated: true, DateCreated: a.now()}
		err = storage.InsertUser(user)
		if err != nil {
			return errors.WrapErrorAction(logutils.ActionInsert, model.TypeUser, nil, err)
		}
		userID = user.ID

		session, err = a.applyLogin(storage, user, sessionName, deviceID, ip, []string{"*"}, nil, nil, l)
		if err != nil {
			return errors.WrapErrorAction(logutils.ActionCreate, model.TypeSession, nil, err)
		}

		//minting inside the transaction keeps the promise above - a failure
		//here rolls the account and session back
		tokens, err = a.createTokenPair(*session, 0, nil)
		return err
	}

	err = a.storage.PerformTransaction(transaction)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{Tokens: *tokens, SessionID: session.ID, UserID: userID}, nil
}

// ResendLoginChallengeCode re-delivers the code for a challenge raised during
// login. The caller is not authenticated yet, so the credentials are checked
// again before anything is sent.
func (a *Auth) ResendLoginChallengeCode(email string, password string, challengeID string, ip string, l *logs.Log) error {
	user, err := a.storage.FindUserByEmail(email)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionFind, model.TypeUser, nil, err)
	}
	if user == nil {
		return model.NewAPIError(model.CodeUserDoesntExist, "user does not exist")
	}

	err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if err != nil {
		return model.NewAPIError(model.CodeInvalidCredentials, "invalid credentials")
	}

	return a.ResendSecondFactorCode(*user, challengeID, l)
}

// RefreshToken exchanges a refresh token for a fresh pair. The token's
// sequence number must match the session's current one - refreshing advances
// it, so every previously issued pair for the session dies with this call.
// Connection-bound tokens advance the connection's shadow sequence instead
// and leave the stored session sequence alone.
func (a *Auth) RefreshToken(refreshToken string, l *logs.Log) (*TokenPair, error) {
	payload, session, err := a.resolveToken(TokenTypeRefresh, refreshToken, l)
	if err != nil {
		return nil, err
	}

	_, err = a.validateSessionUser(*session, l)
	if err != nil {
		return nil, err
	}

	now := a.now()
	if payload.ConnectionID != nil {
		if !a.connections.AdvanceSeq(*payload.ConnectionID, session.ID, payload.Seq) {
			return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
		}
	} else {
		if payload.Seq != session.TokenInfo.Seq {
			return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
		}
		swapped, err := a.storage.IncreaseSessionSeq(session.ID, payload.Seq)
		if err != nil {
			return nil, errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSession, logutils.StringArgs(session.ID), err)
		}
		if !swapped {
			//someone else refreshed between our read and the swap
			return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
		}
	}

	expires := now.Add(a.config.RefreshTokenTTL)
	err = a.storage.RefreshSessionExpiration(session.ID, expires, now)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSession, logutils.StringArgs(session.ID), err)
	}

	session.TokenInfo.Expires = expires
	return a.createTokenPair(*session, payload.Seq+1, payload.ConnectionID)
}

// ForkToken splits off a new named session from an existing refresh token.
// The new session starts at sequence zero with its own expiry, so the two
// lineages refresh independently. Connection-bound tokens cannot fork - their
// state lives with the connection.
func (a *Auth) ForkToken(refreshToken string, name string, ip string, l *logs.Log) (*TokenPair, error) {
	payload, session, err := a.resolveToken(TokenTypeRefresh, refreshToken, l)
	if err != nil {
		return nil, err
	}
	if payload.ConnectionID != nil {
		return nil, model.NewAPIError(model.CodeInvalidToken, "connection-bound tokens cannot be forked")
	}
	if payload.Seq != session.TokenInfo.Seq {
		return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
	}

	user, err := a.validateSessionUser(*session, l)
	if err != nil {
		return nil, err
	}

	forked, err := a.applyLogin(a.storage, *user, name, session.DeviceID, ip,
		session.TokenInfo.Scopes, session.TokenInfo.APIKeyID, nil, l)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionCreate, model.TypeSession, nil, err)
	}

	return a.createTokenPair(*forked, 0, nil)
}

// GetAccessTokenFromClientCredentials authenticates an API key by its shared
// secret and issues a token pair scoped to the intersection of the requested
// scopes and the key's cap
func (a *Auth) GetAccessTokenFromClientCredentials(clientID string, clientSecret string, scopes []string,
	deviceID string, ip string, l *logs.Log) (*LoginResponse, error) {

	apiKey, user, err := a.storage.FindAPIKeyAndUser(clientID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, logutils.StringArgs(clientID), err)
	}
	if apiKey == nil {
		return nil, model.NewAPIError(model.CodeAPIKeyDoesntExist, "api key does not exist")
	}
	if apiKey.Secret == nil ||
		subtle.ConstantTimeCompare([]byte(*apiKey.Secret), []byte(clientSecret)) != 1 {
		return nil, model.NewAPIError(model.CodeInvalidCredentials, "invalid credentials")
	}

	return a.applyAPIKeyLogin(*apiKey, user, scopes, deviceID, ip, l)
}

// GetAccessTokenFromSignature authenticates an API key by a signed client
// assertion instead of transmitting the secret
func (a *Auth) GetAccessTokenFromSignature(assertion string, scopes []string,
	deviceID string, ip string, l *logs.Log) (*LoginResponse, error) {

	apiKey, user, err := a.verifyClientAssertion(assertion, l)
	if err != nil {
		return nil, err
	}

	return a.applyAPIKeyLogin(*apiKey, user, scopes, deviceID, ip, l)
}

func (a *Auth) applyAPIKeyLogin(apiKey model.APIKey, user *model.User, scopes []string,
	deviceID string, ip string, l *logs.Log) (*LoginResponse, error) {

	if !apiKey.Enabled {
		return nil, model.NewAPIError(model.CodeAPIKeyDisabled, "api key is disabled")
	}
	if user == nil {
		l.ErrorWithDetails("api key references missing user", logutils.Fields{"api_key_id": apiKey.ID, "user_id": apiKey.UserID})
		return nil, model.NewAPIError(model.CodeInternalError, "internal error")
	}

	err := a.validateUserStatus(*user)
	if err != nil {
		return nil, err
	}

	granted := model.IntersectScopes(scopes, apiKey.MaxScopes)
	session, err := a.applyLogin(a.storage, *user, "client: "+apiKey.Name, deviceID, ip, granted, &apiKey.ID, nil, l)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionCreate, model.TypeSession, nil, err)
	}

	tokens, err := a.createTokenPair(*session, 0, nil)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{Tokens: *tokens, SessionID: session.ID, UserID: user.ID}, nil
}

// GetAuthFromAccessToken resolves an access token to its authorization
// context, enforcing expiry, sequence match, account standing and - for
// API-key sessions - that the key still exists and is enabled
func (a *Auth) GetAuthFromAccessToken(accessToken string, l *logs.Log) (*Authorization, error) {
	payload, session, err := a.resolveToken(TokenTypeAccess, accessToken, l)
	if err != nil {
		return nil, err
	}

	if payload.ConnectionID != nil {
		connection := a.connections.Get(*payload.ConnectionID)
		if connection == nil || connection.SessionID != session.ID || connection.Seq != payload.Seq {
			return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
		}
	} else if payload.Seq != session.TokenInfo.Seq {
		return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
	}

	user, err := a.validateSessionUser(*session, l)
	if err != nil {
		return nil, err
	}

	return &Authorization{User: *user, Session: *session, Scopes: session.TokenInfo.Scopes}, nil
}

// BindAccessToken attaches the token's session to a live connection. The
// connection then carries the authorization itself - no new session is
// created and the original token lineage is untouched.
func (a *Auth) BindAccessToken(accessToken string, connectionID string, l *logs.Log) (*Authorization, error) {
	auth, err := a.GetAuthFromAccessToken(accessToken, l)
	if err != nil {
		return nil, err
	}

	a.connections.Bind(connectionID, auth.Session.ID, auth.Session.TokenInfo.Seq)
	return auth, nil
}

// GetAuthFromConnection resolves a previously bound connection to its
// authorization context
func (a *Auth) GetAuthFromConnection(connectionID string, l *logs.Log) (*Authorization, error) {
	connection := a.connections.Get(connectionID)
	if connection == nil {
		return nil, model.NewAPIError(model.CodeUnauthorized, "connection is not authorized")
	}

	session, err := a.storage.FindSession(connection.SessionID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, logutils.StringArgs(connection.SessionID), err)
	}
	if session == nil || session.IsExpired(a.now()) {
		a.connections.Unbind(connectionID)
		return nil, model.NewAPIError(model.CodeUnauthorized, "connection is not authorized")
	}

	user, err := a.validateSessionUser(*session, l)
	if err != nil {
		return nil, err
	}

	return &Authorization{User: *user, Session: *session, Scopes: session.TokenInfo.Scopes}, nil
}

// Logout deletes the session and unbinds any connections riding on it
func (a *Auth) Logout(sessionID string, l *logs.Log) error {
	err := a.storage.DeleteSession(sessionID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, logutils.StringArgs(sessionID), err)
	}

	a.connections.UnbindSession(sessionID)
	return nil
}

// LogoutAll deletes every session of the user, invalidating all outstanding
// tokens at once
func (a *Auth) LogoutAll(userID string, l *logs.Log) error {
	sessions, err := a.storage.FindSessionsByUser(userID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, logutils.StringArgs(userID), err)
	}

	err = a.storage.DeleteSessionsByUser(userID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, logutils.StringArgs(userID), err)
	}

	for _, session := range sessions {
		a.connections.UnbindSession(session.ID)
	}
	return nil
}

// resolveToken decodes a token and loads its session, folding the shared
// expiry and existence checks
func (a *Auth) resolveToken(tokenType TokenType, token string, l *logs.Log) (*tokenPayload, *model.Session, error) {
	payload, err := a.decodeToken(tokenType, token)
	if err != nil {
		return nil, nil, err
	}
	if a.isTokenExpired(*payload) {
		return nil, nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
	}

	session, err := a.storage.FindSession(payload.SessionID)
	if err != nil {
		return nil, nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, logutils.StringArgs(payload.SessionID), err)
	}
	if session == nil {
		return nil, nil, model.NewAPIError(model.CodeTokenDoesntExist, "token does not exist")
	}
	if session.IsExpired(a.now()) {
		return nil, nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
	}

	return payload, session, nil
}
