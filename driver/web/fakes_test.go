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

package web

import (
	"sync"
	"testing"
	"time"

	"auth-building-block/core"
	"auth-building-block/core/auth"
	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"
	"auth-building-block/core/ratelimit"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// webStorage is an in-memory Storage implementation for dispatcher tests
type webStorage struct {
	mutex sync.Mutex

	users       map[string]model.User
	apiKeys     map[string]model.APIKey
	sessions    map[string]model.Session
	loginEvents []model.LoginEvent
}

func newWebStorage() *webStorage {
	return &webStorage{users: make(map[string]model.User), apiKeys: make(map[string]model.APIKey),
		sessions: make(map[string]model.Session)}
}

func (s *webStorage) PerformTransaction(transaction func(storage interfaces.Storage) error) error {
	return transaction(s)
}

func (s *webStorage) FindUser(id string) (*model.User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (s *webStorage) FindUserByEmail(email string) (*model.User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, user := range s.users {
		if user.Email == email {
			found := user
			return &found, nil
		}
	}
	return nil, nil
}

func (s *webStorage) InsertUser(user model.User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.users[user.ID] = user
	return nil
}

func (s *webStorage) UpdateUserProfile(userID string, name string, language string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.Name = name
	user.Language = language
	s.users[userID] = user
	return nil
}

func (s *webStorage) UpdateUserCredentials(userID string, passwordHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *webStorage) UpdateUserSecondFactor(userID string, secondFactor *model.SecondFactor) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.SecondFactor = secondFactor
	s.users[userID] = user
	return nil
}

func (s *webStorage) FindAPIKey(id string) (*model.APIKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	apiKey, ok := s.apiKeys[id]
	if !ok {
		return nil, nil
	}
	return &apiKey, nil
}

func (s *webStorage) FindAPIKeyAndUser(clientID string) (*model.APIKey, *model.User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	apiKey, ok := s.apiKeys[clientID]
	if !ok {
		return nil, nil, nil
	}
	user, ok := s.users[apiKey.UserID]
	if !ok {
		return &apiKey, nil, nil
	}
	return &apiKey, &user, nil
}

func (s *webStorage) FindAPIKeysByUser(userID string) ([]model.APIKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var found []model.APIKey
	for _, apiKey := range s.apiKeys {
		if apiKey.UserID == userID {
			found = append(found, apiKey)
		}
	}
	return found, nil
}

func (s *webStorage) InsertAPIKey(apiKey model.APIKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.apiKeys[apiKey.ID] = apiKey
	return nil
}

func (s *webStorage) UpdateAPIKey(apiKey model.APIKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.apiKeys[apiKey.ID] = apiKey
	return nil
}

func (s *webStorage) DeleteAPIKey(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.apiKeys, id)
	return nil
}

func (s *webStorage) InsertSession(session model.Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sessions[session.ID] = session
	return nil
}

func (s *webStorage) FindSession(id string) (*model.Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *webStorage) FindSessionsByUser(userID string) ([]model.Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var found []model.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			found = append(found, session)
		}
	}
	return found, nil
}

func (s *webStorage) IncreaseSessionSeq(id string, expectedSeq int64) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.sessions[id]
	if !ok || session.TokenInfo.Seq != expectedSeq {
		return false, nil
	}
	session.TokenInfo.Seq++
	s.sessions[id] = session
	return true, nil
}

func (s *webStorage) RefreshSessionExpiration(id string, expires time.Time, accessed time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session := s.sessions[id]
	session.TokenInfo.Expires = expires
	session.DateAccessed = accessed
	s.sessions[id] = session
	return nil
}

func (s *webStorage) DeleteSession(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *webStorage) DeleteSessionsByUser(userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *webStorage) DeleteExpiredSessions(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *webStorage) InsertLoginEvent(event model.LoginEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.loginEvents = append(s.loginEvents, event)
	return nil
}

// webEmailer records second factor codes instead of sending them
type webEmailer struct {
	mutex sync.Mutex
	codes map[string][]string
}

func newWebEmailer() *webEmailer {
	return &webEmailer{codes: make(map[string][]string)}
}

func (e *webEmailer) SendSecondFactorCodeMail(lang string, toEmail string, code string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.codes[toEmail] = append(e.codes[toEmail], code)
	return nil
}

func (e *webEmailer) SendPossibleUnauthorizedLoginWarning(lang string, toEmail string) error {
	return nil
}

func (e *webEmailer) lastCode(toEmail string) string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	codes := e.codes[toEmail]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

// webFixture wires a dispatcher over a full core with in-memory adapters
type webFixture struct {
	dispatcher *Dispatcher
	coreAPIs   *core.APIs

	storage *webStorage
	emailer *webEmailer
	limiter *ratelimit.Service
}

func newWebFixture(t *testing.T, config model.Config) *webFixture {
	logger := logs.NewLogger("web_test", nil)

	storage := newWebStorage()
	emailer := newWebEmailer()
	limiter := ratelimit.NewService(config, logger)
	nonces := auth.NewNonceRegistry()
	challenges := auth.NewChallengeCache(config)
	keys := auth.NewKeyProvider(config, logger)

	authService, err := auth.NewAuth("https://auth.example.org", config, storage, emailer,
		limiter, nonces, challenges, keys, logger)
	require.NoError(t, err)

	coreAPIs := core.NewCoreAPIs("test", "1.0.0", "0", storage, authService, logger)
	dispatcher := NewDispatcher(coreAPIs, limiter)

	return &webFixture{dispatcher: dispatcher, coreAPIs: coreAPIs, storage: storage, emailer: emailer, limiter: limiter}
}

func (f *webFixture) addUser(t *testing.T, email string, password string) model.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := model.User{ID: uuid.NewString(), Email: email, Name: "Test User", PasswordHash: string(hash),
		Language: "en", Activated: true, DateCreated: time.Now()}
	require.NoError(t, f.storage.InsertUser(user))
	return user
}

func (f *webFixture) withEmailFactor(t *testing.T, user model.User) model.User {
	user.SecondFactor = &model.SecondFactor{Type: model.SecondFactorTypeEmail, Enabled: true,
		KnownDevices: []string{}, DateCreated: time.Now()}
	require.NoError(t, f.storage.UpdateUserSecondFactor(user.ID, user.SecondFactor))
	return user
}

func testLogger() *logs.Logger {
	return logs.NewLogger("web_test", nil)
}

func testLog() *logs.Log {
	return testLogger().NewLog("test", logs.RequestContext{})
}

func apiErrorCode(t *testing.T, err error) int {
	t.Helper()
	apiErr, ok := err.(*model.APIError)
	require.True(t, ok, "expected *model.APIError, got %T: %v", err, err)
	return apiErr.Code
}
