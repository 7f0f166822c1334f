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
	"errors"
	"maps"
	"sync"
	"testing"
	"time"

	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"
	"auth-building-block/core/ratelimit"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// fakeStorage is an in-memory Storage implementation for tests
type fakeStorage struct {
	mutex sync.Mutex

	users       map[string]model.User
	apiKeys     map[string]model.APIKey
	sessions    map[string]model.Session
	loginEvents []model.LoginEvent
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{users: make(map[string]model.User), apiKeys: make(map[string]model.APIKey),
		sessions: make(map[string]model.Session)}
}

// PerformTransaction runs the transaction and restores the previous state on
// error, matching the mongo adapter's session abort
func (s *fakeStorage) PerformTransaction(transaction func(storage interfaces.Storage) error) error {
	s.mutex.Lock()
	users := maps.Clone(s.users)
	apiKeys := maps.Clone(s.apiKeys)
	sessions := maps.Clone(s.sessions)
	loginEvents := append([]model.LoginEvent(nil), s.loginEvents...)
	s.mutex.Unlock()

	err := transaction(s)
	if err != nil {
		s.mutex.Lock()
		s.users, s.apiKeys, s.sessions, s.loginEvents = users, apiKeys, sessions, loginEvents
		s.mutex.Unlock()
	}
	return err
}

func (s *fakeStorage) FindUser(id string) (*model.User, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (s *fakeStorage) FindUserByEmail(email string) (*model.User, error) {
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

func (s *fakeStorage) InsertUser(user model.User) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.users[user.ID] = user
	return nil
}

func (s *fakeStorage) UpdateUserProfile(userID string, name string, language string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.Name = name
	user.Language = language
	s.users[userID] = user
	return nil
}

func (s *fakeStorage) UpdateUserCredentials(userID string, passwordHash string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *fakeStorage) UpdateUserSecondFactor(userID string, secondFactor *model.SecondFactor) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	user := s.users[userID]
	user.SecondFactor = secondFactor
	s.users[userID] = user
	return nil
}

func (s *fakeStorage) FindAPIKey(id string) (*model.APIKey, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	apiKey, ok := s.apiKeys[id]
	if !ok {
		return nil, nil
	}
	return &apiKey, nil
}

func (s *fakeStorage) FindAPIKeyAndUser(clientID string) (*model.APIKey, *model.User, error) {
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

func (s *fakeStorage) FindAPIKeysByUser(userID string) ([]model.APIKey, error) {
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

func (s *fakeStorage) InsertAPIKey(apiKey model.APIKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.apiKeys[apiKey.ID] = apiKey
	return nil
}

func (s *fakeStorage) UpdateAPIKey(apiKey model.APIKey) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.apiKeys[apiKey.ID] = apiKey
	return nil
}

func (s *fakeStorage) DeleteAPIKey(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.apiKeys, id)
	return nil
}

func (s *fakeStorage) InsertSession(session model.Session) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sessions[session.ID] = session
	return nil
}

func (s *fakeStorage) FindSession(id string) (*model.Session, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (s *fakeStorage) FindSessionsByUser(userID string) ([]model.Session, error) {
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

func (s *fakeStorage) IncreaseSessionSeq(id string, expectedSeq int64) (bool, error) {
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

func (s *fakeStorage) RefreshSessionExpiration(id string, expires time.Time, accessed time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	session := s.sessions[id]
	session.TokenInfo.Expires = expires
	session.DateAccessed = accessed
	s.sessions[id] = session
	return nil
}

func (s *fakeStorage) DeleteSession(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *fakeStorage) DeleteSessionsByUser(userID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *fakeStorage) DeleteExpiredSessions(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for id, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *fakeStorage) InsertLoginEvent(event model.LoginEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.loginEvents = append(s.loginEvents, event)
	return nil
}

func (s *fakeStorage) sessionCount(userID string) int {
	sessions, _ := s.FindSessionsByUser(userID)
	return len(sessions)
}

// fakeEmailer records what was sent instead of sending it
type fakeEmailer struct {
	mutex sync.Mutex

	codes    map[string][]string //email -> codes, in send order
	warnings map[string]int      //email -> warning count
}

func newFakeEmailer() *fakeEmailer {
	return &fakeEmailer{codes: make(map[string][]string), warnings: make(map[string]int)}
}

func (e *fakeEmailer) SendSecondFactorCodeMail(lang string, toEmail string, code string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.codes[toEmail] = append(e.codes[toEmail], code)
	return nil
}

func (e *fakeEmailer) SendPossibleUnauthorizedLoginWarning(lang string, toEmail string) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	e.warnings[toEmail]++
	return nil
}

func (e *fakeEmailer) lastCode(toEmail string) string {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	codes := e.codes[toEmail]
	if len(codes) == 0 {
		return ""
	}
	return codes[len(codes)-1]
}

func (e *fakeEmailer) warningCount(toEmail string) int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	return e.warnings[toEmail]
}

// failingKeys is a TokenKeys implementation that never has a key, for
// exercising minting failure paths
type failingKeys struct{}

func (k failingKeys) CurrentKey() (*model.TokenEncryptionKey, error) {
	return nil, errors.New("no usable key")
}

func (k failingKeys) FindKey(id string) (*model.TokenEncryptionKey, error) {
	return nil, errors.New("no usable key")
}

// authFixture wires an Auth instance with in-memory dependencies and a
// controllable clock
type authFixture struct {
	auth    *Auth
	storage *fakeStorage
	emailer *fakeEmailer
	limiter *ratelimit.Service

	nonces     *NonceRegistry
	challenges *ChallengeCache
	keys       *KeyProvider

	clock *time.Time
}

func newTestAuth(t *testing.T, config model.Config) *authFixture {
	logger := logs.NewLogger("auth_test", nil)

	storage := newFakeStorage()
	emailer := newFakeEmailer()
	limiter := ratelimit.NewService(config, logger)
	nonces := NewNonceRegistry()
	challenges := NewChallengeCache(config)
	keys := NewKeyProvider(config, logger)

	a, err := NewAuth("https://auth.example.org", config, storage, emailer, limiter, nonces, challenges, keys, logger)
	require.NoError(t, err)

	now := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	clock := &now
	tick := func() time.Time { return *clock }
	a.now = tick
	nonces.seen.Clock = tick
	challenges.now = tick
	challenges.users.Clock = tick
	keys.now = tick

	return &authFixture{auth: a, storage: storage, emailer: emailer, limiter: limiter,
		nonces: nonces, challenges: challenges, keys: keys, clock: clock}
}

func (f *authFixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

// addUser inserts an activated user with the given password and returns it
func (f *authFixture) addUser(t *testing.T, email string, password string) model.User {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	user := model.User{ID: uuid.NewString(), Email: email, Name: "Test User", PasswordHash: string(hash),
		Language: "en", Activated: true, DateCreated: *f.clock}
	require.NoError(t, f.storage.InsertUser(user))
	return user
}

func testLog() *logs.Log {
	return logs.NewLogger("auth_test", nil).NewLog("test", logs.RequestContext{})
}

func apiErrorCode(t *testing.T, err error) int {
	t.Helper()
	apiErr, ok := err.(*model.APIError)
	require.True(t, ok, "expected *model.APIError, got %T: %v", err, err)
	return apiErr.Code
}
