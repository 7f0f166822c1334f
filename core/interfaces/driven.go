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

// Storage interface to communicate with the storage
type Storage interface {
	PerformTransaction(func(storage Storage) error) error

	//Users
	FindUser(id string) (*model.User, error)
	FindUserByEmail(email string) (*model.User, error)
	InsertUser(user model.User) error
	UpdateUserProfile(userID string, name string, language string) error
	UpdateUserCredentials(userID string, passwordHash string) error
	UpdateUserSecondFactor(userID string, secondFactor *model.SecondFactor) error

	//APIKeys
	FindAPIKey(id string) (*model.APIKey, error)
	FindAPIKeyAndUser(clientID string) (*model.APIKey, *model.User, error)
	FindAPIKeysByUser(userID string) ([]model.APIKey, error)
	InsertAPIKey(apiKey model.APIKey) error
	UpdateAPIKey(apiKey model.APIKey) error
	DeleteAPIKey(id string) error

	//Sessions
	InsertSession(session model.Session) error
	FindSession(id string) (*model.Session, error)
	FindSessionsByUser(userID string) ([]model.Session, error)
	IncreaseSessionSeq(id string, expectedSeq int64) (bool, error)
	RefreshSessionExpiration(id string, expires time.Time, accessed time.Time) error
	DeleteSession(id string) error
	DeleteSessionsByUser(userID string) error
	DeleteExpiredSessions(now time.Time) error

	//LoginEvents
	InsertLoginEvent(event model.LoginEvent) error
}

// Emailer is used by the core to send emails. Sends are fire and forget -
// delivery failures are logged by callers, not propagated.
type Emailer interface {
	SendSecondFactorCodeMail(lang string, toEmail string, code string) error
	SendPossibleUnauthorizedLoginWarning(lang string, toEmail string) error
}
