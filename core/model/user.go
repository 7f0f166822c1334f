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
	//TypeUser user type
	TypeUser logutils.MessageDataType = "user"
	//TypeLoginEvent login event type
	TypeLoginEvent logutils.MessageDataType = "login event"
)

// User represents a registered account
type User struct {
	ID    string `bson:"_id"`
	Email string `bson:"email"`
	Name  string `bson:"name"`

	PasswordHash string `bson:"password_hash"`
	Language     string `bson:"language"`

	Activated bool `bson:"activated"`
	Blocked   bool `bson:"blocked"`

	SecondFactor *SecondFactor `bson:"second_factor,omitempty"`

	DateCreated time.Time  `bson:"date_created"`
	DateUpdated *time.Time `bson:"date_updated,omitempty"`
}

// HasSecondFactor says whether the user has an enabled second factor
func (u User) HasSecondFactor() bool {
	return u.SecondFactor != nil && u.SecondFactor.Enabled
}

// LoginEvent represents a single login audit record
type LoginEvent struct {
	ID        string `bson:"_id"`
	UserID    string `bson:"user_id"`
	SessionID string `bson:"session_id"`
	IPAddress string `bson:"ip_address"`
	DeviceID  string `bson:"device_id"`

	DateCreated time.Time `bson:"date_created"`
}
