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

package core

import (
	"auth-building-block/core/auth"
	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/logs"
)

// Services exposes the account self-service APIs to the driver adapters.
// Every operation runs on behalf of an already resolved authorization.
type Services interface {
	SerGetProfile(authorization auth.Authorization, l *logs.Log) (*model.User, error)
	SerUpdateProfile(authorization auth.Authorization, name string, language string, l *logs.Log) error
	SerChangePassword(authorization auth.Authorization, oldPassword string, newPassword string, l *logs.Log) error

	SerCreateAPIKey(authorization auth.Authorization, name string, maxScopes []string, publicKey *string, l *logs.Log) (*model.APIKey, error)
	SerGetAPIKeys(authorization auth.Authorization, l *logs.Log) ([]model.APIKey, error)
	SerSetAPIKeyEnabled(authorization auth.Authorization, apiKeyID string, enabled bool, l *logs.Log) error
	SerDeleteAPIKey(authorization auth.Authorization, apiKeyID string, l *logs.Log) error
}
