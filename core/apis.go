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
	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/logs"
)

// APIs exposes to the drivers adapters access to the core functionality
type APIs struct {
	Services Services //expose to the drivers adapters

	Auth *auth.Auth //expose to the drivers auth

	app *application
}

// Start starts the core part of the application
func (c *APIs) Start() {
	c.app.start()
}

// GetVersion gives the service version
func (c *APIs) GetVersion() string {
	return c.app.version
}

// NewCoreAPIs creates new core APIs
func NewCoreAPIs(env string, version string, build string, storage interfaces.Storage, auth *auth.Auth, logger *logs.Logger) *APIs {
	application := application{env: env, version: version, build: build, storage: storage, auth: auth, logger: logger}

	servicesImpl := &servicesImpl{app: &application}

	coreAPIs := APIs{Services: servicesImpl, Auth: auth, app: &application}
	return &coreAPIs
}

///

// servicesImpl
type servicesImpl struct {
	app *application
}

func (s *servicesImpl) SerGetProfile(authorization auth.Authorization, l *logs.Log) (*model.User, error) {
	return s.app.serGetProfile(authorization, l)
}

func (s *servicesImpl) SerUpdateProfile(authorization auth.Authorization, name string, language string, l *logs.Log) error {
	return s.app.serUpdateProfile(authorization, name, language, l)
}

func (s *servicesImpl) SerChangePassword(authorization auth.Authorization, oldPassword string, newPassword string, l *logs.Log) error {
	return s.app.serChangePassword(authorization, oldPassword, newPassword, l)
}

func (s *servicesImpl) SerCreateAPIKey(authorization auth.Authorization, name string, maxScopes []string, publicKey *string, l *logs.Log) (*model.APIKey, error) {
	return s.app.serCreateAPIKey(authorization, name, maxScopes, publicKey, l)
}

func (s *servicesImpl) SerGetAPIKeys(authorization auth.Authorization, l *logs.Log) ([]model.APIKey, error) {
	return s.app.serGetAPIKeys(authorization, l)
}

func (s *servicesImpl) SerSetAPIKeyEnabled(authorization auth.Authorization, apiKeyID string, enabled bool, l *logs.Log) error {
	return s.app.serSetAPIKeyEnabled(authorization, apiKeyID, enabled, l)
}

func (s *servicesImpl) SerDeleteAPIKey(authorization auth.Authorization, apiKeyID string, l *logs.Log) error {
	return s.app.serDeleteAPIKey(authorization, apiKeyID, l)
}
