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
	"auth-building-block/utils"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
	"golang.org/x/crypto/bcrypt"
)

const apiKeySecretLength int = 32

func (app *application) serGetProfile(authorization auth.Authorization, l *logs.Log) (*model.User, error) {
	user := authorization.User
	user.PasswordHash = ""
	return &user, nil
}

func (app *application) serUpdateProfile(authorization auth.Authorization, name string, language string, l *logs.Log) error {
	err := app.storage.UpdateUserProfile(authorization.User.ID, name, language)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeUser, logutils.StringArgs(authorization.User.ID), err)
	}
	return nil
}

// serChangePassword verifies the current password, replaces it and logs out
// every session - tokens minted against the old password die with it
func (app *application) serChangePassword(authorization auth.Authorization, oldPassword string, newPassword string, l *logs.Log) error {
	user := authorization.User

	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword))
	if err != nil {
		return model.NewAPIError(model.CodeInvalidCredentials, "invalid credentials")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGenerate, "password hash", nil, err)
	}

	err = app.storage.UpdateUserCredentials(user.ID, string(hash))
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeUser, logutils.StringArgs(user.ID), err)
	}

	return app.auth.LogoutAll(user.ID, l)
}

// serCreateAPIKey creates a key owned by the caller. With a public key the
// credential authenticates by signed assertions, otherwise a shared secret is
// generated and returned once - it is never readable again.
func (app *application) serCreateAPIKey(authorization auth.Authorization, name string, maxScopes []string, publicKey *string, l *logs.Log) (*model.APIKey, error) {
	apiKey := model.APIKey{ID: uuid.NewString(), Name: name, UserID: authorization.User.ID,
		MaxScopes: maxScopes, Enabled: true, DateCreated: app.auth.Now()}

	if publicKey != nil {
		apiKey.PublicKey = publicKey
	} else {
		secret, err := utils.GenerateRandomString(apiKeySecretLength)
		if err != nil {
			return nil, errors.WrapErrorAction(logutils.ActionGenerate, "api key secret", nil, err)
		}
		apiKey.Secret = &secret
	}

	err := app.storage.InsertAPIKey(apiKey)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInsert, model.TypeAPIKey, nil, err)
	}
	return &apiKey, nil
}

func (app *application) serGetAPIKeys(authorization auth.Authorization, l *logs.Log) ([]model.APIKey, error) {
	apiKeys, err := app.storage.FindAPIKeysByUser(authorization.User.ID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, nil, err)
	}

	//shared secrets are returned only at creation
	for i := range apiKeys {
		apiKeys[i].Secret = nil
	}
	return apiKeys, nil
}

func (app *application) serSetAPIKeyEnabled(authorization auth.Authorization, apiKeyID string, enabled bool, l *logs.Log) error {
	apiKey, err := app.findOwnedAPIKey(authorization, apiKeyID)
	if err != nil {
		return err
	}

	apiKey.Enabled = enabled
	err = app.storage.UpdateAPIKey(*apiKey)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeAPIKey, logutils.StringArgs(apiKeyID), err)
	}
	return nil
}

func (app *application) serDeleteAPIKey(authorization auth.Authorization, apiKeyID string, l *logs.Log) error {
	apiKey, err := app.findOwnedAPIKey(authorization, apiKeyID)
	if err != nil {
		return err
	}

	err = app.storage.DeleteAPIKey(apiKey.ID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeAPIKey, logutils.StringArgs(apiKeyID), err)
	}
	return nil
}

// findOwnedAPIKey loads the key and checks the caller owns it. A foreign key
// reads as missing, not forbidden.
func (app *application) findOwnedAPIKey(authorization auth.Authorization, apiKeyID string) (*model.APIKey, error) {
	apiKey, err := app.storage.FindAPIKey(apiKeyID)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, logutils.StringArgs(apiKeyID), err)
	}
	if apiKey == nil || apiKey.UserID != authorization.User.ID {
		return nil, model.NewAPIError(model.CodeAPIKeyDoesntExist, "api key does not exist")
	}
	return apiKey, nil
}
