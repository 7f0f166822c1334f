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
	"encoding/json"
	"fmt"
	"testing"

	"auth-building-block/core/auth"
	"auth-building-block/core/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIP string = "5.6.7.8"

func (f *webFixture) dispatch(method string, params string) (interface{}, error) {
	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	return f.dispatcher.Dispatch(method, raw, testIP, testLog())
}

// login dispatches an auth/login call and returns the issued tokens
func (f *webFixture) login(t *testing.T, email string, password string) *auth.LoginResponse {
	t.Helper()
	result, err := f.dispatch("auth/login", fmt.Sprintf(`{"email":%q,"password":%q}`, email, password))
	require.NoError(t, err)
	response, ok := result.(*auth.LoginResponse)
	require.True(t, ok, "expected *auth.LoginResponse, got %T", result)
	return response
}

func TestDispatchMethodNotFound(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())

	_, err := f.dispatch("no/such/method", "{}")
	assert.Equal(t, model.CodeMethodNotFound, apiErrorCode(t, err))
}

func TestDispatchAdditionalCost(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	f.addUser(t, "user@example.org", "password1")

	//with the balance below the method's surcharge the call never reaches the
	//handler
	f.limiter.SetCredits(testIP, costLogin-1)
	_, err := f.dispatch("auth/login", `{"email":"user@example.org","password":"password1"}`)
	_, ok := err.(*model.TooManyRequestsError)
	require.True(t, ok, "expected *model.TooManyRequestsError, got %T: %v", err, err)

	f.limiter.SetCredits(testIP, costLogin)
	_, err = f.dispatch("auth/login", `{"email":"user@example.org","password":"password1"}`)
	assert.NoError(t, err)
}

func TestDispatchRequiresAuth(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())

	_, err := f.dispatch("auth/logout", "{}")
	assert.Equal(t, model.CodeUnauthorized, apiErrorCode(t, err))

	_, err = f.dispatch("auth/logout", `{"authorizationData":{}}`)
	assert.Equal(t, model.CodeUnauthorized, apiErrorCode(t, err))

	_, err = f.dispatch("auth/logout", `{"authorizationData":{"accessToken":"garbage"}}`)
	assert.Equal(t, model.CodeInvalidToken, apiErrorCode(t, err))

	_, err = f.dispatch("auth/logout", `{"authorizationData":{"connectionId":"never-bound"}}`)
	assert.Equal(t, model.CodeUnauthorized, apiErrorCode(t, err))
}

func TestDispatchValidation(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())

	_, err := f.dispatch("auth/register", `{"email":"not-an-email","password":"password1","name":"A"}`)
	assert.Equal(t, model.CodeInvalidParams, apiErrorCode(t, err))

	_, err = f.dispatch("auth/register", `{"email":"user@example.org","password":"short","name":"A"}`)
	assert.Equal(t, model.CodeInvalidParams, apiErrorCode(t, err))

	_, err = f.dispatch("auth/register", `{"email":"user@example.org","password":"password1"}`)
	assert.Equal(t, model.CodeInvalidParams, apiErrorCode(t, err))

	_, err = f.dispatch("auth/register", `not json at all`)
	assert.Equal(t, model.CodeInvalidParams, apiErrorCode(t, err))
}

func TestDispatchEndToEnd(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())

	result, err := f.dispatch("auth/register",
		`{"email":"user@example.org","password":"password1","name":"New User","language":"en"}`)
	require.NoError(t, err)
	registered, ok := result.(*auth.LoginResponse)
	require.True(t, ok, "expected *auth.LoginResponse, got %T", result)

	//a user session carries the wildcard scope, so profile methods work
	authData := fmt.Sprintf(`{"authorizationData":{"accessToken":%q}}`, registered.Tokens.AccessToken)
	result, err = f.dispatch("profile/get", authData)
	require.NoError(t, err)
	profile, ok := result.(*model.User)
	require.True(t, ok, "expected *model.User, got %T", result)
	assert.Equal(t, "user@example.org", profile.Email)
	assert.Empty(t, profile.PasswordHash)

	_, err = f.dispatch("profile/update",
		fmt.Sprintf(`{"name":"Renamed","language":"bg","authorizationData":{"accessToken":%q}}`, registered.Tokens.AccessToken))
	require.NoError(t, err)

	result, err = f.dispatch("profile/get", authData)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", result.(*model.User).Name)

	//logout kills the session
	_, err = f.dispatch("auth/logout", authData)
	require.NoError(t, err)
	_, err = f.dispatch("profile/get", authData)
	assert.Equal(t, model.CodeTokenDoesntExist, apiErrorCode(t, err))
}

func TestDispatchScopeRejection(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	user := f.addUser(t, "owner@example.org", "password1")

	secret := "client-secret-value"
	apiKey := model.APIKey{ID: "client-1", Name: "ci", UserID: user.ID, Secret: &secret,
		MaxScopes: []string{"profile"}, Enabled: true}
	require.NoError(t, f.storage.InsertAPIKey(apiKey))

	result, err := f.dispatch("auth/token", `{"clientId":"client-1","clientSecret":"client-secret-value"}`)
	require.NoError(t, err)
	response := result.(*auth.LoginResponse)

	//the key's scope cap allows profile access but not key management
	authData := fmt.Sprintf(`{"authorizationData":{"accessToken":%q}}`, response.Tokens.AccessToken)
	_, err = f.dispatch("profile/get", authData)
	require.NoError(t, err)
	_, err = f.dispatch("apiKeys/list", authData)
	assert.Equal(t, model.CodeAccessDenied, apiErrorCode(t, err))
}

func TestDispatchLoginSecondFactor(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	user := f.withEmailFactor(t, f.addUser(t, "user@example.org", "password1"))

	_, err := f.dispatch("auth/login", `{"email":"user@example.org","password":"password1"}`)
	required, ok := err.(*model.SecondFactorRequired)
	require.True(t, ok, "expected *model.SecondFactorRequired, got %T: %v", err, err)

	//the retry carries the answer in the envelope - the challenge binds to the
	//same request hash because envelope keys are excluded from it
	retry := fmt.Sprintf(`{"email":"user@example.org","password":"password1","challenge":{"challenge":%q,"code":%q}}`,
		required.ChallengeID, f.emailer.lastCode(user.Email))
	result, err := f.dispatch("auth/login", retry)
	require.NoError(t, err)
	_, ok = result.(*auth.LoginResponse)
	assert.True(t, ok, "expected *auth.LoginResponse, got %T", result)
}

func TestDispatchSecondFactorGate(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	user := f.addUser(t, "user@example.org", "password1")
	tokens := f.login(t, user.Email, "password1")
	f.withEmailFactor(t, user)

	//a gated method challenges an authenticated caller too
	request := fmt.Sprintf(`{"name":"ci key","maxScopes":["profile"],"authorizationData":{"accessToken":%q}}`,
		tokens.Tokens.AccessToken)
	_, err := f.dispatch("apiKeys/create", request)
	required, ok := err.(*model.SecondFactorRequired)
	require.True(t, ok, "expected *model.SecondFactorRequired, got %T: %v", err, err)

	retry := fmt.Sprintf(`{"name":"ci key","maxScopes":["profile"],"challenge":{"challenge":%q,"code":%q},"authorizationData":{"accessToken":%q}}`,
		required.ChallengeID, f.emailer.lastCode(user.Email), tokens.Tokens.AccessToken)
	result, err := f.dispatch("apiKeys/create", retry)
	require.NoError(t, err)
	created, ok := result.(*model.APIKey)
	require.True(t, ok, "expected *model.APIKey, got %T", result)
	assert.NotNil(t, created.Secret)

	//the answer was consumed - replaying it raises a fresh challenge
	_, err = f.dispatch("apiKeys/create", retry)
	assert.Error(t, err)
}

func TestDispatchUngatedMethodSkipsSecondFactor(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	user := f.addUser(t, "user@example.org", "password1")
	tokens := f.login(t, user.Email, "password1")
	f.withEmailFactor(t, user)

	//profile/get is not gated - no challenge even with a factor enabled
	_, err := f.dispatch("profile/get",
		fmt.Sprintf(`{"authorizationData":{"accessToken":%q}}`, tokens.Tokens.AccessToken))
	assert.NoError(t, err)
}

func TestDispatchBindConnection(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	user := f.addUser(t, "user@example.org", "password1")
	tokens := f.login(t, user.Email, "password1")

	//binding needs the transport-provided connection id
	_, err := f.dispatch("auth/bindConnection",
		fmt.Sprintf(`{"accessToken":%q}`, tokens.Tokens.AccessToken))
	assert.Equal(t, model.CodeInvalidParams, apiErrorCode(t, err))

	result, err := f.dispatch("auth/bindConnection",
		fmt.Sprintf(`{"accessToken":%q,"authorizationData":{"connectionId":"conn-1"}}`, tokens.Tokens.AccessToken))
	require.NoError(t, err)
	bound := result.(map[string]interface{})
	assert.Equal(t, user.ID, bound["userId"])

	//the bound connection now authorizes on its own
	_, err = f.dispatch("profile/get", `{"authorizationData":{"connectionId":"conn-1"}}`)
	assert.NoError(t, err)
}
