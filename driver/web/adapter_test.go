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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"auth-building-block/core/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	request := httptest.NewRequest(http.MethodPost, "/rpc", nil)
	request.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", clientIP(request))

	//the proxy's X-Forwarded-For wins, first hop only
	request.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(request))
	request.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1, 10.0.0.2")
	assert.Equal(t, "203.0.113.9", clientIP(request))
}

func postRPC(t *testing.T, adapter Adapter, body string) (int, rpcResponse) {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	request.RemoteAddr = "192.0.2.7:51234"
	recorder := httptest.NewRecorder()

	adapter.serveRPC(testLog(), recorder, request)

	var response rpcResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	return recorder.Code, response
}

func TestServeRPC(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	adapter := NewWebAdapter("0", f.coreAPIs, f.limiter, testLogger())

	//malformed body
	status, response := postRPC(t, adapter, "{broken")
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, response.Error)
	assert.Equal(t, model.CodeParseError, response.Error.Code)

	//missing method, id echoed back
	status, response = postRPC(t, adapter, `{"id":7}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.RawMessage("7"), response.ID)
	require.NotNil(t, response.Error)
	assert.Equal(t, model.CodeInvalidRequest, response.Error.Code)

	//dispatch errors ride in the error member with HTTP 200
	status, response = postRPC(t, adapter, `{"id":8,"method":"no/such/method"}`)
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, response.Error)
	assert.Equal(t, model.CodeMethodNotFound, response.Error.Code)

	//a successful call carries the result
	status, response = postRPC(t, adapter,
		`{"id":9,"method":"auth/register","params":{"email":"user@example.org","password":"password1","name":"New User"}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, response.Error)
	require.NotNil(t, response.Result)
	result := response.Result.(map[string]interface{})
	assert.NotEmpty(t, result["sessionId"])
}

func TestServeRPCSecondFactorResult(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	adapter := NewWebAdapter("0", f.coreAPIs, f.limiter, testLogger())
	user := f.withEmailFactor(t, f.addUser(t, "user@example.org", "password1"))

	status, response := postRPC(t, adapter,
		`{"id":1,"method":"auth/login","params":{"email":"user@example.org","password":"password1"}}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Nil(t, response.Error)

	//the gate answers with a result, not an error - callers retry with the
	//challenge answer attached
	result := response.Result.(map[string]interface{})
	assert.Equal(t, true, result["secondFactorRequired"])
	assert.NotEmpty(t, result["challenge"])
	assert.NotEmpty(t, f.emailer.lastCode(user.Email))
}

func TestServeRPCRateLimited(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	adapter := NewWebAdapter("0", f.coreAPIs, f.limiter, testLogger())

	f.limiter.SetCredits("192.0.2.7", 0)
	status, response := postRPC(t, adapter, `{"id":1,"method":"auth/refreshToken","params":{"refreshToken":"x"}}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	require.NotNil(t, response.Error)
	assert.Equal(t, model.CodeTooManyRequests, response.Error.Code)
}

func TestServeVersion(t *testing.T) {
	f := newWebFixture(t, model.DefaultConfig())
	adapter := NewWebAdapter("0", f.coreAPIs, f.limiter, testLogger())

	request := httptest.NewRequest(http.MethodGet, "/version", nil)
	recorder := httptest.NewRecorder()
	adapter.serveVersion(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "1.0.0", recorder.Body.String())
}
