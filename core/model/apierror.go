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

import "fmt"

// API error codes surfaced on the JSON-RPC boundary
const (
	//credentials
	CodeInvalidCredentials int = 0x0020
	CodeUserDoesntExist    int = 0x0021
	CodeUserAlreadyExists  int = 0x0022

	//second factor
	CodeSecondFactorRequired             int = 0x0030
	CodeSecondFactorVerificationFailed   int = 0x0031
	CodeSecondFactorChallengeDoesntExist int = 0x0032
	CodeSecondFactorInvalidCode          int = 0x0033
	CodeSecondFactorTooManyAttempts      int = 0x0034
	CodeSecondFactorCodeDuplicated       int = 0x0035
	CodeSecondFactorResendLimitExceeded  int = 0x0036
	CodeSecondFactorCooldown             int = 0x0037
	CodeSecondFactorAlreadyEnabled       int = 0x0038
	CodeSecondFactorNotEnabled           int = 0x0039

	//tokens
	CodeInvalidToken     int = 0x0049
	CodeTokenDoesntExist int = 0x004A
	CodeTokenExpired     int = 0x004B
	CodeTokenRevoked     int = 0x004C

	//api keys
	CodeAPIKeyDoesntExist int = 0x0060
	CodeAPIKeyDisabled    int = 0x0061

	//access
	CodeAccessDenied        int = 0x0070
	CodeUnauthorized        int = 0x0071
	CodeAccountBlocked      int = 0x0072
	CodeAccountNotActivated int = 0x0073

	//request signatures
	CodeInvalidSignature    int = 0x0080
	CodeNonceAlreadyUsed    int = 0x0081
	CodeTimestampOutOfRange int = 0x0082

	//internal
	CodeInternalError int = 0x00FF
)

// JSON-RPC transport error codes
const (
	CodeParseError      int = -32700
	CodeInvalidRequest  int = -32600
	CodeMethodNotFound  int = -32601
	CodeInvalidParams   int = -32602
	CodeTooManyRequests int = -32000
)

// APIError is a policy-level error surfaced to the caller as a structured
// {code, message, data} triple. Anything that is not an APIError is reported
// as an opaque internal error.
type APIError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("api error %#04x: %s", e.Code, e.Message)
}

// NewAPIError creates an API error with the given code and message
func NewAPIError(code int, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// NewAPIErrorData creates an API error carrying additional data
func NewAPIErrorData(code int, message string, data interface{}) *APIError {
	return &APIError{Code: code, Message: message, Data: data}
}

// TooManyRequestsError marks a rate-limited request. It lives outside the
// JSON-RPC code space and maps to HTTP 429 at the web adapter.
type TooManyRequestsError struct{}

// Error implements the error interface
func (e *TooManyRequestsError) Error() string {
	return "too many requests"
}

// SecondFactorRequired is the distinguished signal returned instead of a
// method result when a second factor gate fires. Callers detect it by the
// presence of secondFactorRequired in the payload.
type SecondFactorRequired struct {
	ChallengeID string `json:"challenge"`
	Info        string `json:"secondFactorInfo"`
}

// Error implements the error interface
func (e *SecondFactorRequired) Error() string {
	return fmt.Sprintf("second factor required: challenge %s", e.ChallengeID)
}
