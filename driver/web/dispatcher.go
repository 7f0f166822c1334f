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

	"auth-building-block/core"
	"auth-building-block/core/auth"
	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"
	"auth-building-block/utils"

	"github.com/rokwire/logging-library-go/v2/logs"
	"gopkg.in/go-playground/validator.v9"
)

// handlerFunc is the body of one RPC method, invoked after every gate passed
type handlerFunc func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error)

// methodDescriptor declares a method's gates: the cost it debits beyond the
// base request cost, whether it needs an authorization, the scopes that
// authorization must satisfy and whether the second factor gate applies
type methodDescriptor struct {
	handler       handlerFunc
	paramsFactory func() interface{}

	requiresAuth   bool
	requiredScopes []string
	secondFactor   bool
	additionalCost int64
}

// requestContext is the per-request state handed to method handlers
type requestContext struct {
	authorization *auth.Authorization

	ip           string
	deviceID     string
	connectionID *string

	//for handlers that run the second factor gate themselves (login)
	challenge   *auth.ChallengeAnswer
	requestHash string
}

// requestEnvelope is the auth sub-object embedded in method params. It is
// separated from the method's own params before validation, so handlers
// never see it.
type requestEnvelope struct {
	Challenge         *auth.ChallengeAnswer `json:"challenge,omitempty"`
	AuthorizationData *authorizationData    `json:"authorizationData,omitempty"`
}

type authorizationData struct {
	AccessToken  string  `json:"accessToken,omitempty"`
	DeviceID     string  `json:"deviceId,omitempty"`
	ConnectionID *string `json:"connectionId,omitempty"`
}

// Dispatcher resolves inbound (method, params) pairs to registered handlers
// and runs the fixed gate pipeline around them
type Dispatcher struct {
	coreAPIs    *core.APIs
	rateLimiter interfaces.RateLimiter

	methods  map[string]methodDescriptor
	validate *validator.Validate
}

// NewDispatcher creates a dispatcher with the full method table registered
func NewDispatcher(coreAPIs *core.APIs, rateLimiter interfaces.RateLimiter) *Dispatcher {
	dispatcher := &Dispatcher{coreAPIs: coreAPIs, rateLimiter: rateLimiter,
		methods: make(map[string]methodDescriptor), validate: validator.New()}
	dispatcher.registerMethods()
	return dispatcher
}

// Dispatch runs one request through the pipeline: additional cost debit,
// envelope extraction, authorization and scope check, parameter validation,
// second factor gate, handler body.
func (d *Dispatcher) Dispatch(method string, rawParams json.RawMessage, ip string, l *logs.Log) (interface{}, error) {
	descriptor, ok := d.methods[method]
	if !ok {
		return nil, model.NewAPIError(model.CodeMethodNotFound, "method not found: "+method)
	}

	//costly methods pay up front, before anything else runs
	if descriptor.additionalCost > 0 {
		allowed, err := d.rateLimiter.PayAdditionalCostIfPossible(ip, descriptor.additionalCost)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, &model.TooManyRequestsError{}
		}
	}

	if rawParams == nil {
		rawParams = json.RawMessage("{}")
	}

	var envelope requestEnvelope
	err := json.Unmarshal(rawParams, &envelope)
	if err != nil {
		return nil, model.NewAPIError(model.CodeInvalidParams, "malformed params")
	}

	hash, err := requestHash(method, rawParams)
	if err != nil {
		return nil, err
	}

	ctx := &requestContext{ip: ip, challenge: envelope.Challenge, requestHash: hash}
	if envelope.AuthorizationData != nil {
		ctx.deviceID = envelope.AuthorizationData.DeviceID
		ctx.connectionID = envelope.AuthorizationData.ConnectionID
	}

	if descriptor.requiresAuth {
		authorization, err := d.resolveAuthorization(envelope.AuthorizationData, l)
		if err != nil {
			return nil, err
		}
		ctx.authorization = authorization

		if !model.ScopesSatisfy(authorization.Scopes, descriptor.requiredScopes) {
			return nil, model.NewAPIError(model.CodeAccessDenied, "insufficient scope")
		}
	}

	params := descriptor.paramsFactory()
	err = json.Unmarshal(rawParams, params)
	if err != nil {
		return nil, model.NewAPIError(model.CodeInvalidParams, "malformed params")
	}
	err = d.validate.Struct(params)
	if err != nil {
		return nil, model.NewAPIErrorData(model.CodeInvalidParams, "invalid params", err.Error())
	}

	if descriptor.secondFactor && ctx.authorization != nil {
		err = d.coreAPIs.Auth.CheckSecondFactor(ctx.authorization.User, ctx.challenge, ctx.deviceID, ip, ctx.requestHash, l)
		if err != nil {
			return nil, err
		}
	}

	return descriptor.handler(ctx, params, l)
}

// resolveAuthorization turns the embedded auth data into an authorization,
// preferring an explicit access token over a bound connection
func (d *Dispatcher) resolveAuthorization(data *authorizationData, l *logs.Log) (*auth.Authorization, error) {
	if data == nil {
		return nil, model.NewAPIError(model.CodeUnauthorized, "authorization required")
	}
	if data.AccessToken != "" {
		return d.coreAPIs.Auth.GetAuthFromAccessToken(data.AccessToken, l)
	}
	if data.ConnectionID != nil {
		return d.coreAPIs.Auth.GetAuthFromConnection(*data.ConnectionID, l)
	}
	return nil, model.NewAPIError(model.CodeUnauthorized, "authorization required")
}

// requestHash canonicalizes the method and its params, with the auth
// envelope stripped, into a digest a challenge can be bound to. The retried
// request carries a challenge answer but hashes identically, because the
// envelope keys are excluded.
func requestHash(method string, rawParams json.RawMessage) (string, error) {
	var generic map[string]interface{}
	err := json.Unmarshal(rawParams, &generic)
	if err != nil {
		return "", model.NewAPIError(model.CodeInvalidParams, "malformed params")
	}
	delete(generic, "challenge")
	delete(generic, "authorizationData")

	//map keys marshal sorted, so the encoding is canonical
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", model.NewAPIError(model.CodeInternalError, "internal error")
	}
	return utils.SHA256Hash([]byte(method + ":" + string(canonical))), nil
}

func (d *Dispatcher) register(method string, descriptor methodDescriptor) {
	d.methods[method] = descriptor
}
