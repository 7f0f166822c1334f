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
	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/logs"
)

//additional rate limit cost of the credential-bearing methods, on top of the
//base per-request cost. Password hashing and email delivery are expensive,
//so brute forcing them has to be too.
const (
	costLogin    int64 = 20
	costRegister int64 = 50
	costToken    int64 = 20
	costResend   int64 = 30
)

type registerParams struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	Name        string `json:"name" validate:"required"`
	Language    string `json:"language"`
	SessionName string `json:"sessionName"`
}

type loginParams struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	SessionName string `json:"sessionName"`
}

type refreshTokenParams struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type forkTokenParams struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	Name         string `json:"name" validate:"required"`
}

type clientCredentialsParams struct {
	ClientID     string   `json:"clientId" validate:"required"`
	ClientSecret string   `json:"clientSecret" validate:"required"`
	Scopes       []string `json:"scopes"`
}

type signatureParams struct {
	Assertion string   `json:"assertion" validate:"required"`
	Scopes    []string `json:"scopes"`
}

type bindConnectionParams struct {
	AccessToken string `json:"accessToken" validate:"required"`
}

type resendLoginCodeParams struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	Challenge string `json:"challenge" validate:"required"`
}

type updateProfileParams struct {
	Name     string `json:"name" validate:"required"`
	Language string `json:"language"`
}

type changePasswordParams struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=8"`
}

type enableSecondFactorParams struct {
	Type string `json:"type" validate:"required"`
	Code string `json:"code"`
}

type createAPIKeyParams struct {
	Name      string   `json:"name" validate:"required"`
	MaxScopes []string `json:"maxScopes"`
	PublicKey *string  `json:"publicKey"`
}

type setAPIKeyEnabledParams struct {
	ID      string `json:"id" validate:"required"`
	Enabled bool   `json:"enabled"`
}

type deleteAPIKeyParams struct {
	ID string `json:"id" validate:"required"`
}

func (d *Dispatcher) registerMethods() {
	d.register("auth/register", methodDescriptor{additionalCost: costRegister,
		paramsFactory: func() interface{} { return &registerParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*registerParams)
			return d.coreAPIs.Auth.Register(p.Email, p.Password, p.Name, p.Language, p.SessionName, ctx.deviceID, ctx.ip, l)
		}})

	d.register("auth/login", methodDescriptor{additionalCost: costLogin,
		paramsFactory: func() interface{} { return &loginParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*loginParams)
			return d.coreAPIs.Auth.Login(p.Email, p.Password, p.SessionName, ctx.deviceID, ctx.ip,
				ctx.connectionID, ctx.challenge, ctx.requestHash, l)
		}})

	d.register("auth/resendLoginCode", methodDescriptor{additionalCost: costResend,
		paramsFactory: func() interface{} { return &resendLoginCodeParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*resendLoginCodeParams)
			return nil, d.coreAPIs.Auth.ResendLoginChallengeCode(p.Email, p.Password, p.Challenge, ctx.ip, l)
		}})

	d.register("auth/refreshToken", methodDescriptor{
		paramsFactory: func() interface{} { return &refreshTokenParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*refreshTokenParams)
			return d.coreAPIs.Auth.RefreshToken(p.RefreshToken, l)
		}})

	d.register("auth/forkToken", methodDescriptor{
		paramsFactory: func() interface{} { return &forkTokenParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*forkTokenParams)
			return d.coreAPIs.Auth.ForkToken(p.RefreshToken, p.Name, ctx.ip, l)
		}})

	d.register("auth/token", methodDescriptor{additionalCost: costToken,
		paramsFactory: func() interface{} { return &clientCredentialsParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*clientCredentialsParams)
			return d.coreAPIs.Auth.GetAccessTokenFromClientCredentials(p.ClientID, p.ClientSecret, p.Scopes, ctx.deviceID, ctx.ip, l)
		}})

	d.register("auth/tokenFromSignature", methodDescriptor{additionalCost: costToken,
		paramsFactory: func() interface{} { return &signatureParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*signatureParams)
			return d.coreAPIs.Auth.GetAccessTokenFromSignature(p.Assertion, p.Scopes, ctx.deviceID, ctx.ip, l)
		}})

	d.register("auth/bindConnection", methodDescriptor{
		paramsFactory: func() interface{} { return &bindConnectionParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*bindConnectionParams)
			if ctx.connectionID == nil {
				return nil, model.NewAPIError(model.CodeInvalidParams, "connection id required")
			}
			authorization, err := d.coreAPIs.Auth.BindAccessToken(p.AccessToken, *ctx.connectionID, l)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"userId": authorization.User.ID,
				"sessionId": authorization.Session.ID, "scopes": authorization.Scopes}, nil
		}})

	d.register("auth/logout", methodDescriptor{requiresAuth: true,
		paramsFactory: func() interface{} { return &struct{}{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			return nil, d.coreAPIs.Auth.Logout(ctx.authorization.Session.ID, l)
		}})

	d.register("auth/logoutAll", methodDescriptor{requiresAuth: true, secondFactor: true,
		paramsFactory: func() interface{} { return &struct{}{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			return nil, d.coreAPIs.Auth.LogoutAll(ctx.authorization.User.ID, l)
		}})

	d.register("secondFactor/enable", methodDescriptor{requiresAuth: true,
		paramsFactory: func() interface{} { return &enableSecondFactorParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*enableSecondFactorParams)
			info, err := d.coreAPIs.Auth.EnableSecondFactor(ctx.authorization.User, p.Type, p.Code, l)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"info": info}, nil
		}})

	d.register("secondFactor/disable", methodDescriptor{requiresAuth: true, secondFactor: true,
		paramsFactory: func() interface{} { return &struct{}{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			return nil, d.coreAPIs.Auth.DisableSecondFactor(ctx.authorization.User)
		}})

	d.register("profile/get", methodDescriptor{requiresAuth: true, requiredScopes: []string{"profile"},
		paramsFactory: func() interface{} { return &struct{}{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			return d.coreAPIs.Services.SerGetProfile(*ctx.authorization, l)
		}})

	d.register("profile/update", methodDescriptor{requiresAuth: true, requiredScopes: []string{"profile"},
		paramsFactory: func() interface{} { return &updateProfileParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*updateProfileParams)
			return nil, d.coreAPIs.Services.SerUpdateProfile(*ctx.authorization, p.Name, p.Language, l)
		}})

	d.register("profile/changePassword", methodDescriptor{requiresAuth: true, requiredScopes: []string{"profile"}, secondFactor: true,
		paramsFactory: func() interface{} { return &changePasswordParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*changePasswordParams)
			return nil, d.coreAPIs.Services.SerChangePassword(*ctx.authorization, p.OldPassword, p.NewPassword, l)
		}})

	d.register("apiKeys/create", methodDescriptor{requiresAuth: true, requiredScopes: []string{"apiKeys"}, secondFactor: true,
		paramsFactory: func() interface{} { return &createAPIKeyParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*createAPIKeyParams)
			return d.coreAPIs.Services.SerCreateAPIKey(*ctx.authorization, p.Name, p.MaxScopes, p.PublicKey, l)
		}})

	d.register("apiKeys/list", methodDescriptor{requiresAuth: true, requiredScopes: []string{"apiKeys"},
		paramsFactory: func() interface{} { return &struct{}{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			return d.coreAPIs.Services.SerGetAPIKeys(*ctx.authorization, l)
		}})

	d.register("apiKeys/setEnabled", methodDescriptor{requiresAuth: true, requiredScopes: []string{"apiKeys"}, secondFactor: true,
		paramsFactory: func() interface{} { return &setAPIKeyEnabledParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*setAPIKeyEnabledParams)
			return nil, d.coreAPIs.Services.SerSetAPIKeyEnabled(*ctx.authorization, p.ID, p.Enabled, l)
		}})

	d.register("apiKeys/delete", methodDescriptor{requiresAuth: true, requiredScopes: []string{"apiKeys"}, secondFactor: true,
		paramsFactory: func() interface{} { return &deleteAPIKeyParams{} },
		handler: func(ctx *requestContext, params interface{}, l *logs.Log) (interface{}, error) {
			p := params.(*deleteAPIKeyParams)
			return nil, d.coreAPIs.Services.SerDeleteAPIKey(*ctx.authorization, p.ID, l)
		}})
}
