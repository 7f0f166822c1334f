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

package auth

import (
	"crypto/ed25519"
	"encoding/base64"

	"auth-building-block/core/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// verifyClientAssertion checks a signed JWT client assertion and returns the
// API key it authenticates. The issuer claim names the client, the signature
// is verified against the client's shared secret (HS256) or registered
// Ed25519 public key (EdDSA), the issued-at must fall inside the allowed
// clock skew and the jti nonce is consumed through the nonce registry, so a
// captured assertion cannot be replayed.
func (a *Auth) verifyClientAssertion(assertion string, l *logs.Log) (*model.APIKey, *model.User, error) {
	var apiKey *model.APIKey
	var user *model.User
	var keyfuncErr *model.APIError

	keyfunc := func(token *jwt.Token) (interface{}, error) {
		claims, ok := token.Claims.(*jwt.RegisteredClaims)
		if !ok || claims.Issuer == "" {
			return nil, errors.ErrorData(logutils.StatusMissing, "assertion issuer", nil)
		}

		var err error
		apiKey, user, err = a.storage.FindAPIKeyAndUser(claims.Issuer)
		if err != nil {
			return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, logutils.StringArgs(claims.Issuer), err)
		}
		if apiKey == nil {
			keyfuncErr = model.NewAPIError(model.CodeAPIKeyDoesntExist, "api key does not exist")
			return nil, keyfuncErr
		}

		switch token.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			if apiKey.Secret == nil {
				keyfuncErr = model.NewAPIError(model.CodeInvalidSignature, "client has no shared secret")
				return nil, keyfuncErr
			}
			return []byte(*apiKey.Secret), nil
		case jwt.SigningMethodEdDSA.Alg():
			if apiKey.PublicKey == nil {
				keyfuncErr = model.NewAPIError(model.CodeInvalidSignature, "client has no public key")
				return nil, keyfuncErr
			}
			raw, err := base64.StdEncoding.DecodeString(*apiKey.PublicKey)
			if err != nil || len(raw) != ed25519.PublicKeySize {
				return nil, errors.ErrorData(logutils.StatusInvalid, "client public key", logutils.StringArgs(apiKey.ID))
			}
			return ed25519.PublicKey(raw), nil
		}
		return nil, errors.ErrorData(logutils.StatusInvalid, "signing method", logutils.StringArgs(token.Method.Alg()))
	}

	token, err := jwt.ParseWithClaims(assertion, &jwt.RegisteredClaims{}, keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation())
	if err != nil {
		if keyfuncErr != nil {
			return nil, nil, keyfuncErr
		}
		return nil, nil, model.NewAPIError(model.CodeInvalidSignature, "invalid signature")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return nil, nil, model.NewAPIError(model.CodeInvalidSignature, "invalid signature")
	}

	now := a.now()
	if claims.IssuedAt == nil {
		return nil, nil, model.NewAPIError(model.CodeTimestampOutOfRange, "assertion has no issued-at")
	}
	skew := a.config.SignatureClockSkew
	if claims.IssuedAt.Time.Before(now.Add(-skew)) || claims.IssuedAt.Time.After(now.Add(skew)) {
		return nil, nil, model.NewAPIError(model.CodeTimestampOutOfRange, "assertion issued-at out of range")
	}

	if claims.ID == "" {
		return nil, nil, model.NewAPIError(model.CodeInvalidSignature, "assertion has no nonce")
	}
	fresh, err := a.nonces.Use("assertion:"+apiKey.ID+":"+claims.ID, now.Add(a.config.NonceTTL))
	if err != nil {
		return nil, nil, errors.WrapErrorAction("using", model.TypeNonce, nil, err)
	}
	if !fresh {
		return nil, nil, model.NewAPIError(model.CodeNonceAlreadyUsed, "nonce already used")
	}

	return apiKey, user, nil
}
