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
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"

	"auth-building-block/core/model"
	"auth-building-block/utils"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// TokenType discriminates access from refresh tokens. It is carried
// out-of-band as the cipher's additional data, so a token sealed as one type
// never decodes as the other.
type TokenType string

const (
	//TokenTypeAccess access token
	TokenTypeAccess TokenType = "access"
	//TokenTypeRefresh refresh token
	TokenTypeRefresh TokenType = "refresh"

	tokenMagic byte = 0x74

	tokenKeyIDLen   int = 16
	tokenIVLen      int = 12
	tokenAuthTagLen int = 16
)

// tokenPayload is the sealed token plaintext.
// Wire format: magic(1) || keyID(16) || iv(12) || ciphertext || authTag(16),
// AES-256-GCM, base64url encoded.
type tokenPayload struct {
	SessionID    string  `json:"sessionId"`
	Seq          int64   `json:"seq"`
	Expires      int64   `json:"expires"`
	ConnectionID *string `json:"connectionId,omitempty"`
}

// TokenPair is an access/refresh token pair
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (a *Auth) encodeToken(tokenType TokenType, payload tokenPayload) (string, error) {
	key, err := a.keys.CurrentKey()
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionGet, model.TypeTokenEncryptionKey, nil, err)
	}
	keyID, err := uuid.Parse(key.ID)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionParse, model.TypeTokenEncryptionKey, logutils.StringArgs(key.ID), err)
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionInitialize, "cipher", nil, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionInitialize, "gcm", nil, err)
	}

	iv, err := utils.GenerateRandomBytes(tokenIVLen)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionGenerate, "token iv", nil, err)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionMarshal, model.TypeToken, nil, err)
	}

	blob := make([]byte, 0, 1+tokenKeyIDLen+tokenIVLen+len(plaintext)+tokenAuthTagLen)
	blob = append(blob, tokenMagic)
	blob = append(blob, keyID[:]...)
	blob = append(blob, iv...)
	blob = gcm.Seal(blob, iv, plaintext, []byte(tokenType))

	return base64.RawURLEncoding.EncodeToString(blob), nil
}

// decodeToken unseals and parses a token of the given type. Any malformed or
// tampered token fails with an invalid token error - it never silently
// returns wrong data. Token expiry is not checked here.
func (a *Auth) decodeToken(tokenType TokenType, token string) (*tokenPayload, error) {
	invalid := model.NewAPIError(model.CodeInvalidToken, "invalid token")

	blob, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, invalid
	}
	if len(blob) < 1+tokenKeyIDLen+tokenIVLen+tokenAuthTagLen || blob[0] != tokenMagic {
		return nil, invalid
	}

	keyID, err := uuid.FromBytes(blob[1 : 1+tokenKeyIDLen])
	if err != nil {
		return nil, invalid
	}

	//a key rotated past its hard expiry means every token sealed with it is stale
	key, err := a.keys.FindKey(keyID.String())
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionGet, model.TypeTokenEncryptionKey, nil, err)
	}
	if key == nil {
		return nil, model.NewAPIError(model.CodeTokenExpired, "token expired")
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInitialize, "cipher", nil, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionInitialize, "gcm", nil, err)
	}

	iv := blob[1+tokenKeyIDLen : 1+tokenKeyIDLen+tokenIVLen]
	ciphertext := blob[1+tokenKeyIDLen+tokenIVLen:]
	plaintext, err := gcm.Open(nil, iv, ciphertext, []byte(tokenType))
	if err != nil {
		return nil, invalid
	}

	var payload tokenPayload
	err = json.Unmarshal(plaintext, &payload)
	if err != nil {
		return nil, invalid
	}
	return &payload, nil
}

func (a *Auth) isTokenExpired(payload tokenPayload) bool {
	return payload.Expires <= a.now().Unix()
}
