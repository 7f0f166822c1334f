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
	"fmt"
	"strings"

	"auth-building-block/core/model"
	"auth-building-block/utils"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

const emailCodeMax int = 10000 //4 digits, zero padded

// emailSecondFactorImpl delivers one-time codes over email. A challenge is
// bound to the exact request hash that triggered it, so a code obtained for
// one action can never validate a different one.
type emailSecondFactorImpl struct {
	auth *Auth
}

func (s *emailSecondFactorImpl) generateCode() string {
	return fmt.Sprintf("%04d", utils.GenerateRandomInt(emailCodeMax))
}

func (s *emailSecondFactorImpl) prepareChallenge(user model.User, secondFactor model.SecondFactor, requestHash string, l *logs.Log) (string, *model.Challenge, error) {
	code := s.generateCode()

	now := s.auth.now()
	challenge := model.Challenge{ID: uuid.NewString(), UserID: user.ID, Type: model.SecondFactorTypeEmail,
		RequestHash: requestHash, Code: code, DateCreated: now,
		Expires: now.Add(s.auth.config.SecondFactorChallengeTTL)}

	err := s.auth.emailer.SendSecondFactorCodeMail(user.Language, user.Email, code)
	if err != nil {
		return "", nil, errors.WrapErrorAction(logutils.ActionSend, "verification code email", nil, err)
	}

	info := fmt.Sprintf("code sent to %s", maskEmail(user.Email))
	return info, &challenge, nil
}

func (s *emailSecondFactorImpl) validateChallenge(user model.User, secondFactor model.SecondFactor, challenge model.Challenge,
	code string, ip string, requestHash string, l *logs.Log) error {

	if challenge.RequestHash != requestHash {
		left, err := s.auth.recordFailedAttempt(challenge)
		if err != nil {
			return err
		}
		return model.NewAPIErrorData(model.CodeSecondFactorVerificationFailed, "challenge does not match the request", map[string]interface{}{"attemptsLeft": left})
	}

	if challenge.Code != code {
		left, err := s.auth.recordFailedAttempt(challenge)
		if err != nil {
			return err
		}
		return model.NewAPIErrorData(model.CodeSecondFactorInvalidCode, "invalid code", map[string]interface{}{"attemptsLeft": left})
	}

	return nil
}

// enable turns on the email factor directly - the address was already
// verified during account activation
func (s *emailSecondFactorImpl) enable(user model.User, code string, l *logs.Log) (*model.SecondFactor, string, error) {
	secondFactor := model.SecondFactor{Type: model.SecondFactorTypeEmail, Enabled: true,
		KnownDevices: []string{}, DateCreated: s.auth.now()}
	return &secondFactor, "", nil
}

// resendCode emails a fresh code, invalidating the previous one
func (s *emailSecondFactorImpl) resendCode(user model.User, challenge model.Challenge, l *logs.Log) error {
	if challenge.Sends >= s.auth.config.SecondFactorMaxResends {
		return model.NewAPIError(model.CodeSecondFactorResendLimitExceeded, "resend limit exceeded")
	}

	code := s.generateCode()

	challenge.Code = code
	challenge.Sends++
	err := s.auth.challenges.ModifyChallenge(challenge)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeChallenge, logutils.StringArgs(challenge.ID), err)
	}

	err = s.auth.emailer.SendSecondFactorCodeMail(user.Language, user.Email, code)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionSend, "verification code email", nil, err)
	}
	return nil
}

func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 1 {
		return email
	}
	return email[:1] + strings.Repeat("*", at-1) + email[at:]
}

func initEmailSecondFactor(auth *Auth) (*emailSecondFactorImpl, error) {
	email := &emailSecondFactorImpl{auth: auth}

	err := auth.registerSecondFactorType(model.SecondFactorTypeEmail, email)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionRegister, typeSecondFactorType, logutils.StringArgs(model.SecondFactorTypeEmail), err)
	}
	return email, nil
}
