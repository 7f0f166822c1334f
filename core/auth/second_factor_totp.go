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
	"auth-building-block/core/model"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// totpSecondFactorImpl validates time-based one-time codes. On top of the
// shared per-challenge attempt cap it keeps a global per-(IP, user)
// unsuccessful counter in the rate limiter - exceeding it bans the IP, flags
// the account as a possible attack target and warns the account owner once
// per flag window. An accepted code is consumed through the nonce registry,
// so it cannot be replayed inside the replay window even though the standard
// totp time window would still accept it.
type totpSecondFactorImpl struct {
	auth *Auth
}

func (s *totpSecondFactorImpl) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
}

func (s *totpSecondFactorImpl) prepareChallenge(user model.User, secondFactor model.SecondFactor, requestHash string, l *logs.Log) (string, *model.Challenge, error) {
	now := s.auth.now()
	challenge := model.Challenge{ID: uuid.NewString(), UserID: user.ID, Type: model.SecondFactorTypeTotp,
		RequestHash: requestHash, DateCreated: now,
		Expires: now.Add(s.auth.config.SecondFactorChallengeTTL)}

	return "enter the code from your authenticator app", &challenge, nil
}

func (s *totpSecondFactorImpl) validateChallenge(user model.User, secondFactor model.SecondFactor, challenge model.Challenge,
	code string, ip string, requestHash string, l *logs.Log) error {

	if secondFactor.Secret == nil {
		return errors.ErrorData(logutils.StatusMissing, model.TypeSecondFactor, &logutils.FieldArgs{"user_id": user.ID, "missing": "totp secret"})
	}

	now := s.auth.now()
	if s.auth.config.TotpCooldownEnabled && challenge.LastAttempt != nil &&
		now.Sub(*challenge.LastAttempt) < s.auth.config.TotpCooldown {
		return model.NewAPIError(model.CodeSecondFactorCooldown, "attempts too frequent")
	}

	challenge.LastAttempt = &now
	err := s.auth.challenges.ModifyChallenge(challenge)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeChallenge, logutils.StringArgs(challenge.ID), err)
	}

	if challenge.RequestHash != requestHash {
		left, err := s.failedAttempt(user, challenge, ip, l)
		if err != nil {
			return err
		}
		return model.NewAPIErrorData(model.CodeSecondFactorVerificationFailed, "challenge does not match the request", map[string]interface{}{"attemptsLeft": left})
	}

	valid, err := totp.ValidateCustom(code, *secondFactor.Secret, now, s.validateOpts())
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionValidate, "totp code", nil, err)
	}
	if !valid {
		left, err := s.failedAttempt(user, challenge, ip, l)
		if err != nil {
			return err
		}
		return model.NewAPIErrorData(model.CodeSecondFactorInvalidCode, "invalid code", map[string]interface{}{"attemptsLeft": left})
	}

	fresh, err := s.auth.nonces.Use("totp:"+user.ID+":"+code, now.Add(s.auth.config.TotpReplayWindow))
	if err != nil {
		return errors.WrapErrorAction("using", model.TypeNonce, nil, err)
	}
	if !fresh {
		return model.NewAPIError(model.CodeSecondFactorCodeDuplicated, "code already used")
	}

	err = s.auth.rateLimiter.ResetTotpCount(ip, user.ID)
	if err != nil {
		l.Warnf("error resetting totp count for %s/%s: %v", ip, user.ID, err)
	}
	return nil
}

// failedAttempt applies both layers of consequence for an unsuccessful code:
// the global per-(ip, user) counter with its ban escalation, then the shared
// per-challenge attempt cap
func (s *totpSecondFactorImpl) failedAttempt(user model.User, challenge model.Challenge, ip string, l *logs.Log) (int, error) {
	count, err := s.auth.rateLimiter.IncreaseTotpCount(ip, user.ID)
	if err != nil {
		return 0, errors.WrapErrorAction(logutils.ActionUpdate, "totp attempt count", nil, err)
	}

	if count > s.auth.config.TotpAttemptLimit {
		err = s.auth.rateLimiter.BanIPAddress(ip, s.auth.config.TotpBanDuration)
		if err != nil {
			l.Warnf("error banning %s: %v", ip, err)
		}

		alreadyFlagged, err := s.auth.rateLimiter.MarkPossibleAttackTarget(user.ID, s.auth.config.AttackFlagDuration)
		if err != nil {
			l.Warnf("error flagging user %s as possible attack target: %v", user.ID, err)
		} else if !alreadyFlagged {
			err = s.auth.emailer.SendPossibleUnauthorizedLoginWarning(user.Language, user.Email)
			if err != nil {
				l.Warnf("error sending unauthorized login warning to user %s: %v", user.ID, err)
			}
		}
	}

	return s.auth.recordFailedAttempt(challenge)
}

// enable is a two step flow: without a code it generates a fresh secret and
// returns the provisioning URL, with a code it verifies the pending secret
// and activates the factor. The secret never changes once activated.
func (s *totpSecondFactorImpl) enable(user model.User, code string, l *logs.Log) (*model.SecondFactor, string, error) {
	pending := user.SecondFactor
	now := s.auth.now()

	if code == "" || pending == nil || pending.Secret == nil {
		if pending != nil && pending.Enabled {
			return nil, "", model.NewAPIError(model.CodeSecondFactorAlreadyEnabled, "second factor already enabled")
		}

		key, err := totp.Generate(totp.GenerateOpts{Issuer: s.auth.host, AccountName: user.Email})
		if err != nil {
			return nil, "", errors.WrapErrorAction(logutils.ActionGenerate, "totp secret", nil, err)
		}

		secret := key.Secret()
		secondFactor := model.SecondFactor{Type: model.SecondFactorTypeTotp, Enabled: false,
			Secret: &secret, KnownDevices: []string{}, DateCreated: now}
		return &secondFactor, key.URL(), nil
	}

	if pending.Enabled {
		return nil, "", model.NewAPIError(model.CodeSecondFactorAlreadyEnabled, "second factor already enabled")
	}

	valid, err := totp.ValidateCustom(code, *pending.Secret, now, s.validateOpts())
	if err != nil {
		return nil, "", errors.WrapErrorAction(logutils.ActionValidate, "totp code", nil, err)
	}
	if !valid {
		return nil, "", model.NewAPIError(model.CodeSecondFactorInvalidCode, "invalid code")
	}

	activated := *pending
	activated.Enabled = true
	return &activated, "", nil
}

// resendCode is meaningless for totp - the code comes from the user's device
func (s *totpSecondFactorImpl) resendCode(user model.User, challenge model.Challenge, l *logs.Log) error {
	return errors.New(logutils.Unimplemented)
}

func initTotpSecondFactor(auth *Auth) (*totpSecondFactorImpl, error) {
	totpImpl := &totpSecondFactorImpl{auth: auth}

	err := auth.registerSecondFactorType(model.SecondFactorTypeTotp, totpImpl)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionRegister, typeSecondFactorType, logutils.StringArgs(model.SecondFactorTypeTotp), err)
	}
	return totpImpl, nil
}
