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

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

// secondFactorType is the interface each second factor strategy implements.
// Shared policy - challenge storage, attempt caps, known devices - lives in
// the dispatcher; strategies only supply the factor-specific behavior.
type secondFactorType interface {
	//prepareChallenge builds a new challenge for the user and returns a
	//human-readable info string describing what the caller must do
	prepareChallenge(user model.User, secondFactor model.SecondFactor, requestHash string, l *logs.Log) (string, *model.Challenge, error)
	//validateChallenge checks the submitted code against the challenge
	validateChallenge(user model.User, secondFactor model.SecondFactor, challenge model.Challenge, code string, ip string, requestHash string, l *logs.Log) error
	//enable builds or activates the user's second factor record
	enable(user model.User, code string, l *logs.Log) (*model.SecondFactor, string, error)
	//resendCode re-delivers the challenge code where the factor supports it
	resendCode(user model.User, challenge model.Challenge, l *logs.Log) error
}

// ChallengeAnswer is the caller-supplied answer to a pending challenge,
// embedded in the params of the retried request
type ChallengeAnswer struct {
	Challenge      string `json:"challenge" validate:"required"`
	Code           string `json:"code" validate:"required"`
	RememberDevice bool   `json:"rememberDevice"`
}

// CheckSecondFactor is the second factor gate. It returns nil when the user
// may proceed: no enabled factor, a known device, a challenge recently
// passed from the same IP, or a valid challenge answer. Without an answer it
// prepares a challenge and returns the distinguished second-factor-required
// signal.
func (a *Auth) CheckSecondFactor(user model.User, answer *ChallengeAnswer, deviceID string, ip string, requestHash string, l *logs.Log) error {
	if !user.HasSecondFactor() {
		return nil
	}
	secondFactor := *user.SecondFactor

	if deviceID != "" && secondFactor.IsKnownDevice(deviceID) {
		return nil
	}

	if answer == nil {
		//an answer is always verified when supplied, so the IP exemption only
		//decides whether a new challenge must be raised
		if secondFactor.IsSatisfiedByIP(ip, a.now(), a.config.SecondFactorIPExemptTTL) {
			return nil
		}
		return a.prepareSecondFactorChallenge(user, secondFactor, requestHash, l)
	}
	return a.validateSecondFactorChallenge(user, secondFactor, *answer, deviceID, ip, requestHash, l)
}

// prepareSecondFactorChallenge creates and stores a challenge and returns the
// second-factor-required signal carrying its ID
func (a *Auth) prepareSecondFactorChallenge(user model.User, secondFactor model.SecondFactor, requestHash string, l *logs.Log) error {
	strategy, err := a.getSecondFactorType(secondFactor.Type)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGet, typeSecondFactorType, logutils.StringArgs(secondFactor.Type), err)
	}

	info, challenge, err := strategy.prepareChallenge(user, secondFactor, requestHash, l)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionCreate, model.TypeChallenge, nil, err)
	}

	err = a.challenges.SaveChallenge(*challenge)
	if err != nil {
		return errors.WrapErrorAction("saving", model.TypeChallenge, nil, err)
	}

	return &model.SecondFactorRequired{ChallengeID: challenge.ID, Info: info}
}

func (a *Auth) validateSecondFactorChallenge(user model.User, secondFactor model.SecondFactor, answer ChallengeAnswer,
	deviceID string, ip string, requestHash string, l *logs.Log) error {

	challenge, err := a.challenges.GetChallenge(user.ID, answer.Challenge)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGet, model.TypeChallenge, logutils.StringArgs(answer.Challenge), err)
	}
	if challenge == nil {
		return model.NewAPIError(model.CodeSecondFactorChallengeDoesntExist, "challenge does not exist")
	}

	strategy, err := a.getSecondFactorType(challenge.Type)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGet, typeSecondFactorType, logutils.StringArgs(challenge.Type), err)
	}

	err = strategy.validateChallenge(user, secondFactor, *challenge, answer.Code, ip, requestHash, l)
	if err != nil {
		return err
	}

	//consumed - a challenge never validates twice
	err = a.challenges.DeleteChallenge(user.ID, challenge.ID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeChallenge, logutils.StringArgs(challenge.ID), err)
	}

	now := a.now()
	secondFactor.LastValidatedIP = ip
	secondFactor.DateLastValidated = &now
	if answer.RememberDevice && deviceID != "" && !secondFactor.IsKnownDevice(deviceID) {
		secondFactor.KnownDevices = append(secondFactor.KnownDevices, deviceID)
	}
	err = a.storage.UpdateUserSecondFactor(user.ID, &secondFactor)
	if err != nil {
		//the challenge already passed, so failing to record the pass must not
		//fail the request
		l.Warnf("error updating second factor record for user %s: %v", user.ID, err)
	}

	return nil
}

// recordFailedAttempt bumps a challenge's attempt counter. It returns the
// attempts left, or the hard too-many-attempts error once the cap is reached,
// at which point the challenge is gone.
func (a *Auth) recordFailedAttempt(challenge model.Challenge) (int, error) {
	challenge.Attempts++

	if challenge.Attempts >= a.config.SecondFactorMaxAttempts {
		err := a.challenges.DeleteChallenge(challenge.UserID, challenge.ID)
		if err != nil {
			return 0, errors.WrapErrorAction(logutils.ActionDelete, model.TypeChallenge, logutils.StringArgs(challenge.ID), err)
		}
		return 0, model.NewAPIError(model.CodeSecondFactorTooManyAttempts, "too many attempts")
	}

	err := a.challenges.ModifyChallenge(challenge)
	if err != nil {
		return 0, errors.WrapErrorAction(logutils.ActionUpdate, model.TypeChallenge, logutils.StringArgs(challenge.ID), err)
	}
	return a.config.SecondFactorMaxAttempts - challenge.Attempts, nil
}

// EnableSecondFactor sets up or activates a second factor for the user.
// The returned info string carries factor-specific setup data, e.g. the totp
// provisioning URL.
func (a *Auth) EnableSecondFactor(user model.User, factorType string, code string, l *logs.Log) (string, error) {
	if user.HasSecondFactor() && user.SecondFactor.Type != factorType {
		return "", model.NewAPIError(model.CodeSecondFactorAlreadyEnabled, "another second factor is already enabled")
	}

	strategy, err := a.getSecondFactorType(factorType)
	if err != nil {
		return "", model.NewAPIError(model.CodeInvalidCredentials, "unknown second factor type")
	}

	secondFactor, info, err := strategy.enable(user, code, l)
	if err != nil {
		return "", err
	}

	err = a.storage.UpdateUserSecondFactor(user.ID, secondFactor)
	if err != nil {
		return "", errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSecondFactor, logutils.StringArgs(user.ID), err)
	}
	return info, nil
}

// DisableSecondFactor removes the user's second factor
func (a *Auth) DisableSecondFactor(user model.User) error {
	if user.SecondFactor == nil {
		return model.NewAPIError(model.CodeSecondFactorNotEnabled, "no second factor enabled")
	}

	err := a.storage.UpdateUserSecondFactor(user.ID, nil)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSecondFactor, logutils.StringArgs(user.ID), err)
	}
	return nil
}

// ResendSecondFactorCode re-delivers the code for a pending challenge
func (a *Auth) ResendSecondFactorCode(user model.User, challengeID string, l *logs.Log) error {
	challenge, err := a.challenges.GetChallenge(user.ID, challengeID)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGet, model.TypeChallenge, logutils.StringArgs(challengeID), err)
	}
	if challenge == nil {
		return model.NewAPIError(model.CodeSecondFactorChallengeDoesntExist, "challenge does not exist")
	}

	strategy, err := a.getSecondFactorType(challenge.Type)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionGet, typeSecondFactorType, logutils.StringArgs(challenge.Type), err)
	}

	return strategy.resendCode(user, *challenge, l)
}
