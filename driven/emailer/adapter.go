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

package emailer

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

const (
	typeMail logutils.MessageDataType = "mail"
)

// Adapter implements the Emailer interface over SMTP
type Adapter struct {
	smtpHost     string
	smtpPortNum  int
	smtpUser     string
	smtpPassword string
	smtpFrom     string
	emailDialer  *gomail.Dialer
}

// SendSecondFactorCodeMail delivers a one-time verification code
func (a *Adapter) SendSecondFactorCodeMail(lang string, toEmail string, code string) error {
	subject := "Your verification code"
	body := fmt.Sprintf("<p>Your verification code is <b>%s</b>.</p><p>If you did not request it, you can ignore this message.</p>", code)

	return a.send(toEmail, subject, body)
}

// SendPossibleUnauthorizedLoginWarning warns the account owner about repeated
// failed second factor attempts
func (a *Adapter) SendPossibleUnauthorizedLoginWarning(lang string, toEmail string) error {
	subject := "Suspicious sign-in activity on your account"
	body := "<p>We detected repeated failed sign-in attempts on your account. " +
		"If this was not you, please change your password.</p>"

	return a.send(toEmail, subject, body)
}

func (a *Adapter) send(toEmail string, subject string, body string) error {
	if a.emailDialer == nil {
		return errors.ErrorData(logutils.StatusMissing, "email dialer", nil)
	}
	if toEmail == "" {
		return errors.ErrorData(logutils.StatusMissing, "email address", nil)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.smtpFrom)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := a.emailDialer.DialAndSend(m); err != nil {
		return errors.WrapErrorAction(logutils.ActionSend, typeMail, nil, err)
	}
	return nil
}

// NewEmailerAdapter creates a new emailer adapter instance
func NewEmailerAdapter(smtpHost string, smtpPortNum int, smtpUser string, smtpPassword string, smtpFrom string) *Adapter {
	emailDialer := gomail.NewDialer(smtpHost, smtpPortNum, smtpUser, smtpPassword)

	return &Adapter{smtpHost: smtpHost, smtpPortNum: smtpPortNum, smtpUser: smtpUser,
		smtpPassword: smtpPassword, smtpFrom: smtpFrom, emailDialer: emailDialer}
}
