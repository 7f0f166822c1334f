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
	"sync"
	"time"

	"auth-building-block/core/model"
	"auth-building-block/utils"

	"github.com/google/uuid"
	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
)

const tokenKeyLen int = 32 //AES-256

// KeyProvider generates and rotates the symmetric keys opaque tokens are
// sealed with. Keys never leave process memory, so a restart invalidates all
// outstanding tokens. One provider lives in the master process; workers reach
// it over RPC.
//
// A key seals new tokens until its usage expiry and still decodes until its
// hard expiry, so tokens minted just before rotation live out their full TTL.
type KeyProvider struct {
	mutex sync.Mutex

	keys      map[string]model.TokenEncryptionKey
	currentID string

	usageTTL time.Duration
	hardTTL  time.Duration

	logger *logs.Logger
	now    func() time.Time
}

// NewKeyProvider creates a key provider with the configured rotation policy
func NewKeyProvider(config model.Config, logger *logs.Logger) *KeyProvider {
	return &KeyProvider{keys: make(map[string]model.TokenEncryptionKey),
		usageTTL: config.KeyUsageTTL, hardTTL: config.KeyHardTTL,
		logger: logger, now: time.Now}
}

// CurrentKey returns the key new tokens must be minted with, rotating in a
// fresh key when the current one has passed its usage expiry
func (p *KeyProvider) CurrentKey() (*model.TokenEncryptionKey, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()
	if current, ok := p.keys[p.currentID]; ok && current.CanEncode(now) {
		return &current, nil
	}

	material, err := utils.GenerateRandomBytes(tokenKeyLen)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionGenerate, model.TypeTokenEncryptionKey, nil, err)
	}

	key := model.TokenEncryptionKey{ID: uuid.NewString(), Key: material, DateCreated: now,
		UsageExpires: now.Add(p.usageTTL), HardExpires: now.Add(p.hardTTL)}
	p.keys[key.ID] = key
	p.currentID = key.ID

	p.logger.Infof("rotated token encryption key %s", key.ID)
	return &key, nil
}

// FindKey returns the key by ID, or nil when the ID is unknown or the key has
// passed its hard expiry
func (p *KeyProvider) FindKey(id string) (*model.TokenEncryptionKey, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	key, ok := p.keys[id]
	if !ok || !key.CanDecode(p.now()) {
		return nil, nil
	}
	return &key, nil
}

// DeleteExpiredKeys drops keys past their hard expiry
func (p *KeyProvider) DeleteExpiredKeys() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	now := p.now()
	for id, key := range p.keys {
		if !key.CanDecode(now) {
			delete(p.keys, id)
		}
	}
}
