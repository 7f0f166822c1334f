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

package storage

import (
	"sync"

	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logutils"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/syncmap"
)

// apiKeyCache is shared between the root adapter and its transaction copies,
// so a refresh is visible everywhere at once
type apiKeyCache struct {
	lock  sync.RWMutex
	items *syncmap.Map
}

func newAPIKeyCache() *apiKeyCache {
	return &apiKeyCache{items: &syncmap.Map{}}
}

// loadAPIKeys loads all api keys
func (sa *Adapter) loadAPIKeys() ([]model.APIKey, error) {
	filter := bson.D{}
	var result []model.APIKey
	err := sa.db.apiKeys.Find(filter, &result, nil)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, nil, err)
	}
	return result, nil
}

// cacheAPIKeys caches the api keys
func (sa *Adapter) cacheAPIKeys() error {
	sa.logger.Info("cacheAPIKeys..")

	apiKeys, err := sa.loadAPIKeys()
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, nil, err)
	}
	sa.setCachedAPIKeys(apiKeys)

	return nil
}

func (sa *Adapter) setCachedAPIKeys(apiKeys []model.APIKey) {
	sa.apiKeys.lock.Lock()
	defer sa.apiKeys.lock.Unlock()

	sa.apiKeys.items = &syncmap.Map{}

	for _, apiKey := range apiKeys {
		sa.apiKeys.items.Store(apiKey.ID, apiKey)
	}
}

func (sa *Adapter) getCachedAPIKey(id string) (*model.APIKey, error) {
	sa.apiKeys.lock.RLock()
	defer sa.apiKeys.lock.RUnlock()

	item, _ := sa.apiKeys.items.Load(id)
	if item == nil {
		return nil, nil
	}

	apiKey, ok := item.(model.APIKey)
	if !ok {
		return nil, errors.ErrorAction(logutils.ActionCast, model.TypeAPIKey, &logutils.FieldArgs{"id": id})
	}
	return &apiKey, nil
}

// invalidateAPIKeysCache reloads the cache after a local write. The change
// stream covers writes from other processes.
func (sa *Adapter) invalidateAPIKeysCache() {
	err := sa.cacheAPIKeys()
	if err != nil {
		sa.logger.Errorf("error refreshing api keys cache: %v", err)
	}
}

// onAPIKeysChanged is invoked by the database change stream
func (sa *Adapter) onAPIKeysChanged() {
	sa.logger.Info("api keys collection changed, refreshing cache")
	sa.invalidateAPIKeysCache()
}
