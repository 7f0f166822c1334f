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
	"context"
	"time"

	"auth-building-block/core/interfaces"
	"auth-building-block/core/model"

	"github.com/rokwire/logging-library-go/v2/errors"
	"github.com/rokwire/logging-library-go/v2/logs"
	"github.com/rokwire/logging-library-go/v2/logutils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Adapter implements the Storage interface
type Adapter struct {
	db     *database
	logger *logs.Logger

	//set only on transaction copies
	context mongo.SessionContext

	apiKeys *apiKeyCache
}

// Start starts the storage
func (sa *Adapter) Start() error {
	err := sa.db.start()
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionInitialize, "storage adapter", nil, err)
	}

	err = sa.cacheAPIKeys()
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionLoadCache, model.TypeAPIKey, nil, err)
	}

	return nil
}

// PerformTransaction runs the transaction function in a mongo session,
// handing it an adapter copy whose operations all ride the session context
func (sa *Adapter) PerformTransaction(transaction func(storage interfaces.Storage) error) error {
	return sa.db.dbClient.UseSession(context.Background(), func(sessionContext mongo.SessionContext) error {
		err := sessionContext.StartTransaction()
		if err != nil {
			return errors.WrapErrorAction(logutils.ActionStart, "transaction", nil, err)
		}

		err = transaction(sa.withContext(sessionContext))
		if err != nil {
			if abortErr := sessionContext.AbortTransaction(sessionContext); abortErr != nil {
				sa.logger.Errorf("error aborting transaction: %v", abortErr)
			}
			return err
		}

		err = sessionContext.CommitTransaction(sessionContext)
		if err != nil {
			return errors.WrapErrorAction("committing", "transaction", nil, err)
		}
		return nil
	})
}

func (sa *Adapter) withContext(context mongo.SessionContext) *Adapter {
	return &Adapter{db: sa.db, logger: sa.logger, context: context, apiKeys: sa.apiKeys}
}

//Users

// FindUser finds a user by ID
func (sa *Adapter) FindUser(id string) (*model.User, error) {
	return sa.findUser(bson.M{"_id": id})
}

// FindUserByEmail finds a user by email
func (sa *Adapter) FindUserByEmail(email string) (*model.User, error) {
	return sa.findUser(bson.M{"email": email})
}

func (sa *Adapter) findUser(filter bson.M) (*model.User, error) {
	var user model.User
	err := sa.db.users.FindOneWithContext(sa.context, filter, &user, nil)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeUser, nil, err)
	}
	return &user, nil
}

// InsertUser inserts a new user
func (sa *Adapter) InsertUser(user model.User) error {
	_, err := sa.db.users.InsertOneWithContext(sa.context, user)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionInsert, model.TypeUser, nil, err)
	}
	return nil
}

// UpdateUserProfile updates the user's profile fields
func (sa *Adapter) UpdateUserProfile(userID string, name string, language string) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"name": name, "language": language, "date_updated": time.Now().UTC()}}

	res, err := sa.db.users.UpdateOneWithContext(sa.context, filter, update, nil)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeUser, logutils.StringArgs(userID), err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrorData(logutils.StatusMissing, model.TypeUser, logutils.StringArgs(userID))
	}
	return nil
}

// UpdateUserCredentials replaces the user's password hash
func (sa *Adapter) UpdateUserCredentials(userID string, passwordHash string) error {
	filter := bson.M{"_id": userID}
	update := bson.M{"$set": bson.M{"password_hash": passwordHash, "date_updated": time.Now().UTC()}}

	res, err := sa.db.users.UpdateOneWithContext(sa.context, filter, update, nil)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeUser, logutils.StringArgs(userID), err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrorData(logutils.StatusMissing, model.TypeUser, logutils.StringArgs(userID))
	}
	return nil
}

// UpdateUserSecondFactor sets or clears the user's second factor
func (sa *Adapter) UpdateUserSecondFactor(userID string, secondFactor *model.SecondFactor) error {
	filter := bson.M{"_id": userID}

	var update bson.M
	if secondFactor != nil {
		update = bson.M{"$set": bson.M{"second_factor": secondFactor, "date_updated": time.Now().UTC()}}
	} else {
		update = bson.M{"$unset": bson.M{"second_factor": 1}, "$set": bson.M{"date_updated": time.Now().UTC()}}
	}

	res, err := sa.db.users.UpdateOneWithContext(sa.context, filter, update, nil)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSecondFactor, logutils.StringArgs(userID), err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrorData(logutils.StatusMissing, model.TypeUser, logutils.StringArgs(userID))
	}
	return nil
}

//APIKeys

// FindAPIKey finds an api key by ID, served from the cache
func (sa *Adapter) FindAPIKey(id string) (*model.APIKey, error) {
	return sa.getCachedAPIKey(id)
}

// FindAPIKeyAndUser finds an api key together with its owning user
func (sa *Adapter) FindAPIKeyAndUser(clientID string) (*model.APIKey, *model.User, error) {
	apiKey, err := sa.getCachedAPIKey(clientID)
	if err != nil || apiKey == nil {
		return nil, nil, err
	}

	user, err := sa.FindUser(apiKey.UserID)
	if err != nil {
		return nil, nil, err
	}
	return apiKey, user, nil
}

// FindAPIKeysByUser finds the user's api keys
func (sa *Adapter) FindAPIKeysByUser(userID string) ([]model.APIKey, error) {
	filter := bson.M{"user_id": userID}
	var result []model.APIKey
	err := sa.db.apiKeys.FindWithContext(sa.context, filter, &result, nil)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeAPIKey, nil, err)
	}
	return result, nil
}

// InsertAPIKey inserts a new api key
func (sa *Adapter) InsertAPIKey(apiKey model.APIKey) error {
	_, err := sa.db.apiKeys.InsertOneWithContext(sa.context, apiKey)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionInsert, model.TypeAPIKey, nil, err)
	}

	sa.invalidateAPIKeysCache()
	return nil
}

// UpdateAPIKey replaces an api key record
func (sa *Adapter) UpdateAPIKey(apiKey model.APIKey) error {
	filter := bson.M{"_id": apiKey.ID}
	err := sa.db.apiKeys.ReplaceOneWithContext(sa.context, filter, apiKey, nil)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return errors.ErrorData(logutils.StatusMissing, model.TypeAPIKey, logutils.StringArgs(apiKey.ID))
		}
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeAPIKey, logutils.StringArgs(apiKey.ID), err)
	}

	sa.invalidateAPIKeysCache()
	return nil
}

// DeleteAPIKey deletes an api key by ID
func (sa *Adapter) DeleteAPIKey(id string) error {
	_, err := sa.db.apiKeys.DeleteOneWithContext(sa.context, bson.M{"_id": id})
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeAPIKey, logutils.StringArgs(id), err)
	}

	sa.invalidateAPIKeysCache()
	return nil
}

//Sessions

// InsertSession inserts a new session
func (sa *Adapter) InsertSession(session model.Session) error {
	_, err := sa.db.sessions.InsertOneWithContext(sa.context, session)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionInsert, model.TypeSession, nil, err)
	}
	return nil
}

// FindSession finds a session by ID
func (sa *Adapter) FindSession(id string) (*model.Session, error) {
	var session model.Session
	err := sa.db.sessions.FindOneWithContext(sa.context, bson.M{"_id": id}, &session, nil)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, logutils.StringArgs(id), err)
	}
	return &session, nil
}

// FindSessionsByUser finds the user's sessions
func (sa *Adapter) FindSessionsByUser(userID string) ([]model.Session, error) {
	filter := bson.M{"user_id": userID}
	var result []model.Session
	err := sa.db.sessions.FindWithContext(sa.context, filter, &result, nil)
	if err != nil {
		return nil, errors.WrapErrorAction(logutils.ActionFind, model.TypeSession, nil, err)
	}
	return result, nil
}

// IncreaseSessionSeq atomically advances the session's sequence number, but
// only from the expected value. A false result means someone advanced it
// first.
func (sa *Adapter) IncreaseSessionSeq(id string, expectedSeq int64) (bool, error) {
	filter := bson.M{"_id": id, "token_info.seq": expectedSeq}
	update := bson.M{"$inc": bson.M{"token_info.seq": 1}}

	res, err := sa.db.sessions.UpdateOneWithContext(sa.context, filter, update, nil)
	if err != nil {
		return false, errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSession, logutils.StringArgs(id), err)
	}
	return res.ModifiedCount == 1, nil
}

// RefreshSessionExpiration slides the session's expiry and access time
func (sa *Adapter) RefreshSessionExpiration(id string, expires time.Time, accessed time.Time) error {
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"token_info.expires": expires, "date_accessed": accessed}}

	res, err := sa.db.sessions.UpdateOneWithContext(sa.context, filter, update, nil)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionUpdate, model.TypeSession, logutils.StringArgs(id), err)
	}
	if res.MatchedCount == 0 {
		return errors.ErrorData(logutils.StatusMissing, model.TypeSession, logutils.StringArgs(id))
	}
	return nil
}

// DeleteSession deletes a session by ID
func (sa *Adapter) DeleteSession(id string) error {
	_, err := sa.db.sessions.DeleteOneWithContext(sa.context, bson.M{"_id": id})
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, logutils.StringArgs(id), err)
	}
	return nil
}

// DeleteSessionsByUser deletes all of the user's sessions
func (sa *Adapter) DeleteSessionsByUser(userID string) error {
	_, err := sa.db.sessions.DeleteManyWithContext(sa.context, bson.M{"user_id": userID})
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, logutils.StringArgs(userID), err)
	}
	return nil
}

// DeleteExpiredSessions deletes every session expired at the given time
func (sa *Adapter) DeleteExpiredSessions(now time.Time) error {
	filter := bson.M{"token_info.expires": bson.M{"$lte": now}}
	deleted, err := sa.db.sessions.DeleteManyWithContext(sa.context, filter)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionDelete, model.TypeSession, nil, err)
	}

	if deleted > 0 {
		sa.logger.Infof("deleted %d expired sessions", deleted)
	}
	return nil
}

//LoginEvents

// InsertLoginEvent records a login audit event
func (sa *Adapter) InsertLoginEvent(event model.LoginEvent) error {
	_, err := sa.db.loginEvents.InsertOneWithContext(sa.context, event)
	if err != nil {
		return errors.WrapErrorAction(logutils.ActionInsert, model.TypeLoginEvent, nil, err)
	}
	return nil
}

// NewStorageAdapter creates a new storage adapter instance
func NewStorageAdapter(mongoDBAuth string, mongoDBName string, mongoTimeout string, logger *logs.Logger) *Adapter {
	timeout, err := time.ParseDuration(mongoTimeout)
	if err != nil {
		logger.Warn("storage timeout is invalid, using default")
		timeout = 2000 * time.Millisecond
	}

	db := &database{mongoDBAuth: mongoDBAuth, mongoDBName: mongoDBName, mongoTimeout: timeout, logger: logger}
	adapter := &Adapter{db: db, logger: logger, apiKeys: newAPIKeyCache()}

	db.onAPIKeysChanged = adapter.onAPIKeysChanged

	return adapter
}
