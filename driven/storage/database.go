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

	"github.com/rokwire/logging-library-go/v2/logs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type database struct {
	mongoDBAuth  string
	mongoDBName  string
	mongoTimeout time.Duration

	db       *mongo.Database
	dbClient *mongo.Client

	users       *collectionWrapper
	sessions    *collectionWrapper
	apiKeys     *collectionWrapper
	loginEvents *collectionWrapper

	logger *logs.Logger

	onAPIKeysChanged func()
}

func (d *database) start() error {
	d.logger.Info("database -> start")

	clientOptions := options.Client().ApplyURI(d.mongoDBAuth)
	connectContext, cancel := context.WithTimeout(context.Background(), d.mongoTimeout)
	client, err := mongo.Connect(connectContext, clientOptions)
	cancel()
	if err != nil {
		return err
	}

	pingContext, cancel := context.WithTimeout(context.Background(), d.mongoTimeout)
	err = client.Ping(pingContext, nil)
	cancel()
	if err != nil {
		return err
	}

	db := client.Database(d.mongoDBName)

	users := &collectionWrapper{database: d, coll: db.Collection("users")}
	err = d.applyUsersChecks(users)
	if err != nil {
		return err
	}

	sessions := &collectionWrapper{database: d, coll: db.Collection("sessions")}
	err = d.applySessionsChecks(sessions)
	if err != nil {
		return err
	}

	apiKeys := &collectionWrapper{database: d, coll: db.Collection("api_keys")}
	err = d.applyAPIKeysChecks(apiKeys)
	if err != nil {
		return err
	}

	loginEvents := &collectionWrapper{database: d, coll: db.Collection("login_events")}
	err = d.applyLoginEventsChecks(loginEvents)
	if err != nil {
		return err
	}

	d.db = db
	d.dbClient = client
	d.users = users
	d.sessions = sessions
	d.apiKeys = apiKeys
	d.loginEvents = loginEvents

	//other processes can change api keys under us, watch for it
	go apiKeys.Watch(nil, d.onAPIKeysDataChanged)

	return nil
}

func (d *database) applyUsersChecks(users *collectionWrapper) error {
	d.logger.Info("apply users checks.....")

	err := users.AddIndex(bson.D{primitive.E{Key: "email", Value: 1}}, true)
	if err != nil {
		return err
	}

	d.logger.Info("users checks passed")
	return nil
}

func (d *database) applySessionsChecks(sessions *collectionWrapper) error {
	d.logger.Info("apply sessions checks.....")

	err := sessions.AddIndex(bson.D{primitive.E{Key: "user_id", Value: 1}}, false)
	if err != nil {
		return err
	}
	err = sessions.AddIndex(bson.D{primitive.E{Key: "token_info.expires", Value: 1}}, false)
	if err != nil {
		return err
	}

	d.logger.Info("sessions checks passed")
	return nil
}

func (d *database) applyAPIKeysChecks(apiKeys *collectionWrapper) error {
	d.logger.Info("apply api keys checks.....")

	err := apiKeys.AddIndex(bson.D{primitive.E{Key: "user_id", Value: 1}}, false)
	if err != nil {
		return err
	}

	d.logger.Info("api keys checks passed")
	return nil
}

func (d *database) applyLoginEventsChecks(loginEvents *collectionWrapper) error {
	d.logger.Info("apply login events checks.....")

	err := loginEvents.AddIndex(bson.D{
		primitive.E{Key: "user_id", Value: 1},
		primitive.E{Key: "date_created", Value: -1}}, false)
	if err != nil {
		return err
	}

	d.logger.Info("login events checks passed")
	return nil
}

func (d *database) onAPIKeysDataChanged() {
	if d.onAPIKeysChanged != nil {
		d.onAPIKeysChanged()
	}
}
