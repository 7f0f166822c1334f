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

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type collectionWrapper struct {
	database *database
	coll     *mongo.Collection
}

func (collWrapper *collectionWrapper) Find(filter interface{}, result interface{}, findOptions *options.FindOptions) error {
	return collWrapper.FindWithContext(context.Background(), filter, result, findOptions)
}

func (collWrapper *collectionWrapper) FindWithContext(ctx context.Context, filter interface{}, result interface{}, findOptions *options.FindOptions) error {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	if filter == nil {
		//matches all documents in the collection
		filter = bson.D{}
	}

	cur, err := collWrapper.coll.Find(ctx, filter, findOptions)
	if err == nil {
		err = cur.All(ctx, result)
	}
	return err
}

func (collWrapper *collectionWrapper) FindOne(filter interface{}, result interface{}, findOptions *options.FindOneOptions) error {
	return collWrapper.FindOneWithContext(context.Background(), filter, result, findOptions)
}

func (collWrapper *collectionWrapper) FindOneWithContext(ctx context.Context, filter interface{}, result interface{}, findOptions *options.FindOneOptions) error {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	singleResult := collWrapper.coll.FindOne(ctx, filter, findOptions)
	if singleResult.Err() != nil {
		return singleResult.Err()
	}
	return singleResult.Decode(result)
}

func (collWrapper *collectionWrapper) InsertOne(data interface{}) (interface{}, error) {
	return collWrapper.InsertOneWithContext(context.Background(), data)
}

func (collWrapper *collectionWrapper) InsertOneWithContext(ctx context.Context, data interface{}) (interface{}, error) {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	ins, err := collWrapper.coll.InsertOne(ctx, data)
	if err != nil {
		return nil, err
	}
	return ins.InsertedID, nil
}

func (collWrapper *collectionWrapper) ReplaceOne(filter interface{}, replacement interface{}, replaceOptions *options.ReplaceOptions) error {
	return collWrapper.ReplaceOneWithContext(context.Background(), filter, replacement, replaceOptions)
}

func (collWrapper *collectionWrapper) ReplaceOneWithContext(ctx context.Context, filter interface{}, replacement interface{}, replaceOptions *options.ReplaceOptions) error {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	res, err := collWrapper.coll.ReplaceOne(ctx, filter, replacement, replaceOptions)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

func (collWrapper *collectionWrapper) UpdateOne(filter interface{}, update interface{}, updateOptions *options.UpdateOptions) (*mongo.UpdateResult, error) {
	return collWrapper.UpdateOneWithContext(context.Background(), filter, update, updateOptions)
}

func (collWrapper *collectionWrapper) UpdateOneWithContext(ctx context.Context, filter interface{}, update interface{}, updateOptions *options.UpdateOptions) (*mongo.UpdateResult, error) {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	return collWrapper.coll.UpdateOne(ctx, filter, update, updateOptions)
}

func (collWrapper *collectionWrapper) DeleteOne(filter interface{}) (int64, error) {
	return collWrapper.DeleteOneWithContext(context.Background(), filter)
}

func (collWrapper *collectionWrapper) DeleteOneWithContext(ctx context.Context, filter interface{}) (int64, error) {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	res, err := collWrapper.coll.DeleteOne(ctx, filter, nil)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (collWrapper *collectionWrapper) DeleteMany(filter interface{}) (int64, error) {
	return collWrapper.DeleteManyWithContext(context.Background(), filter)
}

func (collWrapper *collectionWrapper) DeleteManyWithContext(ctx context.Context, filter interface{}) (int64, error) {
	ctx, cancel := collWrapper.withTimeout(ctx)
	defer cancel()

	res, err := collWrapper.coll.DeleteMany(ctx, filter, nil)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (collWrapper *collectionWrapper) CountDocuments(filter interface{}) (int64, error) {
	ctx, cancel := collWrapper.withTimeout(context.Background())
	defer cancel()

	if filter == nil {
		filter = bson.D{}
	}
	return collWrapper.coll.CountDocuments(ctx, filter)
}

func (collWrapper *collectionWrapper) AddIndex(keys interface{}, unique bool) error {
	ctx, cancel := collWrapper.withTimeout(context.Background())
	defer cancel()

	index := mongo.IndexModel{Keys: keys}
	if unique {
		index.Options = options.Index().SetUnique(true)
	}

	_, err := collWrapper.coll.Indexes().CreateOne(ctx, index, nil)
	return err
}

// Watch starts a change stream on the collection and invokes onChange for
// every event. It reconnects on failure and never returns.
func (collWrapper *collectionWrapper) Watch(pipeline interface{}, onChange func()) {
	if pipeline == nil {
		pipeline = []bson.M{}
	}

	for {
		collWrapper.watch(pipeline, onChange)

		//reconnect after a pause, the stream closed
		time.Sleep(time.Second)
	}
}

func (collWrapper *collectionWrapper) watch(pipeline interface{}, onChange func()) {
	ctx := context.Background()

	cur, err := collWrapper.coll.Watch(ctx, pipeline, nil)
	if err != nil {
		collWrapper.database.logger.Errorf("error opening change stream on %s: %v", collWrapper.coll.Name(), err)
		return
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		onChange()
	}
	if err := cur.Err(); err != nil {
		collWrapper.database.logger.Errorf("change stream on %s closed: %v", collWrapper.coll.Name(), err)
	}
}

func (collWrapper *collectionWrapper) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, collWrapper.database.mongoTimeout)
}
