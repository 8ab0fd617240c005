package store

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps one document per job, keyed by job name.
type MongoStore struct {
	client *mongo.Client
	dbName string
	coll   *mongo.Collection
}

func NewMongoStore(client *mongo.Client, dbName, collection string) *MongoStore {
	return &MongoStore{
		client: client,
		dbName: dbName,
		coll:   client.Database(dbName).Collection(collection),
	}
}

func (m *MongoStore) Client() *mongo.Client {
	return m.client
}

func (m *MongoStore) DbName() string {
	return m.dbName
}

func (m *MongoStore) Save(ctx context.Context, r *Record) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("invalid job record: nil or empty name")
	}
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": r.Name}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save job record %s: %w", r.Name, err)
	}
	return nil
}

func (m *MongoStore) Get(ctx context.Context, name string) (*Record, error) {
	r := &Record{}
	err := m.coll.FindOne(ctx, bson.M{"_id": name}).Decode(r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record %s: %w", name, err)
	}
	return r, nil
}

func (m *MongoStore) Delete(ctx context.Context, name string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return fmt.Errorf("delete job record %s: %w", name, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) List(ctx context.Context, kind string) ([]*Record, error) {
	filter := bson.M{}
	if kind != "" {
		filter["kind"] = kind
	}
	cur, err := m.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer cur.Close(ctx)

	var records []*Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode job records: %w", err)
	}
	return records, nil
}

func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
