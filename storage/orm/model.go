package orm

import (
	"context"
	"errors"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Model instances serve as a "wrapper" to a MongoDB collection and
// provide an easy-to-use API on top of it to simplify common tasks.
// Operations with no common shortcut can reach the underlying collection
// directly.
type Model struct {
	// MongoDB collection backing the model.
	Collection *mongo.Collection

	// Name of the model. Used also as collection name.
	name string
}

// Insert the item in the model's underlying collection and return the
// hex-encoded identifier assigned to it.
func (m *Model) Insert(ctx context.Context, item interface{}) (string, error) {
	res, err := m.Collection.InsertOne(ctx, item)
	if err != nil {
		return "", err
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", errors.New("invalid id")
	}
	return id.Hex(), nil
}

// Update applies the provided update document to the first document that
// satisfies the 'filter' value. The update document must use operator
// syntax ($set, $push, ...). The raw result is returned so callers can
// distinguish "not matched" from "matched but unchanged".
func (m *Model) Update(ctx context.Context, filter map[string]interface{}, update interface{},
	opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f, err := doc(filter)
	if err != nil {
		return nil, err
	}
	return m.Collection.UpdateOne(ctx, f, update, opts...)
}

// UpdateAll applies the provided update document to every document that
// satisfies the 'filter' value and returns the number of modified
// documents.
func (m *Model) UpdateAll(ctx context.Context, filter map[string]interface{}, update interface{}) (int64, error) {
	f, err := doc(filter)
	if err != nil {
		return 0, err
	}
	res, err := m.Collection.UpdateMany(ctx, f, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Count returns the number of documents in the collection that satisfy
// the provided filter.
func (m *Model) Count(ctx context.Context, filter map[string]interface{}) (int64, error) {
	f, err := doc(filter)
	if err != nil {
		return 0, err
	}
	return m.Collection.CountDocuments(ctx, f)
}

// First looks for the first document in the collection that satisfies the
// specified 'filter'. The returned document is automatically decoded into
// 'result', that must be a pointer to a given struct.
func (m *Model) First(ctx context.Context, filter map[string]interface{}, result interface{},
	opts ...*options.FindOneOptions) error {
	if err := checkType(result, reflect.Ptr, "pointer"); err != nil {
		return err
	}
	f, err := doc(filter)
	if err != nil {
		return err
	}
	sr := m.Collection.FindOne(ctx, f, opts...)
	if err := sr.Err(); err != nil {
		return err
	}
	return sr.Decode(result)
}

// Find all documents in the collection that satisfy the provided 'filter'.
// The returned documents will be automatically decoded into 'result', that
// must be a pointer to a slice.
func (m *Model) Find(ctx context.Context, filter map[string]interface{}, result interface{},
	opts ...*options.FindOptions) error {
	if err := checkType(result, reflect.Ptr, "pointer to a slice"); err != nil {
		return err
	}
	f, err := doc(filter)
	if err != nil {
		return err
	}
	mc, err := m.Collection.Find(ctx, f, opts...)
	if err != nil {
		return err
	}
	return mc.All(ctx, result)
}

// EnsureIndex registers the provided index on the model's collection.
func (m *Model) EnsureIndex(ctx context.Context, keys bson.D, unique bool) error {
	_, err := m.Collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetUnique(unique),
	})
	return err
}
