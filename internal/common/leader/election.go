// Package leader provides distributed leader election primitives shared by
// the standby service (router HA failover) and the dispatch scheduler
// (single-active-scheduler guarantee). Two backends are provided: Redis
// (redis_election.go, used by the scheduler, and by the standby service
// unless configured otherwise) and MongoDB (this file, used by the standby
// service's LockProvider when the leader backend is set to "mongo").
package leader

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LeaderLock represents a distributed lock document in MongoDB
type LeaderLock struct {
	ID         string    `bson:"_id"`        // Lock key
	InstanceID string    `bson:"instanceId"` // Unique instance identifier
	AcquiredAt time.Time `bson:"acquiredAt"` // When lock was acquired
	ExpiresAt  time.Time `bson:"expiresAt"`  // When lock expires
}

// MongoLockProvider implements a CAS-style distributed lock backed by a
// MongoDB collection, keyed by lock name rather than bound to a single
// instance at construction, so one provider instance can serve multiple
// concurrently-held lock keys (matching the router's
// internal/router/standby.LockProvider contract).
type MongoLockProvider struct {
	collection *mongo.Collection
}

// NewMongoLockProvider creates a lock provider backed by db's "leader_locks"
// collection.
func NewMongoLockProvider(db *mongo.Database) *MongoLockProvider {
	return &MongoLockProvider{collection: db.Collection("leader_locks")}
}

// EnsureIndexes creates the TTL index that auto-expires stale lock documents.
// Safe to call repeatedly; MongoDB ignores a duplicate index definition.
func (p *MongoLockProvider) EnsureIndexes(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}
	_, err := p.collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

// TryAcquire attempts to acquire the lock identified by key. Returns true if
// acquired: either the document didn't exist, had expired, or was already
// held by instanceID (refresh-on-acquire).
func (p *MongoLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	filter := bson.M{
		"_id": key,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": instanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": instanceID,
			"acquiredAt": now,
			"expiresAt":  expiresAt,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var result LeaderLock
	err := p.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		if err == mongo.ErrNoDocuments {
			lock := LeaderLock{ID: key, InstanceID: instanceID, AcquiredAt: now, ExpiresAt: expiresAt}
			if _, insertErr := p.collection.InsertOne(ctx, lock); insertErr != nil {
				if mongo.IsDuplicateKeyError(insertErr) {
					return false, nil
				}
				return false, insertErr
			}
			return true, nil
		}
		return false, err
	}

	return result.InstanceID == instanceID, nil
}

// Refresh extends the lock's TTL. Returns false if instanceID no longer
// holds it.
func (p *MongoLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	filter := bson.M{"_id": key, "instanceId": instanceID}
	update := bson.M{"$set": bson.M{"expiresAt": time.Now().Add(ttl)}}

	result, err := p.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return result.MatchedCount > 0, nil
}

// Release deletes the lock document if instanceID holds it.
func (p *MongoLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := p.collection.DeleteOne(ctx, bson.M{"_id": key, "instanceId": instanceID})
	return err
}

// GetHolder returns the instance ID currently holding key, or "" if unheld
// or expired.
func (p *MongoLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	var lock LeaderLock
	err := p.collection.FindOne(ctx, bson.M{"_id": key, "expiresAt": bson.M{"$gt": time.Now()}}).Decode(&lock)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return lock.InstanceID, nil
}

// IsAvailable pings the backing collection's database.
func (p *MongoLockProvider) IsAvailable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := p.collection.Database().Client().Ping(pingCtx, nil)
	if err != nil {
		slog.Debug("Mongo lock provider unavailable", "error", err)
	}
	return err == nil
}

// Close is a no-op: the provider doesn't own the Mongo client's lifecycle.
func (p *MongoLockProvider) Close() error {
	return nil
}
