package dispatchjob

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcatalyst/router/internal/common/tsid"
)

// mongoRepository provides MongoDB access to dispatch job data.
type mongoRepository struct {
	jobs *mongo.Collection
}

// NewMongoRepository creates an instrumented MongoDB-backed Repository.
func NewMongoRepository(db *mongo.Database) Repository {
	return newInstrumentedRepository(&mongoRepository{
		jobs: db.Collection("dispatch_jobs"),
	})
}

func (r *mongoRepository) FindByID(ctx context.Context, id string) (*DispatchJob, error) {
	var job DispatchJob
	err := r.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *mongoRepository) FindDispatchable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	filter := bson.M{
		"status": StatusPending,
		"$or": []bson.M{
			{"scheduledFor": bson.M{"$exists": false}},
			{"scheduledFor": bson.M{"$lte": now}},
		},
		"$and": []bson.M{
			{"$or": []bson.M{
				{"expiresAt": bson.M{"$exists": false}},
				{"expiresAt": bson.M{"$gt": now}},
			}},
		},
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{
			{Key: "messageGroup", Value: 1},
			{Key: "sequence", Value: 1},
			{Key: "createdAt", Value: 1},
		})

	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *mongoRepository) FindStaleQueued(ctx context.Context, olderThan time.Time) ([]*DispatchJob, error) {
	filter := bson.M{
		"status":    StatusQueued,
		"updatedAt": bson.M{"$lt": olderThan},
	}

	cursor, err := r.jobs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *mongoRepository) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*DispatchJob, error) {
	filter := bson.M{
		"status":    bson.M{"$in": []Status{StatusPending, StatusQueued}},
		"expiresAt": bson.M{"$exists": true, "$lte": now},
	}

	opts := options.Find().SetLimit(int64(limit))

	cursor, err := r.jobs.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*DispatchJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *mongoRepository) Insert(ctx context.Context, job *DispatchJob) error {
	if job.ID == "" {
		job.ID = tsid.Generate()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now

	if job.Status == "" {
		job.Status = StatusPending
	}

	_, err := r.jobs.InsertOne(ctx, job)
	return err
}

func (r *mongoRepository) ConditionalUpdateStatus(ctx context.Context, id string, expectedPrev, next Status, mutate func(*DispatchJob)) error {
	job, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != expectedPrev {
		return ErrConflict
	}

	job.Status = next
	job.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(job)
	}
	job.Status = next

	result, err := r.jobs.UpdateOne(ctx,
		bson.M{"_id": id, "status": expectedPrev},
		bson.M{"$set": job},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (r *mongoRepository) ResetStaleToPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.jobs.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": StatusQueued},
		bson.M{"$set": bson.M{"status": StatusPending, "updatedAt": time.Now()}},
	)
	return err
}

func (r *mongoRepository) MarkExpired(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	_, err := r.jobs.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$in": []Status{StatusPending, StatusQueued}}},
		bson.M{"$set": bson.M{"status": StatusExpired, "completedAt": now, "updatedAt": now}},
	)
	return err
}

func (r *mongoRepository) HasFailedInGroup(ctx context.Context, messageGroup string) (bool, error) {
	count, err := r.jobs.CountDocuments(ctx, bson.M{
		"messageGroup": messageGroup,
		"status":       StatusFailed,
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *mongoRepository) BlockedGroups(ctx context.Context, groups []string) (map[string]bool, error) {
	if len(groups) == 0 {
		return map[string]bool{}, nil
	}

	pipeline := []bson.M{
		{"$match": bson.M{
			"messageGroup": bson.M{"$in": groups},
			"status":       StatusFailed,
		}},
		{"$group": bson.M{"_id": "$messageGroup"}},
	}

	cursor, err := r.jobs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	blocked := make(map[string]bool)
	for cursor.Next(ctx) {
		var result struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			continue
		}
		blocked[result.ID] = true
	}
	return blocked, cursor.Err()
}

func (r *mongoRepository) RecordAttempt(ctx context.Context, jobID string, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = tsid.Generate()
	}
	now := time.Now()

	update := bson.M{
		"$push": bson.M{"attempts": attempt},
		"$set":  bson.M{"updatedAt": now},
		"$inc":  bson.M{"attemptCount": 1},
	}

	result, err := r.jobs.UpdateOne(ctx, bson.M{"_id": jobID}, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *mongoRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	return r.jobs.CountDocuments(ctx, bson.M{"status": status})
}

func (r *mongoRepository) CreateSchema(ctx context.Context) error {
	_, err := r.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "messageGroup", Value: 1}, {Key: "sequence", Value: 1}}},
		{Keys: bson.D{{Key: "messageGroup", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedAt", Value: 1}}},
	})
	return err
}
