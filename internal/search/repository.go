package search

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Repository interface {
	// Upsert inserts post unless a record for its id already exists.
	Upsert(ctx context.Context, post IndexedPost) error
	// Delete removes the record matching both ids and reports how many went.
	Delete(ctx context.Context, postID, userID string) (int64, error)
	Search(ctx context.Context, query string, limit int64) ([]IndexedPost, error)
	Latest(ctx context.Context, limit int64) ([]IndexedPost, error)
}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database, collection string) Repository {
	return &mongoRepository{
		collection: db.Collection(collection),
	}
}

func (r *mongoRepository) Upsert(ctx context.Context, post IndexedPost) error {
	post.Score = 0
	filter := bson.M{"post_id": post.PostID}
	update := bson.M{"$setOnInsert": post}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		// A concurrent redelivery inserted it first.
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to index post %s: %w", post.PostID, err)
	}
	return nil
}

func (r *mongoRepository) Delete(ctx context.Context, postID, userID string) (int64, error) {
	filter := bson.M{"post_id": postID, "user_id": userID}

	result, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to remove post %s from index: %w", postID, err)
	}
	return result.DeletedCount, nil
}

func (r *mongoRepository) Search(ctx context.Context, query string, limit int64) ([]IndexedPost, error) {
	filter := bson.M{"$text": bson.M{"$search": query}}
	score := bson.M{"score": bson.M{"$meta": "textScore"}}
	opts := options.Find().
		SetProjection(score).
		SetSort(score).
		SetLimit(limit)

	return r.find(ctx, filter, opts)
}

func (r *mongoRepository) Latest(ctx context.Context, limit int64) ([]IndexedPost, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)

	return r.find(ctx, bson.M{}, opts)
}

func (r *mongoRepository) find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]IndexedPost, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query search index: %w", err)
	}
	defer cursor.Close(ctx)

	posts := []IndexedPost{}
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}
	return posts, nil
}
