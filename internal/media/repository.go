package media

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Repository interface {
	Insert(ctx context.Context, m Media) error
	FindByIDs(ctx context.Context, ids []string) ([]Media, error)
	FindByUser(ctx context.Context, userID string) ([]Media, error)
	Delete(ctx context.Context, id string) (int64, error)
}

type mongoRepository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database, collection string) Repository {
	return &mongoRepository{
		collection: db.Collection(collection),
	}
}

func (r *mongoRepository) Insert(ctx context.Context, m Media) error {
	if _, err := r.collection.InsertOne(ctx, m); err != nil {
		return fmt.Errorf("failed to save media %s: %w", m.ID, err)
	}
	return nil
}

func (r *mongoRepository) FindByIDs(ctx context.Context, ids []string) ([]Media, error) {
	return r.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find())
}

func (r *mongoRepository) FindByUser(ctx context.Context, userID string) ([]Media, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return r.find(ctx, bson.M{"user_id": userID}, opts)
}

func (r *mongoRepository) Delete(ctx context.Context, id string) (int64, error) {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, fmt.Errorf("failed to delete media %s: %w", id, err)
	}
	return result.DeletedCount, nil
}

func (r *mongoRepository) find(ctx context.Context, filter interface{}, opts *options.FindOptions) ([]Media, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer cursor.Close(ctx)

	items := []Media{}
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode media: %w", err)
	}
	return items, nil
}
