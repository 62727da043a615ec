package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/edututor/internal/model"
)

// MongoInteractionRepo はMongoDBのinteractionsコレクションを使用したリポジトリ。
type MongoInteractionRepo struct {
	coll *mongo.Collection
}

// NewMongoInteractionRepo はMongoInteractionRepoを生成する。
func NewMongoInteractionRepo(db *mongo.Database) *MongoInteractionRepo {
	return &MongoInteractionRepo{coll: db.Collection(mongoInteractionsCollection)}
}

// Append はやり取りを1件追記する。
func (r *MongoInteractionRepo) Append(ctx context.Context, in *model.Interaction) error {
	if _, err := r.coll.InsertOne(ctx, in); err != nil {
		return fmt.Errorf("failed to append interaction: %w", err)
	}
	return nil
}

// ListRecent は指定ユーザーの直近のやり取りを新しい順に返す。
// SetLimit(0)は件数無制限を意味するため、0以下は問い合わせずに空を返す。
func (r *MongoInteractionRepo) ListRecent(ctx context.Context, username string, limit int) ([]*model.Interaction, error) {
	if limit <= 0 {
		return []*model.Interaction{}, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := r.coll.Find(ctx, bson.M{"username": username}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}

	var out []*model.Interaction
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode interactions: %w", err)
	}
	return out, nil
}

// Remove は指定IDのやり取りを削除する。
func (r *MongoInteractionRepo) Remove(ctx context.Context, id string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to remove interaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ InteractionRepository = (*MongoInteractionRepo)(nil)
