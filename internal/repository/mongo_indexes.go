package repository

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMongoIndexes はMongoDBのコレクションに必要なインデックスを作成する。
// 既に存在する場合は何もしない。usernameの一意性はこのインデックスで担保する。
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		mongoUsersCollection: {
			{
				Keys:    bson.D{{Key: "username", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_username"),
			},
		},
		mongoInteractionsCollection: {
			{
				Keys:    bson.D{{Key: "username", Value: 1}, {Key: "timestamp", Value: -1}},
				Options: options.Index().SetName("username_timestamp"),
			},
		},
		mongoSessionsCollection: {
			{
				Keys:    bson.D{{Key: "username", Value: 1}, {Key: "started_at", Value: -1}},
				Options: options.Index().SetName("username_started_at"),
			},
			{
				Keys:    bson.D{{Key: "ended_at", Value: 1}, {Key: "last_activity_at", Value: 1}},
				Options: options.Index().SetName("ended_at_last_activity"),
			},
		},
	}

	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}
