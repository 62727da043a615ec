package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hitoshi/edututor/internal/model"
)

// MongoDBのコレクション名
const (
	mongoUsersCollection        = "users"
	mongoInteractionsCollection = "interactions"
	mongoSessionsCollection     = "sessions"
)

// MongoUserRepo はMongoDBのusersコレクションを使用したユーザーリポジトリ。
type MongoUserRepo struct {
	coll *mongo.Collection
}

// NewMongoUserRepo はMongoUserRepoを生成する。
func NewMongoUserRepo(db *mongo.Database) *MongoUserRepo {
	return &MongoUserRepo{coll: db.Collection(mongoUsersCollection)}
}

// FindByUsername は指定ユーザー名のユーザーを取得する。見つからない場合はnilを返す。
func (r *MongoUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	user := &model.User{}
	err := r.coll.FindOne(ctx, bson.M{"username": username}).Decode(user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。usernameの一意インデックスで重複を検出する。
func (r *MongoUserRepo) Create(ctx context.Context, user *model.User) error {
	doc := *user
	doc.Analytics = withEmptySlices(user.Analytics)

	_, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateUsername
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpsertAnalytics はanalytics.sessions以外のフィールドを$setで上書きする。
func (r *MongoUserRepo) UpsertAnalytics(ctx context.Context, username string, summary model.AnalyticsSummary) error {
	s := withEmptySlices(summary)
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$set": bson.M{
			"analytics.total_interactions":  s.TotalInteractions,
			"analytics.scored_interactions": s.ScoredInteractions,
			"analytics.avg_sentiment":       s.AvgSentiment,
			"analytics.trend":               s.Trend,
			"analytics.topics":              s.Topics,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update analytics: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AppendSessionRecord はanalytics.sessionsに$pushで追記する。
func (r *MongoUserRepo) AppendSessionRecord(ctx context.Context, username string, record model.SessionRecord) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$push": bson.M{"analytics.sessions": record}},
	)
	if err != nil {
		return fmt.Errorf("failed to append session record: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*MongoUserRepo)(nil)
