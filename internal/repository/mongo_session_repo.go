package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hitoshi/edututor/internal/model"
)

// MongoSessionRepo はMongoDBのsessionsコレクションを使用したセッションリポジトリ。
type MongoSessionRepo struct {
	coll *mongo.Collection
}

// NewMongoSessionRepo はMongoSessionRepoを生成する。
func NewMongoSessionRepo(db *mongo.Database) *MongoSessionRepo {
	return &MongoSessionRepo{coll: db.Collection(mongoSessionsCollection)}
}

// activeFilter はended_atが未設定（アクティブ）のセッションに一致する条件。
// {ended_at: null} はフィールドが存在しない場合にも一致する。
func activeFilter(id string) bson.M {
	return bson.M{"_id": id, "ended_at": nil}
}

// Create はセッションを作成する。
func (r *MongoSessionRepo) Create(ctx context.Context, s *model.Session) error {
	if _, err := r.coll.InsertOne(ctx, s); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *MongoSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s := &model.Session{}
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}

// RecordInteraction はアクティブなセッションのやり取り数を$incで1増やす。
func (r *MongoSessionRepo) RecordInteraction(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	return r.findOneAndUpdate(ctx, activeFilter(id), bson.M{
		"$inc": bson.M{"interaction_count": 1},
		"$set": bson.M{"last_activity_at": at},
	})
}

// UndoInteraction はアクティブなセッションのやり取り数を$incで1減らす。
func (r *MongoSessionRepo) UndoInteraction(ctx context.Context, id string) error {
	filter := activeFilter(id)
	filter["interaction_count"] = bson.M{"$gt": 0}
	if _, err := r.coll.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"interaction_count": -1}}); err != nil {
		return fmt.Errorf("failed to undo interaction: %w", err)
	}
	return nil
}

// Close はアクティブなセッションを終了する。既に終了済みの場合はnilを返す。
func (r *MongoSessionRepo) Close(ctx context.Context, id string, endedAt time.Time, reason string) (*model.Session, error) {
	return r.findOneAndUpdate(ctx, activeFilter(id), bson.M{
		"$set": bson.M{"ended_at": endedAt, "close_reason": reason},
	})
}

// Reopen は終了済みのセッションのended_atとclose_reasonを外してアクティブに戻す。
func (r *MongoSessionRepo) Reopen(ctx context.Context, id string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "ended_at": bson.M{"$ne": nil}},
		bson.M{"$unset": bson.M{"ended_at": "", "close_reason": ""}},
	)
	if err != nil {
		return fmt.Errorf("failed to reopen session: %w", err)
	}
	return nil
}

func (r *MongoSessionRepo) findOneAndUpdate(ctx context.Context, filter, update bson.M) (*model.Session, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	s := &model.Session{}
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return s, nil
}

// ListByUsername は指定ユーザーのセッションを開始の新しい順に返す。
func (r *MongoSessionRepo) ListByUsername(ctx context.Context, username string) ([]*model.Session, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	return r.find(ctx, bson.M{"username": username}, opts)
}

// ListIdle はアイドルまたは期限切れのアクティブなセッションを返す。
func (r *MongoSessionRepo) ListIdle(ctx context.Context, idleBefore, now time.Time, limit int) ([]*model.Session, error) {
	filter := bson.M{
		"ended_at": nil,
		"$or": bson.A{
			bson.M{"last_activity_at": bson.M{"$lt": idleBefore}},
			bson.M{"expires_at": bson.M{"$lt": now}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_activity_at", Value: 1}}).
		SetLimit(int64(limit))
	return r.find(ctx, filter, opts)
}

func (r *MongoSessionRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*model.Session, error) {
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []*model.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return out, nil
}

// compile-time interface check
var _ SessionRepository = (*MongoSessionRepo)(nil)
