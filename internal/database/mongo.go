package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const mongoConnectTimeout = 10 * time.Second

// MongoStore はMongoDBのクライアントと使用するデータベースの組。
type MongoStore struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// OpenMongo はMongoDBに接続し、プライマリへの疎通を確認する。
// uriは mongodb:// または mongodb+srv:// 形式。
func OpenMongo(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetAppName("edututor"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{Client: client, Database: client.Database(dbName)}, nil
}

// PingContext はプライマリへの疎通を確認する。ヘルスチェックで使用する。
func (s *MongoStore) PingContext(ctx context.Context) error {
	return s.Client.Ping(ctx, readpref.Primary())
}

// Close は接続を閉じる。
func (s *MongoStore) Close(ctx context.Context) error {
	return s.Client.Disconnect(ctx)
}
