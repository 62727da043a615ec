package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/edututor/internal/config"
	"github.com/hitoshi/edututor/internal/database"
	"github.com/hitoshi/edututor/internal/handler"
	"github.com/hitoshi/edututor/internal/repository"
)

// store は選択されたバックエンドのリポジトリ群。
type store struct {
	users        repository.UserRepository
	interactions repository.InteractionRepository
	sessions     repository.SessionRepository
	// health はnilの場合ヘルスチェックでストアを確認しない（インメモリ）。
	health handler.HealthChecker
	close  func() error
}

// openStore はSTORE_BACKENDに応じてリポジトリを構築する。
// postgresとmongoは接続確認まで行う。
func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreBackend {
	case config.StoreMongo:
		ms, err := database.OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		if err := repository.EnsureMongoIndexes(ctx, ms.Database); err != nil {
			_ = ms.Close(context.Background())
			return nil, fmt.Errorf("failed to ensure mongodb indexes: %w", err)
		}
		slog.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))
		return &store{
			users:        repository.NewMongoUserRepo(ms.Database),
			interactions: repository.NewMongoInteractionRepo(ms.Database),
			sessions:     repository.NewMongoSessionRepo(ms.Database),
			health:       ms,
			close:        func() error { return ms.Close(context.Background()) },
		}, nil

	case config.StoreMemory:
		slog.Warn("using in-memory store; data is lost on restart")
		mem := repository.NewMemoryStore()
		return &store{
			users:        mem,
			interactions: mem,
			sessions:     mem.Sessions(),
			close:        func() error { return nil },
		}, nil

	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
		return &store{
			users:        repository.NewPostgresUserRepo(db),
			interactions: repository.NewPostgresInteractionRepo(db),
			sessions:     repository.NewPostgresSessionRepo(db),
			health:       db,
			close:        db.Close,
		}, nil
	}
}
