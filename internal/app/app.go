// Package app はサブコマンドの解析と、各実行モードの依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/edututor/internal/analytics"
	"github.com/hitoshi/edututor/internal/auth"
	"github.com/hitoshi/edututor/internal/classifier"
	"github.com/hitoshi/edututor/internal/config"
	"github.com/hitoshi/edututor/internal/conversation"
	"github.com/hitoshi/edututor/internal/database"
	"github.com/hitoshi/edututor/internal/handler"
	"github.com/hitoshi/edututor/internal/logger"
	"github.com/hitoshi/edututor/internal/metrics"
	"github.com/hitoshi/edututor/internal/middleware"
	"github.com/hitoshi/edututor/internal/security"
	"github.com/hitoshi/edututor/internal/sentiment"
	"github.com/hitoshi/edututor/internal/session"
	"github.com/hitoshi/edututor/internal/worker/cleanup"
)

const maxTopicTags = 3

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数でConfigを読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		_, err := io.WriteString(w, Usage())
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store", cfg.StoreBackend),
		slog.String("ai_provider", cfg.AIProvider),
		slog.String("classifier", cfg.ClassifierProvider),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// services はAPIサーバーが使う組み立て済みのコンポーネント。
type services struct {
	store        *store
	manager      *session.Manager
	auth         *auth.Service
	tokens       *auth.TokenIssuer
	orchestrator *conversation.Orchestrator
	collector    *metrics.Collector
	registry     *prometheus.Registry
	closers      []closer
}

func (s *services) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close provider", slog.String("error", err.Error()))
		}
	}
	if err := s.store.close(); err != nil {
		slog.Warn("failed to close store", slog.String("error", err.Error()))
	}
}

// buildServices はストア、セッション、認証、プロバイダ、会話処理を組み立てる。
func buildServices(ctx context.Context, cfg *config.Config, st *store) (*services, error) {
	log := slog.Default()

	manager := session.NewManager(
		session.NewTracker(cfg.SessionIdleTimeout, cfg.SessionMaxAgeDuration()),
		st.sessions, st.users, log,
	)
	tokens := auth.NewTokenIssuer(cfg.SessionSecret)
	authService := auth.NewService(st.users, manager, auth.NewBcryptHasher(cfg.BcryptCost), tokens, log)

	responder, err := newResponder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder: %w", err)
	}
	var closers []closer
	if c, ok := responder.(closer); ok {
		closers = append(closers, c)
	}

	cls, err := newClassifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}

	normalizer, err := sentiment.NewNormalizer(cfg.SentimentAnchors)
	if err != nil {
		return nil, fmt.Errorf("invalid sentiment anchors: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	convCfg := conversation.DefaultConfig()
	convCfg.ReplyTimeout = cfg.AITimeout
	convCfg.ClassifyTimeout = cfg.ClassifierTimeout
	convCfg.HistoryTurns = cfg.HistoryTurns

	orch := conversation.NewOrchestrator(convCfg, conversation.Deps{
		Responder:    responder,
		Classifier:   cls,
		Normalizer:   normalizer,
		Aggregator:   analytics.NewAggregator(cfg.SentimentWindow),
		Tagger:       classifier.NewKeywordTagger(maxTopicTags),
		Sanitizer:    security.NewReplySanitizer(),
		Users:        st.users,
		Interactions: st.interactions,
		Sessions:     manager,
		Observer:     collector,
		Logger:       log,
	})

	slog.Info("providers configured",
		slog.String("responder", responder.Name()),
		slog.String("classifier", cls.Name()),
	)

	return &services{
		store:        st,
		manager:      manager,
		auth:         authService,
		tokens:       tokens,
		orchestrator: orch,
		collector:    collector,
		registry:     registry,
		closers:      closers,
	}, nil
}

// newRouter はサービスと設定からHTTPハンドラーを構築する。
func newRouter(cfg *config.Config, svc *services, limiter *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		SessionResolver:   svc.manager,
		TokenParser:       svc.tokens,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter:   limiter,
		HealthChecker: svc.store.health,
		Metrics:       svc.collector,
		Gatherer:      svc.registry,
		AuthService:   svc.auth,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		ChatService:  svc.orchestrator,
		Users:        svc.store.users,
		Sessions:     svc.manager,
		Interactions: svc.store.interactions,
	})
}

// rateLimiterConfig は設定値（req/min）からレート制限設定を作る。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = middleware.PerMinute(cfg.RateLimitGeneral)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.ChatRate = middleware.PerMinute(cfg.RateLimitChat)
	if rl.ChatBurst > cfg.RateLimitChat {
		rl.ChatBurst = cfg.RateLimitChat
	}
	return rl
}

// runServe はAPIサーバーモードで起動する。
// ストアに接続し、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, st)
	if err != nil {
		st.close()
		return err
	}
	defer svc.Close()

	limiter := middleware.NewRateLimiter(rateLimiterConfig(cfg), slog.Default())
	defer limiter.Stop()

	// インメモリストアは別プロセスのワーカーから見えないため、サーバー内で掃除する
	if cfg.StoreBackend == config.StoreMemory {
		job := cleanup.NewSweepJob(svc.manager, svc.collector, slog.Default())
		go job.Start(ctx, cfg.SweepInterval)
	}

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: newRouter(cfg, svc, limiter),
		// AI応答の待ち時間を含むため、書き込みタイムアウトはプロバイダのタイムアウトより長くする
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AITimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// アイドルセッションの掃除ジョブをSWEEP_INTERVALごとに実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.StoreBackend == config.StoreMemory {
		return fmt.Errorf("worker requires a shared store; STORE_BACKEND=%s runs the sweeper inside serve", cfg.StoreBackend)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	manager := session.NewManager(
		session.NewTracker(cfg.SessionIdleTimeout, cfg.SessionMaxAgeDuration()),
		st.sessions, st.users, slog.Default(),
	)
	// ワーカーの指標はログで確認する。/metricsはAPIサーバーのみが公開する
	collector := metrics.NewCollector(prometheus.NewRegistry())
	job := cleanup.NewSweepJob(manager, collector, slog.Default())

	slog.Info("worker starting", slog.Duration("sweep_interval", cfg.SweepInterval))

	// 掃除ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.SweepInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。MongoDBとインメモリストアでは何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.StoreBackend != config.StorePostgres {
		slog.Info("no migrations for store backend", slog.String("store", cfg.StoreBackend))
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	status, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(status.Version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
