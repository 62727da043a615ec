package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/edututor/internal/metrics"
	"github.com/hitoshi/edututor/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionResolver   middleware.SessionResolver
	TokenParser       middleware.TokenParser
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 監視。Metricsがnilの場合は/metricsを公開しない
	HealthChecker HealthChecker
	Metrics       *metrics.Collector
	Gatherer      prometheus.Gatherer

	AuthService  AuthServiceInterface
	AuthConfig   AuthHandlerConfig
	ChatService  ChatServiceInterface
	Users        UserFinder
	Sessions     SessionLister
	Interactions InteractionLister
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS → CSRF
//	  → (認証が必要なルート) Session → RateLimit(General) → (チャットのみ) RateLimit(Chat)
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRF.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

	authHandler := NewAuthHandler(deps.AuthService, deps.TokenParser, deps.AuthConfig)
	chatHandler := NewChatHandler(deps.ChatService)
	analyticsHandler := NewAnalyticsHandler(deps.Users, deps.Sessions, deps.Interactions)

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil && deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionResolver, deps.TokenParser))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/me", authHandler.Me)
		r.Get("/api/analytics", analyticsHandler.Summary)
		r.Get("/api/sessions", analyticsHandler.Sessions)
		r.Get("/api/interactions", analyticsHandler.Interactions)

		// チャット送信は外部プロバイダを呼び出すため、専用のレート制限を追加する
		r.With(deps.RateLimiter.ChatMiddleware()).Post("/api/chat", chatHandler.Send)
	})

	return r
}
