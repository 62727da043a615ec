// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hitoshi/edututor/internal/sentiment"
)

// 選択可能なバックエンド・プロバイダ
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"

	AIProviderOpenAI = "openai"
	AIProviderGemini = "gemini"
	AIProviderEcho   = "echo"

	ClassifierHuggingFace = "huggingface"
	ClassifierLLM         = "llm"
	ClassifierLexicon     = "lexicon"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend  string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	// Session
	SessionSecret      string
	SessionIdleTimeout time.Duration
	SessionMaxAge      int // 秒
	BcryptCost         int

	// AI
	AIProvider string
	AIAPIKey   string
	AIBaseURL  string
	AIModel    string
	AITimeout  time.Duration

	// Classifier
	ClassifierProvider string
	HFToken            string
	HFEndpoint         string
	ClassifierModel    string
	ClassifierTimeout  time.Duration

	// Analytics
	SentimentWindow  int
	SentimentAnchors sentiment.Mapping
	HistoryTurns     int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitChat    int

	// Worker
	SweepInterval time.Duration

	// OutboundGuard が有効な場合、プロバイダのエンドポイントはSSRFガード付きクライアントで呼び出す。
	OutboundGuard bool

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	LogLevel slog.Level
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既に設定済みの環境変数は上書きしない）。
// 必須環境変数が未設定、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		StoreBackend:       strings.ToLower(getEnvString("STORE_BACKEND", StorePostgres)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MongoURI:           os.Getenv("MONGODB_URI"),
		MongoDatabase:      getEnvString("MONGODB_DATABASE", "edututor"),
		SessionSecret:      os.Getenv("SESSION_SECRET"),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		SessionMaxAge:      getEnvInt("SESSION_MAX_AGE", 86400),
		BcryptCost:         getEnvInt("BCRYPT_COST", 12),
		AIProvider:         strings.ToLower(getEnvString("AI_PROVIDER", AIProviderOpenAI)),
		AIAPIKey:           os.Getenv("AI_API_KEY"),
		AIBaseURL:          os.Getenv("AI_BASE_URL"),
		AIModel:            os.Getenv("AI_MODEL"),
		AITimeout:          getEnvDuration("AI_TIMEOUT", 20*time.Second),
		ClassifierProvider: strings.ToLower(getEnvString("CLASSIFIER_PROVIDER", ClassifierHuggingFace)),
		HFEndpoint:         os.Getenv("HF_ENDPOINT"),
		ClassifierModel:    os.Getenv("CLASSIFIER_MODEL"),
		ClassifierTimeout:  getEnvDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
		SentimentWindow:    getEnvInt("SENTIMENT_WINDOW", 20),
		HistoryTurns:       getEnvInt("HISTORY_TURNS", 5),
		RateLimitGeneral:   getEnvInt("RATE_LIMIT_GENERAL", 120),
		RateLimitChat:      getEnvInt("RATE_LIMIT_CHAT", 20),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", time.Minute),
		OutboundGuard:      getEnvBool("OUTBOUND_GUARD", true),
		ServerPort:         getEnvString("SERVER_PORT", "8080"),
		BaseURL:            getEnvString("BASE_URL", "http://localhost:8080"),
		CookieDomain:       getEnvString("COOKIE_DOMAIN", ""),
		CORSAllowedOrigin:  getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000"),
	}
	// HFのトークンは未指定ならAIのAPIキーを使う（同じHugging Faceアカウントを想定）
	cfg.HFToken = getEnvString("HF_TOKEN", cfg.AIAPIKey)
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	// Required fields
	var missing []string
	if cfg.SessionSecret == "" {
		missing = append(missing, "SESSION_SECRET")
	}
	if cfg.AIAPIKey == "" && cfg.AIProvider != AIProviderEcho {
		missing = append(missing, "AI_API_KEY")
	}
	if cfg.HFToken == "" && cfg.ClassifierProvider == ClassifierHuggingFace {
		missing = append(missing, "HF_TOKEN")
	}
	switch cfg.StoreBackend {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StoreMongo:
		if cfg.MongoURI == "" {
			missing = append(missing, "MONGODB_URI")
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	anchors, err := sentiment.ParseAnchors(os.Getenv("SENTIMENT_ANCHORS"))
	if err != nil {
		return nil, fmt.Errorf("invalid SENTIMENT_ANCHORS: %w", err)
	}
	cfg.SentimentAnchors = anchors

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StorePostgres, StoreMongo, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %q (want postgres, mongo or memory)", c.StoreBackend)
	}
	if c.StoreBackend == StoreMongo &&
		!strings.HasPrefix(c.MongoURI, "mongodb://") && !strings.HasPrefix(c.MongoURI, "mongodb+srv://") {
		return fmt.Errorf("invalid MONGODB_URI: must start with mongodb:// or mongodb+srv://")
	}
	switch c.AIProvider {
	case AIProviderOpenAI, AIProviderGemini, AIProviderEcho:
	default:
		return fmt.Errorf("invalid AI_PROVIDER: %q (want openai, gemini or echo)", c.AIProvider)
	}
	switch c.ClassifierProvider {
	case ClassifierHuggingFace, ClassifierLLM, ClassifierLexicon:
	default:
		return fmt.Errorf("invalid CLASSIFIER_PROVIDER: %q (want huggingface, llm or lexicon)", c.ClassifierProvider)
	}
	if c.SentimentWindow < 1 {
		return fmt.Errorf("SENTIMENT_WINDOW must be at least 1, got %d", c.SentimentWindow)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("HISTORY_TURNS must not be negative, got %d", c.HistoryTurns)
	}
	if c.AITimeout <= 0 || c.ClassifierTimeout <= 0 || c.SessionIdleTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("timeouts and intervals must be positive")
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive, got %d", c.SessionMaxAge)
	}
	if c.RateLimitGeneral < 1 || c.RateLimitChat < 1 {
		return fmt.Errorf("rate limits must be at least 1 request per minute")
	}
	return nil
}

// SessionMaxAgeDuration はセッションの最大有効期間を返す。
func (c *Config) SessionMaxAgeDuration() time.Duration {
	return time.Duration(c.SessionMaxAge) * time.Second
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
