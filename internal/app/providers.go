package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/edututor/internal/classifier"
	"github.com/hitoshi/edututor/internal/config"
	"github.com/hitoshi/edututor/internal/conversation"
	"github.com/hitoshi/edututor/internal/llm"
	"github.com/hitoshi/edututor/internal/security"
)

// outboundClient は外部プロバイダ呼び出し用のHTTPクライアントを返す。
// OUTBOUND_GUARDが有効な場合は設定されたエンドポイントを検証し、SSRF防止付きクライアントを使う。
// 無効な場合はnil（各SDKの既定クライアント）を返す。
func outboundClient(cfg *config.Config, endpoints ...string) (*http.Client, error) {
	if !cfg.OutboundGuard {
		return nil, nil
	}
	var guard security.EndpointGuard = security.NewEndpointGuard(false)
	for _, ep := range endpoints {
		if ep == "" {
			continue
		}
		if err := guard.ValidateEndpoint(ep); err != nil {
			return nil, fmt.Errorf("outbound endpoint %q rejected: %w", ep, err)
		}
	}
	// タイムアウトはターンごとのコンテキストで制御するため、ここではやや長めに取る
	timeout := cfg.AITimeout
	if cfg.ClassifierTimeout > timeout {
		timeout = cfg.ClassifierTimeout
	}
	return guard.NewClient(timeout + timeout/2), nil
}

// closer は終了時に解放が必要なプロバイダ。
type closer interface {
	Close() error
}

// newResponder はAI_PROVIDERに応じて応答プロバイダを生成する。
func newResponder(ctx context.Context, cfg *config.Config) (conversation.Responder, error) {
	switch cfg.AIProvider {
	case config.AIProviderEcho:
		slog.Warn("using echo responder; replies are not generated by an AI model")
		return llm.EchoResponder{}, nil

	case config.AIProviderGemini:
		// Gemini SDKは独自のトランスポートでAPIキーを付与するため、ガード付きクライアントは差し込まない
		return llm.NewGeminiResponder(ctx, cfg.AIAPIKey, cfg.AIModel)

	default:
		client, err := outboundClient(cfg, cfg.AIBaseURL)
		if err != nil {
			return nil, err
		}
		return llm.NewOpenAIResponder(llm.OpenAIConfig{
			APIKey:     cfg.AIAPIKey,
			BaseURL:    cfg.AIBaseURL,
			Model:      cfg.AIModel,
			HTTPClient: client,
		}), nil
	}
}

// newClassifier はCLASSIFIER_PROVIDERに応じて感情分類器を生成する。
func newClassifier(cfg *config.Config) (conversation.Classifier, error) {
	switch cfg.ClassifierProvider {
	case config.ClassifierLexicon:
		return classifier.NewLexiconClassifier(), nil

	case config.ClassifierLLM:
		client, err := outboundClient(cfg, cfg.AIBaseURL)
		if err != nil {
			return nil, err
		}
		return classifier.NewLLMClassifier(cfg.AIAPIKey, cfg.AIBaseURL, cfg.ClassifierModel, client)

	default:
		client, err := outboundClient(cfg, cfg.HFEndpoint)
		if err != nil {
			return nil, err
		}
		if client == nil {
			client = &http.Client{}
		}
		return classifier.NewHFClassifier(client, cfg.HFToken, cfg.HFEndpoint, slog.Default()), nil
	}
}
