package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/hitoshi/edututor/internal/model"
)

const (
	// DefaultBaseURL はHugging FaceのOpenAI互換ルーター。
	DefaultBaseURL = "https://router.huggingface.co/v1"
	// DefaultModel は既定のチャットモデル。
	DefaultModel = "ibm-granite/granite-3.3-8b-instruct"

	defaultMaxTokens   = 500
	defaultTemperature = 0.7
)

// OpenAIConfig はOpenAI互換プロバイダの接続設定。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// HTTPClient はSSRF防止付きクライアントを差し込むために使う。nilなら既定のクライアント。
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// OpenAIResponder はOpenAI互換のChat Completions APIで応答を生成する。
type OpenAIResponder struct {
	client *openai.Client
	model  string
	retry  RetryPolicy
}

// NewOpenAIClient はgo-openaiのクライアントを生成する。分類器と共用する。
func NewOpenAIClient(apiKey, baseURL string, httpClient *http.Client) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(config)
}

// NewOpenAIResponder はOpenAIResponderを生成する。
func NewOpenAIResponder(cfg OpenAIConfig) *OpenAIResponder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &OpenAIResponder{
		client: NewOpenAIClient(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient),
		model:  cfg.Model,
		retry:  cfg.Retry,
	}
}

// Name はプロバイダ名を返す。
func (r *OpenAIResponder) Name() string { return "openai:" + r.model }

// Complete は入力と会話履歴から応答を生成する。
func (r *OpenAIResponder) Complete(ctx context.Context, input string, history []model.Turn) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       r.model,
		Messages:    buildMessages(input, history),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}

	var reply string
	err := r.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := r.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return MapError(r.Name(), err)
		}
		if len(resp.Choices) == 0 {
			return model.NewProviderError(r.Name(), fmt.Errorf("no choices in response"))
		}
		reply = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func buildMessages(input string, history []model.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, 2+2*len(history))
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt + "\n\nContext: " + BuildContext(history),
	})
	for _, t := range history {
		msgs = append(msgs,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: t.UserInput},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: t.AIResponse},
		)
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: input})
	return msgs
}
