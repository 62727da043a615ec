package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/hitoshi/edututor/internal/model"
)

// DefaultGeminiModel はGemini利用時の既定モデル。
const DefaultGeminiModel = "gemini-1.5-flash"

// GeminiResponder はGoogle Gemini APIで応答を生成する。
type GeminiResponder struct {
	client    *genai.Client
	modelName string
	retry     RetryPolicy
}

// NewGeminiResponder はGeminiResponderを生成する。
func NewGeminiResponder(ctx context.Context, apiKey, modelName string, opts ...option.ClientOption) (*GeminiResponder, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	cl, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}
	return &GeminiResponder{client: cl, modelName: modelName, retry: DefaultRetryPolicy()}, nil
}

// Close はクライアントを閉じる。
func (g *GeminiResponder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Name はプロバイダ名を返す。
func (g *GeminiResponder) Name() string { return "gemini:" + g.modelName }

// Complete は入力と会話履歴から応答を生成する。
func (g *GeminiResponder) Complete(ctx context.Context, input string, history []model.Turn) (string, error) {
	m := g.client.GenerativeModel(g.modelName)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemPrompt + "\n\nContext: " + BuildContext(history))},
	}
	m.SetMaxOutputTokens(defaultMaxTokens)
	m.SetTemperature(defaultTemperature)

	var reply string
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		// 失敗した送信も履歴に残るため、試行ごとにチャットを作り直す
		cs := m.StartChat()
		for _, t := range history {
			cs.History = append(cs.History,
				&genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.UserInput)}},
				&genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.AIResponse)}},
			)
		}
		resp, err := cs.SendMessage(ctx, genai.Text(input))
		if err != nil {
			return MapError(g.Name(), err)
		}
		reply = textOf(resp)
		return nil
	})
	if err != nil {
		return "", err
	}
	return reply, nil
}

func textOf(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String())
}
