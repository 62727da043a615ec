package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/sashabaranov/go-openai"

	"github.com/hitoshi/edututor/internal/llm"
	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/sentiment"
)

const classifyPrompt = `Classify the sentiment of the student's message as negative, neutral or positive.
Return the label and your confidence between 0 and 1 as a JSON object.`

// Verdict はLLMに返させる構造化出力。
type Verdict struct {
	Label      string  `json:"label" jsonschema:"required,enum=negative,enum=neutral,enum=positive"`
	Confidence float64 `json:"confidence" jsonschema:"required,minimum=0,maximum=1"`
}

// GenerateSchema はTのJSONスキーマをOpenAIの構造化出力の形式で生成する。
func GenerateSchema[T any]() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	schema := reflector.Reflect(v)
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return b, nil
}

// LLMClassifier はOpenAI互換APIの構造化出力で感情分類を行う。
type LLMClassifier struct {
	client *openai.Client
	model  string
	schema json.RawMessage
	retry  llm.RetryPolicy
}

// NewLLMClassifier はLLMClassifierを生成する。
func NewLLMClassifier(apiKey, baseURL, modelName string, httpClient *http.Client) (*LLMClassifier, error) {
	schema, err := GenerateSchema[Verdict]()
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = llm.DefaultModel
	}
	if baseURL == "" {
		baseURL = llm.DefaultBaseURL
	}
	return &LLMClassifier{
		client: llm.NewOpenAIClient(apiKey, baseURL, httpClient),
		model:  modelName,
		schema: schema,
		retry:  llm.DefaultRetryPolicy(),
	}, nil
}

// Name はプロバイダ名を返す。
func (c *LLMClassifier) Name() string { return "llm-classifier:" + c.model }

// Classify は入力文を分類する。
func (c *LLMClassifier) Classify(ctx context.Context, text string) (sentiment.Classification, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifyPrompt},
			{Role: openai.ChatMessageRoleUser, Content: truncateRunes(text, maxInputRunes)},
		},
		MaxTokens:   60,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "sentiment_verdict",
				Schema: c.schema,
				Strict: true,
			},
		},
	}

	var result sentiment.Classification
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return llm.MapError(c.Name(), err)
		}
		if len(resp.Choices) == 0 {
			return model.NewProviderError(c.Name(), fmt.Errorf("no choices in response"))
		}
		result, err = parseVerdict(resp.Choices[0].Message.Content)
		if err != nil {
			return model.NewProviderError(c.Name(), err)
		}
		return nil
	})
	return result, err
}

func parseVerdict(content string) (sentiment.Classification, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var v Verdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return sentiment.Classification{}, fmt.Errorf("failed to parse verdict: %w", err)
	}
	label, err := sentiment.ParseLabel(v.Label)
	if err != nil {
		return sentiment.Classification{}, err
	}
	return sentiment.Classification{Label: label, Confidence: v.Confidence}, nil
}
