// Package classifier は入力文の感情分類とトピック抽出を提供する。
//
// 感情分類はHugging Face Inference API、LLMの構造化出力、オフラインの語彙ベースの3種類を実装し、
// いずれもconversation.Classifierとして振る舞う。
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/edututor/internal/llm"
	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/sentiment"
)

const (
	// DefaultHFEndpoint はHugging Face Inference APIの感情分類モデルのエンドポイント。
	DefaultHFEndpoint = "https://router.huggingface.co/hf-inference/models/cardiffnlp/twitter-roberta-base-sentiment-latest"
	// maxErrorBody はログに残すエラーレスポンスの最大バイト数。
	maxErrorBody = 512
	// maxResponseBody は読み取るレスポンスボディの上限。分類結果は数百バイト程度。
	maxResponseBody = 64 << 10
	// maxInputRunes はモデルの入力長の上限に合わせた切り詰め長。
	maxInputRunes = 1000
)

// HFClassifier はHugging Face Inference APIで感情分類を行う。
type HFClassifier struct {
	httpClient *http.Client
	logger     *slog.Logger
	token      string
	endpoint   string // テスト用にエンドポイントを差し替え可能
	retry      llm.RetryPolicy
}

// NewHFClassifier はHFClassifierの新しいインスタンスを生成する。
// endpointが空の場合は既定のモデルを使用する。
func NewHFClassifier(httpClient *http.Client, token, endpoint string, logger *slog.Logger) *HFClassifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if endpoint == "" {
		endpoint = DefaultHFEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HFClassifier{
		httpClient: httpClient,
		logger:     logger,
		token:      token,
		endpoint:   endpoint,
		retry:      llm.DefaultRetryPolicy(),
	}
}

// Name はプロバイダ名を返す。
func (c *HFClassifier) Name() string { return "huggingface" }

type hfPrediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify は入力文を分類し、最も確信度の高いラベルを返す。
func (c *HFClassifier) Classify(ctx context.Context, text string) (sentiment.Classification, error) {
	body, err := json.Marshal(map[string]string{"inputs": truncateRunes(text, maxInputRunes)})
	if err != nil {
		return sentiment.Classification{}, model.NewProviderError(c.Name(), err)
	}

	var result sentiment.Classification
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		preds, err := c.call(ctx, body)
		if err != nil {
			return llm.MapError(c.Name(), err)
		}
		result, err = topPrediction(preds)
		if err != nil {
			return model.NewProviderError(c.Name(), err)
		}
		return nil
	})
	return result, err
}

func (c *HFClassifier) call(ctx context.Context, body []byte) ([]hfPrediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "EduTutor/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if len(raw) > maxResponseBody {
		return nil, fmt.Errorf("レスポンスボディが上限（%dバイト）を超えています", maxResponseBody)
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		c.logger.Warn("Hugging Face APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", snippet),
		)
		return nil, &llm.StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}

	return decodePredictions(raw)
}

// decodePredictions は [[{label,score}...]] と [{label,score}...] の両方の形式を受け付ける。
func decodePredictions(raw []byte) ([]hfPrediction, error) {
	var nested [][]hfPrediction
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return nil, fmt.Errorf("empty prediction list")
		}
		return nested[0], nil
	}
	var flat []hfPrediction
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return flat, nil
}

func topPrediction(preds []hfPrediction) (sentiment.Classification, error) {
	if len(preds) == 0 {
		return sentiment.Classification{}, fmt.Errorf("empty prediction list")
	}
	best := preds[0]
	for _, p := range preds[1:] {
		if p.Score > best.Score {
			best = p
		}
	}
	label, err := sentiment.ParseLabel(best.Label)
	if err != nil {
		return sentiment.Classification{}, err
	}
	return sentiment.Classification{Label: label, Confidence: best.Score}, nil
}

func truncateRunes(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
