package classifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/edututor/internal/llm"
	"github.com/hitoshi/edututor/internal/model"
	"github.com/hitoshi/edututor/internal/sentiment"
)

func newTestHF(t *testing.T, handler http.HandlerFunc) *HFClassifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewHFClassifier(server.Client(), "hf_test", server.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retry = llm.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return c
}

func TestHFClassifier_Classify(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantLabel sentiment.Label
		wantConf  float64
	}{
		{
			name:      "nested response",
			body:      `[[{"label":"negative","score":0.05},{"label":"positive","score":0.9},{"label":"neutral","score":0.05}]]`,
			wantLabel: sentiment.Positive,
			wantConf:  0.9,
		},
		{
			name:      "flat response with roberta labels",
			body:      `[{"label":"LABEL_0","score":0.7},{"label":"LABEL_1","score":0.2},{"label":"LABEL_2","score":0.1}]`,
			wantLabel: sentiment.Negative,
			wantConf:  0.7,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotInputs string
			c := newTestHF(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s", r.Method)
				}
				if auth := r.Header.Get("Authorization"); auth != "Bearer hf_test" {
					t.Errorf("Authorization = %q", auth)
				}
				var req map[string]string
				_ = json.NewDecoder(r.Body).Decode(&req)
				gotInputs = req["inputs"]
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := c.Classify(context.Background(), "  I love this  ")
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if gotInputs != "I love this" {
				t.Errorf("inputs = %q", gotInputs)
			}
			if got.Label != tt.wantLabel || math.Abs(got.Confidence-tt.wantConf) > 1e-12 {
				t.Errorf("Classify() = %+v, want %s/%v", got, tt.wantLabel, tt.wantConf)
			}
		})
	}
}

func TestHFClassifier_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		wantCalls int32
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"rate limit"}`, model.ErrCodeRateLimited, 2},
		{"model loading", http.StatusServiceUnavailable, `{"error":"loading"}`, model.ErrCodeProviderError, 2},
		{"bad token", http.StatusUnauthorized, `{"error":"invalid"}`, model.ErrCodeProviderError, 1},
		{"unknown label", http.StatusOK, `[[{"label":"joy","score":0.9}]]`, model.ErrCodeProviderError, 1},
		{"malformed json", http.StatusOK, `not json`, model.ErrCodeProviderError, 1},
		{"empty list", http.StatusOK, `[]`, model.ErrCodeProviderError, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestHF(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Classify(context.Background(), "hello")
			if !model.IsCode(err, tt.wantCode) {
				t.Errorf("Classify() error = %v, want %s", err, tt.wantCode)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestHFClassifier_OversizedResponse(t *testing.T) {
	c := newTestHF(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat(" ", maxResponseBody)))
		_, _ = w.Write([]byte(`[[{"label":"positive","score":0.9}]]`))
	})

	_, err := c.Classify(context.Background(), "hello")
	if !model.IsCode(err, model.ErrCodeProviderError) {
		t.Errorf("Classify() error = %v, want PROVIDER_ERROR", err)
	}
}

func TestGenerateSchema(t *testing.T) {
	raw, err := GenerateSchema[Verdict]()
	if err != nil {
		t.Fatalf("GenerateSchema() error = %v", err)
	}
	var schema struct {
		Type                 string         `json:"type"`
		Required             []string       `json:"required"`
		AdditionalProperties *bool          `json:"additionalProperties"`
		Properties           map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("unmarshal schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %s", schema.Type)
	}
	if !reflect.DeepEqual(schema.Required, []string{"label", "confidence"}) {
		t.Errorf("required = %v", schema.Required)
	}
	if schema.AdditionalProperties == nil || *schema.AdditionalProperties {
		t.Error("additionalProperties should be false")
	}
	if _, ok := schema.Properties["confidence"]; !ok {
		t.Error("confidence property missing")
	}
}

func TestLLMClassifier_Classify(t *testing.T) {
	var gotFormat map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotFormat, _ = req["response_format"].(map[string]any)

		content := "```json\n{\"label\":\"negative\",\"confidence\":0.75}\n```"
		b, _ := json.Marshal(map[string]any{
			"id":      "x",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}))
	defer server.Close()

	c, err := NewLLMClassifier("key", server.URL, "test-model", nil)
	if err != nil {
		t.Fatalf("NewLLMClassifier() error = %v", err)
	}
	got, err := c.Classify(context.Background(), "I'm stuck on this proof")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.Label != sentiment.Negative || got.Confidence != 0.75 {
		t.Errorf("Classify() = %+v", got)
	}
	if gotFormat["type"] != "json_schema" {
		t.Errorf("response_format = %v", gotFormat)
	}
}

func TestParseVerdict(t *testing.T) {
	if _, err := parseVerdict(`{"label":"furious","confidence":0.5}`); err == nil {
		t.Error("expected error for unknown label")
	}
	if _, err := parseVerdict(`label: positive`); err == nil {
		t.Error("expected error for non-JSON content")
	}
	got, err := parseVerdict(`{"label":"Positive","confidence":1}`)
	if err != nil || got.Label != sentiment.Positive {
		t.Errorf("parseVerdict() = %+v, %v", got, err)
	}
}

func TestLexiconClassifier(t *testing.T) {
	c := NewLexiconClassifier()
	tests := []struct {
		text      string
		wantLabel sentiment.Label
		wantConf  float64
	}{
		{"Thanks, that was really helpful!", sentiment.Positive, 1},
		{"I'm so confused and stuck", sentiment.Negative, 1},
		{"What is the capital of France?", sentiment.Neutral, 1},
		{"This is not hard", sentiment.Positive, 1},
		{"great but confusing, so stuck", sentiment.Negative, 2.0 / 3.0},
		{"good and bad", sentiment.Neutral, 1},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := c.Classify(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			if got.Label != tt.wantLabel || math.Abs(got.Confidence-tt.wantConf) > 1e-12 {
				t.Errorf("Classify(%q) = %+v, want %s/%v", tt.text, got, tt.wantLabel, tt.wantConf)
			}
		})
	}
}

func TestKeywordTagger(t *testing.T) {
	tagger := NewKeywordTagger(3)
	tests := []struct {
		text string
		want []string
	}{
		{"How do I solve this equation?", []string{"math"}},
		{"Explain photosynthesis in a cell", []string{"science"}},
		{"my python loop has a bug #homework", []string{"homework", "programming"}},
		{"hello there", []string{}},
		{"fraction geometry atom python war verb", []string{"history", "language", "math"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got := tagger.Tag(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tag(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	long := strings.Repeat("あ", maxInputRunes+10)
	if got := truncateRunes(long, maxInputRunes); len([]rune(got)) != maxInputRunes {
		t.Errorf("len = %d", len([]rune(got)))
	}
}
