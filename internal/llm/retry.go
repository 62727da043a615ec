package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hitoshi/edututor/internal/model"
)

// StatusClass はプロバイダが返したHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusRetry は再試行で回復しうるステータス（429/5xx）。
	StatusRetry
	// StatusFatal は再試行しても回復しないステータス（400/401/403/404など）。
	StatusFatal
)

// ClassifyStatus はHTTPステータスコードを分類する。
func ClassifyStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == 429:
		return StatusRetry
	case statusCode == 408:
		return StatusRetry
	case statusCode >= 500:
		return StatusRetry
	default:
		return StatusFatal
	}
}

// StatusError はプロバイダが成功以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// MapError はプロバイダ呼び出しのエラーをAPIErrorに揃える。
// 429はRateLimited、タイムアウトはProviderTimeout、その他はProviderErrorになる。
func MapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderTimeoutError(provider, err)
	}

	if status := statusOf(err); status != 0 {
		if status == 429 {
			return model.NewRateLimitedError(provider, err)
		}
		var se *StatusError
		if !errors.As(err, &se) {
			err = fmt.Errorf("%w: %w", &StatusError{StatusCode: status}, err)
		}
		return model.NewProviderError(provider, err)
	}

	// ステータスコードを取り出せないSDKのエラーは文言で判定する
	if isRateLimitMessage(err) {
		return model.NewRateLimitedError(provider, err)
	}
	if isServerErrorMessage(err) {
		return model.NewProviderError(provider, fmt.Errorf("%w: %w", &StatusError{StatusCode: 500}, err))
	}
	return model.NewProviderError(provider, err)
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		return oaErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func isRateLimitMessage(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "429") ||
		strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") ||
		strings.Contains(s, "resource_exhausted") ||
		strings.Contains(s, "resource has been exhausted")
}

func isServerErrorMessage(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "500") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "internal server error") ||
		strings.Contains(s, "service unavailable")
}

// Retryable はMapError済みのエラーが再試行対象かを判定する。
func Retryable(err error) bool {
	if model.IsCode(err, model.ErrCodeRateLimited) {
		return true
	}
	if !model.IsCode(err, model.ErrCodeProviderError) {
		return false
	}
	var se *StatusError
	return errors.As(err, &se) && ClassifyStatus(se.StatusCode) == StatusRetry
}

// RetryPolicy はプロバイダ呼び出しの再試行設定。
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy は既定の再試行設定を返す。初回250ms、2倍ずつ増加、最大2秒、3回まで。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Backoff は再試行回数に基づいて指数バックオフ遅延を計算する。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

// Do はfnを実行し、再試行対象のエラーであればバックオフを挟んで再実行する。
// 呼び出し元のデッドラインまでに待機が終わらない場合は最後のエラーを返す。
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Retryable(err) || attempt == attempts-1 {
			return err
		}

		delay := p.Backoff(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
