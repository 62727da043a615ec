package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/edututor/internal/model"
)

type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout はfnをタイムアウト付きで実行する。
// fnがコンテキストを無視して戻らない場合でも、タイムアウト時点で呼び出し元に制御を返す。
// 遅れて届いた結果は捨てる。
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(cctx)
		ch <- callResult[T]{value: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.value, r.err
	case <-cctx.Done():
		var zero T
		return zero, cctx.Err()
	}
}

// providerFailure はプロバイダ呼び出しのエラーを安定したエラー種別に揃える。
func providerFailure(provider string, err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderTimeoutError(provider, err)
	}
	return model.NewProviderError(provider, err)
}
