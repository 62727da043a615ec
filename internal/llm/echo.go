package llm

import (
	"context"
	"fmt"

	"github.com/hitoshi/edututor/internal/model"
)

// EchoResponder は外部APIを呼ばずに入力を復唱する。認証情報のないローカル開発用。
type EchoResponder struct{}

// Name はプロバイダ名を返す。
func (EchoResponder) Name() string { return "echo" }

// Complete は入力をそのまま含む応答を返す。
func (EchoResponder) Complete(ctx context.Context, input string, history []model.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("You asked: %q (%s)", input, BuildContext(history)), nil
}
