// Package llm はAIチューターの応答を生成する外部プロバイダのクライアントを提供する。
//
// OpenAI互換API（既定はHugging Faceのルーター）、Gemini、開発用のエコーの3種類を実装し、
// いずれもconversation.Responderとして振る舞う。
package llm

import (
	"fmt"

	"github.com/hitoshi/edututor/internal/model"
)

// SystemPrompt はチューターとしての振る舞いを指示するシステムプロンプト。
const SystemPrompt = `You are an intelligent educational tutor AI assistant. Your role is to help students learn effectively by providing clear, engaging, and personalized responses.

Please provide a helpful, educational response that:
1. Addresses the student's question directly
2. Uses simple, clear language appropriate for learning
3. Provides examples when helpful
4. Encourages further learning
5. Is supportive and motivating`

// BuildContext は過去のやり取りから会話コンテキストの文言を組み立てる。
func BuildContext(history []model.Turn) string {
	return fmt.Sprintf("Previous interactions: %d", len(history))
}
