package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/edututor/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因エラー（Cause）はレスポンスに含めない。
// Retryableは同じリクエストを時間をおいて再送すれば成功しうるかを示す。
type ErrorResponseBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Action    string `json:"action"`
	Retryable bool   `json:"retryable"`
}

// retryableCodes は一時的な失敗を表すエラーコード。
var retryableCodes = map[string]bool{
	model.ErrCodeRateLimited:     true,
	model.ErrCodeProviderTimeout: true,
	model.ErrCodeProviderError:   true,
	model.ErrCodeStorageError:    true,
}

// WriteErrorResponse はAPIErrorを統一フォーマットで書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Category:  apiErr.Category,
		Action:    apiErr.Action,
		Retryable: retryableCodes[apiErr.Code],
	})
}

// WriteInternalServerError は内部エラーを書き込む。詳細はログのみに残す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
