package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/edututor/internal/model"
)

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(1),
		GeneralBurst:    3,
		ChatRate:        PerMinute(6),
		ChatBurst:       1,
		CleanupInterval: time.Hour,
	}
}

func requestAs(username string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	return req.WithContext(ContextWithSession(context.Background(), activeSession("sid-"+username, username)))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimiter_GeneralBurst(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs("alice"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs("alice"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	var body ErrorResponseBody
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want RATE_LIMITED", body.Code)
	}

	// 別ユーザーは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs("bob"))
	if w.Code != http.StatusOK {
		t.Errorf("bob status = %d, want 200", w.Code)
	}
}

func TestRateLimiter_ChatIndependentOfGeneral(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	defer rl.Stop()
	chat := rl.ChatMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	chat.ServeHTTP(w, requestAs("alice"))
	if w.Code != http.StatusOK {
		t.Fatalf("first chat status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	chat.ServeHTTP(w, requestAs("alice"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second chat status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "10" {
		t.Errorf("Retry-After = %q, want 10", w.Header().Get("Retry-After"))
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestAs("alice"))
	if w.Code != http.StatusOK {
		t.Errorf("general status = %d, want 200", w.Code)
	}
	if rl.ChatLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("counts chat=%d general=%d", rl.ChatLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_RequiresSession(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRateLimiter_CleanupEvictsIdle(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	defer rl.Stop()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs("alice"))
	rl.ChatMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs("alice"))

	rl.cleanup(time.Now().Add(time.Hour))
	if rl.GeneralLimiterCount() != 1 {
		t.Error("entry within TTL should be kept")
	}

	rl.cleanup(time.Now().Add(3 * time.Hour))
	if rl.GeneralLimiterCount() != 0 || rl.ChatLimiterCount() != 0 {
		t.Error("idle entries should be evicted")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	rl.Stop()
	rl.Stop()
}
