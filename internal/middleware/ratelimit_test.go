package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func testLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		SyncRate:        1,
		SyncBurst:       2,
		CleanupInterval: time.Minute,
	}
}

func requestFrom(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/sync/run", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler(count *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*count++
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(testLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WhenLimitExceeded(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(testLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	calls := 0
	handler := rl.SyncMiddleware()(okHandler(&calls))

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, requestFrom("10.0.0.1:5000"))
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", last.Code, http.StatusTooManyRequests)
	}
	if calls != 2 {
		t.Errorf("handler call count = %d, want 2", calls)
	}
	if ra, err := strconv.Atoi(last.Header().Get("Retry-After")); err != nil || ra < 1 {
		t.Errorf("Retry-After = %q, want positive integer", last.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(last.Body).Decode(&body); err != nil {
		t.Fatalf("429レスポンスはJSONであるべき: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"limit_type":"sync"`)) {
		t.Errorf("超過時にlimit_type付きでログ出力されるべき: %s", buf.String())
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(testLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	calls := 0
	handler := rl.SyncMiddleware()(okHandler(&calls))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))
	}

	// 別クライアントは影響を受けない
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want %d", w.Code, http.StatusOK)
	}

	// 同一ホストの別ポートは同一クライアントとして扱う
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:6000"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("same host status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestSyncRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(testLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	calls := 0
	syncHandler := rl.SyncMiddleware()(okHandler(&calls))
	generalHandler := rl.GeneralMiddleware()(okHandler(&calls))

	for i := 0; i < 3; i++ {
		syncHandler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))
	}

	w := httptest.NewRecorder()
	generalHandler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
	if w.Code != http.StatusOK {
		t.Errorf("同期トリガーの制限はAPI全般に影響しないべき: status = %d", w.Code)
	}
	if rl.SyncLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (%d, %d), want (1, 1)", rl.SyncLimiterCount(), rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	var buf bytes.Buffer
	rl := NewRateLimiter(testLimiterConfig(), newTestLogger(&buf))
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:5000"))
	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.2:5000"))

	if rl.GeneralLimiterCount() != 2 {
		t.Fatalf("GeneralLimiterCount = %d, want 2", rl.GeneralLimiterCount())
	}

	// TTL内では削除されない
	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("TTL内のエントリが削除された: %d", rl.GeneralLimiterCount())
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("期限切れエントリが残っている: %d", rl.GeneralLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testLimiterConfig(), nil)
	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2 {
		t.Errorf("GeneralRate = %v, want 2", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.SyncRate != 0.1 {
		t.Errorf("SyncRate = %v, want 0.1", cfg.SyncRate)
	}
	if cfg.SyncBurst != 6 {
		t.Errorf("SyncBurst = %d, want 6", cfg.SyncBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
