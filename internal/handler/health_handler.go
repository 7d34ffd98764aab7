package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/finsync/internal/middleware"
)

// Pinger はデータベース疎通確認のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// healthCheckTimeout はヘルスチェックでの疎通確認のタイムアウト。
const healthCheckTimeout = 3 * time.Second

// NewHealthHandler はヘルスチェックハンドラーを返す。
// dbがnilの場合はプロセスの生存のみを返す。
// GET /health
func NewHealthHandler(db Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn("ヘルスチェックでデータベースに接続できません", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "unavailable",
					"database": "down",
				})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
