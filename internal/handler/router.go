// Package handler はHTTP APIのハンドラーとルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/finsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 同期
	Sync     SyncRunner
	Waits    WaitSource
	Accounts AccountFinder
	Runs     RunHistory

	// 重複候補
	Duplicates DuplicateService

	// 変更通知
	Events            ChangeSubscriber
	HeartbeatInterval time.Duration

	// 運用
	DB      Pinger
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	syncHandler := NewSyncHandler(deps.Sync, deps.Waits, deps.Accounts, deps.Runs, logger)
	dupHandler := NewDuplicateHandler(deps.Duplicates, logger)
	eventHandler := NewEventHandler(deps.Events, deps.HeartbeatInterval, logger)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.DB, logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- API ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		r.Route("/api/sync", func(r chi.Router) {
			// POST /api/sync/run - 同期実行（同期トリガー専用レート制限を追加）
			if deps.RateLimiter != nil {
				r.With(deps.RateLimiter.SyncMiddleware()).Post("/run", syncHandler.RunSync)
			} else {
				r.Post("/run", syncHandler.RunSync)
			}
			r.Get("/wait", syncHandler.GetWait)
			r.Post("/force-stop", syncHandler.ForceStop)
			r.Get("/runs", syncHandler.ListRuns)
			r.Get("/runs/{id}", syncHandler.GetRun)
		})

		r.Route("/api/duplicates", func(r chi.Router) {
			r.Get("/", dupHandler.ListDuplicates)
			r.Post("/auto-resolve", dupHandler.AutoResolve)
			r.Post("/detect", dupHandler.DetectDuplicates)
			r.Post("/{id}/resolve", dupHandler.ResolveDuplicate)
		})

		r.Get("/api/events", eventHandler.Stream)
	})

	return r
}
