package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/finsync/internal/checkpoint"
	"github.com/hitoshi/finsync/internal/middleware"
	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/syncclient"
	"github.com/hitoshi/finsync/internal/syncproto"
	"github.com/hitoshi/finsync/internal/worker/syncjob"
)

// イベントストリームで使用する、プロトコル外のイベント名。
const (
	eventReport syncproto.EventType = "report"
	eventFailed syncproto.EventType = "failed"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// SyncRunner は同期ハンドラーが必要とするオーケストレーターのインターフェース。
type SyncRunner interface {
	Run(ctx context.Context, accounts []model.Account, opts syncjob.RunOptions, onProgress syncjob.ProgressFunc) (*model.SessionReport, error)
	ForceStop(ctx context.Context, confirmed bool) error
}

// WaitSource は現在のレート制限待機の参照インターフェース。
type WaitSource interface {
	Current() (syncjob.Wait, bool)
	Now() time.Time
}

// AccountFinder は同期対象アカウントの取得インターフェース。
type AccountFinder interface {
	ListActive(ctx context.Context) ([]model.Account, error)
	FindByIDs(ctx context.Context, ids []string) ([]model.Account, error)
}

// RunHistory は同期実行履歴の参照インターフェース。
type RunHistory interface {
	ListRecent(ctx context.Context, limit int) ([]model.SessionReport, error)
	FindByID(ctx context.Context, runID string) (*model.SessionReport, error)
}

// SyncHandler は同期実行のHTTPハンドラー。
type SyncHandler struct {
	runner   SyncRunner
	waits    WaitSource
	accounts AccountFinder
	history  RunHistory
	logger   *slog.Logger
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(runner SyncRunner, waits WaitSource, accounts AccountFinder, history RunHistory, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{
		runner:   runner,
		waits:    waits,
		accounts: accounts,
		history:  history,
		logger:   logger,
	}
}

// runRequest は同期実行リクエストのボディ。
type runRequest struct {
	AccountIDs          []string `json:"account_ids"`
	Mode                string   `json:"mode"`
	StartDate           string   `json:"start_date"`
	CombineInstallments bool     `json:"combine_installments"`
	FutureMonths        int      `json:"future_months"`
}

// forceStopRequest は強制停止リクエストのボディ。
type forceStopRequest struct {
	Confirm bool `json:"confirm"`
}

// waitResponse は現在の待機状態のAPIレスポンス。
type waitResponse struct {
	Active           bool       `json:"active"`
	AccountID        string     `json:"account_id,omitempty"`
	Message          string     `json:"message,omitempty"`
	TotalSeconds     float64    `json:"total_seconds,omitempty"`
	RemainingSeconds float64    `json:"remaining_seconds,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
}

// RunSync は同期を実行する。
// POST /api/sync/run
//
// Accept: text/event-stream の場合は進捗をイベントストリームで逐次返し、
// 最後にreportイベントで実行レポートを返す。それ以外は完了後にレポートをJSONで返す。
// クライアントの切断は同期のキャンセルとして扱う。
func (h *SyncHandler) RunSync(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	opts, apiErr := parseRunOptions(req)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	accounts, err := h.resolveAccounts(r.Context(), req.AccountIDs)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if len(accounts) == 0 {
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewNoAccountsError())
		return
	}

	if wantsEventStream(r) {
		h.runStreaming(w, r, accounts, opts)
		return
	}

	rep, err := h.runner.Run(r.Context(), accounts, opts, nil)
	if err != nil {
		handleServiceError(w, h.logger, mapRunError(err))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rep)
}

// runStreaming は進捗をイベントストリームとして書き込みながら同期を実行する。
// 進捗コールバックは単一のgoroutineから呼ばれ、Runの返却前に全て配送済みとなる。
func (h *SyncHandler) runStreaming(w http.ResponseWriter, r *http.Request, accounts []model.Account, opts syncjob.RunOptions) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	onProgress := func(p syncjob.Progress) {
		if err := syncproto.WriteFrame(w, syncproto.EventProgress, p); err != nil {
			h.logger.Debug("進捗の送信に失敗しました", slog.String("error", err.Error()))
		}
	}

	rep, err := h.runner.Run(r.Context(), accounts, opts, onProgress)
	if err != nil {
		h.logger.Warn("同期の実行に失敗しました", slog.String("error", err.Error()))
		apiErr := toAPIError(mapRunError(err))
		if werr := syncproto.WriteFrame(w, eventFailed, middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		}); werr != nil {
			h.logger.Debug("エラーイベントの送信に失敗しました", slog.String("error", werr.Error()))
		}
		return
	}
	if err := syncproto.WriteFrame(w, eventReport, rep); err != nil {
		h.logger.Debug("レポートの送信に失敗しました", slog.String("error", err.Error()))
	}
}

// resolveAccounts はIDが指定されていればそのアカウントを、なければ全アクティブアカウントを返す。
func (h *SyncHandler) resolveAccounts(ctx context.Context, ids []string) ([]model.Account, error) {
	if len(ids) == 0 {
		return h.accounts.ListActive(ctx)
	}

	accounts, err := h.accounts.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		found[a.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return nil, model.NewAccountNotFoundError(id)
		}
	}
	return accounts, nil
}

// GetWait は現在のレート制限待機を返す。
// GET /api/sync/wait
func (h *SyncHandler) GetWait(w http.ResponseWriter, r *http.Request) {
	wait, ok := h.waits.Current()
	if !ok {
		middleware.WriteJSON(w, http.StatusOK, waitResponse{Active: false})
		return
	}

	start := wait.StartTime
	middleware.WriteJSON(w, http.StatusOK, waitResponse{
		Active:           true,
		AccountID:        wait.AccountID,
		Message:          wait.Message,
		TotalSeconds:     wait.TotalSeconds,
		RemainingSeconds: wait.Remaining(h.waits.Now()).Seconds(),
		StartTime:        &start,
	})
}

// ForceStop はリモートで残留している同期処理を強制停止する。
// POST /api/sync/force-stop
func (h *SyncHandler) ForceStop(w http.ResponseWriter, r *http.Request) {
	var req forceStopRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	if err := h.runner.ForceStop(r.Context(), req.Confirm); err != nil {
		if errors.Is(err, syncjob.ErrForceStopNotConfirmed) {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewForceStopUnconfirmedError())
			return
		}
		h.logger.Warn("強制停止に失敗しました", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewForceStopFailedError(err.Error()))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// ListRuns は同期実行履歴を新しい順に返す。
// GET /api/sync/runs?limit=N
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxRunsLimit {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError("limit は 1〜100 の整数で指定してください"))
			return
		}
		limit = n
	}

	runs, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if runs == nil {
		runs = []model.SessionReport{}
	}
	middleware.WriteJSON(w, http.StatusOK, runs)
}

// GetRun は指定IDの同期実行レポートを返す。
// GET /api/sync/runs/{id}
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	rep, err := h.history.FindByID(r.Context(), runID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if rep == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRunNotFoundError(runID))
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rep)
}

// parseRunOptions はリクエストをRunOptionsに変換する。
func parseRunOptions(req runRequest) (syncjob.RunOptions, *model.APIError) {
	mode, err := checkpoint.ParseMode(req.Mode)
	if err != nil {
		return syncjob.RunOptions{}, model.NewInvalidRequestError("mode は catch_up、continue、explicit のいずれかを指定してください")
	}

	opts := syncjob.RunOptions{
		Mode: mode,
		Options: syncclient.Options{
			CombineInstallments: req.CombineInstallments,
			FutureMonths:        req.FutureMonths,
		},
	}

	if req.StartDate != "" {
		d, err := time.Parse(time.DateOnly, req.StartDate)
		if err != nil {
			return syncjob.RunOptions{}, model.NewInvalidRequestError("start_date は YYYY-MM-DD 形式で指定してください")
		}
		opts.StartDate = &d
	}
	if mode == checkpoint.ModeExplicit && opts.StartDate == nil {
		return syncjob.RunOptions{}, model.NewInvalidRequestError("explicit モードでは start_date が必要です")
	}
	if req.FutureMonths < 0 {
		return syncjob.RunOptions{}, model.NewInvalidRequestError("future_months は0以上で指定してください")
	}
	return opts, nil
}

// mapRunError はオーケストレーターのエラーをAPIErrorに変換する。
func mapRunError(err error) error {
	switch {
	case errors.Is(err, syncjob.ErrRunInProgress):
		return model.NewRunInProgressError()
	case errors.Is(err, syncjob.ErrNoAccounts):
		return model.NewNoAccountsError()
	case errors.Is(err, model.ErrConfiguration):
		return model.NewInvalidRequestError(err.Error())
	}
	return err
}

// toAPIError はerrをAPIErrorに変換する。APIError以外は内部エラーとして扱う。
func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// wantsEventStream はクライアントがイベントストリームを要求しているかを返す。
func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
