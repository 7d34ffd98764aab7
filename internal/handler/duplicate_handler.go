package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/finsync/internal/duplicate"
	"github.com/hitoshi/finsync/internal/middleware"
	"github.com/hitoshi/finsync/internal/model"
)

// DuplicateService は重複候補ハンドラーが必要とするサービスインターフェース。
type DuplicateService interface {
	List(ctx context.Context) ([]model.DuplicatePair, error)
	Resolve(ctx context.Context, pairID string, action model.ResolutionAction) error
	AutoResolve(ctx context.Context, dryRun bool) (int, error)
	Detect(ctx context.Context) (int, error)
}

// DuplicateHandler は重複候補のHTTPハンドラー。
type DuplicateHandler struct {
	service DuplicateService
	logger  *slog.Logger
}

// NewDuplicateHandler はDuplicateHandlerを生成する。
func NewDuplicateHandler(service DuplicateService, logger *slog.Logger) *DuplicateHandler {
	return &DuplicateHandler{service: service, logger: logger}
}

// duplicateResponse は重複候補のAPIレスポンス。
type duplicateResponse struct {
	ID         string                   `json:"id"`
	First      model.TransactionRef     `json:"first"`
	Second     model.TransactionRef     `json:"second"`
	Similarity float64                  `json:"similarity"`
	Actions    []model.ResolutionAction `json:"actions"`
	DetectedAt time.Time                `json:"detected_at"`
}

// resolveRequest は解決リクエストのボディ。
type resolveRequest struct {
	Action string `json:"action"`
}

// ListDuplicates は未解決の重複候補一覧を返す。
// GET /api/duplicates
func (h *DuplicateHandler) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]duplicateResponse, 0, len(pairs))
	for _, p := range pairs {
		resp = append(resp, duplicateResponse{
			ID:         p.ID,
			First:      p.First,
			Second:     p.Second,
			Similarity: p.Similarity,
			Actions:    p.Actions,
			DetectedAt: p.DetectedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ResolveDuplicate は重複候補に解決アクションを適用する。
// POST /api/duplicates/{id}/resolve
func (h *DuplicateHandler) ResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	pairID := chi.URLParam(r, "id")

	var req resolveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	action := model.ResolutionAction(req.Action)
	if !action.Valid() {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidResolutionError(req.Action))
		return
	}

	err := h.service.Resolve(r.Context(), pairID, action)
	switch {
	case errors.Is(err, duplicate.ErrPairNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewDuplicateNotFoundError(pairID))
		return
	case errors.Is(err, duplicate.ErrInvalidAction):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidResolutionError(req.Action))
		return
	case err != nil:
		handleServiceError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AutoResolve は類似度が閾値以上の候補を一括で解決する。
// POST /api/duplicates/auto-resolve?dry_run=true
func (h *DuplicateHandler) AutoResolve(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if s := r.URL.Query().Get("dry_run"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest,
				model.NewInvalidRequestError("dry_run は true または false で指定してください"))
			return
		}
		dryRun = v
	}

	n, err := h.service.AutoResolve(r.Context(), dryRun)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]any{
		"resolved": n,
		"dry_run":  dryRun,
	})
}

// DetectDuplicates は最近の取引から重複候補を検出する。
// POST /api/duplicates/detect
func (h *DuplicateHandler) DetectDuplicates(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.Detect(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]int{"detected": n})
}
