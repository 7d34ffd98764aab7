package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/finsync/internal/middleware"
	"github.com/hitoshi/finsync/internal/model"
)

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidResolution, model.ErrCodeForceStopUnconfirmed:
		return http.StatusBadRequest
	case model.ErrCodeAccountNotFound, model.ErrCodeDuplicateNotFound, model.ErrCodeRunNotFound:
		return http.StatusNotFound
	case model.ErrCodeRunInProgress, model.ErrCodeConcurrency:
		return http.StatusConflict
	case model.ErrCodeNoAccounts:
		return http.StatusUnprocessableEntity
	case model.ErrCodeForceStopFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSONBody はリクエストボディをJSONとして解析する。空のボディは許容する。
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// maxRequestBodySize はリクエストボディとして読み込む最大バイト数。
const maxRequestBodySize = 64 * 1024

func invalidBodyError() *model.APIError {
	return &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}
