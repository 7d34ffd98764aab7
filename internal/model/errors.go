package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: sync, duplicate, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	ErrCodeRunInProgress        = "SYNC_RUN_IN_PROGRESS"
	ErrCodeConcurrency          = "CONCURRENCY_ERROR"
	ErrCodeForceStopUnconfirmed = "FORCE_STOP_NOT_CONFIRMED"
	ErrCodeForceStopFailed      = "FORCE_STOP_FAILED"
	ErrCodeDuplicateNotFound    = "DUPLICATE_NOT_FOUND"
	ErrCodeInvalidResolution    = "INVALID_RESOLUTION"
	ErrCodeRunNotFound          = "SYNC_RUN_NOT_FOUND"
	ErrCodeNoAccounts           = "NO_ACCOUNTS"
)

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("指定されたアカウントが見つかりません: %s", accountID),
		Category: "sync",
		Action:   "アカウントIDを確認してください。",
	}
}

// NewRunInProgressError は同期実行中エラーを生成する。
func NewRunInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeRunInProgress,
		Message:  "別の同期処理が実行中です。",
		Category: "sync",
		Action:   "実行中の同期が完了するまでお待ちください。",
	}
}

// NewConcurrencyAPIError はリモート側で同期セッションが残っている場合のエラーを生成する。
func NewConcurrencyAPIError(accountID string) *APIError {
	return &APIError{
		Code:     ErrCodeConcurrency,
		Message:  fmt.Sprintf("アカウント %s の同期セッションが既に実行中です。", accountID),
		Category: "sync",
		Action:   "強制停止を確認してから再試行してください。",
	}
}

// NewForceStopUnconfirmedError は強制停止の確認がない場合のエラーを生成する。
func NewForceStopUnconfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeForceStopUnconfirmed,
		Message:  "強制停止が確認されていません。",
		Category: "sync",
		Action:   "confirm に true を指定して再度実行してください。",
	}
}

// NewForceStopFailedError は強制停止失敗エラーを生成する。
func NewForceStopFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForceStopFailed,
		Message:  fmt.Sprintf("強制停止に失敗しました: %s", reason),
		Category: "sync",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewDuplicateNotFoundError は重複候補未検出エラーを生成する。
// 既に解決済みのペアに対する操作もこのエラーとなる。
func NewDuplicateNotFoundError(pairID string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateNotFound,
		Message:  fmt.Sprintf("指定された重複候補が見つかりません: %s", pairID),
		Category: "duplicate",
		Action:   "候補一覧を再読み込みしてください。",
	}
}

// NewInvalidResolutionError は無効な解決アクションエラーを生成する。
func NewInvalidResolutionError(action string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResolution,
		Message:  fmt.Sprintf("無効な解決アクションです: %s", action),
		Category: "validation",
		Action:   "keep_first、keep_second、not_duplicate のいずれかを指定してください。",
	}
}

// NewRunNotFoundError は同期実行履歴未検出エラーを生成する。
func NewRunNotFoundError(runID string) *APIError {
	return &APIError{
		Code:     ErrCodeRunNotFound,
		Message:  fmt.Sprintf("指定された同期実行が見つかりません: %s", runID),
		Category: "sync",
		Action:   "実行IDを確認してください。",
	}
}

// NewNoAccountsError は同期対象アカウントがない場合のエラーを生成する。
func NewNoAccountsError() *APIError {
	return &APIError{
		Code:     ErrCodeNoAccounts,
		Message:  "同期対象のアカウントがありません。",
		Category: "sync",
		Action:   "有効なアカウントを登録してください。",
	}
}

// ErrorKind は同期エラーの分類。
type ErrorKind string

const (
	// KindNetwork は接続・タイムアウト等の通信エラー。
	KindNetwork ErrorKind = "NETWORK_ERROR"
	// KindProtocol はストリームが終端イベントなしに終了した等のプロトコルエラー。
	KindProtocol ErrorKind = "PROTOCOL_ERROR"
	// KindVendor は取引元側（認証失敗等）で発生したエラー。
	KindVendor ErrorKind = "VENDOR_ERROR"
	// KindConcurrency は同一アカウントの同期セッションが既に実行中であることを示す。
	// 単純な再試行では解消しない。
	KindConcurrency ErrorKind = "CONCURRENCY_ERROR"
	// KindConfiguration は設定不備によりリクエスト自体を開始できないエラー。
	KindConfiguration ErrorKind = "CONFIGURATION_ERROR"
)

// 判定用のセンチネルエラー。errors.Is で SyncError と比較できる。
var (
	ErrConcurrency   = &SyncError{Kind: KindConcurrency}
	ErrNetwork       = &SyncError{Kind: KindNetwork}
	ErrConfiguration = &SyncError{Kind: KindConfiguration}
)

// SyncError は同期セッションのエラー。
type SyncError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Hint       string    `json:"hint,omitempty"`
	VendorKind string    `json:"vendor_kind,omitempty"` // 取引元が返したエラー種別（そのまま保持）
	StatusCode int       `json:"status_code,omitempty"`
	Err        error     `json:"-"`
}

// Error はerrorインターフェースを実装する。
func (e *SyncError) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is はKindが一致する場合にtrueを返す。
func (e *SyncError) Is(target error) bool {
	var t *SyncError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable は単純な再試行で回復し得るエラーかを返す。
func (e *SyncError) Retryable() bool {
	return e.Kind != KindConcurrency && e.Kind != KindConfiguration
}

// AsSyncError はerrからSyncErrorを取り出す。
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
