// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

// AccountRepository はアカウントデータの読み取りインターフェース。
// アカウントの作成・更新はアカウント管理側の責務であり、ここでは扱わない。
type AccountRepository interface {
	// ListActive は有効なアカウントを最新取引日付きで返す。
	ListActive(ctx context.Context) ([]model.Account, error)

	// FindByIDs は指定IDのアカウントを返す。存在しないIDは無視される。
	// 結果はidsの順序に従う。
	FindByIDs(ctx context.Context, ids []string) ([]model.Account, error)
}

// TransactionRepository は取引データの読み取りインターフェース。
// 取引の書き込みは同期エンドポイント側で行われる。
type TransactionRepository interface {
	// LastTransactionDate はアカウントの最新取引日を返す。取引がない場合はnilを返す。
	LastTransactionDate(ctx context.Context, accountID, vendor string) (*time.Time, error)

	// ListSince はsince以降の取引を日付昇順で返す。
	ListSince(ctx context.Context, since time.Time) ([]model.Transaction, error)
}

// DuplicateRepository は重複候補の永続化インターフェース。
type DuplicateRepository interface {
	ListCandidates(ctx context.Context) ([]model.DuplicatePair, error)

	// GetCandidate は候補を返す。見つからない場合はnilを返す。
	GetCandidate(ctx context.Context, id string) (*model.DuplicatePair, error)

	// ApplyResolution は候補の削除と解決アクションの副作用を単一トランザクションで適用する。
	// 候補が既に存在しない場合はfalseを返す。
	ApplyResolution(ctx context.Context, pairID string, action model.ResolutionAction) (bool, error)

	ListTransactionsSince(ctx context.Context, since time.Time) ([]model.Transaction, error)

	// SaveCandidates は未登録かつ抑止されていない候補を保存し、保存件数を返す。
	SaveCandidates(ctx context.Context, pairs []model.DuplicatePair) (int, error)
}

// SyncRunRepository は同期実行レポートの永続化インターフェース。
type SyncRunRepository interface {
	// SaveReport は実行レポートを保存する。同一RunIDの場合は上書きする。
	SaveReport(ctx context.Context, report *model.SessionReport) error

	// MarkSynced はアカウントの最終同期日時を更新する。
	MarkSynced(ctx context.Context, accountID string, at time.Time) error

	// ListRecent は新しい順に最大limit件のレポートを返す。
	ListRecent(ctx context.Context, limit int) ([]model.SessionReport, error)

	// FindByID は指定IDのレポートを返す。見つからない場合はnilを返す。
	FindByID(ctx context.Context, runID string) (*model.SessionReport, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// nullStringValue はsql.NullStringから文字列を取り出す。NULLの場合は空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTimePtr はsql.NullTimeから*time.Timeを取り出す。NULLの場合はnilを返す。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
