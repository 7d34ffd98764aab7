// Package model はドメインモデルを定義する。
package model

import "time"

// Account は同期対象の金融機関アカウント（銀行・カード会社）を表す。
// アカウント管理側が所有し、同期処理からは読み取り専用として扱う。
type Account struct {
	ID            string
	Vendor        string
	Nickname      string
	CredentialRef string // 認証情報への参照。内容は同期処理からは不透明
	Active        bool

	// DaysBack はアカウント固有のフォールバック遡及日数。nilの場合は設定値を使用する。
	DaysBack *int

	LastSyncedAt        *time.Time
	LastTransactionDate *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DisplayName はログや通知で使用する表示名を返す。
func (a Account) DisplayName() string {
	if a.Nickname != "" {
		return a.Nickname
	}
	return a.Vendor
}
