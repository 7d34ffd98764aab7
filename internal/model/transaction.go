package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction は永続化済みの取引を表す。
// (Vendor, Identifier) で一意に識別される。
type Transaction struct {
	ID          string
	Identifier  string // 取引元が払い出した識別子
	Vendor      string
	AccountID   string
	CardLast4   string
	Date        time.Time
	Amount      decimal.Decimal
	Description string
	Memo        string
	CreatedAt   time.Time
}

// Ref は取引の参照を返す。
func (t Transaction) Ref() TransactionRef {
	return TransactionRef{Identifier: t.Identifier, Vendor: t.Vendor}
}

// TransactionRef は取引への参照（取引元識別子 + ベンダー）。
type TransactionRef struct {
	Identifier string `json:"identifier"`
	Vendor     string `json:"vendor"`
}

// ResolutionAction は重複候補ペアに対する解決アクション。
type ResolutionAction string

const (
	// ResolutionKeepFirst は1件目を残し2件目を削除する。
	ResolutionKeepFirst ResolutionAction = "keep_first"
	// ResolutionKeepSecond は2件目を残し1件目を削除する。
	ResolutionKeepSecond ResolutionAction = "keep_second"
	// ResolutionNotDuplicate は両方を残し、同一ペアの再検出を抑止する。
	ResolutionNotDuplicate ResolutionAction = "not_duplicate"
)

// AllResolutionActions は全ての解決アクションを返す。
func AllResolutionActions() []ResolutionAction {
	return []ResolutionAction{ResolutionKeepFirst, ResolutionKeepSecond, ResolutionNotDuplicate}
}

// Valid はアクションが既知の値かを返す。
func (a ResolutionAction) Valid() bool {
	switch a {
	case ResolutionKeepFirst, ResolutionKeepSecond, ResolutionNotDuplicate:
		return true
	}
	return false
}

// DuplicatePair は重複の可能性がある取引ペア（候補）を表す。
// 作成後は不変であり、解決は1回限りの操作となる。
type DuplicatePair struct {
	ID         string
	First      TransactionRef
	Second     TransactionRef
	Similarity float64 // 0.0〜1.0
	Actions    []ResolutionAction
	DetectedAt time.Time
}

// Allows はペアが指定アクションを許可しているかを返す。
func (p DuplicatePair) Allows(action ResolutionAction) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}
