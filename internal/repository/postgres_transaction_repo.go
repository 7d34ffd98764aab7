package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/finsync/internal/model"
)

// PostgresTransactionRepo はPostgreSQLを使用した取引リポジトリ。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

// LastTransactionDate はアカウントの最新取引日を返す。取引がない場合はnilを返す。
// vendorが空の場合はアカウントIDのみで絞り込む。
func (r *PostgresTransactionRepo) LastTransactionDate(ctx context.Context, accountID, vendor string) (*time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT max(date) FROM transactions
		 WHERE account_id = $1 AND ($2 = '' OR vendor = $2)`,
		accountID, vendor,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("failed to get last transaction date: %w", err)
	}
	return nullTimePtr(last), nil
}

// ListSince はsince以降の取引を日付昇順で返す。
func (r *PostgresTransactionRepo) ListSince(ctx context.Context, since time.Time) ([]model.Transaction, error) {
	return listTransactionsSince(ctx, r.db, since)
}

func listTransactionsSince(ctx context.Context, db *sql.DB, since time.Time) ([]model.Transaction, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, identifier, vendor, account_id, card_last4, date, amount, description, memo, created_at
		 FROM transactions
		 WHERE date >= $1
		 ORDER BY date, identifier`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var (
			t      model.Transaction
			card   sql.NullString
			memo   sql.NullString
			amount decimal.Decimal
		)
		if err := rows.Scan(
			&t.ID, &t.Identifier, &t.Vendor, &t.AccountID, &card,
			&t.Date, &amount, &t.Description, &memo, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Amount = amount
		t.CardLast4 = nullStringValue(card)
		t.Memo = nullStringValue(memo)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}
