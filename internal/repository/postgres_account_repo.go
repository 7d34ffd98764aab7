package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/finsync/internal/model"
)

const accountColumns = `a.id, a.vendor, a.nickname, a.credential_ref, a.active, a.days_back,
		a.last_synced_at, a.created_at, a.updated_at,
		(SELECT max(t.date) FROM transactions t WHERE t.account_id = a.id) AS last_transaction_date`

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// ListActive は有効なアカウントを作成日時順に返す。
func (r *PostgresAccountRepo) ListActive(ctx context.Context) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE a.active = true
		 ORDER BY a.created_at, a.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active accounts: %w", err)
	}
	defer rows.Close()

	return scanAccounts(rows)
}

// FindByIDs は指定IDのアカウントをidsの順序で返す。
// 無効化されたアカウントも含めて返す。存在しないIDは無視される。
func (r *PostgresAccountRepo) FindByIDs(ctx context.Context, ids []string) ([]model.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts a
		 WHERE a.id::text = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts by IDs: %w", err)
	}
	defer rows.Close()

	found, err := scanAccounts(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.Account, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	ordered := make([]model.Account, 0, len(found))
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			ordered = append(ordered, a)
			delete(byID, id)
		}
	}
	return ordered, nil
}

func scanAccounts(rows *sql.Rows) ([]model.Account, error) {
	var accounts []model.Account
	for rows.Next() {
		var (
			a            model.Account
			credential   sql.NullString
			daysBack     sql.NullInt64
			lastSyncedAt sql.NullTime
			lastTxDate   sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.Vendor, &a.Nickname, &credential, &a.Active, &daysBack,
			&lastSyncedAt, &a.CreatedAt, &a.UpdatedAt, &lastTxDate,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.CredentialRef = nullStringValue(credential)
		if daysBack.Valid {
			d := int(daysBack.Int64)
			a.DaysBack = &d
		}
		a.LastSyncedAt = nullTimePtr(lastSyncedAt)
		a.LastTransactionDate = nullTimePtr(lastTxDate)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}
