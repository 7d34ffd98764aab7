package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/finsync/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期実行履歴リポジトリ。
// レポート全体はJSONBとして保存し、一覧用の集計値は列として保持する。
type PostgresSyncRunRepo struct {
	db *sql.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db *sql.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

// SaveReport は実行レポートを保存する。同一RunIDの場合は上書きする。
func (r *PostgresSyncRunRepo) SaveReport(ctx context.Context, report *model.SessionReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal sync report: %w", err)
	}

	var halted sql.NullString
	if report.HaltedAccountID != "" {
		halted = sql.NullString{String: report.HaltedAccountID, Valid: true}
	}
	var coveredFrom, coveredTo sql.NullTime
	if !report.Covered.IsZero() {
		coveredFrom = sql.NullTime{Time: report.Covered.From, Valid: true}
		coveredTo = sql.NullTime{Time: report.Covered.To, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, status, total_saved, total_duplicates, total_updated,
		     succeeded, failed, force_stop_required, halted_account_id,
		     covered_from, covered_to, report, started_at, finished_at, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     status = EXCLUDED.status,
		     total_saved = EXCLUDED.total_saved,
		     total_duplicates = EXCLUDED.total_duplicates,
		     total_updated = EXCLUDED.total_updated,
		     succeeded = EXCLUDED.succeeded,
		     failed = EXCLUDED.failed,
		     force_stop_required = EXCLUDED.force_stop_required,
		     halted_account_id = EXCLUDED.halted_account_id,
		     covered_from = EXCLUDED.covered_from,
		     covered_to = EXCLUDED.covered_to,
		     report = EXCLUDED.report,
		     finished_at = EXCLUDED.finished_at,
		     duration_ms = EXCLUDED.duration_ms`,
		report.RunID, string(report.Status), report.TotalSaved, report.TotalDuplicates, report.TotalUpdated,
		report.Succeeded, report.Failed, report.ForceStopRequired, halted,
		coveredFrom, coveredTo, payload, report.StartedAt, report.FinishedAt, report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save sync report: %w", err)
	}
	return nil
}

// MarkSynced はアカウントの最終同期日時を更新する。
func (r *PostgresSyncRunRepo) MarkSynced(ctx context.Context, accountID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_synced_at = $1, updated_at = now() WHERE id = $2`,
		at, accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}
	return nil
}

// ListRecent は新しい順に最大limit件のレポートを返す。
func (r *PostgresSyncRunRepo) ListRecent(ctx context.Context, limit int) ([]model.SessionReport, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT report FROM sync_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var reports []model.SessionReport
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		var rep model.SessionReport
		if err := json.Unmarshal(payload, &rep); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sync report: %w", err)
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync runs: %w", err)
	}
	return reports, nil
}

// FindByID は指定IDのレポートを返す。見つからない場合はnilを返す。
func (r *PostgresSyncRunRepo) FindByID(ctx context.Context, runID string) (*model.SessionReport, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT report FROM sync_runs WHERE id::text = $1`, runID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find sync run: %w", err)
	}

	var rep model.SessionReport
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync report: %w", err)
	}
	return &rep, nil
}
