package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/finsync/internal/model"
)

const candidateColumns = `dc.id, f.identifier, f.vendor, s.identifier, s.vendor,
		dc.similarity, dc.actions, dc.detected_at`

const candidateJoins = `FROM duplicate_candidates dc
		 JOIN transactions f ON f.id = dc.first_tx_id
		 JOIN transactions s ON s.id = dc.second_tx_id`

// PostgresDuplicateRepo はPostgreSQLを使用した重複候補リポジトリ。
type PostgresDuplicateRepo struct {
	db *sql.DB
}

// NewPostgresDuplicateRepo はPostgresDuplicateRepoを生成する。
func NewPostgresDuplicateRepo(db *sql.DB) *PostgresDuplicateRepo {
	return &PostgresDuplicateRepo{db: db}
}

// ListCandidates は未解決の候補を類似度の高い順に返す。
func (r *PostgresDuplicateRepo) ListCandidates(ctx context.Context) ([]model.DuplicatePair, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+candidateColumns+`
		 `+candidateJoins+`
		 ORDER BY dc.similarity DESC, dc.detected_at, dc.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list duplicate candidates: %w", err)
	}
	defer rows.Close()

	var pairs []model.DuplicatePair
	for rows.Next() {
		p, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate duplicate candidates: %w", err)
	}
	return pairs, nil
}

// GetCandidate は指定IDの候補を返す。見つからない場合はnilを返す。
func (r *PostgresDuplicateRepo) GetCandidate(ctx context.Context, id string) (*model.DuplicatePair, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+candidateColumns+`
		 `+candidateJoins+`
		 WHERE dc.id::text = $1`,
		id,
	)
	p, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ApplyResolution は候補を削除し、アクションに応じて取引の削除または抑止の記録を行う。
// 候補行の削除はDELETE ... RETURNINGで行うため、同一候補への並行した解決は1回だけ適用される。
// 取引を削除すると、その取引を参照する他の候補も外部キーにより連鎖削除される。
func (r *PostgresDuplicateRepo) ApplyResolution(ctx context.Context, pairID string, action model.ResolutionAction) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var firstID, secondID string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM duplicate_candidates WHERE id::text = $1
		 RETURNING first_tx_id, second_tx_id`,
		pairID,
	).Scan(&firstID, &secondID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete duplicate candidate: %w", err)
	}

	switch action {
	case model.ResolutionKeepFirst:
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, secondID); err != nil {
			return false, fmt.Errorf("failed to delete second transaction: %w", err)
		}
	case model.ResolutionKeepSecond:
		if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, firstID); err != nil {
			return false, fmt.Errorf("failed to delete first transaction: %w", err)
		}
	case model.ResolutionNotDuplicate:
		first, err := refByID(ctx, tx, firstID)
		if err != nil {
			return false, err
		}
		second, err := refByID(ctx, tx, secondID)
		if err != nil {
			return false, err
		}
		a, b := normalizeRefs(first, second)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO duplicate_suppressions (first_vendor, first_identifier, second_vendor, second_identifier)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			a.Vendor, a.Identifier, b.Vendor, b.Identifier,
		); err != nil {
			return false, fmt.Errorf("failed to insert duplicate suppression: %w", err)
		}
	default:
		return false, fmt.Errorf("unknown resolution action: %q", action)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ListTransactionsSince はsince以降の取引を日付昇順で返す。
func (r *PostgresDuplicateRepo) ListTransactionsSince(ctx context.Context, since time.Time) ([]model.Transaction, error) {
	return listTransactionsSince(ctx, r.db, since)
}

// SaveCandidates は候補を保存し、保存件数を返す。
// 取引が存在しないペア、抑止済みのペア、順序を問わず登録済みのペアはスキップする。
func (r *PostgresDuplicateRepo) SaveCandidates(ctx context.Context, pairs []model.DuplicatePair) (int, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	saved := 0
	for _, p := range pairs {
		a, b := normalizeRefs(p.First, p.Second)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO duplicate_candidates (id, first_tx_id, second_tx_id, similarity, actions, detected_at)
			 SELECT $1::uuid, f.id, s.id, $6::double precision, $7::text[], $8::timestamptz
			 FROM transactions f, transactions s
			 WHERE f.vendor = $2 AND f.identifier = $3
			   AND s.vendor = $4 AND s.identifier = $5
			   AND NOT EXISTS (
			       SELECT 1 FROM duplicate_suppressions ds
			       WHERE ds.first_vendor = $9 AND ds.first_identifier = $10
			         AND ds.second_vendor = $11 AND ds.second_identifier = $12)
			   AND NOT EXISTS (
			       SELECT 1 FROM duplicate_candidates dc
			       WHERE dc.first_tx_id = s.id AND dc.second_tx_id = f.id)
			 ON CONFLICT (first_tx_id, second_tx_id) DO NOTHING`,
			p.ID, p.First.Vendor, p.First.Identifier, p.Second.Vendor, p.Second.Identifier,
			p.Similarity, pq.Array(actionStrings(p.Actions)), p.DetectedAt,
			a.Vendor, a.Identifier, b.Vendor, b.Identifier,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert duplicate candidate: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		saved += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (model.DuplicatePair, error) {
	var (
		p       model.DuplicatePair
		actions []string
	)
	err := row.Scan(
		&p.ID, &p.First.Identifier, &p.First.Vendor, &p.Second.Identifier, &p.Second.Vendor,
		&p.Similarity, pq.Array(&actions), &p.DetectedAt,
	)
	if err == sql.ErrNoRows {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan duplicate candidate: %w", err)
	}
	p.Actions = make([]model.ResolutionAction, 0, len(actions))
	for _, a := range actions {
		p.Actions = append(p.Actions, model.ResolutionAction(a))
	}
	return p, nil
}

func refByID(ctx context.Context, tx *sql.Tx, id string) (model.TransactionRef, error) {
	var ref model.TransactionRef
	err := tx.QueryRowContext(ctx,
		`SELECT identifier, vendor FROM transactions WHERE id = $1`, id,
	).Scan(&ref.Identifier, &ref.Vendor)
	if err != nil {
		return ref, fmt.Errorf("failed to find transaction %s: %w", id, err)
	}
	return ref, nil
}

// normalizeRefs は2つの取引参照を (vendor, identifier) の昇順に並べる。
func normalizeRefs(a, b model.TransactionRef) (model.TransactionRef, model.TransactionRef) {
	if b.Vendor < a.Vendor || (b.Vendor == a.Vendor && b.Identifier < a.Identifier) {
		return b, a
	}
	return a, b
}

func actionStrings(actions []model.ResolutionAction) []string {
	if len(actions) == 0 {
		actions = model.AllResolutionActions()
	}
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
