// Package duplicate は重複取引の検出と解決を提供する。
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/finsync/internal/metrics"
	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/notify"
)

const (
	// DefaultExactThreshold は自動解決の対象とする類似度の下限。
	DefaultExactThreshold = 0.95
	// DefaultWindowDays は同一取引とみなす日付の最大差。
	DefaultWindowDays = 3
	// DefaultMinSimilarity は候補として記録する類似度の下限。
	DefaultMinSimilarity = 0.6
	// DefaultLookbackDays は検出対象とする取引の遡及日数。
	DefaultLookbackDays = 30
)

var (
	// ErrPairNotFound は候補が存在しない（解決済みを含む）ことを示す。
	ErrPairNotFound = errors.New("duplicate pair not found")
	// ErrInvalidAction は候補が許可していない解決アクションであることを示す。
	ErrInvalidAction = errors.New("invalid resolution action")
)

// Store は重複候補と取引の永続化インターフェース。
type Store interface {
	ListCandidates(ctx context.Context) ([]model.DuplicatePair, error)
	// GetCandidate は候補を返す。存在しない場合はnilを返す。
	GetCandidate(ctx context.Context, id string) (*model.DuplicatePair, error)
	// ApplyResolution は候補の削除と解決の副作用（取引1件の削除、または抑止マーカーの記録）を
	// 単一トランザクションで適用する。候補が既に存在しない場合は何もせずfalseを返す。
	ApplyResolution(ctx context.Context, pairID string, action model.ResolutionAction) (bool, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]model.Transaction, error)
	// SaveCandidates は未登録かつ抑止されていない候補のみを保存し、保存件数を返す。
	SaveCandidates(ctx context.Context, pairs []model.DuplicatePair) (int, error)
}

// Config は重複検出・解決の設定。
type Config struct {
	ExactThreshold float64
	WindowDays     int
	MinSimilarity  float64
	LookbackDays   int
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		ExactThreshold: DefaultExactThreshold,
		WindowDays:     DefaultWindowDays,
		MinSimilarity:  DefaultMinSimilarity,
		LookbackDays:   DefaultLookbackDays,
	}
}

// Engine は重複候補に対する解決を適用する。
type Engine struct {
	store     Store
	publisher notify.Publisher
	metrics   metrics.SyncMetrics
	logger    *slog.Logger
	config    Config
	now       func() time.Time
}

// NewEngine はEngineの新しいインスタンスを生成する。publisherはnilでもよい。
// 設定値が0以下の項目にはデフォルト値を使用する。
func NewEngine(store Store, publisher notify.Publisher, m metrics.SyncMetrics, logger *slog.Logger, config Config) *Engine {
	def := DefaultConfig()
	if config.ExactThreshold <= 0 || config.ExactThreshold > 1 {
		config.ExactThreshold = def.ExactThreshold
	}
	if config.WindowDays <= 0 {
		config.WindowDays = def.WindowDays
	}
	if config.MinSimilarity <= 0 || config.MinSimilarity > 1 {
		config.MinSimilarity = def.MinSimilarity
	}
	if config.LookbackDays <= 0 {
		config.LookbackDays = def.LookbackDays
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Engine{
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// Config は設定値を返す。
func (e *Engine) Config() Config {
	return e.config
}

// List は未解決の候補一覧を返す。
func (e *Engine) List(ctx context.Context) ([]model.DuplicatePair, error) {
	return e.store.ListCandidates(ctx)
}

// Resolve は1件の候補にアクションを適用する。
// 解決は1回限りで、解決済みの候補に対してはErrPairNotFoundを返す。
func (e *Engine) Resolve(ctx context.Context, pairID string, action model.ResolutionAction) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	pair, err := e.store.GetCandidate(ctx, pairID)
	if err != nil {
		return fmt.Errorf("get duplicate pair: %w", err)
	}
	if pair == nil {
		return ErrPairNotFound
	}
	if !pair.Allows(action) {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	applied, err := e.store.ApplyResolution(ctx, pairID, action)
	if err != nil {
		return fmt.Errorf("apply resolution: %w", err)
	}
	if !applied {
		return ErrPairNotFound
	}

	e.metrics.RecordDuplicatesResolved(action, 1)
	e.logger.Info("重複候補を解決しました",
		slog.String("pair_id", pairID),
		slog.String("action", string(action)),
	)
	e.publish(1)
	return nil
}

// AutoResolve は類似度が閾値以上の候補すべてにkeep_firstを適用し、削除件数を返す。
// dryRunの場合は対象件数のみを返し、何も変更しない。
// 各候補は個別のトランザクションで解決されるため、途中で失敗しても
// 解決済みの候補は完全に解決され、未処理の候補は変更されない。
func (e *Engine) AutoResolve(ctx context.Context, dryRun bool) (int, error) {
	pairs, err := e.store.ListCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list duplicate pairs: %w", err)
	}

	count := 0
	for _, p := range pairs {
		if p.Similarity < e.config.ExactThreshold || !p.Allows(model.ResolutionKeepFirst) {
			continue
		}
		if dryRun {
			count++
			continue
		}
		applied, err := e.store.ApplyResolution(ctx, p.ID, model.ResolutionKeepFirst)
		if err != nil {
			e.finishAuto(count)
			return count, fmt.Errorf("apply resolution to %s: %w", p.ID, err)
		}
		// 先行する解決で取引が削除され、候補ごと消えている場合がある
		if applied {
			count++
		}
	}

	if dryRun {
		e.logger.Info("重複候補の自動解決対象を確認しました",
			slog.Int("count", count),
			slog.Float64("threshold", e.config.ExactThreshold),
		)
		return count, nil
	}
	e.finishAuto(count)
	return count, nil
}

func (e *Engine) finishAuto(count int) {
	if count == 0 {
		return
	}
	e.metrics.RecordDuplicatesResolved(model.ResolutionKeepFirst, count)
	e.logger.Info("重複候補を自動解決しました",
		slog.Int("deleted", count),
		slog.Float64("threshold", e.config.ExactThreshold),
	)
	e.publish(count)
}

// Detect は最近の取引から重複候補を検出して保存し、新規に保存した件数を返す。
func (e *Engine) Detect(ctx context.Context) (int, error) {
	since := e.now().AddDate(0, 0, -e.config.LookbackDays)
	txs, err := e.store.ListTransactionsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}

	pairs := FindCandidates(txs, e.config, e.now())
	if len(pairs) == 0 {
		return 0, nil
	}

	saved, err := e.store.SaveCandidates(ctx, pairs)
	if err != nil {
		return 0, fmt.Errorf("save duplicate pairs: %w", err)
	}
	e.logger.Info("重複候補を検出しました",
		slog.Int("transactions", len(txs)),
		slog.Int("found", len(pairs)),
		slog.Int("saved", saved),
	)
	return saved, nil
}

func (e *Engine) publish(count int) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(notify.Change{
		Kind:  notify.ChangeDuplicatesResolved,
		Count: count,
		At:    e.now(),
	})
}
