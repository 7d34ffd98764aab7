// Package checkpoint は次回同期の開始日（チェックポイント）を算出する。
// I/Oを持たない純粋な計算のみを提供する。
package checkpoint

import (
	"fmt"
	"time"
)

const (
	// DefaultOverlapDays はキャッチアップ時に最終取引日から遡る日数。
	DefaultOverlapDays = 2
	// DefaultFallbackDays は最終取引日が不明な場合の遡及日数。
	DefaultFallbackDays = 90
)

// Mode は開始日の算出モード。呼び出し元の意図によって選択する。
type Mode string

const (
	// ModeCatchUp は最終取引日から重複期間分だけ遡って再取得する。
	ModeCatchUp Mode = "catch_up"
	// ModeContinue は失敗からの継続。保存済みの最終取引日の翌日から取得する。
	ModeContinue Mode = "continue"
	// ModeExplicit は呼び出し元が指定した日付（元の開始日からの再試行など）を使用する。
	ModeExplicit Mode = "explicit"
)

// ParseMode は文字列からModeを解析する。空文字列はModeCatchUpとして扱う。
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeCatchUp:
		return ModeCatchUp, nil
	case ModeContinue:
		return ModeContinue, nil
	case ModeExplicit:
		return ModeExplicit, nil
	default:
		return "", fmt.Errorf("unknown checkpoint mode: %q", s)
	}
}

// Config はチェックポイント算出の設定値。
type Config struct {
	OverlapDays  int
	FallbackDays int
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		OverlapDays:  DefaultOverlapDays,
		FallbackDays: DefaultFallbackDays,
	}
}

// Validate は設定値が有効かを検証する。
func (c Config) Validate() error {
	if c.OverlapDays < 0 {
		return fmt.Errorf("overlap days must not be negative: %d", c.OverlapDays)
	}
	if c.FallbackDays <= 0 {
		return fmt.Errorf("fallback days must be positive: %d", c.FallbackDays)
	}
	return nil
}

// Input は1アカウント分の算出入力。
type Input struct {
	Mode                Mode
	LastTransactionDate *time.Time
	// FallbackDays はアカウント固有の遡及日数。nilの場合はConfig.FallbackDaysを使用する。
	FallbackDays *int
	// ExplicitDate はModeExplicitのときに使用する開始日。
	ExplicitDate *time.Time
}

// Resolver は開始日を算出する。
type Resolver struct {
	config Config
	now    func() time.Time
}

// NewResolver はResolverを生成する。nowがnilの場合はtime.Nowを使用する。
func NewResolver(config Config, now func() time.Time) (*Resolver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Resolver{config: config, now: now}, nil
}

// Config は設定値を返す。
func (r *Resolver) Config() Config {
	return r.config
}

// Today は算出基準となる今日の日付（0時0分）を返す。
func (r *Resolver) Today() time.Time {
	return truncateDay(r.now())
}

// Resolve は開始日を算出する。結果は常に今日以前に丸められる。
func (r *Resolver) Resolve(in Input) (time.Time, error) {
	today := r.Today()

	var start time.Time
	switch in.Mode {
	case ModeExplicit:
		if in.ExplicitDate == nil {
			return time.Time{}, fmt.Errorf("explicit mode requires a start date")
		}
		start = inLocation(*in.ExplicitDate, today.Location())
	case ModeContinue:
		if in.LastTransactionDate == nil {
			start = today.AddDate(0, 0, -r.fallbackDays(in))
			break
		}
		start = inLocation(*in.LastTransactionDate, today.Location()).AddDate(0, 0, 1)
	case ModeCatchUp, "":
		if in.LastTransactionDate == nil {
			start = today.AddDate(0, 0, -r.fallbackDays(in))
			break
		}
		start = inLocation(*in.LastTransactionDate, today.Location()).AddDate(0, 0, -r.config.OverlapDays)
	default:
		return time.Time{}, fmt.Errorf("unknown checkpoint mode: %q", in.Mode)
	}

	if start.After(today) {
		start = today
	}
	return start, nil
}

func (r *Resolver) fallbackDays(in Input) int {
	if in.FallbackDays != nil && *in.FallbackDays > 0 {
		return *in.FallbackDays
	}
	return r.config.FallbackDays
}

// truncateDay は時刻を同じロケーションの0時0分に丸める。
func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// inLocation は日付部分を保ったまま指定ロケーションの0時0分に変換する。
// DBから読み込んだUTCの日付がローカル日付とずれないようにする。
func inLocation(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
