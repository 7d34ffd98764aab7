package model

import "time"

// SessionState は1アカウント分の同期セッションの状態を表す。
type SessionState string

const (
	SessionIdle           SessionState = "idle"
	SessionStarting       SessionState = "starting"
	SessionRunning        SessionState = "running"
	SessionWaitingBackoff SessionState = "waiting_backoff"
	SessionCompleted      SessionState = "completed"
	SessionFailed         SessionState = "failed"
	SessionCancelled      SessionState = "cancelled"
)

// Terminal は終端状態かどうかを返す。終端状態からの遷移は存在しない。
func (s SessionState) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// DateRange は同期で実際にカバーされた日付範囲。
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero は範囲が未設定かを返す。
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// AccountOutcome は1アカウント分の同期結果。
type AccountOutcome struct {
	AccountID string       `json:"account_id"`
	Vendor    string       `json:"vendor"`
	Nickname  string       `json:"nickname,omitempty"`
	State     SessionState `json:"state"`

	StartDate time.Time `json:"start_date"`
	Covered   DateRange `json:"covered"`

	Saved      int            `json:"saved"`
	Duplicates int            `json:"duplicates"`
	Updated    int            `json:"updated"`
	Cards      map[string]int `json:"cards,omitempty"` // カード下4桁 → 件数

	LastPercent float64       `json:"last_percent"`
	Duration    time.Duration `json:"duration"`
	Error       *SyncError    `json:"error,omitempty"`
}

// Succeeded は同期が正常完了したかを返す。
func (o AccountOutcome) Succeeded() bool {
	return o.State == SessionCompleted
}

// RunStatus は実行全体の分類。
type RunStatus string

const (
	// RunSuccess は全アカウントが成功した状態。
	RunSuccess RunStatus = "success"
	// RunPartial は成功と失敗が混在した状態。
	RunPartial RunStatus = "partial"
	// RunFailed は全アカウントが失敗した状態。
	RunFailed RunStatus = "failed"
	// RunCancelled は呼び出し元によって中断された状態。失敗としては扱わない。
	RunCancelled RunStatus = "cancelled"
)

// SessionReport はオーケストレーター1回分の実行レポート。
type SessionReport struct {
	RunID    string           `json:"run_id"`
	Status   RunStatus        `json:"status"`
	Outcomes []AccountOutcome `json:"outcomes"`

	TotalSaved      int            `json:"total_saved"`
	TotalDuplicates int            `json:"total_duplicates"`
	TotalUpdated    int            `json:"total_updated"`
	Cards           map[string]int `json:"cards,omitempty"`
	Covered         DateRange      `json:"covered"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`

	// FailedAccountIDs は失敗したアカウントID。失敗分のみの再実行に使用する。
	FailedAccountIDs []string `json:"failed_account_ids,omitempty"`
	// RetryableAccountIDs は失敗のうち単純な再試行で回復し得るアカウントID。
	// 同時実行エラー・設定エラーのアカウントは含まない。
	RetryableAccountIDs []string `json:"retryable_account_ids,omitempty"`

	// ForceStopRequired は同時実行エラーにより実行が停止したことを示す。
	// 再試行の前に強制停止の確認が必要。
	ForceStopRequired bool   `json:"force_stop_required"`
	HaltedAccountID   string `json:"halted_account_id,omitempty"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}
