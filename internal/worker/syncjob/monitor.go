package syncjob

import (
	"sync"
	"time"

	"github.com/hitoshi/finsync/internal/syncproto"
)

// Wait は現在のレート制限/リトライ待機。
type Wait struct {
	AccountID    string    `json:"account_id"`
	Message      string    `json:"message,omitempty"`
	TotalSeconds float64   `json:"total_seconds"`
	StartTime    time.Time `json:"start_time"`
}

// Remaining はnow時点での残り待機時間を返す。負にはならない。
func (w Wait) Remaining(now time.Time) time.Duration {
	total := time.Duration(w.TotalSeconds * float64(time.Second))
	left := total - now.Sub(w.StartTime)
	if left < 0 {
		return 0
	}
	return left
}

// WaitMonitor はnetworkイベントから「現在の待機」を導出する。
// 保持するのは直近の待機1件のみで、キューイングはしない。
// 同期処理とHTTPハンドラの双方から参照されるため排他制御を行う。
type WaitMonitor struct {
	mu      sync.RWMutex
	current *Wait
	now     func() time.Time
}

// NewWaitMonitor はWaitMonitorを生成する。nowがnilの場合はtime.Nowを使用する。
func NewWaitMonitor(now func() time.Time) *WaitMonitor {
	if now == nil {
		now = time.Now
	}
	return &WaitMonitor{now: now}
}

// Observe はnetworkイベントを反映する。待機が新たに開始された場合はその内容とtrueを返す。
//   - rateLimitWait/retryWait（seconds>0）: 待機を設定
//   - request/rateLimitFinished: 待機を解除
//   - その他: 変化なし
func (m *WaitMonitor) Observe(accountID string, n syncproto.Network) (Wait, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case n.Kind.Waiting() && n.Seconds > 0:
		w := Wait{
			AccountID:    accountID,
			Message:      n.Message,
			TotalSeconds: n.Seconds,
			StartTime:    m.now(),
		}
		m.current = &w
		return w, true
	case n.Kind == syncproto.NetworkRequest || n.Kind == syncproto.NetworkRateLimitFinished:
		m.current = nil
	}
	return Wait{}, false
}

// Current は現在の待機を返す。待機中でなければfalseを返す。
func (m *WaitMonitor) Current() (Wait, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Wait{}, false
	}
	return *m.current, true
}

// Now はモニターの基準時刻を返す。
func (m *WaitMonitor) Now() time.Time {
	return m.now()
}

// ClearAccount は指定アカウントの待機が残っていれば解除する。
func (m *WaitMonitor) ClearAccount(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.AccountID == accountID {
		m.current = nil
	}
}
