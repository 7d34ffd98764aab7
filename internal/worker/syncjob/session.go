// Package syncjob は同期ジョブの実行を提供する。
// 1アカウント分のセッション状態機械とコントローラー、レート制限待機モニター、
// 複数アカウントを順次処理するオーケストレーター、定期実行スケジューラを含む。
package syncjob

import (
	"fmt"

	"github.com/hitoshi/finsync/internal/model"
	"github.com/hitoshi/finsync/internal/syncproto"
)

// Session は1アカウント分の同期セッションの状態機械。
// 表示層やI/Oを持たず、イベント列から決定的に状態遷移する。
//
//	Idle → Starting → Running ⇄ WaitingBackoff → Completed | Failed | Cancelled
//
// 終端状態に到達した後のイベントは一切状態を変更しない。
type Session struct {
	state   model.SessionState
	percent float64

	step           string
	message        string
	phase          string
	success        *bool
	completedSteps []string

	summary *syncproto.Summary
	failure *syncproto.Error
}

// NewSession はIdle状態のセッションを生成する。
func NewSession() *Session {
	return &Session{state: model.SessionIdle}
}

// State は現在の状態を返す。
func (s *Session) State() model.SessionState { return s.state }

// Percent は現在の進捗率（0〜100）を返す。
func (s *Session) Percent() float64 { return s.percent }

// Summary はcompleteイベントで受け取った集計を返す。
func (s *Session) Summary() *syncproto.Summary { return s.summary }

// Failure はerrorイベントで受け取ったエラーを返す。
func (s *Session) Failure() *syncproto.Error { return s.failure }

// Start はリクエスト発行に伴いIdleからStartingへ遷移する。
func (s *Session) Start() error {
	if s.state != model.SessionIdle {
		return fmt.Errorf("session cannot start from state %q", s.state)
	}
	s.state = model.SessionStarting
	return nil
}

// Apply はプロトコルイベントを反映する。状態または進捗が変化した場合にtrueを返す。
func (s *Session) Apply(ev syncproto.Event) bool {
	if s.state.Terminal() || s.state == model.SessionIdle {
		return false
	}

	switch ev.Type {
	case syncproto.EventProgress:
		if ev.Progress == nil {
			return false
		}
		s.applyProgress(*ev.Progress)
		return true

	case syncproto.EventNetwork:
		if ev.Network == nil {
			return false
		}
		return s.applyNetwork(*ev.Network)

	case syncproto.EventComplete:
		if ev.Complete != nil {
			sum := ev.Complete.Summary
			s.summary = &sum
		}
		s.percent = 100
		s.state = model.SessionCompleted
		return true

	case syncproto.EventError:
		if ev.Error != nil {
			e := *ev.Error
			s.failure = &e
		} else {
			s.failure = &syncproto.Error{}
		}
		s.state = model.SessionFailed
		return true
	}
	return false
}

func (s *Session) applyProgress(p syncproto.Progress) {
	if s.state == model.SessionStarting || s.state == model.SessionWaitingBackoff {
		s.state = model.SessionRunning
	}
	// 進捗率は0〜100に丸め、セッション内で減少させない
	pct := min(max(p.Percent, 0), 100)
	if pct > s.percent {
		s.percent = pct
	}
	s.step = p.Step
	s.message = p.Message
	s.phase = p.Phase
	s.success = p.Success
	if len(p.CompletedSteps) > 0 {
		s.completedSteps = p.CompletedSteps
	}
}

func (s *Session) applyNetwork(n syncproto.Network) bool {
	switch {
	case n.Kind.Waiting() && n.Seconds > 0:
		if s.state == model.SessionWaitingBackoff {
			return false
		}
		s.state = model.SessionWaitingBackoff
		return true
	case n.Kind == syncproto.NetworkRequest || n.Kind == syncproto.NetworkRateLimitFinished:
		if s.state != model.SessionWaitingBackoff {
			return false
		}
		s.state = model.SessionRunning
		return true
	}
	return false
}

// Fail はトランスポート障害等によりセッションを失敗させる。終端状態では何もしない。
func (s *Session) Fail() bool {
	if s.state.Terminal() {
		return false
	}
	s.state = model.SessionFailed
	return true
}

// Cancel は外部からの中断によりセッションをキャンセルする。終端状態では何もしない。
func (s *Session) Cancel() bool {
	if s.state.Terminal() {
		return false
	}
	s.state = model.SessionCancelled
	return true
}

// snapshot は通知用に現在の進捗を書き出す。
func (s *Session) snapshot(p *Progress) {
	p.State = s.state
	p.Step = s.step
	p.Message = s.message
	p.Phase = s.phase
	p.Percent = s.percent
	p.Success = s.success
	p.CompletedSteps = s.completedSteps
}
