// Package syncproto は同期エンドポイントのイベントストリーム（SSE形式）の
// フレーム解析とイベント型を提供する。
package syncproto

import (
	"encoding/json"
	"fmt"
)

// EventType はイベントのタグ。
type EventType string

const (
	EventProgress EventType = "progress"
	EventNetwork  EventType = "network"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Terminal は終端イベントかを返す。
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// NetworkKind はnetworkイベントの種別。
type NetworkKind string

const (
	NetworkRequest           NetworkKind = "request"
	NetworkResponse          NetworkKind = "response"
	NetworkRateLimitWait     NetworkKind = "rateLimitWait"
	NetworkRetryWait         NetworkKind = "retryWait"
	NetworkRateLimitFinished NetworkKind = "rateLimitFinished"
)

// Waiting は待機開始を示す種別かを返す。
func (k NetworkKind) Waiting() bool {
	return k == NetworkRateLimitWait || k == NetworkRetryWait
}

// Progress はprogressイベントのペイロード。
// Successは成功/失敗/未確定の3値で、メッセージ文字列から状態を推測してはならない。
type Progress struct {
	Step           string   `json:"step"`
	Message        string   `json:"message"`
	Percent        float64  `json:"percent"`
	Phase          string   `json:"phase,omitempty"`
	Success        *bool    `json:"success"`
	CompletedSteps []string `json:"completedSteps,omitempty"`
}

// Network はnetworkイベントのペイロード。
type Network struct {
	Kind    NetworkKind `json:"kind"`
	Seconds float64     `json:"seconds,omitempty"`
	Message string      `json:"message,omitempty"`
	Status  int         `json:"status,omitempty"`
}

// CardSummary はカードごとの取引件数。
type CardSummary struct {
	Last4 string `json:"last4"`
	Count int    `json:"count"`
}

// Summary はcompleteイベントのペイロードに含まれる集計結果。
// 日付は YYYY-MM-DD 形式。
type Summary struct {
	Saved      int           `json:"savedTransactions"`
	Duplicates int           `json:"duplicateTransactions"`
	Updated    int           `json:"updatedTransactions"`
	Cards      []CardSummary `json:"cards,omitempty"`
	StartDate  string        `json:"startDate,omitempty"`
	EndDate    string        `json:"endDate,omitempty"`
}

// Complete はcompleteイベントのペイロード。
type Complete struct {
	Summary Summary `json:"summary"`
}

// Error はerrorイベントのペイロード。
type Error struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// Result はevent行を持たないフレーム（暗黙の終端）のペイロード。
type Result struct {
	Success bool    `json:"success"`
	Message string  `json:"message,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Hint    string  `json:"hint,omitempty"`
	Summary Summary `json:"summary"`
}

// Event は型付きのプロトコルイベント。Typeに対応するフィールドのみが設定される。
type Event struct {
	Type     EventType
	Progress *Progress
	Network  *Network
	Complete *Complete
	Error    *Error
}

// decodePayload はタグとJSONペイロードからEventを構築する。
// 未知のタグの場合はok=falseを返す。
func decodePayload(tag string, data []byte) (ev Event, ok bool, err error) {
	switch tag {
	case string(EventProgress):
		var p Progress
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, true, err
		}
		return Event{Type: EventProgress, Progress: &p}, true, nil
	case string(EventNetwork):
		var n Network
		if err := json.Unmarshal(data, &n); err != nil {
			return Event{}, true, err
		}
		return Event{Type: EventNetwork, Network: &n}, true, nil
	case string(EventComplete):
		var c Complete
		if err := json.Unmarshal(data, &c); err != nil {
			return Event{}, true, err
		}
		return Event{Type: EventComplete, Complete: &c}, true, nil
	case string(EventError):
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return Event{}, true, err
		}
		return Event{Type: EventError, Error: &e}, true, nil
	case "":
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			return Event{}, true, err
		}
		if r.Success {
			return Event{Type: EventComplete, Complete: &Complete{Summary: r.Summary}}, true, nil
		}
		msg := r.Message
		if msg == "" {
			msg = "sync finished without success"
		}
		return Event{Type: EventError, Error: &Error{Message: msg, Kind: r.Kind, Hint: r.Hint}}, true, nil
	default:
		return Event{}, false, nil
	}
}

// FrameError は1フレームのペイロードが不正であることを示す。
// セッション全体を中断させず、呼び出し元はログに記録して解析を継続する。
type FrameError struct {
	Tag  string
	Data string
	Err  error
}

// Error はerrorインターフェースを実装する。
func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed %q frame: %v", e.Tag, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FrameError) Unwrap() error {
	return e.Err
}
