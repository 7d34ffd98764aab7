// Package notify はデータ変更通知のpublish/subscribeを提供する。
// 同期や重複解決によって永続化データが変わったことを、
// 変更種別と対象アカウントを含む型付きのペイロードで購読者に伝える。
package notify

import (
	"log/slog"
	"sync"
	"time"
)

// ChangeKind は変更の種別。
type ChangeKind string

const (
	// ChangeTransactionsSynced は同期により取引が追加・更新されたことを示す。
	ChangeTransactionsSynced ChangeKind = "transactions_synced"
	// ChangeDuplicatesResolved は重複候補の解決により取引が削除・確定されたことを示す。
	ChangeDuplicatesResolved ChangeKind = "duplicates_resolved"
)

// Change は変更通知のペイロード。
type Change struct {
	Kind       ChangeKind `json:"kind"`
	AccountIDs []string   `json:"account_ids,omitempty"`
	RunID      string     `json:"run_id,omitempty"`
	Count      int        `json:"count"`
	At         time.Time  `json:"at"`
}

// Publisher は変更通知の発行インターフェース。
type Publisher interface {
	Publish(change Change)
}

// DefaultBuffer は購読者ごとのデフォルトのバッファサイズ。
const DefaultBuffer = 16

// Hub は変更通知の配信を行う。
// 発行は購読者の処理を待たない。バッファが一杯の購読者には通知を配信せず破棄する。
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Change
	nextID uint64
	buffer int
	logger *slog.Logger
}

// NewHub はHubを生成する。bufferが0以下の場合はDefaultBufferを使用する。
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]chan Change),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe は購読を開始し、通知を受け取るチャネルと購読解除関数を返す。
// 購読解除後、チャネルはクローズされる。購読解除関数は複数回呼び出しても安全。
func (h *Hub) Subscribe() (<-chan Change, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Change, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish は全購読者に通知を配信する。Atが未設定の場合は現在時刻を設定する。
func (h *Hub) Publish(change Change) {
	if change.At.IsZero() {
		change.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- change:
		default:
			h.logger.Warn("購読者のバッファが一杯のため変更通知を破棄しました",
				slog.Uint64("subscriber_id", id),
				slog.String("kind", string(change.Kind)),
			)
		}
	}
}

// Subscribers は現在の購読者数を返す。
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ Publisher = (*Hub)(nil)
