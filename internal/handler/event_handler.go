package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/finsync/internal/notify"
	"github.com/hitoshi/finsync/internal/syncproto"
)

// DefaultHeartbeatInterval はイベントストリームのキープアライブ間隔。
const DefaultHeartbeatInterval = 30 * time.Second

// ChangeSubscriber は変更通知の購読インターフェース。
type ChangeSubscriber interface {
	Subscribe() (<-chan notify.Change, func())
}

// EventHandler は変更通知をイベントストリームとして配信するHTTPハンドラー。
type EventHandler struct {
	hub       ChangeSubscriber
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewEventHandler はEventHandlerを生成する。heartbeatが0以下の場合はデフォルト値を使用する。
func NewEventHandler(hub ChangeSubscriber, heartbeat time.Duration, logger *slog.Logger) *EventHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &EventHandler{hub: hub, heartbeat: heartbeat, logger: logger}
}

// Stream は変更通知を購読し、クライアントが切断するまでイベントを送信する。
// GET /api/events
//
// イベント名は変更種別（transactions_synced、duplicates_resolved）となる。
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	changes, unsubscribe := h.hub.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.(http.Flusher).Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := syncproto.WriteFrame(w, syncproto.EventType(change.Kind), change); err != nil {
				h.logger.Debug("変更通知の送信に失敗しました", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			w.(http.Flusher).Flush()
		}
	}
}
