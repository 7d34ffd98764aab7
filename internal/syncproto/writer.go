package syncproto

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WriteFrame は1フレームを書き込む。tagが空の場合はevent行を省略する。
// wがhttp.Flusherを実装している場合は書き込み後にフラッシュする。
func WriteFrame(w io.Writer, tag EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %q payload: %w", tag, err)
	}

	if tag != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", tag); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}

	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
