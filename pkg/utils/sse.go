package utils

import (
	"fmt"
	"net/http"
	"strings"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEEvent 发送带事件类型的SSE消息，data 必须是单行 JSON
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write sse event %s: %w", event, err)
	}
	flusher.Flush()
	return nil
}

// SendSSEComment 发送SSE注释行，用作保活
func SendSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	comment = strings.ReplaceAll(comment, "\n", " ")
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("write sse comment: %w", err)
	}
	flusher.Flush()
	return nil
}
