// Command eventsender plays the producer side of the relay: it posts a
// processing event followed by either a single answer or a streamed sequence,
// using the same delivery policy as the capture pipeline.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/service/session"
	"github.com/zhouzirui/answer-relay/backend/pkg/logger"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	requestTimeout = 10 * time.Second
	chunkTimeout   = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	url := flag.String("url", "http://localhost:8080/api/webhook", "relay webhook URL")
	mode := flag.String("mode", "stream", "发送模式: answer, stream, fail 或 queue")
	text := flag.String("text", `{"type":"single","answer":"B"}`, "最终答案文本")
	reasoning := flag.String("reasoning", "Reading the question. Comparing the options.", "流式模式下的推理文本")
	chunkSize := flag.Int("chunk", 8, "每个流式分片的字符数")
	delay := flag.Duration("delay", 80*time.Millisecond, "分片之间的间隔")
	queue := flag.Int("queue", 0, "queue 模式下上报的队列长度")
	model := flag.String("model", "demo-model", "答案携带的模型名")
	flag.Parse()

	zlog, err := logger.New(logger.Options{Level: "info"})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	s := newSender(*url, zlog)
	ctx := context.Background()
	started := time.Now()

	switch *mode {
	case "answer":
		err = s.sendAnswer(ctx, *text, *model, started)
	case "stream":
		err = s.sendStream(ctx, streamScript{
			reasoning: *reasoning,
			answer:    *text,
			model:     *model,
			chunkSize: *chunkSize,
			delay:     *delay,
		}, started)
	case "fail":
		err = s.sendFailure(ctx, "upstream model timed out")
	case "queue":
		err = s.sendWithRetry(ctx, map[string]any{
			"type":       "queue_status",
			"queue_size": *queue,
			"timestamp":  nowISO(),
		}, "queue status")
	default:
		flag.Usage()
		log.Fatalf("未知模式 %q", *mode)
	}
	if err != nil {
		zlog.Error("delivery failed", zap.Error(err))
		os.Exit(1)
	}
}

type sender struct {
	url    string
	client *http.Client
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
	newID  func() string
}

func newSender(url string, zlog *zap.Logger) *sender {
	return &sender{
		url:    url,
		client: &http.Client{},
		logger: zlog,
		sleep:  sleepCtx,
		newID:  session.NewMessageID,
	}
}

type streamScript struct {
	reasoning string
	answer    string
	model     string
	chunkSize int
	delay     time.Duration
}

func (s *sender) sendAnswer(ctx context.Context, text, model string, started time.Time) error {
	if err := s.sendWithRetry(ctx, map[string]any{"type": "processing", "timestamp": nowISO()}, "processing status"); err != nil {
		return err
	}
	return s.sendWithRetry(ctx, map[string]any{
		"type":            "answer",
		"answer":          text,
		"timestamp":       nowISO(),
		"model":           model,
		"elapsed_seconds": time.Since(started).Seconds(),
	}, "answer")
}

func (s *sender) sendStream(ctx context.Context, script streamScript, started time.Time) error {
	messageID := s.newID()
	if err := s.sendWithRetry(ctx, map[string]any{
		"type":       "processing",
		"streaming":  true,
		"message_id": messageID,
		"timestamp":  nowISO(),
	}, "processing status"); err != nil {
		return err
	}

	for _, part := range []struct {
		contentType string
		text        string
	}{
		{"searching", ""},
		{"reasoning", script.reasoning},
		{"answer", script.answer},
	} {
		chunks := splitChunks(part.text, script.chunkSize)
		if part.contentType == "searching" {
			chunks = []string{"searching", "done"}
		}
		for _, chunk := range chunks {
			s.sendChunk(ctx, messageID, part.contentType, chunk)
			if err := s.sleep(ctx, script.delay); err != nil {
				return err
			}
		}
	}

	return s.sendWithRetry(ctx, map[string]any{
		"type":            "streaming_complete",
		"success":         true,
		"answer":          script.answer,
		"model":           script.model,
		"elapsed_seconds": time.Since(started).Seconds(),
		"message_id":      messageID,
		"timestamp":       nowISO(),
	}, "streaming completion")
}

func (s *sender) sendFailure(ctx context.Context, reason string) error {
	messageID := s.newID()
	if err := s.sendWithRetry(ctx, map[string]any{
		"type":       "processing",
		"streaming":  true,
		"message_id": messageID,
		"timestamp":  nowISO(),
	}, "processing status"); err != nil {
		return err
	}
	return s.sendWithRetry(ctx, map[string]any{
		"type":       "streaming_complete",
		"success":    false,
		"error":      reason,
		"message_id": messageID,
		"timestamp":  nowISO(),
	}, "streaming completion")
}

// sendChunk makes a single attempt; a late chunk is worth less than a
// growing backlog.
func (s *sender) sendChunk(ctx context.Context, messageID, contentType, content string) {
	err := s.post(ctx, map[string]any{
		"type":         "streaming_chunk",
		"content":      content,
		"content_type": contentType,
		"message_id":   messageID,
		"timestamp":    nowISO(),
	}, chunkTimeout)
	if err != nil {
		s.logger.Warn("streaming chunk dropped", zap.String("content_type", contentType), zap.Error(err))
	}
}

func (s *sender) sendWithRetry(ctx context.Context, payload map[string]any, description string) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		lastErr = s.post(ctx, payload, requestTimeout)
		if lastErr == nil {
			s.logger.Info("delivered", zap.String("what", description), zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(lastErr, errRejected) {
			return fmt.Errorf("deliver %s: %w", description, lastErr)
		}
		s.logger.Warn("delivery attempt failed",
			zap.String("what", description),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if attempt < maxRetries {
			if err := s.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("deliver %s after %d attempts: %w", description, maxRetries, lastErr)
}

// errRejected marks a 200 ack with success=false. Resending the same payload
// cannot succeed, so it is never retried.
var errRejected = errors.New("relay rejected event")

func (s *sender) post(ctx context.Context, payload map[string]any, timeout time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var ack struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &ack); err == nil && !ack.Success {
		return fmt.Errorf("%w: %s", errRejected, ack.Error)
	}
	return nil
}

func splitChunks(text string, size int) []string {
	if size <= 0 {
		size = 8
	}
	var chunks []string
	for len(text) > 0 {
		n, i := 0, 0
		for i < len(text) && n < size {
			_, w := utf8.DecodeRuneInString(text[i:])
			i += w
			n++
		}
		chunks = append(chunks, text[:i])
		text = text[i:]
	}
	return chunks
}

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05.000000")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
