// Command viewer connects to a running relay and prints the reduced viewer
// state to the terminal as events arrive.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
	"github.com/zhouzirui/answer-relay/backend/internal/viewer"
	"github.com/zhouzirui/answer-relay/backend/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", envOrDefault("RELAY_WS_URL", "ws://localhost:8080/api/ws"), "relay websocket URL")
	watchdog := flag.Duration("watchdog", viewer.DefaultWatchdogTimeout, "reset a request with no terminal event after this long")
	verbose := flag.Bool("v", false, "log connection details")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	zlog, err := logger.New(logger.Options{Level: level})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(os.Stdout)
	session := viewer.NewSession(viewer.Options{
		WatchdogTimeout: *watchdog,
		OnChange:        p.print,
		Logger:          zlog.Named("session"),
	})
	defer session.Close()

	color.Cyan("watching %s (Ctrl+C to quit)", *url)
	client := viewer.NewClient(*url, session, viewer.ClientOptions{Logger: zlog.Named("client")})
	_ = client.Run(ctx)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// printer writes only what changed between consecutive views.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	prev viewer.View
	now  func() time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, now: time.Now}
}

func (p *printer) print(v viewer.View) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.prev
	p.prev = v
	stamp := p.now().Format("15:04:05")

	line := func(c *color.Color, format string, args ...any) {
		c.Fprintf(p.out, "[%s] %s\n", stamp, fmt.Sprintf(format, args...))
	}

	if v.Connected != prev.Connected {
		if v.Connected {
			line(color.New(color.FgGreen), "connected")
		} else {
			line(color.New(color.FgRed), "disconnected")
		}
	}
	if v.State() != prev.State() {
		line(color.New(color.FgCyan, color.Bold), "state: %s", v.State())
	}
	if v.IsProcessing && v.CurrentMessageID != prev.CurrentMessageID {
		line(color.New(color.FgYellow), "processing %s", v.CurrentMessageID)
	}
	if v.IsSearching != prev.IsSearching {
		if v.IsSearching {
			line(color.New(color.FgBlue), "searching...")
		} else {
			line(color.New(color.FgBlue), "search done")
		}
	}
	if delta := appended(prev.StreamingReasoningText, v.StreamingReasoningText); delta != "" {
		line(color.New(color.Faint), "reasoning: %s", delta)
	}
	if delta := appended(prev.StreamingAnswerText, v.StreamingAnswerText); delta != "" {
		line(color.New(color.FgWhite), "answer: %s", delta)
	}
	if v.AnswerParseable && !prev.AnswerParseable {
		line(color.New(color.FgGreen), "streamed answer is complete JSON")
	}
	if v.StreamingErrorText != "" && v.StreamingErrorText != prev.StreamingErrorText {
		line(color.New(color.FgRed, color.Bold), "error: %s", v.StreamingErrorText)
	}
	if v.LatestAnswer != nil && !sameAnswer(v.LatestAnswer, prev.LatestAnswer) {
		a := v.LatestAnswer
		details := a.MessageID
		if a.Model != "" {
			details += " model=" + a.Model
		}
		if a.ElapsedSeconds != nil {
			details += fmt.Sprintf(" elapsed=%.2fs", *a.ElapsedSeconds)
		}
		line(color.New(color.FgGreen, color.Bold), "ANSWER (%s)\n%s", strings.TrimSpace(details), a.Text)
	}
	if v.QueueSize != prev.QueueSize {
		line(color.New(color.FgMagenta), "queue: %d", v.QueueSize)
	}
}

// appended returns what next added to prev, or "" when next does not extend it.
func appended(prev, next string) string {
	if len(next) <= len(prev) || !strings.HasPrefix(next, prev) {
		return ""
	}
	return next[len(prev):]
}

func sameAnswer(a, b *relay.AnswerRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.MessageID == b.MessageID && a.Text == b.Text && a.Timestamp == b.Timestamp
}
