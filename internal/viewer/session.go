// Package viewer reduces the relay's event stream to presentation state for
// a single connection.
//
// A Session owns two timers: a processing watchdog that resets a request
// the producer abandoned, and a short debounce that checks whether the
// streamed answer already parses as a structured payload. Arming a timer
// always replaces the previous one of the same kind.
package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

const (
	DefaultWatchdogTimeout = 120 * time.Second
	DefaultDebounceDelay   = 500 * time.Millisecond

	// FallbackErrorText is shown when a failed completion carries no error.
	FallbackErrorText = "Unknown error"
)

var ErrUnknownEvent = errors.New("unknown event")

// State is derived from View, never stored.
type State int

const (
	StateIdle State = iota
	StateProcessing
	StateStreaming
	StateAnswered
)

func (s State) String() string {
	switch s {
	case StateProcessing:
		return "processing"
	case StateStreaming:
		return "streaming"
	case StateAnswered:
		return "answered"
	default:
		return "idle"
	}
}

// View is a copy of the session's fields.
type View struct {
	Connected              bool                `json:"connected"`
	IsProcessing           bool                `json:"isProcessing"`
	IsStreaming            bool                `json:"isStreaming"`
	StreamingAnswerText    string              `json:"streamingAnswerText"`
	StreamingReasoningText string              `json:"streamingReasoningText"`
	StreamingErrorText     string              `json:"streamingErrorText"`
	IsSearching            bool                `json:"isSearching"`
	CurrentMessageID       string              `json:"currentMessageId,omitempty"`
	LatestAnswer           *relay.AnswerRecord `json:"latestAnswer,omitempty"`
	QueueSize              int                 `json:"queueSize"`
	AnswerParseable        bool                `json:"answerParseable"`
}

// State classifies the view. Streaming content (including an error) wins
// over the processing flag, which wins over a stored answer.
func (v View) State() State {
	switch {
	case v.IsStreaming || v.StreamingAnswerText != "" || v.StreamingReasoningText != "" || v.StreamingErrorText != "":
		return StateStreaming
	case v.IsProcessing:
		return StateProcessing
	case v.LatestAnswer != nil:
		return StateAnswered
	default:
		return StateIdle
	}
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options tunes a Session. Zero values pick defaults.
type Options struct {
	Scheduler       Scheduler
	WatchdogTimeout time.Duration
	DebounceDelay   time.Duration
	// OnChange receives the view after every transition, outside the lock.
	OnChange func(View)
	Logger   *zap.Logger
}

// timerSlot holds at most one outstanding timer. gen invalidates callbacks
// from timers that were replaced or cancelled after they started firing.
type timerSlot struct {
	timer Timer
	gen   uint64
}

type Session struct {
	mu       sync.Mutex
	view     View
	closed   bool
	watchdog timerSlot
	debounce timerSlot

	sched           Scheduler
	watchdogTimeout time.Duration
	debounceDelay   time.Duration
	onChange        func(View)
	logger          *zap.Logger
}

func NewSession(opts Options) *Session {
	s := &Session{
		sched:           opts.Scheduler,
		watchdogTimeout: opts.WatchdogTimeout,
		debounceDelay:   opts.DebounceDelay,
		onChange:        opts.OnChange,
		logger:          opts.Logger,
	}
	if s.sched == nil {
		s.sched = wallScheduler{}
	}
	if s.watchdogTimeout <= 0 {
		s.watchdogTimeout = DefaultWatchdogTimeout
	}
	if s.debounceDelay <= 0 {
		s.debounceDelay = DefaultDebounceDelay
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// View returns a copy of the current state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) Connect() {
	s.update(func() {
		s.view.Connected = true
	})
}

// Disconnect drops partial-stream state; the relay does not replay it on
// reconnect. It also clears IsProcessing, which goes beyond the streaming
// fields: the watchdog that would reset the flag is disarmed here, and the
// relay replays processing on reconnect if the request is still in flight.
func (s *Session) Disconnect() {
	s.update(func() {
		s.view.Connected = false
		s.view.IsProcessing = false
		s.view.CurrentMessageID = ""
		s.clearStreamingLocked()
		s.view.StreamingErrorText = ""
		s.disarmLocked(&s.watchdog)
		s.disarmLocked(&s.debounce)
	})
}

// Apply reduces one event into the session.
func (s *Session) Apply(ev relay.Event) error {
	var err error
	s.update(func() {
		err = s.applyLocked(ev)
	})
	return err
}

// Close cancels both timers. Later transitions still update the view but no
// timer is armed again.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disarmLocked(&s.watchdog)
	s.disarmLocked(&s.debounce)
	s.closed = true
}

func (s *Session) applyLocked(ev relay.Event) error {
	switch e := ev.(type) {
	case relay.Processing:
		s.view.IsProcessing = true
		if e.MessageID != "" {
			s.view.CurrentMessageID = e.MessageID
		}
		// A new request supersedes whatever the previous one left behind.
		s.clearStreamingLocked()
		s.view.StreamingErrorText = ""
		s.disarmLocked(&s.debounce)
		s.armLocked(&s.watchdog, s.watchdogTimeout, s.watchdogFiredLocked)

	case relay.StreamingChunk:
		s.disarmLocked(&s.watchdog)
		s.view.IsStreaming = true
		s.view.IsProcessing = false
		if s.view.CurrentMessageID == "" {
			s.view.CurrentMessageID = e.MessageID
		}
		switch e.ContentType {
		case relay.ContentReasoning:
			s.view.StreamingReasoningText += e.Content
		case relay.ContentAnswer:
			s.view.StreamingAnswerText += e.Content
			s.armLocked(&s.debounce, s.debounceDelay, s.debounceFiredLocked)
		case relay.ContentError:
			s.view.StreamingErrorText += e.Content
		case relay.ContentSearching:
			switch e.Content {
			case relay.SearchStarted:
				s.view.IsSearching = true
			case relay.SearchFinished:
				s.view.IsSearching = false
			}
		default:
			s.logger.Debug("chunk with unknown content type ignored", zap.String("content_type", string(e.ContentType)))
		}

	case relay.StreamingComplete:
		s.disarmLocked(&s.watchdog)
		s.disarmLocked(&s.debounce)
		s.view.IsProcessing = false
		s.view.CurrentMessageID = ""
		s.clearStreamingLocked()
		if e.Success {
			record := e.Record()
			s.view.LatestAnswer = &record
			s.view.StreamingErrorText = ""
			break
		}
		s.view.StreamingErrorText = e.Error
		if s.view.StreamingErrorText == "" {
			s.view.StreamingErrorText = FallbackErrorText
		}

	case relay.Answer:
		s.disarmLocked(&s.watchdog)
		record := e.AnswerRecord
		s.view.LatestAnswer = &record
		s.view.IsProcessing = false
		s.view.CurrentMessageID = ""

	case relay.QueueStatus:
		s.view.QueueSize = e.QueueSize

	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	return nil
}

// clearStreamingLocked resets the stream buffers except the error text.
func (s *Session) clearStreamingLocked() {
	s.view.IsStreaming = false
	s.view.StreamingAnswerText = ""
	s.view.StreamingReasoningText = ""
	s.view.IsSearching = false
	s.view.AnswerParseable = false
}

func (s *Session) watchdogFiredLocked() {
	if !s.view.IsProcessing && !s.view.IsStreaming {
		return
	}
	s.logger.Warn("no terminal event before watchdog, resetting",
		zap.String("message_id", s.view.CurrentMessageID),
		zap.Duration("timeout", s.watchdogTimeout))
	s.view.IsProcessing = false
	s.view.CurrentMessageID = ""
	s.clearStreamingLocked()
	s.view.StreamingErrorText = ""
	s.disarmLocked(&s.debounce)
}

func (s *Session) debounceFiredLocked() {
	s.view.AnswerParseable = isStructuredAnswer(s.view.StreamingAnswerText)
}

func (s *Session) armLocked(slot *timerSlot, d time.Duration, fire func()) {
	s.disarmLocked(slot)
	if s.closed {
		return
	}
	gen := slot.gen
	slot.timer = s.sched.AfterFunc(d, func() {
		s.update(func() {
			if s.closed || slot.gen != gen {
				return
			}
			slot.timer = nil
			fire()
		})
	})
}

func (s *Session) disarmLocked(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

// update runs fn under the lock and reports the resulting view.
func (s *Session) update(fn func()) {
	s.mu.Lock()
	fn()
	view := s.snapshotLocked()
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(view)
	}
}

func (s *Session) snapshotLocked() View {
	view := s.view
	if view.LatestAnswer != nil {
		record := *view.LatestAnswer
		view.LatestAnswer = &record
	}
	return view
}

// isStructuredAnswer reports whether text is a complete JSON object with a
// non-empty "type" field.
func isStructuredAnswer(text string) bool {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return false
	}
	var payload struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return false
	}
	return payload.Type != ""
}
