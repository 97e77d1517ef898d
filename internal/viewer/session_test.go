package viewer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

// manualScheduler records timers and fires them only when told to.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (m *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// active returns the timers of duration d that have neither fired nor been stopped.
func (m *manualScheduler) active(d time.Duration) []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*manualTimer
	for _, t := range m.timers {
		if t.d == d && !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (t *manualTimer) fire() {
	t.fired = true
	t.f()
}

const (
	testWatchdog = 120 * time.Second
	testDebounce = 500 * time.Millisecond
)

func newTestSession(t *testing.T) (*Session, *manualScheduler) {
	t.Helper()
	sched := &manualScheduler{}
	s := NewSession(Options{Scheduler: sched, WatchdogTimeout: testWatchdog, DebounceDelay: testDebounce})
	t.Cleanup(s.Close)
	return s, sched
}

func apply(t *testing.T, s *Session, events ...relay.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, s.Apply(ev))
	}
}

func chunk(contentType relay.ContentType, content string) relay.StreamingChunk {
	return relay.StreamingChunk{Content: content, ContentType: contentType, MessageID: "gen-1"}
}

func TestConnectAndDisconnect(t *testing.T) {
	s, sched := newTestSession(t)

	s.Connect()
	assert.True(t, s.View().Connected)

	apply(t, s,
		relay.Processing{MessageID: "m1"},
		chunk(relay.ContentReasoning, "thinking"),
		chunk(relay.ContentAnswer, "{"),
		chunk(relay.ContentSearching, relay.SearchStarted),
	)
	s.Disconnect()

	view := s.View()
	assert.False(t, view.Connected)
	assert.False(t, view.IsProcessing)
	assert.False(t, view.IsStreaming)
	assert.False(t, view.IsSearching)
	assert.Empty(t, view.StreamingReasoningText)
	assert.Empty(t, view.StreamingAnswerText)
	assert.Empty(t, view.CurrentMessageID)
	assert.Equal(t, StateIdle, view.State())
	assert.Empty(t, sched.active(testWatchdog))
	assert.Empty(t, sched.active(testDebounce))

	s.Connect()
	apply(t, s, relay.Processing{MessageID: "m1"})
	assert.True(t, s.View().IsProcessing)
	assert.Equal(t, StateProcessing, s.View().State())
}

func TestStreamingScenario(t *testing.T) {
	s, _ := newTestSession(t)

	apply(t, s, relay.Processing{MessageID: "gen-1"})
	assert.Equal(t, StateProcessing, s.View().State())

	apply(t, s, chunk(relay.ContentReasoning, "Hello"))
	view := s.View()
	assert.Equal(t, "Hello", view.StreamingReasoningText)
	assert.Equal(t, "gen-1", view.CurrentMessageID)
	assert.True(t, view.IsStreaming)
	assert.False(t, view.IsProcessing)
	assert.Equal(t, StateStreaming, view.State())

	apply(t, s, relay.StreamingComplete{Success: true, Answer: "B", MessageID: "gen-1"})
	view = s.View()
	require.NotNil(t, view.LatestAnswer)
	assert.Equal(t, "B", view.LatestAnswer.Text)
	assert.False(t, view.IsProcessing)
	assert.False(t, view.IsStreaming)
	assert.Empty(t, view.StreamingReasoningText)
	assert.Equal(t, StateAnswered, view.State())
}

func TestChunksConcatenatePerContentType(t *testing.T) {
	s, _ := newTestSession(t)

	apply(t, s,
		chunk(relay.ContentAnswer, "A"),
		chunk(relay.ContentReasoning, "x"),
		chunk(relay.ContentAnswer, "B"),
		chunk(relay.ContentError, "e1"),
		chunk(relay.ContentReasoning, "y"),
	)

	view := s.View()
	assert.Equal(t, "AB", view.StreamingAnswerText)
	assert.Equal(t, "xy", view.StreamingReasoningText)
	assert.Equal(t, "e1", view.StreamingErrorText)
}

func TestSearchingToggle(t *testing.T) {
	s, _ := newTestSession(t)

	apply(t, s, chunk(relay.ContentSearching, relay.SearchStarted))
	assert.True(t, s.View().IsSearching)

	apply(t, s, chunk(relay.ContentSearching, "still looking"))
	assert.True(t, s.View().IsSearching)

	apply(t, s, chunk(relay.ContentSearching, relay.SearchFinished))
	assert.False(t, s.View().IsSearching)

	apply(t, s, chunk(relay.ContentSearching, ""))
	assert.False(t, s.View().IsSearching)
}

func TestFailedCompletionKeepsErrorAndAnswer(t *testing.T) {
	s, _ := newTestSession(t)

	apply(t, s,
		relay.Answer{AnswerRecord: relay.AnswerRecord{Text: "A"}},
		relay.Processing{MessageID: "m2"},
		chunk(relay.ContentAnswer, "partial"),
		relay.StreamingComplete{Success: false, Error: "rate limited"},
	)

	view := s.View()
	assert.Equal(t, "rate limited", view.StreamingErrorText)
	assert.Empty(t, view.StreamingAnswerText)
	assert.False(t, view.IsStreaming)
	require.NotNil(t, view.LatestAnswer)
	assert.Equal(t, "A", view.LatestAnswer.Text)
	assert.Equal(t, StateStreaming, view.State())

	apply(t, s, relay.StreamingComplete{Success: false})
	assert.Equal(t, FallbackErrorText, s.View().StreamingErrorText)
}

func TestQueueStatusOverwrites(t *testing.T) {
	s, _ := newTestSession(t)

	for _, n := range []int{3, 7, 2} {
		apply(t, s, relay.QueueStatus{QueueSize: n})
	}
	assert.Equal(t, 2, s.View().QueueSize)
}

func TestWatchdogResetsStuckRequest(t *testing.T) {
	s, sched := newTestSession(t)

	apply(t, s, relay.Processing{MessageID: "m1"})
	timers := sched.active(testWatchdog)
	require.Len(t, timers, 1)

	timers[0].fire()

	view := s.View()
	assert.False(t, view.IsProcessing)
	assert.Empty(t, view.CurrentMessageID)
	assert.Equal(t, StateIdle, view.State())
}

func TestWatchdogIsReplacedAndDisarmedByChunks(t *testing.T) {
	s, sched := newTestSession(t)

	apply(t, s, relay.Processing{MessageID: "m1"})
	first := sched.active(testWatchdog)[0]
	apply(t, s, relay.Processing{MessageID: "m2"})

	assert.True(t, first.stopped)
	require.Len(t, sched.active(testWatchdog), 1)

	apply(t, s, chunk(relay.ContentReasoning, "r"))
	assert.Empty(t, sched.active(testWatchdog))
}

func TestStaleTimerCallbackIsIgnored(t *testing.T) {
	s, sched := newTestSession(t)

	apply(t, s, relay.Processing{MessageID: "m1"})
	stale := sched.active(testWatchdog)[0]
	apply(t, s, relay.Processing{MessageID: "m2"})

	// time.AfterFunc may already be running when Stop is called.
	stale.f()

	view := s.View()
	assert.True(t, view.IsProcessing)
	assert.Equal(t, "m2", view.CurrentMessageID)
}

func TestDebounceParsesStructuredAnswer(t *testing.T) {
	s, sched := newTestSession(t)

	apply(t, s, chunk(relay.ContentAnswer, `{"type":"single",`))
	apply(t, s, chunk(relay.ContentAnswer, `"answer":"B"}`))

	timers := sched.active(testDebounce)
	require.Len(t, timers, 1)
	timers[0].fire()
	assert.True(t, s.View().AnswerParseable)

	apply(t, s, chunk(relay.ContentAnswer, " trailing"))
	sched.active(testDebounce)[0].fire()
	assert.False(t, s.View().AnswerParseable)
}

func TestOnChangeReceivesEveryTransition(t *testing.T) {
	var states []State
	s := NewSession(Options{
		Scheduler: &manualScheduler{},
		OnChange:  func(v View) { states = append(states, v.State()) },
	})
	defer s.Close()

	s.Connect()
	apply(t, s,
		relay.Processing{},
		chunk(relay.ContentAnswer, "x"),
		relay.StreamingComplete{Success: true, Answer: "x"},
	)

	assert.Equal(t, []State{StateIdle, StateProcessing, StateStreaming, StateAnswered}, states)
}

func TestIsStructuredAnswer(t *testing.T) {
	assert.True(t, isStructuredAnswer(` {"type":"multiple","answers":["A","C"]} `))
	assert.False(t, isStructuredAnswer(`{"answer":"B"}`))
	assert.False(t, isStructuredAnswer(`{"type":"single"`))
	assert.False(t, isStructuredAnswer(`plain text`))
}
