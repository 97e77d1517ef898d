package handler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
	"github.com/zhouzirui/answer-relay/backend/internal/service/broadcast"
	ingressService "github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
	"github.com/zhouzirui/answer-relay/backend/internal/service/session"
)

type relayServer struct {
	*httptest.Server
	hub *broadcast.Broadcaster
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	n := 0
	store := session.NewStore(session.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("gen-%d", n)
	}))
	hub := broadcast.New(store, broadcast.Options{})
	svc := ingressService.NewService(ingressService.NewParser(), hub, nil)

	srv := httptest.NewServer(NewRouter(hub, svc, RouterOptions{}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &relayServer{Server: srv, hub: hub}
}

func (s *relayServer) post(t *testing.T, body string) string {
	t.Helper()
	resp, err := http.Post(s.URL+"/api/webhook", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func (s *relayServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) relay.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := relay.Decode(frame)
	require.NoError(t, err)
	return ev
}

func TestHealthz(t *testing.T) {
	srv := newRelayServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStreamingRoundTrip(t *testing.T) {
	srv := newRelayServer(t)
	conn := srv.dial(t)
	require.Eventually(t, func() bool { return srv.hub.Status().Viewers == 1 }, time.Second, 5*time.Millisecond)

	ack := srv.post(t, `{"type":"processing"}`)
	assert.JSONEq(t, `{"success":true,"message":"processing event relayed","messageId":"gen-1"}`, ack)
	srv.post(t, `{"type":"streaming_chunk","content":"A","contentType":"answer"}`)
	srv.post(t, `{"type":"streaming_chunk","content":"B","contentType":"answer"}`)
	srv.post(t, `{"type":"streaming_complete","success":true,"answer":"AB"}`)

	processing := readEvent(t, conn)
	assert.Equal(t, relay.KindProcessing, processing.Kind())
	assert.Equal(t, "gen-1", relay.MessageID(processing))

	var text string
	for i := 0; i < 2; i++ {
		ev := readEvent(t, conn)
		chunk, ok := ev.(relay.StreamingChunk)
		require.True(t, ok, "expected chunk, got %T", ev)
		assert.Equal(t, "gen-1", chunk.MessageID)
		text += chunk.Content
	}
	assert.Equal(t, "AB", text)

	complete := readEvent(t, conn).(relay.StreamingComplete)
	assert.True(t, complete.Success)
	assert.Equal(t, "AB", complete.Answer)
	assert.Equal(t, "gen-1", complete.MessageID)
}

func TestMalformedEventIsNotBroadcast(t *testing.T) {
	srv := newRelayServer(t)
	conn := srv.dial(t)
	require.Eventually(t, func() bool { return srv.hub.Status().Viewers == 1 }, time.Second, 5*time.Millisecond)

	ack := srv.post(t, `{"type":"streaming_chunk"}`)
	assert.Contains(t, ack, `"success":false`)
	assert.Contains(t, ack, "content")

	srv.post(t, `{"type":"queue_status","queueSize":5}`)

	ev := readEvent(t, conn)
	assert.Equal(t, relay.QueueStatus{QueueSize: 5, Timestamp: ev.(relay.QueueStatus).Timestamp}, ev)
	assert.False(t, srv.hub.Status().IsProcessing)
}

func TestLateJoinerReplay(t *testing.T) {
	srv := newRelayServer(t)

	srv.post(t, `{"type":"processing","messageId":"m0"}`)
	srv.post(t, `{"type":"answer","answer":"first","model":"gpt"}`)
	srv.post(t, `{"type":"processing","messageId":"m1"}`)
	srv.post(t, `{"type":"streaming_chunk","content":"lost","contentType":"answer"}`)

	conn := srv.dial(t)
	first := readEvent(t, conn)
	assert.Equal(t, relay.Processing{MessageID: "m1", Timestamp: first.(relay.Processing).Timestamp}, first)

	second := readEvent(t, conn).(relay.Answer)
	assert.Equal(t, "first", second.Text)
	assert.Equal(t, "m0", second.MessageID)

	srv.post(t, `{"type":"streaming_complete","success":false,"error":"upstream died"}`)
	third := readEvent(t, conn).(relay.StreamingComplete)
	assert.False(t, third.Success)
	assert.Equal(t, "upstream died", third.Error)
	assert.Equal(t, "m1", third.MessageID)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newRelayServer(t)
	srv.post(t, `{"type":"processing","message_id":"m7"}`)

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.JSONEq(t,
		`{"isProcessing":true,"currentMessageId":"m7","hasAnswer":false,"queueSize":0,"viewers":0}`,
		string(data))
}

func TestServerSentEvents(t *testing.T) {
	srv := newRelayServer(t)
	srv.post(t, `{"type":"queue_status","queueSize":2}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: queue_status\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	ev, err := relay.Decode([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data: "))))
	require.NoError(t, err)
	assert.Equal(t, 2, ev.(relay.QueueStatus).QueueSize)
}
