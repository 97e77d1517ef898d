package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusServiceUnavailable, "broadcaster closed")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"broadcaster closed"}`, rec.Body.String())
}

func TestSendSSEEventFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	require.NoError(t, SendSSEEvent(rec, rec, "queue_status", []byte(`{"type":"queue_status","data":{"queueSize":2}}`)))
	require.NoError(t, SendSSEComment(rec, rec, "keep\nalive"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"event: queue_status\ndata: {\"type\":\"queue_status\",\"data\":{\"queueSize\":2}}\n\n: keep alive\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}
