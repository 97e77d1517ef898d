package relay

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFlattensAnswerRecord(t *testing.T) {
	frame, err := Encode(Answer{AnswerRecord: AnswerRecord{Text: "B", MessageID: "m1", Timestamp: "t"}})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.JSONEq(t, `"answer"`, string(raw["type"]))
	assert.JSONEq(t, `{"answer":"B","timestamp":"t","messageId":"m1"}`, string(raw["data"]))
}

func TestDecodeStreamingChunk(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"streaming_chunk","data":{"content":"Hel","contentType":"reasoning","messageId":"gen-1"}}`))
	require.NoError(t, err)

	chunk, ok := ev.(StreamingChunk)
	require.True(t, ok, "expected StreamingChunk, got %T", ev)
	assert.Equal(t, "Hel", chunk.Content)
	assert.Equal(t, ContentReasoning, chunk.ContentType)
	assert.Equal(t, "gen-1", MessageID(chunk))
}

func TestDecodeUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"type":"heartbeat","data":{}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestMessageIDIgnoresQueueStatus(t *testing.T) {
	assert.Empty(t, MessageID(QueueStatus{QueueSize: 4}))
}
