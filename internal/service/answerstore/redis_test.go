package answerstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

const testKey = "relay:test:latest_answer"

// newTestStore runs against an in-process Redis.
func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), testKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestLoadLatestAnswerEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	record, err := store.LoadLatestAnswer(context.Background())
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSaveLatestAnswerOverwrites(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	tokens := 42
	require.NoError(t, store.SaveLatestAnswer(ctx, relay.AnswerRecord{Text: "A", MessageID: "m1"}))
	require.NoError(t, store.SaveLatestAnswer(ctx, relay.AnswerRecord{Text: "B", MessageID: "m2", TokensUsed: &tokens}))

	record, err := store.LoadLatestAnswer(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "B", record.Text)
	assert.Equal(t, "m2", record.MessageID)
	require.NotNil(t, record.TokensUsed)
	assert.Equal(t, 42, *record.TokensUsed)

	assert.Equal(t, []string{testKey}, mr.Keys())
	assert.Equal(t, int64(0), int64(mr.TTL(testKey)), "latest answer must not expire")
}

func TestLoadLatestAnswerRejectsCorruptValue(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set(testKey, "not json"))

	_, err := store.LoadLatestAnswer(context.Background())
	assert.ErrorContains(t, err, "decode latest answer")
}

func TestNewRedisStoreFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), "redis://"+addr, "")
	assert.Error(t, err)
}

func TestSaveLatestAnswerReportsServerError(t *testing.T) {
	store, mr := newTestStore(t)
	mr.SetError("READONLY replica")

	err := store.SaveLatestAnswer(context.Background(), relay.AnswerRecord{Text: "A"})
	assert.ErrorContains(t, err, "save latest answer")
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "http://not-redis", "")
	assert.Error(t, err)
}

func TestDefaultKey(t *testing.T) {
	store := NewRedisStoreWithClient(nil, "")
	assert.Equal(t, DefaultKey, store.key)
}
