// Package session holds the relay's single piece of shared mutable state:
// whether a request is in flight, its message id, and the latest answer.
//
// Fields are unexported; the transition methods below are the only way to
// change them. The broadcaster is the sole caller of those methods.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

// IDGenerator mints message ids for requests whose producer did not supply one.
type IDGenerator func() string

// NewMessageID is the default IDGenerator: millisecond prefix plus a random suffix.
func NewMessageID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// Snapshot is a read-only copy of the state, used for replay and diagnostics.
type Snapshot struct {
	IsProcessing     bool                `json:"isProcessing"`
	CurrentMessageID string              `json:"currentMessageId,omitempty"`
	LatestAnswer     *relay.AnswerRecord `json:"latestAnswer,omitempty"`
	QueueSize        int                 `json:"queueSize"`
}

// Store serializes every transition behind one mutex.
type Store struct {
	mu               sync.Mutex
	isProcessing     bool
	currentMessageID string
	latestAnswer     *relay.AnswerRecord
	queueSize        int
	newID            IDGenerator
}

// Option customizes a Store.
type Option func(*Store)

// WithIDGenerator replaces the message id generator.
func WithIDGenerator(gen IDGenerator) Option {
	return func(s *Store) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewStore returns an idle store.
func NewStore(opts ...Option) *Store {
	s := &Store{newID: NewMessageID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginProcessing marks a request as in flight and returns its id, minting
// one when messageID is empty.
func (s *Store) BeginProcessing(messageID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID == "" {
		messageID = s.newID()
	}
	s.isProcessing = true
	s.currentMessageID = messageID
	return messageID
}

// CompleteWithAnswer finalizes the in-flight request with record.
func (s *Store) CompleteWithAnswer(record relay.AnswerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latestAnswer = &record
	s.isProcessing = false
	s.currentMessageID = ""
}

// CompleteWithError ends the in-flight request without touching the latest answer.
func (s *Store) CompleteWithError() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isProcessing = false
	s.currentMessageID = ""
}

// SetQueueSize records the latest queue depth. Last write wins.
func (s *Store) SetQueueSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueSize = n
}

// MintMessageID returns a fresh id without changing state.
func (s *Store) MintMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.newID()
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		IsProcessing:     s.isProcessing,
		CurrentMessageID: s.currentMessageID,
		QueueSize:        s.queueSize,
	}
	if s.latestAnswer != nil {
		record := *s.latestAnswer
		snap.LatestAnswer = &record
	}
	return snap
}
