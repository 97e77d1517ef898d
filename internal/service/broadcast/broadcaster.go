// Package broadcast applies relay events to the session store and fans them
// out to connected viewers.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
	"github.com/zhouzirui/answer-relay/backend/internal/service/session"
)

const (
	defaultBufferSize     = 64
	minBufferSize         = 4
	defaultSendTimeout    = 2 * time.Second
	defaultPersistTimeout = 3 * time.Second
)

var (
	ErrClosed           = errors.New("broadcaster closed")
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// AnswerPersister stores the latest finalized answer outside the process.
type AnswerPersister interface {
	SaveLatestAnswer(ctx context.Context, record relay.AnswerRecord) error
}

// Options tunes a Broadcaster. Zero values pick defaults.
type Options struct {
	BufferSize     int
	SendTimeout    time.Duration
	Logger         *zap.Logger
	Tracer         trace.Tracer
	Persister      AnswerPersister
	PersistTimeout time.Duration
}

// Subscription is one connected viewer. Events are delivered in publish order;
// the channel is closed when the viewer is unsubscribed or evicted.
type Subscription struct {
	id     string
	events chan relay.Event
}

// ID identifies the subscription for Unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Events is the viewer's ordered event stream.
func (s *Subscription) Events() <-chan relay.Event { return s.events }

// Status is the diagnostic view served by the status endpoint.
type Status struct {
	IsProcessing     bool    `json:"isProcessing"`
	CurrentMessageID *string `json:"currentMessageId"`
	HasAnswer        bool    `json:"hasAnswer"`
	QueueSize        int     `json:"queueSize"`
	Viewers          int     `json:"viewers"`
}

// Broadcaster is the only writer of the session store. Publish and Subscribe
// share one lock, so a new viewer's replay can never interleave with a live
// event.
type Broadcaster struct {
	mu      sync.Mutex
	store   *session.Store
	viewers map[string]*Subscription
	closed  bool

	bufferSize  int
	sendTimeout time.Duration
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time

	persister      AnswerPersister
	persistTimeout time.Duration
	pending        chan relay.AnswerRecord
	done           chan struct{}
	wg             sync.WaitGroup
}

// New wires a Broadcaster around store.
func New(store *session.Store, opts Options) *Broadcaster {
	b := &Broadcaster{
		store:          store,
		viewers:        make(map[string]*Subscription),
		bufferSize:     opts.BufferSize,
		sendTimeout:    opts.SendTimeout,
		logger:         opts.Logger,
		tracer:         opts.Tracer,
		now:            time.Now,
		persister:      opts.Persister,
		persistTimeout: opts.PersistTimeout,
		pending:        make(chan relay.AnswerRecord, 1),
		done:           make(chan struct{}),
	}
	if b.bufferSize <= 0 {
		b.bufferSize = defaultBufferSize
	}
	if b.bufferSize < minBufferSize {
		b.bufferSize = minBufferSize
	}
	if b.sendTimeout <= 0 {
		b.sendTimeout = defaultSendTimeout
	}
	if b.persistTimeout <= 0 {
		b.persistTimeout = defaultPersistTimeout
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("github.com/zhouzirui/answer-relay/backend/internal/service/broadcast")
	}

	if b.persister != nil {
		b.wg.Add(1)
		go b.persistLoop()
	}
	return b
}

// Subscribe registers a viewer. The returned stream already holds the state
// replay: processing (if a request is in flight), then the latest answer,
// then the queue depth when non-zero.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		events: make(chan relay.Event, b.bufferSize),
	}
	for _, ev := range b.replay(b.store.Snapshot()) {
		sub.events <- ev
	}
	b.viewers[sub.id] = sub

	b.logger.Info("viewer subscribed", zap.String("viewer", sub.id), zap.Int("viewers", len(b.viewers)))
	return sub, nil
}

// Unsubscribe removes a viewer and closes its stream. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.viewers[id]
	if !ok {
		return
	}
	b.removeLocked(sub)
	b.logger.Info("viewer unsubscribed", zap.String("viewer", id), zap.Int("viewers", len(b.viewers)))
}

// Publish applies ev to the store and delivers the stamped event to every
// viewer. It returns once every viewer has either buffered the event or been
// evicted. All stalled viewers share one send timeout, so a publish waits at
// most sendTimeout however many viewers are stuck.
func (b *Broadcaster) Publish(ctx context.Context, ev relay.Event) (relay.Event, error) {
	_, span := b.tracer.Start(ctx, "relay.publish",
		trace.WithAttributes(attribute.String("relay.kind", string(ev.Kind()))))
	defer span.End()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		span.SetStatus(codes.Error, ErrClosed.Error())
		return nil, ErrClosed
	}

	stamped, record, err := b.apply(ev)
	if err != nil {
		b.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	delivered := 0
	fan := fanout{timeout: b.sendTimeout}
	for id, sub := range b.viewers {
		if fan.send(sub.events, stamped) {
			delivered++
			continue
		}
		b.removeLocked(sub)
		b.logger.Warn("viewer evicted: send timeout exceeded",
			zap.String("viewer", id),
			zap.String("kind", string(stamped.Kind())),
			zap.Duration("timeout", b.sendTimeout))
	}
	fan.stop()
	if record != nil {
		b.enqueuePersistLocked(*record)
	}
	b.mu.Unlock()

	messageID := relay.MessageID(stamped)
	span.SetAttributes(
		attribute.String("relay.message_id", messageID),
		attribute.Int("relay.viewers", delivered),
	)
	b.logger.Debug("event published",
		zap.String("kind", string(stamped.Kind())),
		zap.String("message_id", messageID),
		zap.Int("viewers", delivered))
	return stamped, nil
}

// Restore seeds the latest answer, typically from persistence at startup.
func (b *Broadcaster) Restore(record relay.AnswerRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.store.CompleteWithAnswer(record)
	b.logger.Info("latest answer restored", zap.String("message_id", record.MessageID))
}

// Status reports the store state and the number of connected viewers.
func (b *Broadcaster) Status() Status {
	b.mu.Lock()
	viewers := len(b.viewers)
	b.mu.Unlock()

	snap := b.store.Snapshot()
	status := Status{
		IsProcessing: snap.IsProcessing,
		HasAnswer:    snap.LatestAnswer != nil,
		QueueSize:    snap.QueueSize,
		Viewers:      viewers,
	}
	if snap.CurrentMessageID != "" {
		id := snap.CurrentMessageID
		status.CurrentMessageID = &id
	}
	return status
}

// Close disconnects every viewer and stops background persistence.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.viewers {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// apply runs the store transition matching ev and returns ev stamped with its
// message id. The returned record is non-nil when ev finalized an answer.
func (b *Broadcaster) apply(ev relay.Event) (relay.Event, *relay.AnswerRecord, error) {
	switch e := ev.(type) {
	case relay.Processing:
		e.MessageID = b.store.BeginProcessing(e.MessageID)
		return e, nil, nil

	case relay.StreamingChunk:
		if e.MessageID == "" {
			e.MessageID = b.correlationID(e.Kind())
		}
		return e, nil, nil

	case relay.StreamingComplete:
		if e.MessageID == "" {
			e.MessageID = b.correlationID(e.Kind())
		}
		if !e.Success {
			b.store.CompleteWithError()
			return e, nil, nil
		}
		record := e.Record()
		b.store.CompleteWithAnswer(record)
		return e, &record, nil

	case relay.Answer:
		if e.MessageID == "" {
			e.MessageID = b.correlationID(e.Kind())
		}
		record := e.AnswerRecord
		b.store.CompleteWithAnswer(record)
		return e, &record, nil

	case relay.QueueStatus:
		b.store.SetQueueSize(e.QueueSize)
		return e, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
	}
}

// correlationID threads the in-flight message id onto events that lack one,
// minting a fresh id only when no request is in flight.
func (b *Broadcaster) correlationID(kind relay.Kind) string {
	if id := b.store.Snapshot().CurrentMessageID; id != "" {
		return id
	}
	id := b.store.MintMessageID()
	b.logger.Warn("event outside an active request, minted message id",
		zap.String("kind", string(kind)),
		zap.String("message_id", id))
	return id
}

func (b *Broadcaster) replay(snap session.Snapshot) []relay.Event {
	events := make([]relay.Event, 0, 3)
	if snap.IsProcessing {
		events = append(events, relay.Processing{
			MessageID: snap.CurrentMessageID,
			Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		})
	}
	if snap.LatestAnswer != nil {
		events = append(events, relay.Answer{AnswerRecord: *snap.LatestAnswer})
	}
	if snap.QueueSize > 0 {
		events = append(events, relay.QueueStatus{
			QueueSize: snap.QueueSize,
			Timestamp: b.now().UTC().Format(time.RFC3339Nano),
		})
	}
	return events
}

// fanout is the delivery state of one publish. The deadline starts at the
// first full buffer; once it has passed, full viewers fail without waiting.
type fanout struct {
	timeout time.Duration
	timer   *time.Timer
	expired bool
}

func (f *fanout) send(ch chan<- relay.Event, ev relay.Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	if f.expired {
		return false
	}

	if f.timer == nil {
		f.timer = time.NewTimer(f.timeout)
	}
	select {
	case ch <- ev:
		return true
	case <-f.timer.C:
		f.expired = true
		return false
	}
}

func (f *fanout) stop() {
	if f.timer != nil {
		f.timer.Stop()
	}
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	delete(b.viewers, sub.id)
	close(sub.events)
}

// enqueuePersistLocked keeps only the newest pending record.
func (b *Broadcaster) enqueuePersistLocked(record relay.AnswerRecord) {
	if b.persister == nil {
		return
	}
	select {
	case b.pending <- record:
		return
	default:
	}
	select {
	case <-b.pending:
	default:
	}
	b.pending <- record
}

func (b *Broadcaster) persistLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Close happens after the last enqueue, so whatever is still
			// pending is the newest answer.
			select {
			case record := <-b.pending:
				b.save(record)
			default:
			}
			return
		case record := <-b.pending:
			b.save(record)
		}
	}
}

func (b *Broadcaster) save(record relay.AnswerRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), b.persistTimeout)
	defer cancel()

	if err := b.persister.SaveLatestAnswer(ctx, record); err != nil {
		b.logger.Warn("failed to persist latest answer",
			zap.String("message_id", record.MessageID),
			zap.Error(err))
	}
}
