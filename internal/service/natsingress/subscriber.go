// Package natsingress feeds producer events published on a NATS subject
// into the same ingress path as the HTTP webhook.
package natsingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/service/ingress"
)

// DefaultSubject is subscribed to when none is configured.
const DefaultSubject = "relay.events"

// Handler processes one raw payload; *ingress.Service satisfies it.
type Handler interface {
	Handle(ctx context.Context, body []byte) (ingress.Ack, error)
}

// Subscriber consumes core NATS messages (at-most-once). Requests that carry
// a reply subject receive the JSON ack.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	handler Handler
	logger  *zap.Logger
	timeout time.Duration
}

// Connect dials url with the reconnect policy used for every relay connection.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("answer-relay"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewSubscriber subscribes handler to subject on nc. The subscriber owns nc
// and closes it in Close.
func NewSubscriber(nc *nats.Conn, subject string, handler Handler, logger *zap.Logger) (*Subscriber, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		nc:      nc,
		handler: handler,
		logger:  logger,
		timeout: 5 * time.Second,
	}

	sub, err := nc.Subscribe(subject, s.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub

	logger.Info("subscribed to producer subject", zap.String("subject", subject))
	return s, nil
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ack, err := s.handler.Handle(ctx, msg.Data)
	if err != nil {
		s.logger.Error("failed to relay NATS event", zap.String("subject", msg.Subject), zap.Error(err))
	}
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Error("failed to encode ack", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send ack", zap.String("reply", msg.Reply), zap.Error(err))
	}
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}
