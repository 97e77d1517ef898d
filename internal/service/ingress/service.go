package ingress

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

// Publisher hands a validated event to the fan-out stage and returns it
// stamped with its message id.
type Publisher interface {
	Publish(ctx context.Context, ev relay.Event) (relay.Event, error)
}

// Ack is the reply sent back to the producer.
type Ack struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// Service runs one payload through parsing and publishing. Both the HTTP
// webhook and the NATS subscription go through it.
type Service struct {
	parser    *Parser
	publisher Publisher
	logger    *zap.Logger
}

func NewService(parser *Parser, publisher Publisher, logger *zap.Logger) *Service {
	if parser == nil {
		parser = NewParser()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{parser: parser, publisher: publisher, logger: logger}
}

// Handle parses body and publishes the resulting event. A rejected payload
// yields a failed Ack and a nil error; err is set only when publishing failed.
func (s *Service) Handle(ctx context.Context, body []byte) (Ack, error) {
	ev, err := s.parser.Parse(body)
	if err != nil {
		s.logger.Warn("event rejected", zap.Error(err))
		return Ack{Success: false, Error: err.Error()}, nil
	}

	stamped, err := s.publisher.Publish(ctx, ev)
	if err != nil {
		return Ack{Success: false, Error: "failed to relay event"}, fmt.Errorf("publish %s: %w", ev.Kind(), err)
	}

	return Ack{
		Success:   true,
		Message:   fmt.Sprintf("%s event relayed", stamped.Kind()),
		MessageID: relay.MessageID(stamped),
	}, nil
}
