// Package ingress turns raw producer payloads into relay events.
//
// Parsing has no side effects: it never touches session state and never
// broadcasts. Callers hand the returned event to the broadcaster.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/zhouzirui/answer-relay/backend/internal/model/relay"
)

// DefaultUpstreamError is used when a failed completion carries no error text.
const DefaultUpstreamError = "Unknown error"

// ValidationError describes a payload that cannot become an event.
type ValidationError struct {
	Kind   relay.Kind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s event: %s %s", e.Kind, e.Field, e.Reason)
}

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

type chunkInput struct {
	Content     string `json:"content" validate:"required"`
	ContentType string `json:"contentType" validate:"required,oneof=reasoning answer error searching"`
}

type answerInput struct {
	Answer string `json:"answer" validate:"required"`
}

type queueInput struct {
	QueueSize int `json:"queueSize" validate:"min=0"`
}

// Parser validates producer payloads. It is safe for concurrent use.
type Parser struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewParser builds a Parser stamping missing timestamps with the wall clock.
func NewParser() *Parser {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Parser{validate: v, now: time.Now}
}

// Parse decodes one JSON object and returns the normalized event.
// Every rejection is a *ValidationError.
func (p *Parser) Parse(body []byte) (relay.Event, error) {
	var fields payload
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "is not a JSON object"}
	}

	kind, err := fields.str("", "type")
	if err != nil {
		return nil, err
	}

	switch relay.Kind(strings.TrimSpace(kind)) {
	case relay.KindProcessing:
		return p.parseProcessing(fields)
	case relay.KindQueueStatus:
		return p.parseQueueStatus(fields)
	case relay.KindStreamingChunk:
		return p.parseChunk(fields)
	case relay.KindStreamingComplete:
		return p.parseComplete(fields)
	case relay.KindAnswer:
		return p.parseAnswer(fields)
	case "":
		// Producers that predate the type field only ever sent answers.
		return p.parseAnswer(fields)
	default:
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("has unsupported value %q", kind)}
	}
}

func (p *Parser) parseProcessing(fields payload) (relay.Event, error) {
	// processing never fails validation; odd field types are coerced.
	return relay.Processing{
		MessageID: fields.text("messageId", "message_id"),
		Streaming: fields.flag("streaming"),
		Timestamp: p.timestamp(fields),
	}, nil
}

func (p *Parser) parseQueueStatus(fields payload) (relay.Event, error) {
	kind := relay.KindQueueStatus
	size, err := fields.integer(kind, "queueSize", "queue_size")
	if err != nil {
		return nil, err
	}
	if err := p.check(kind, queueInput{QueueSize: size}); err != nil {
		return nil, err
	}
	return relay.QueueStatus{QueueSize: size, Timestamp: p.timestamp(fields)}, nil
}

func (p *Parser) parseChunk(fields payload) (relay.Event, error) {
	kind := relay.KindStreamingChunk
	content, err := fields.str(kind, "content")
	if err != nil {
		return nil, err
	}
	contentType, err := fields.str(kind, "contentType", "content_type")
	if err != nil {
		return nil, err
	}
	if err := p.check(kind, chunkInput{Content: content, ContentType: contentType}); err != nil {
		return nil, err
	}
	id, err := fields.str(kind, "messageId", "message_id")
	if err != nil {
		return nil, err
	}
	return relay.StreamingChunk{
		Content:     content,
		ContentType: relay.ContentType(contentType),
		MessageID:   id,
		Timestamp:   p.timestamp(fields),
	}, nil
}

func (p *Parser) parseComplete(fields payload) (relay.Event, error) {
	kind := relay.KindStreamingComplete
	success, err := fields.boolean(kind, "success")
	if err != nil {
		return nil, err
	}
	answer, err := fields.str(kind, "answer")
	if err != nil {
		return nil, err
	}
	if success {
		if err := p.check(kind, answerInput{Answer: answer}); err != nil {
			return nil, err
		}
	}
	upstreamErr, err := fields.str(kind, "error")
	if err != nil {
		return nil, err
	}
	if !success && upstreamErr == "" {
		upstreamErr = DefaultUpstreamError
	}
	meta, err := p.answerMeta(kind, fields)
	if err != nil {
		return nil, err
	}

	ev := relay.StreamingComplete{
		Success:        success,
		Answer:         answer,
		Model:          meta.Model,
		ElapsedSeconds: meta.ElapsedSeconds,
		TokensUsed:     meta.TokensUsed,
		MessageID:      meta.MessageID,
		Timestamp:      meta.Timestamp,
	}
	if !success {
		ev.Error = upstreamErr
	}
	return ev, nil
}

func (p *Parser) parseAnswer(fields payload) (relay.Event, error) {
	kind := relay.KindAnswer
	answer, err := fields.str(kind, "answer")
	if err != nil {
		return nil, err
	}
	if err := p.check(kind, answerInput{Answer: answer}); err != nil {
		return nil, err
	}
	record, err := p.answerMeta(kind, fields)
	if err != nil {
		return nil, err
	}
	record.Text = answer
	return relay.Answer{AnswerRecord: record}, nil
}

// answerMeta collects the optional fields shared by answers and completions.
func (p *Parser) answerMeta(kind relay.Kind, fields payload) (relay.AnswerRecord, error) {
	model, err := fields.str(kind, "model")
	if err != nil {
		return relay.AnswerRecord{}, err
	}
	id, err := fields.str(kind, "messageId", "message_id")
	if err != nil {
		return relay.AnswerRecord{}, err
	}
	elapsed, err := fields.optionalFloat(kind, "elapsedSeconds", "elapsed_seconds")
	if err != nil {
		return relay.AnswerRecord{}, err
	}
	tokens, err := fields.optionalInt(kind, "tokensUsed", "tokens_used")
	if err != nil {
		return relay.AnswerRecord{}, err
	}
	return relay.AnswerRecord{
		Timestamp:      p.timestamp(fields),
		Model:          model,
		ElapsedSeconds: elapsed,
		TokensUsed:     tokens,
		MessageID:      id,
	}, nil
}

func (p *Parser) check(kind relay.Kind, input any) error {
	err := p.validate.Struct(input)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Kind: kind, Field: "body", Reason: err.Error()}
	}
	first := verrs[0]
	return &ValidationError{Kind: kind, Field: first.Field(), Reason: describeRule(first)}
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q rule", fe.Tag())
	}
}

// timestamp keeps the producer's timestamp verbatim; the original producer
// emits naive ISO strings that do not parse as RFC 3339.
func (p *Parser) timestamp(fields payload) string {
	raw, ok := fields.lookup("timestamp")
	if !ok {
		return p.now().UTC().Format(time.RFC3339Nano)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
		return p.now().UTC().Format(time.RFC3339Nano)
	}
	return strings.TrimSpace(string(raw))
}

// payload is a decoded JSON object whose values are typed lazily so that both
// camelCase and snake_case producers are accepted.
type payload map[string]json.RawMessage

// lookup returns the first present, non-null value among keys.
func (f payload) lookup(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := f[key]
		if !ok {
			continue
		}
		if string(raw) == "null" {
			continue
		}
		return raw, true
	}
	return nil, false
}

func (f payload) str(kind relay.Kind, keys ...string) (string, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Kind: kind, Field: keys[0], Reason: "must be a string"}
	}
	return s, nil
}

func (f payload) boolean(kind relay.Kind, keys ...string) (bool, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, perr := strconv.ParseBool(strings.TrimSpace(s)); perr == nil {
			return parsed, nil
		}
	}
	return false, &ValidationError{Kind: kind, Field: keys[0], Reason: "must be a boolean"}
}

// text returns a string value as-is and any other JSON value as its raw text.
func (f payload) text(keys ...string) string {
	raw, ok := f.lookup(keys...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// flag is the lenient form of boolean: numbers are true when non-zero and
// anything uncoercible is false.
func (f payload) flag(keys ...string) bool {
	if b, err := f.boolean("", keys...); err == nil {
		return b
	}
	raw, _ := f.lookup(keys...)
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num != 0
	}
	return false
}

// integer coerces JSON numbers and numeric strings; absent means zero.
func (f payload) integer(kind relay.Kind, keys ...string) (int, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return 0, nil
	}
	n, ok := coerceInt(raw)
	if !ok {
		return 0, &ValidationError{Kind: kind, Field: keys[0], Reason: "must be an integer"}
	}
	return n, nil
}

func (f payload) optionalInt(kind relay.Kind, keys ...string) (*int, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return nil, nil
	}
	n, ok := coerceInt(raw)
	if !ok {
		return nil, &ValidationError{Kind: kind, Field: keys[0], Reason: "must be an integer"}
	}
	return &n, nil
}

func (f payload) optionalFloat(kind relay.Kind, keys ...string) (*float64, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return nil, nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &ValidationError{Kind: kind, Field: keys[0], Reason: "must be a number"}
	}
	return &v, nil
}

func coerceInt(raw json.RawMessage) (int, bool) {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num != math.Trunc(num) || math.Abs(num) > math.MaxInt32 {
			return 0, false
		}
		return int(num), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
