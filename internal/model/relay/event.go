package relay

// Kind 标识一个事件的类型，与 webhook 中的 type 字段一致。
type Kind string

const (
	KindProcessing        Kind = "processing"
	KindQueueStatus       Kind = "queue_status"
	KindStreamingChunk    Kind = "streaming_chunk"
	KindStreamingComplete Kind = "streaming_complete"
	KindAnswer            Kind = "answer"
)

// ContentType routes a streaming chunk to one of the viewer buffers.
type ContentType string

const (
	ContentReasoning ContentType = "reasoning"
	ContentAnswer    ContentType = "answer"
	ContentError     ContentType = "error"
	ContentSearching ContentType = "searching"
)

// Search markers carried by chunks of type ContentSearching.
const (
	SearchStarted  = "searching"
	SearchFinished = "done"
)

// Event is one of Processing, StreamingChunk, StreamingComplete, Answer or
// QueueStatus. The set is closed; switch on the concrete type.
type Event interface {
	Kind() Kind
	isEvent()
}

// Processing marks the start of a request.
type Processing struct {
	MessageID string `json:"messageId,omitempty"`
	Streaming bool   `json:"streaming"`
	Timestamp string `json:"timestamp"`
}

// StreamingChunk is one incremental piece of a streamed answer.
type StreamingChunk struct {
	Content     string      `json:"content"`
	ContentType ContentType `json:"contentType"`
	MessageID   string      `json:"messageId,omitempty"`
	Timestamp   string      `json:"timestamp"`
}

// StreamingComplete terminates a streamed request, successfully or not.
type StreamingComplete struct {
	Success        bool     `json:"success"`
	Answer         string   `json:"answer,omitempty"`
	Error          string   `json:"error,omitempty"`
	Model          string   `json:"model,omitempty"`
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`
	TokensUsed     *int     `json:"tokensUsed,omitempty"`
	MessageID      string   `json:"messageId,omitempty"`
	Timestamp      string   `json:"timestamp"`
}

// Record converts a successful completion into the answer it finalizes.
func (e StreamingComplete) Record() AnswerRecord {
	return AnswerRecord{
		Text:           e.Answer,
		Timestamp:      e.Timestamp,
		Model:          e.Model,
		ElapsedSeconds: e.ElapsedSeconds,
		TokensUsed:     e.TokensUsed,
		MessageID:      e.MessageID,
	}
}

// Answer is the terminal event of the non-streaming path.
type Answer struct {
	AnswerRecord
}

// QueueStatus reports how many captures are waiting upstream.
type QueueStatus struct {
	QueueSize int    `json:"queueSize"`
	Timestamp string `json:"timestamp"`
}

// AnswerRecord is a finalized answer. Values are never mutated after
// construction; holders replace the whole record.
type AnswerRecord struct {
	Text           string   `json:"answer"`
	Timestamp      string   `json:"timestamp"`
	Model          string   `json:"model,omitempty"`
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`
	TokensUsed     *int     `json:"tokensUsed,omitempty"`
	MessageID      string   `json:"messageId"`
}

func (Processing) Kind() Kind        { return KindProcessing }
func (StreamingChunk) Kind() Kind    { return KindStreamingChunk }
func (StreamingComplete) Kind() Kind { return KindStreamingComplete }
func (Answer) Kind() Kind            { return KindAnswer }
func (QueueStatus) Kind() Kind       { return KindQueueStatus }

func (Processing) isEvent()        {}
func (StreamingChunk) isEvent()    {}
func (StreamingComplete) isEvent() {}
func (Answer) isEvent()            {}
func (QueueStatus) isEvent()       {}

// MessageID returns the correlation id carried by ev, or "" for events that
// are not tied to a request.
func MessageID(ev Event) string {
	switch e := ev.(type) {
	case Processing:
		return e.MessageID
	case StreamingChunk:
		return e.MessageID
	case StreamingComplete:
		return e.MessageID
	case Answer:
		return e.MessageID
	default:
		return ""
	}
}
