package jobs

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

type Message struct {
	Type      StreamMessageType `json:"type"`
	Entry     string            `json:"entry,omitempty"`
	Data      string            `json:"data,omitempty"`
	Bytes     int64             `json:"bytes,omitempty"`
	Success   *bool             `json:"success,omitempty"`
	Code      string            `json:"code,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Subscriber struct {
	ID     string
	Writer io.Writer
}

// Broadcaster fans a job's stream out to SSE subscribers. Late subscribers
// are replayed the entry and completion history; progress ticks are not
// kept.
type Broadcaster struct {
	jobID        string
	subscribers  map[string]*Subscriber
	messageLog   []Message
	mu           sync.Mutex
	completed    bool
	completeOnce sync.Once
	logger       *logging.Logger
}

func NewBroadcaster(jobID string, logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broadcaster{
		jobID:       jobID,
		subscribers: make(map[string]*Subscriber),
		messageLog:  make([]Message, 0, 64),
		logger:      logger,
	}
}

func (b *Broadcaster) Subscribe(subscriberID string, writer io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[subscriberID] = &Subscriber{
		ID:     subscriberID,
		Writer: writer,
	}
	for _, msg := range b.messageLog {
		writeMessage(writer, msg)
	}

	b.logger.Debug("stream subscriber joined",
		zap.String("job_id", b.jobID),
		zap.String("subscriber_id", subscriberID),
		zap.Int("replayed", len(b.messageLog)),
	)
}

func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, subscriberID)
	b.logger.Debug("stream subscriber left",
		zap.String("job_id", b.jobID),
		zap.String("subscriber_id", subscriberID),
		zap.Int("remaining", len(b.subscribers)),
	)
}

func (b *Broadcaster) Broadcast(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.completed {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type != StreamTypeProgress {
		b.messageLog = append(b.messageLog, msg)
	}
	for _, sub := range b.subscribers {
		writeMessage(sub.Writer, msg)
	}
}

// Complete sends the terminal message. Later calls are ignored.
func (b *Broadcaster) Complete(success bool, code, message string) {
	b.completeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.completed = true
		msgType := StreamTypeComplete
		if !success && code == "" {
			msgType = StreamTypeError
		}
		msg := Message{
			Type:      msgType,
			Data:      message,
			Success:   &success,
			Code:      code,
			Timestamp: time.Now(),
		}
		b.messageLog = append(b.messageLog, msg)
		for _, sub := range b.subscribers {
			writeMessage(sub.Writer, msg)
		}

		b.logger.Debug("job stream completed",
			zap.String("job_id", b.jobID),
			zap.Bool("success", success),
			zap.Int("subscribers", len(b.subscribers)),
		)
	})
}

func writeMessage(writer io.Writer, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := writer.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
		return
	}

	if flusher, ok := writer.(interface{ Flush() }); ok {
		defer func() { _ = recover() }()
		flusher.Flush()
	}
}
