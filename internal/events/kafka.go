package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var ErrPublisherFull = errors.New("event queue full")

var errPublisherClosed = errors.New("event publisher closed")

const (
	defaultQueueSize    = 1024
	defaultWriteTimeout = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by aggregate id. The hash balancer maps a
// key to one partition, and a single worker writes queued events in publish
// order, so events of one session or sale stay ordered. Publish only queues;
// a slow or unreachable broker never holds up the command that published.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan queuedEvent
	done   chan struct{}
}

type queuedEvent struct {
	eventType string
	msg       kafka.Message
}

type KafkaOption func(*KafkaPublisher)

func WithKafkaLogger(logger *zap.Logger) KafkaOption {
	return func(p *KafkaPublisher) { p.logger = logger }
}

// WithQueueSize sets how many events may wait for the broker before Publish
// starts returning ErrPublisherFull.
func WithQueueSize(n int) KafkaOption {
	return func(p *KafkaPublisher) {
		if n > 0 {
			p.queue = make(chan queuedEvent, n)
		}
	}
}

func NewKafkaPublisher(brokers []string, topic string, opts ...KafkaOption) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, opts...)
}

func newKafkaPublisher(w messageWriter, opts ...KafkaOption) *KafkaPublisher {
	p := &KafkaPublisher{
		writer:  w,
		timeout: defaultWriteTimeout,
		logger:  zap.NewNop(),
		queue:   make(chan queuedEvent, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	return p
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := event.Encode()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "tenant_id", Value: []byte(event.TenantID)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPublisherClosed
	}
	select {
	case p.queue <- queuedEvent{eventType: event.Type, msg: msg}:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s %s", ErrPublisherFull, event.Type, event.Key)
	}
}

func (p *KafkaPublisher) run() {
	defer close(p.done)
	for queued := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.writer.WriteMessages(ctx, queued.msg)
		cancel()
		if err != nil {
			p.logger.Warn("event write failed",
				zap.String("type", queued.eventType),
				zap.ByteString("key", queued.msg.Key),
				zap.Error(err),
			)
		}
	}
}

// Close stops accepting events, writes what is still queued and closes the
// writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}
