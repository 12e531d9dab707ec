package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
	gate     chan struct{}
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func TestKafkaPublisherWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)

	err := p.Publish(context.Background(), Event{
		Type: SaleFinalized, Key: "sale-1", TenantID: "t1", OperatorID: "op1",
		Payload: map[string]int{"total": 2350},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, w.closed)

	messages := w.written()
	require.Len(t, messages, 1)
	msg := messages[0]
	assert.Equal(t, "sale-1", string(msg.Key))
	assert.Equal(t, kafka.Header{Key: "event_type", Value: []byte(SaleFinalized)}, msg.Headers[0])

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, SaleFinalized, decoded["type"])
	assert.Equal(t, float64(2350), decoded["payload"].(map[string]any)["total"])
}

func TestKafkaPublisherKeepsPublishOrder(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w)

	for _, eventType := range []string{SessionOpened, SaleFinalized, SessionClosed} {
		require.NoError(t, p.Publish(context.Background(), Event{Type: eventType, Key: "cs-1"}))
	}
	require.NoError(t, p.Close())

	var got []string
	for _, msg := range w.written() {
		got = append(got, string(msg.Headers[0].Value))
	}
	assert.Equal(t, []string{SessionOpened, SaleFinalized, SessionClosed}, got)
}

func TestKafkaPublisherDoesNotWaitForBroker(t *testing.T) {
	w := &fakeWriter{gate: make(chan struct{})}
	p := newKafkaPublisher(w, WithQueueSize(1))

	start := time.Now()
	require.NoError(t, p.Publish(context.Background(), Event{Type: SaleFinalized, Key: "sale-1"}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	// the worker holds sale-1; one more fits the queue, the next is dropped
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Publish(context.Background(), Event{Type: SaleFinalized, Key: "sale-2"}))
	err := p.Publish(context.Background(), Event{Type: SaleFinalized, Key: "sale-3"})
	assert.ErrorIs(t, err, ErrPublisherFull)

	close(w.gate)
	require.NoError(t, p.Close())
	assert.Len(t, w.written(), 2)
}

func TestKafkaPublisherLogsWriteError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	p := newKafkaPublisher(&fakeWriter{err: errors.New("broker down")}, WithKafkaLogger(zap.New(core)))

	require.NoError(t, p.Publish(context.Background(), Event{Type: SessionOpened, Key: "cs-1"}))
	require.NoError(t, p.Close())

	entries := logs.FilterMessage("event write failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, SessionOpened, entries[0].ContextMap()["type"])
}

func TestKafkaPublisherRejectsAfterClose(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{})
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Error(t, p.Publish(context.Background(), Event{Type: SessionOpened}))
}

func TestNewKafkaPublisherBalancesByKey(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "register-events")
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, "register-events", w.Topic)
	assert.LessOrEqual(t, w.BatchTimeout, 10*time.Millisecond)
}
