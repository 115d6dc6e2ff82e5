package queue

import (
	"context"
	"sync"

	"github.com/lyzr/conductor/common/logger"
)

// Queue decouples request acceptance from execution. The engine's HTTP layer
// publishes accepted executions; a bounded worker pool consumes them.
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, workers int, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// MemoryQueue is an in-memory queue backed by buffered channels
type MemoryQueue struct {
	topics map[string]chan *Message
	mu     sync.RWMutex
	log    *logger.Logger
}

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string]chan *Message),
		log:    log,
	}
}

func (q *MemoryQueue) topic(name string) chan *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, exists := q.topics[name]
	if !exists {
		ch = make(chan *Message, 1000)
		q.topics[name] = ch
	}
	return ch
}

// Publish publishes a message to a topic. Blocks while the topic buffer is
// full so callers apply backpressure instead of dropping executions.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	select {
	case q.topic(topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe starts a pool of workers consuming a topic
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, workers int, handler MessageHandler) error {
	if workers < 1 {
		workers = 1
	}
	ch := q.topic(topic)

	q.log.Info("subscribing to topic", "topic", topic, "workers", workers)

	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := handler(ctx, msg.Key, msg.Value); err != nil {
						q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
					}
				}
			}
		}()
	}

	return nil
}

// Close closes the queue
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for topic, ch := range q.topics {
		close(ch)
		q.log.Info("closed topic", "topic", topic)
	}
	q.topics = make(map[string]chan *Message)

	return nil
}
