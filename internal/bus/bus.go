// Package bus is the in-process topic fan-out: handler callbacks invoked
// inline on publish, plus bounded per-subscriber queues drained by the
// streaming egress. Handlers are registered explicitly at startup;
// wildcard delivery is a registration option, not a publish-time sentinel.
package bus

import (
	"log"
	"os"
	"sync"
)

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Message is one published event as subscribers see it.
type Message map[string]interface{}

// Handler receives (topic, message) inline on the publisher's goroutine.
// Handlers must not block; anything slow belongs behind a queue.
type Handler func(topic string, msg Message)

// Queue is a per-subscriber bounded channel. When full, the oldest
// message is dropped so a stalled consumer cannot wedge the publisher.
type Queue struct {
	ch chan Message
}

// C is the receive side of the queue.
func (q *Queue) C() <-chan Message { return q.ch }

const defaultQueueDepth = 256

// Bus maps topics to handlers and subscriber queues.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	queues   map[string][]*Queue
	depth    int
	logger   *log.Logger
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		queues:   make(map[string][]*Queue),
		depth:    defaultQueueDepth,
		logger:   log.New(os.Stdout, "[Bus] ", log.LstdFlags),
	}
}

// RegisterHandler attaches fn to topic. Use Wildcard to receive every
// publish regardless of topic.
func (b *Bus) RegisterHandler(topic string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], fn)
}

// Subscribe allocates a fresh bounded queue registered for topic.
func (b *Bus) Subscribe(topic string) *Queue {
	q := &Queue{ch: make(chan Message, b.depth)}
	b.mu.Lock()
	b.queues[topic] = append(b.queues[topic], q)
	b.mu.Unlock()
	return q
}

// Unsubscribe removes the queue from topic. Safe to call once after the
// consumer is done; pending messages are discarded with the queue.
func (b *Bus) Unsubscribe(topic string, q *Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.queues[topic]
	for i, s := range subs {
		if s == q {
			b.queues[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every queue registered for exactly topic, then
// invokes topic handlers and wildcard handlers. Delivery iterates a
// snapshot of the subscriber list so concurrent (un)subscription never
// races the fan-out; per-topic order is preserved per subscriber because
// the enqueue happens on the publisher's goroutine.
func (b *Bus) Publish(topic string, msg Message) {
	b.mu.RLock()
	queues := make([]*Queue, len(b.queues[topic]))
	copy(queues, b.queues[topic])
	handlers := make([]Handler, 0, len(b.handlers[topic])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[topic]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, q := range queues {
		select {
		case q.ch <- msg:
		default:
			// Full: drop the oldest so the newest is never lost.
			select {
			case <-q.ch:
			default:
			}
			select {
			case q.ch <- msg:
			default:
			}
			b.logger.Printf("queue full on %s, dropped oldest", topic)
		}
	}

	for _, fn := range handlers {
		fn(topic, msg)
	}
}

// SubscriberCount reports the number of queues registered for topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.queues[topic])
}
