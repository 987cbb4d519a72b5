// Package broker adapts message brokers with different delivery models to one
// contract.
//
// Every broker follows the same lifecycle:
//
//	b.Connect(ctx)                  // idempotent
//	b.Subscribe(ctx, topic, handle) // any number, before Listen
//	b.Listen(ctx)                   // starts delivery
//	b.Publish(ctx, topic, msg)      // any time after Connect
//	b.Close(ctx)
//
// Supported protocols: redis (direct publish/subscribe, no persistence or
// acknowledgement), amqp 0.9.1 (acknowledged channel delivery), kafka
// (consumer-group topics) and memory (in-process publish/subscribe).
package broker

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/apifactory/core/failure"
)

// Protocol tags.
const (
	ProtocolRedis  = "redis"
	ProtocolAMQP   = "amqp"
	ProtocolKafka  = "kafka"
	ProtocolMemory = "memory"
)

var (
	// ErrNotConnected is returned when a broker is used before Connect.
	ErrNotConnected = errors.New("broker not connected")

	// ErrListening is returned by Subscribe once delivery has started.
	ErrListening = errors.New("broker already listening")

	// ErrClosed is returned by any call after Close.
	ErrClosed = errors.New("broker closed")
)

// MessageHandler receives the raw text of one delivered message.
type MessageHandler func(ctx context.Context, message string)

// Broker is the uniform contract over every supported message broker.
type Broker interface {
	Protocol() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic, message string) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Listen(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options configures a broker.
type Options struct {
	// URL is the resolved server URL, e.g. redis://localhost:6379/.
	URL string

	// ProtocolVersion selects the wire version where a protocol has several.
	ProtocolVersion string

	// GroupID is the consumer group for consumer-group brokers.
	GroupID string

	Logger zerolog.Logger
}

// New creates an unconnected broker for a protocol tag.
func New(protocol string, opts Options) (Broker, error) {
	opts.Logger = opts.Logger.With().Str("protocol", protocol).Str("broker", redact(opts.URL)).Logger()

	switch protocol {
	case ProtocolRedis, "rediss":
		return newRedis(opts)
	case ProtocolAMQP, "amqps":
		return newAMQP(opts)
	case ProtocolKafka, "kafka-secure":
		return newKafka(opts)
	case ProtocolMemory:
		return NewMemory(opts.Logger), nil
	default:
		return nil, failure.Configuration("unsupported server protocol: %s", protocol)
	}
}

// redact strips credentials from a URL for logging.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

// topics tracks subscriptions and the lifecycle flags shared by every
// variant.
type topics struct {
	mu        sync.RWMutex
	handlers  map[string][]MessageHandler
	order     []string
	connected bool
	listening bool
	closed    bool
}

func newTopics() *topics {
	return &topics{handlers: make(map[string][]MessageHandler)}
}

// add records a handler. It fails once listening has started or the broker
// has been closed.
func (t *topics) add(topic string, h MessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closed:
		return ErrClosed
	case !t.connected:
		return ErrNotConnected
	case t.listening:
		return ErrListening
	}
	if _, ok := t.handlers[topic]; !ok {
		t.order = append(t.order, topic)
	}
	t.handlers[topic] = append(t.handlers[topic], h)
	return nil
}

// names returns subscribed topics in subscription order.
func (t *topics) names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

// dispatch invokes every handler of a topic in subscription order.
func (t *topics) dispatch(ctx context.Context, topic, message string) int {
	t.mu.RLock()
	handlers := t.handlers[topic]
	t.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, message)
	}
	return len(handlers)
}

// beginConnect reports whether Connect still has work to do.
func (t *topics) beginConnect() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	return !t.connected, nil
}

func (t *topics) markConnected() {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
}

// beginListen flips the listening flag. started is false when Listen was
// already called.
func (t *topics) beginListen() (started bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return false, ErrClosed
	case !t.connected:
		return false, ErrNotConnected
	case t.listening:
		return false, nil
	}
	t.listening = true
	return true, nil
}

func (t *topics) checkPublish() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.closed:
		return ErrClosed
	case !t.connected:
		return ErrNotConnected
	}
	return nil
}

// beginClose marks the broker closed. It returns false when already closed.
func (t *topics) beginClose() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.closed = true
	return true
}

func (t *topics) isListening() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.listening
}

// workers runs each topic's handlers on a goroutine of its own, fed by an
// unbounded queue, so a slow topic never holds up the delivery loop or the
// other topics. Messages keep their arrival order within a topic.
type workers struct {
	topics *topics
	queues map[string]*queue
	wg     sync.WaitGroup
}

type queue struct {
	mu      sync.Mutex
	pending []string
	closed  bool
	wake    chan struct{}
}

// startWorkers starts one worker per subscribed topic. Handlers receive ctx.
func (t *topics) startWorkers(ctx context.Context) *workers {
	w := &workers{topics: t, queues: make(map[string]*queue)}
	for _, name := range t.names() {
		q := &queue{wake: make(chan struct{}, 1)}
		w.queues[name] = q
		w.wg.Add(1)
		go w.run(ctx, name, q)
	}
	return w
}

// deliver queues a message for its topic. It reports false for a topic
// nobody subscribed to or after stop.
func (w *workers) deliver(topic, message string) bool {
	q, ok := w.queues[topic]
	if !ok {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, message)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *workers) run(ctx context.Context, topic string, q *queue) {
	defer w.wg.Done()
	for {
		q.mu.Lock()
		batch, closed := q.pending, q.closed
		q.pending = nil
		q.mu.Unlock()

		for _, msg := range batch {
			w.topics.dispatch(ctx, topic, msg)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// stop refuses new messages, lets every worker drain its queue and waits for
// them to return.
func (w *workers) stop() {
	if w == nil {
		return
	}
	for _, q := range w.queues {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	w.wg.Wait()
}
