package events

import (
	"sync"
	"sync/atomic"

	"github.com/kcaldas/tokenopt/pkg/logging"
)

const defaultTopicBuffer = 256

// EventHandler is a function that handles an event
type EventHandler func(event any)

// Publisher allows publishing events
type Publisher interface {
	Publish(topic string, event any)
}

// Subscriber allows subscribing to events
type Subscriber interface {
	Subscribe(topic string, handler EventHandler)
}

// EventBus provides both publishing and subscribing
type EventBus interface {
	Publisher
	Subscriber
}

// NoOpPublisher drops every event. Used when no bus is wired.
type NoOpPublisher struct{}

func (NoOpPublisher) Publish(string, any) {}

// InMemoryBus delivers events in-process, in order per topic.
type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]EventHandler
	workers     map[string]*topicWorker
	bufferSize  int
	dropped     atomic.Int64
	logger      logging.Logger
}

// NewEventBus creates a new event bus with the default buffer size.
func NewEventBus() *InMemoryBus {
	return NewEventBusWithBuffer(defaultTopicBuffer)
}

// NewEventBusWithBuffer allows configuring the per-topic worker queue size.
// A buffer of at least 1 is enforced.
func NewEventBusWithBuffer(buffer int) *InMemoryBus {
	if buffer < 1 {
		buffer = 1
	}
	return &InMemoryBus{
		subscribers: make(map[string][]EventHandler),
		workers:     make(map[string]*topicWorker),
		bufferSize:  buffer,
		logger:      logging.NewComponentLogger("events"),
	}
}

// Subscribe adds a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish hands the event to the topic worker. It never blocks: when the topic
// queue is full the event is dropped and counted.
func (b *InMemoryBus) Publish(topic string, event any) {
	handlers := b.handlersFor(topic)
	if len(handlers) == 0 {
		return
	}

	worker := b.getOrCreateWorker(topic)
	select {
	case worker.ch <- eventEnvelope{event: event, handlers: handlers}:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event queue full, dropping event", "topic", topic)
	}
}

// DroppedCount returns the number of events dropped due to full queues.
func (b *InMemoryBus) DroppedCount() int64 {
	return b.dropped.Load()
}

// Shutdown drains and stops all topic workers.
func (b *InMemoryBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, w := range b.workers {
		w.stop()
		delete(b.workers, topic)
	}
}

func (b *InMemoryBus) handlersFor(topic string) []EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]EventHandler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	return handlers
}

func (b *InMemoryBus) getOrCreateWorker(topic string) *topicWorker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if worker, ok := b.workers[topic]; ok {
		return worker
	}
	worker := newTopicWorker(b.bufferSize, b.logger)
	b.workers[topic] = worker
	return worker
}

type eventEnvelope struct {
	event    any
	handlers []EventHandler
}

type topicWorker struct {
	ch       chan eventEnvelope
	wg       sync.WaitGroup
	stopOnce sync.Once
	logger   logging.Logger
}

func newTopicWorker(buffer int, logger logging.Logger) *topicWorker {
	w := &topicWorker{
		ch:     make(chan eventEnvelope, buffer),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *topicWorker) run() {
	defer w.wg.Done()
	for env := range w.ch {
		for _, handler := range env.handlers {
			w.deliver(handler, env.event)
		}
	}
}

func (w *topicWorker) deliver(h EventHandler, event any) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("event handler panicked", "panic", r)
		}
	}()
	h(event)
}

func (w *topicWorker) stop() {
	w.stopOnce.Do(func() {
		close(w.ch)
		w.wg.Wait()
	})
}
