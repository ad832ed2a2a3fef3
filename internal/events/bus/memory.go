package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
)

const defaultSubscriberBuffer = 256

// ErrBusClosed is returned when publishing or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus in-process. Each subscriber has its own
// buffered inbox drained by a dedicated goroutine, so delivery order per
// subscriber matches publish order. A full inbox drops the event.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	logger *logger.Logger
	buffer int
	closed bool
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	tokens  []string
	handler EventHandler
	inbox   chan *Event
	done    chan struct{}
	once    sync.Once
	active  atomic.Bool
	dropped atomic.Uint64
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subs:   make(map[*memorySubscription]struct{}),
		logger: log.WithFields(zap.String("component", "memory-bus")),
		buffer: defaultSubscriberBuffer,
	}
}

// Publish delivers an event to every subscription whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	tokens := strings.Split(subject, ".")
	for sub := range b.subs {
		if !sub.active.Load() || !matchTokens(sub.tokens, tokens) {
			continue
		}
		select {
		case sub.inbox <- event:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("Subscriber inbox full, dropping event",
				zap.String("subject", subject),
				zap.String("pattern", sub.subject),
				zap.String("event_type", event.Type),
				zap.Uint64("dropped_total", n))
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		inbox:   make(chan *Event, b.buffer),
		done:    make(chan struct{}),
	}
	sub.active.Store(true)
	b.subs[sub] = struct{}{}
	go sub.run()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates every subscription and rejects further publishes.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.stop()
	}
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.inbox:
			if !s.active.Load() {
				continue
			}
			if err := s.handler(context.Background(), event); err != nil {
				s.bus.logger.Error("Event handler error",
					zap.String("subject", s.subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) stop() {
	s.once.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

// Unsubscribe removes the subscription
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

// matchTokens applies NATS subject matching: "*" matches one token, a
// trailing ">" matches one or more remaining tokens.
func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
