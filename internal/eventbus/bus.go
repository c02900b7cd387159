package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus orchestrates topic-based publish/subscribe messaging between the
// agent runtime collaborators and the remote-access gateway.
type Bus struct {
	logger       *log.Logger
	mu           sync.RWMutex
	subscribers  map[Topic]map[uint64]*Subscription
	topicBuffers map[Topic]int
	nextID       uint64
}

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	defaults := map[Topic]int{
		TopicSessionLifecycle: 256,
		TopicSessionMessage:   512,
		TopicSessionPrompt:    128,
		TopicCronRun:          64,
		TopicWorkflowRun:      64,
	}

	bus := &Bus{
		logger:       log.Default(),
		subscribers:  make(map[Topic]map[uint64]*Subscription),
		topicBuffers: defaults,
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the buffer size for a given topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.topicBuffers[topic] = size
	}
}

// Publish sends the envelope to all subscribers of its topic.
// If b is nil the call is a no-op.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil || env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	subs := b.subscribers[env.Topic]
	for _, sub := range subs {
		sub.deliver(ctx, env, b.logger)
	}
	b.mu.RUnlock()
}

// Subscribe registers a subscriber for the given topic.
// If b is nil the returned Subscription has a closed channel and Close is a no-op.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		ch := make(chan Envelope)
		close(ch)
		done := make(chan struct{})
		close(done)
		sub := &Subscription{ch: ch, done: done}
		sub.closed.Store(true)
		return sub
	}

	cfg := subscriptionConfig{bufferSize: b.topicBuffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := atomic.AddUint64(&b.nextID, 1)
	sub := &Subscription{
		topic: topic,
		id:    id,
		name:  cfg.name,
		ch:    make(chan Envelope, cfg.bufferSize),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[uint64]*Subscription)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}

	return sub
}

// Shutdown closes all subscriptions and empties routing tables.
// If b is nil the call is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			sub.closeLocked()
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext ties the subscription lifecycle to a context.
// When the context is cancelled the subscription is automatically closed.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription represents a consumer listening to a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope
	done  chan struct{} // closed when the subscription is closed

	bus     *Bus
	closed  atomic.Bool
	dropped atomic.Uint64
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Close removes the subscription and closes the channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)

	if s.bus == nil {
		close(s.ch)
		return
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscribers[s.topic]; ok {
		delete(subs, s.id)
	}
	close(s.ch)
}

func (s *Subscription) closeLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	close(s.ch)
}

// deliver sends the envelope without blocking the publisher. A full channel
// drops the oldest buffered event to make room for the newest.
func (s *Subscription) deliver(ctx context.Context, env Envelope, logger *log.Logger) {
	if s.closed.Load() {
		return
	}

	if ctx != nil {
		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	select {
	case s.ch <- env:
		return
	default:
	}

	select {
	case <-s.ch:
		s.recordDrop(logger)
	default:
	}

	select {
	case s.ch <- env:
	default:
		s.recordDrop(logger)
	}
}

func (s *Subscription) recordDrop(logger *log.Logger) {
	count := s.dropped.Add(1)
	if logger != nil {
		name := s.name
		if name == "" {
			name = "subscription"
		}
		logger.Printf("[eventbus] dropped event #%d for %s on topic %s", count, name, s.topic)
	}
}
