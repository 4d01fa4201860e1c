package pubsub

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// InMemory is an in-process broker.
// It's suitable for single-process tests and development.
// Messages are not persisted and are lost if no subscribers are active.
type InMemory struct {
	mu       sync.RWMutex
	subs     map[string][]*subscription
	closed   bool
	closedCh chan struct{}
	stats    *counters
	log      *logrus.Entry
}

// subscription represents a single subscriber's queue and context.
type subscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue
}

// NewInMemory creates a new in-memory broker.
func NewInMemory() *InMemory {
	return &InMemory{
		subs:     make(map[string][]*subscription),
		closedCh: make(chan struct{}),
		stats:    newCounters("inmemory"),
		log:      logrus.WithField("component", "pubsub.inmemory"),
	}
}

// Publish queues a message for every subscriber of the topic.
// If no subscribers exist, the message is dropped.
func (m *InMemory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscription, len(m.subs[topic]))
	copy(subs, m.subs[topic])
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(subs) == 0 {
		return nil
	}

	// Copy payload so the caller can reuse its buffer
	payloadCopy := make([]byte, len(payload))
	copy(payloadCopy, payload)

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}

		res, err := sub.queue.push(ctx, payloadCopy)
		m.stats.record(res)
		if err != nil {
			return err
		}
		if res == pushDropped {
			m.log.WithField("topic", topic).Warn("Best-effort subscriber queue full, sample dropped")
		}
	}

	return nil
}

// Subscribe registers a handler for the specified topic.
// The subscription remains active until ctx is canceled or Close is called.
func (m *InMemory) Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	o := applySubscribeOptions(opts)
	subCtx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		ctx:    subCtx,
		cancel: cancel,
		queue:  newQueue(o.qos, handler),
	}

	m.subs[topic] = append(m.subs[topic], sub)

	go m.watchSubscription(topic, sub)

	return nil
}

// Stats returns counters over every subscription of the broker.
func (m *InMemory) Stats() Stats {
	return m.stats.snapshot()
}

// Metrics exposes the broker's sample counters for scraping or inspection.
func (m *InMemory) Metrics() prometheus.Gatherer {
	return m.stats.registry
}

// watchSubscription monitors a subscription's context and removes it when done.
func (m *InMemory) watchSubscription(topic string, sub *subscription) {
	select {
	case <-sub.ctx.Done():
		m.removeSubscription(topic, sub)
	case <-m.closedCh:
		sub.cancel()
		sub.queue.close()
	}
}

// removeSubscription removes a specific subscription from a topic.
func (m *InMemory) removeSubscription(topic string, target *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[topic]
	for i, sub := range subs {
		if sub == target {
			m.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	target.queue.close()

	if len(m.subs[topic]) == 0 {
		delete(m.subs, topic)
	}
}

// Close stops all subscriptions and prevents new ones.
func (m *InMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.closed = true
	close(m.closedCh)

	for _, subs := range m.subs {
		for _, sub := range subs {
			sub.cancel()
			sub.queue.close()
		}
	}

	m.subs = make(map[string][]*subscription)

	return nil
}
