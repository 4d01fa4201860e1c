package pubsub

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// MaxNotifyPayload is the largest NOTIFY payload in bytes. PostgreSQL
	// requires payloads shorter than 8000 bytes.
	MaxNotifyPayload = 7999

	// maxChannelLen is NAMEDATALEN-1; longer LISTEN channels are truncated by the server.
	maxChannelLen = 63
)

// Postgres is a broker that uses PostgreSQL's LISTEN/NOTIFY for pub/sub.
// It's suitable for tests spanning several processes connected to the same
// database.
//
// Payloads travel as NOTIFY text, so they must be valid UTF-8 without NUL
// bytes (JSON is fine). Messages are lost if no subscribers are listening.
type Postgres struct {
	pool      *pgxpool.Pool
	mu        sync.RWMutex
	listeners map[string]*topicListener
	closed    bool
	stats     *counters
	log       *logrus.Entry
}

// topicListener manages all subscriptions for a single topic.
type topicListener struct {
	topic    string
	channel  string
	handlers []*handler
	cancel   context.CancelFunc
	mu       sync.RWMutex
}

// handler represents a single subscriber's queue and context.
type handler struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue
}

// NewPostgres creates a new Postgres broker using the provided connection pool.
// The pool must remain open for the lifetime of the broker.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		pool:      pool,
		listeners: make(map[string]*topicListener),
		stats:     newCounters("postgres"),
		log:       logrus.WithField("component", "pubsub.postgres"),
	}
}

// ChannelName maps a topic to a NOTIFY channel. Topics longer than the
// PostgreSQL identifier limit keep a prefix and get an FNV-1a suffix.
func ChannelName(topic string) string {
	if len(topic) <= maxChannelLen {
		return topic
	}
	h := fnv.New64a()
	h.Write([]byte(topic))
	suffix := fmt.Sprintf("_%016x", h.Sum64())
	cut := maxChannelLen - len(suffix)
	for cut > 0 && !utf8.RuneStart(topic[cut]) {
		cut--
	}
	return topic[:cut] + suffix
}

// Publish sends a message to all subscribers of the topic across all processes.
func (p *Postgres) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}

	if len(payload) > MaxNotifyPayload {
		return fmt.Errorf("%w: %d bytes exceeds NOTIFY limit of %d bytes", ErrPayloadTooLarge, len(payload), MaxNotifyPayload)
	}

	_, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelName(topic), string(payload))
	return err
}

// Subscribe registers a handler for the specified topic.
// It creates a dedicated PostgreSQL connection with LISTEN for this topic
// if one doesn't already exist. Multiple handlers for the same topic share
// a single LISTEN connection.
func (p *Postgres) Subscribe(ctx context.Context, topic string, fn func([]byte), opts ...SubscribeOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	o := applySubscribeOptions(opts)
	handlerCtx, cancel := context.WithCancel(ctx)
	h := &handler{
		ctx:    handlerCtx,
		cancel: cancel,
		queue:  newQueue(o.qos, fn),
	}

	tl, exists := p.listeners[topic]
	if !exists {
		var err error
		tl, err = p.createTopicListener(ctx, topic)
		if err != nil {
			cancel()
			h.queue.close()
			return fmt.Errorf("failed to create listener for topic %q: %w", topic, err)
		}
		p.listeners[topic] = tl
	}

	tl.mu.Lock()
	tl.handlers = append(tl.handlers, h)
	tl.mu.Unlock()

	go p.watchHandler(topic, h)

	return nil
}

// Stats returns counters over every local subscription of the broker.
func (p *Postgres) Stats() Stats {
	return p.stats.snapshot()
}

// Metrics exposes the broker's sample counters for scraping or inspection.
func (p *Postgres) Metrics() prometheus.Gatherer {
	return p.stats.registry
}

// createTopicListener creates a new listener for a topic with a dedicated connection.
func (p *Postgres) createTopicListener(ctx context.Context, topic string) (*topicListener, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	listenerCtx, cancel := context.WithCancel(context.Background())

	tl := &topicListener{
		topic:   topic,
		channel: ChannelName(topic),
		cancel:  cancel,
	}

	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{tl.channel}.Sanitize())
	if err != nil {
		conn.Release()
		cancel()
		return nil, err
	}

	go p.listen(listenerCtx, tl, conn)

	return tl, nil
}

// listen waits for notifications and queues them for every handler.
func (p *Postgres) listen(ctx context.Context, tl *topicListener, conn *pgxpool.Conn) {
	defer conn.Release()
	defer tl.cancel()

	log := p.log.WithField("topic", tl.topic)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Listener stopped")
				// Drop the connection rather than return it with LISTEN active.
				conn.Conn().Close(context.Background())
			}
			return
		}

		tl.mu.RLock()
		handlers := make([]*handler, len(tl.handlers))
		copy(handlers, tl.handlers)
		tl.mu.RUnlock()

		payload := []byte(notification.Payload)

		for _, h := range handlers {
			if h.ctx.Err() != nil {
				continue
			}
			res, err := h.queue.push(h.ctx, payload)
			p.stats.record(res)
			if res == pushDropped {
				log.Warn("Best-effort subscriber queue full, sample dropped")
			}
			if err != nil && h.ctx.Err() == nil {
				log.WithError(err).Error("Failed to queue notification")
			}
		}
	}
}

// watchHandler monitors a handler's context and removes it when done.
func (p *Postgres) watchHandler(topic string, h *handler) {
	<-h.ctx.Done()
	p.removeHandler(topic, h)
}

// removeHandler removes a specific handler from a topic.
func (p *Postgres) removeHandler(topic string, target *handler) {
	target.queue.close()

	p.mu.Lock()
	defer p.mu.Unlock()

	tl, exists := p.listeners[topic]
	if !exists {
		return
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	for i, h := range tl.handlers {
		if h == target {
			tl.handlers = append(tl.handlers[:i:i], tl.handlers[i+1:]...)
			break
		}
	}

	// If no more handlers, stop the listener
	if len(tl.handlers) == 0 {
		tl.cancel()
		delete(p.listeners, topic)
	}
}

// Close stops all listeners and prevents new subscriptions.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.closed = true

	for _, tl := range p.listeners {
		tl.cancel()
		tl.mu.Lock()
		for _, h := range tl.handlers {
			h.cancel()
			h.queue.close()
		}
		tl.mu.Unlock()
	}

	p.listeners = make(map[string]*topicListener)

	return nil
}
