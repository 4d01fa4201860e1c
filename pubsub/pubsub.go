// Package pubsub provides the publish-subscribe transport used by endpoints.
//
// The package defines low-level interfaces for publishing and subscribing to
// topics with []byte payloads. Each subscription has its own bounded queue
// drained by a single goroutine, so a subscriber sees samples in the order
// they were published. What happens when the queue is full is decided by the
// subscription's QoS.
//
// Two implementations are provided:
//   - InMemory: single-process pub/sub
//   - Postgres: LISTEN/NOTIFY-based, multi-process pub/sub
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed broker.
	ErrClosed = errors.New("pubsub: broker is closed")

	// ErrPayloadTooLarge is returned when a payload exceeds the transport limit.
	ErrPayloadTooLarge = errors.New("pubsub: payload too large")
)

// DefaultDepth is the queue depth used when a QoS leaves it unset.
const DefaultDepth = 16

// Reliability says whether a sample may be dropped without a reported failure.
type Reliability int

const (
	// BestEffort samples are dropped when a subscriber cannot keep up.
	BestEffort Reliability = iota
	// Reliable samples are never dropped silently.
	Reliable
)

func (r Reliability) String() string {
	switch r {
	case BestEffort:
		return "best_effort"
	case Reliable:
		return "reliable"
	default:
		return fmt.Sprintf("reliability(%d)", int(r))
	}
}

// ParseReliability accepts the names produced by Reliability.String.
func ParseReliability(s string) (Reliability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reliable":
		return Reliable, nil
	case "best_effort", "besteffort", "best-effort":
		return BestEffort, nil
	default:
		return 0, fmt.Errorf("pubsub: unknown reliability %q", s)
	}
}

// MarshalText encodes r by name, so peers stored as JSON stay readable.
func (r Reliability) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText lets configuration and JSON set a Reliability by name.
func (r *Reliability) UnmarshalText(b []byte) error {
	v, err := ParseReliability(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Compatible reports whether a writer offering offered can serve a reader
// requesting requested. A reliable request needs a reliable offer.
func Compatible(offered, requested Reliability) bool {
	return offered >= requested
}

// HistoryKind decides what a reliable subscription does with a full queue.
type HistoryKind int

const (
	// KeepAll blocks the publisher until the subscriber makes room.
	KeepAll HistoryKind = iota
	// KeepLast replaces the oldest queued sample.
	KeepLast
)

func (h HistoryKind) String() string {
	switch h {
	case KeepAll:
		return "keep_all"
	case KeepLast:
		return "keep_last"
	default:
		return fmt.Sprintf("history(%d)", int(h))
	}
}

// ParseHistoryKind accepts the names produced by HistoryKind.String.
func ParseHistoryKind(s string) (HistoryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keep_all", "keepall", "keep-all":
		return KeepAll, nil
	case "keep_last", "keeplast", "keep-last":
		return KeepLast, nil
	default:
		return 0, fmt.Errorf("pubsub: unknown history kind %q", s)
	}
}

// UnmarshalText lets configuration set a HistoryKind by name.
func (h *HistoryKind) UnmarshalText(b []byte) error {
	v, err := ParseHistoryKind(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// QoS holds the delivery settings of a subscription.
type QoS struct {
	Reliability Reliability
	History     HistoryKind
	// Depth is the queue size. Zero means DefaultDepth.
	Depth int
}

// DefaultQoS is reliable, keep-all delivery with DefaultDepth.
func DefaultQoS() QoS {
	return QoS{Reliability: Reliable, History: KeepAll, Depth: DefaultDepth}
}

func (q QoS) depth() int {
	if q.Depth <= 0 {
		return DefaultDepth
	}
	return q.Depth
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	qos QoS
}

// WithQoS sets the delivery settings of a subscription.
// Default: DefaultQoS
func WithQoS(qos QoS) SubscribeOption {
	return func(o *subscribeOptions) {
		o.qos = qos
	}
}

func applySubscribeOptions(opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{qos: DefaultQoS()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Publisher publishes messages to topics.
type Publisher interface {
	// Publish sends a message to the specified topic.
	// The payload is queued for every active subscriber. A reliable,
	// keep-all subscriber with a full queue makes Publish wait until there is
	// room or ctx is done.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Close releases any resources held by the publisher.
	Close() error
}

// Subscriber subscribes to topics and receives messages via handlers.
type Subscriber interface {
	// Subscribe registers a handler for the specified topic.
	// The handler is called from one goroutine per subscription, in publish
	// order. Multiple subscribers to the same topic each receive a copy of
	// every message.
	//
	// The subscription remains active until the context is canceled or Close is called.
	Subscribe(ctx context.Context, topic string, handler func([]byte), opts ...SubscribeOption) error

	// Close releases any resources held by the subscriber and stops all handlers.
	Close() error
}

// Broker combines Publisher and Subscriber interfaces.
// Most implementations provide both capabilities.
type Broker interface {
	Publisher
	Subscriber
}
