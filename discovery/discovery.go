// Package discovery finds the remote readers of a topic.
//
// Readers announce themselves in a Registry with a lease that they keep
// renewing. A writer runs a Watcher that polls the registry and reports
// compatible readers appearing and disappearing to a Handler, on the
// watcher's own goroutine. A reader that crashes stops renewing and drops out
// when its lease expires.
//
// Two registries are provided:
//   - MemoryRegistry: single-process, expiring map
//   - PostgresRegistry: table-backed, shared by several processes
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/erlorenz/matchsync/pubsub"
)

var (
	// ErrClosed is returned when operations are attempted on a closed registry.
	ErrClosed = errors.New("discovery: registry is closed")

	// ErrInvalidLease is returned when a peer is announced without a positive TTL.
	ErrInvalidLease = errors.New("discovery: lease must be positive")
)

// Peer describes an endpoint taking part in a topic.
type Peer struct {
	ID          string             `json:"id"`
	Topic       string             `json:"topic"`
	TypeName    string             `json:"type_name"`
	Reliability pubsub.Reliability `json:"reliability"`
}

// NewPeerID returns a random peer identity.
func NewPeerID() string {
	return uuid.NewString()
}

// Matches reports whether writer can serve reader: same topic and type,
// and the writer's reliability satisfies the reader's.
func Matches(writer, reader Peer) bool {
	return writer.ID != reader.ID &&
		writer.Topic == reader.Topic &&
		writer.TypeName == reader.TypeName &&
		pubsub.Compatible(writer.Reliability, reader.Reliability)
}

// Handler receives match events. Calls come from the discovery goroutine and
// must return quickly.
type Handler interface {
	PeerMatched(peer Peer)
	PeerUnmatched(peer Peer)
}

// Registry stores leased peer announcements.
type Registry interface {
	// Announce adds or refreshes peer. The announcement expires after ttl
	// unless renewed.
	Announce(ctx context.Context, peer Peer, ttl time.Duration) error

	// Withdraw removes an announcement. Returns nil if it doesn't exist.
	Withdraw(ctx context.Context, topic, id string) error

	// Peers returns the live announcements for topic, ordered by ID.
	Peers(ctx context.Context, topic string) ([]Peer, error)

	// Close releases any resources held by the registry.
	Close() error
}
