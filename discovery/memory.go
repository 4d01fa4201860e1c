package discovery

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// lease is an announcement with its expiry.
type lease struct {
	peer      Peer
	expiresAt time.Time
}

func (l *lease) isExpired(now time.Time) bool {
	return now.After(l.expiresAt)
}

// MemoryRegistry is an in-memory Registry.
// It is safe for concurrent use and removes expired leases every sweep interval.
type MemoryRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*lease
	closed bool
	close  chan struct{}
}

// NewMemoryRegistry creates a registry and starts its sweep goroutine.
func NewMemoryRegistry() *MemoryRegistry {
	r := &MemoryRegistry{
		topics: make(map[string]map[string]*lease),
		close:  make(chan struct{}),
	}

	go r.sweep(time.Minute)

	return r
}

// Announce implements Registry.
func (r *MemoryRegistry) Announce(ctx context.Context, peer Peer, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidLease
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	peers, ok := r.topics[peer.Topic]
	if !ok {
		peers = make(map[string]*lease)
		r.topics[peer.Topic] = peers
	}
	peers[peer.ID] = &lease{peer: peer, expiresAt: time.Now().Add(ttl)}

	return nil
}

// Withdraw implements Registry.
func (r *MemoryRegistry) Withdraw(ctx context.Context, topic, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	if peers, ok := r.topics[topic]; ok {
		delete(peers, id)
		if len(peers) == 0 {
			delete(r.topics, topic)
		}
	}
	return nil
}

// Peers implements Registry.
func (r *MemoryRegistry) Peers(ctx context.Context, topic string) ([]Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	peers := make([]Peer, 0, len(r.topics[topic]))
	for _, l := range r.topics[topic] {
		if l.isExpired(now) {
			continue
		}
		peers = append(peers, l.peer)
	}

	slices.SortFunc(peers, func(a, b Peer) int {
		return strings.Compare(a.ID, b.ID)
	})
	return peers, nil
}

// Close stops the sweep goroutine. Calling Close again returns ErrClosed.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	r.closed = true
	close(r.close)
	return nil
}

func (r *MemoryRegistry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.removeExpired()
		case <-r.close:
			return
		}
	}
}

func (r *MemoryRegistry) removeExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for topic, peers := range r.topics {
		for id, l := range peers {
			if l.isExpired(now) {
				delete(peers, id)
			}
		}
		if len(peers) == 0 {
			delete(r.topics, topic)
		}
	}
}
