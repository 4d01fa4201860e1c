package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Announcer keeps a peer's lease alive in a Registry.
type Announcer struct {
	registry Registry
	peer     Peer
	ttl      time.Duration
	log      *logrus.Entry

	stopOnce sync.Once
	stopErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

// Announce registers peer and renews its lease every ttl/3 until Stop.
// The first announcement is made before Announce returns.
func Announce(ctx context.Context, registry Registry, peer Peer, ttl time.Duration) (*Announcer, error) {
	if err := registry.Announce(ctx, peer, ttl); err != nil {
		return nil, fmt.Errorf("announce %s on %q: %w", peer.ID, peer.Topic, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a := &Announcer{
		registry: registry,
		peer:     peer,
		ttl:      ttl,
		cancel:   cancel,
		done:     make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "discovery.announcer",
			"topic":     peer.Topic,
			"peer":      peer.ID,
		}),
	}

	go a.renew(loopCtx)

	return a, nil
}

// Peer returns the announced peer.
func (a *Announcer) Peer() Peer {
	return a.peer
}

func (a *Announcer) renew(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(max(a.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.registry.Announce(ctx, a.peer, a.ttl); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Warn("Lease renewal failed")
			}
		}
	}
}

// Stop ends renewal and withdraws the announcement. Later calls return the
// result of the first one.
func (a *Announcer) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.cancel()
		<-a.done
		if err := a.registry.Withdraw(ctx, a.peer.Topic, a.peer.ID); err != nil {
			a.stopErr = fmt.Errorf("withdraw %s: %w", a.peer.ID, err)
		}
	})
	return a.stopErr
}
