package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is how often a Watcher reads the registry by default.
const DefaultPollInterval = 50 * time.Millisecond

// Watcher polls a Registry for the readers of the local writer's topic and
// reports changes to a Handler.
type Watcher struct {
	registry Registry
	local    Peer
	handler  Handler
	interval time.Duration
	log      *logrus.Entry

	// Only touched by Poll, which runs on one goroutine at a time.
	pollMu       sync.Mutex
	known        map[string]Peer
	incompatible map[string]struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets how often the registry is read.
// Default: DefaultPollInterval
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger of the watcher.
func WithWatcherLogger(log *logrus.Entry) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher returns a watcher for readers matching local.
func NewWatcher(registry Registry, local Peer, handler Handler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		registry:     registry,
		local:        local,
		handler:      handler,
		interval:     DefaultPollInterval,
		known:        make(map[string]Peer),
		incompatible: make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	w.log = logrus.WithFields(logrus.Fields{
		"component": "discovery.watcher",
		"topic":     local.Topic,
	})

	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the poll loop until ctx is done or Stop is called.
// Starting a started or stopped watcher does nothing.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopped {
		return
	}
	w.started = true

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
}

// Stop ends the poll loop and waits for it to exit. No events are delivered
// after Stop returns. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	started := w.started
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Unlock()

	if started {
		<-w.done
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("Registry poll failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the registry once and reports the difference with the previous
// poll. A failed read leaves the known set untouched.
func (w *Watcher) Poll(ctx context.Context) error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	peers, err := w.registry.Peers(ctx, w.local.Topic)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		if peer.ID == w.local.ID {
			continue
		}
		if !Matches(w.local, peer) {
			if _, logged := w.incompatible[peer.ID]; !logged {
				w.incompatible[peer.ID] = struct{}{}
				w.log.WithFields(logrus.Fields{
					"peer":        peer.ID,
					"type_name":   peer.TypeName,
					"reliability": peer.Reliability.String(),
				}).Info("Ignoring incompatible peer")
			}
			continue
		}

		seen[peer.ID] = struct{}{}
		if _, ok := w.known[peer.ID]; ok {
			continue
		}
		w.known[peer.ID] = peer
		w.handler.PeerMatched(peer)
	}

	for id, peer := range w.known {
		if _, ok := seen[id]; ok {
			continue
		}
		delete(w.known, id)
		w.handler.PeerUnmatched(peer)
	}

	for id := range w.incompatible {
		if !containsPeer(peers, id) {
			delete(w.incompatible, id)
		}
	}

	return nil
}

// Known returns the number of currently matched peers.
func (w *Watcher) Known() int {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	return len(w.known)
}

func containsPeer(peers []Peer, id string) bool {
	for _, p := range peers {
		if p.ID == id {
			return true
		}
	}
	return false
}
