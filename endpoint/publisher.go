package endpoint

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/pubsub"
)

// Publisher writes samples to a topic and reports its matched subscribers.
type Publisher struct {
	id      string
	cfg     Config
	broker  pubsub.Publisher
	watcher *discovery.Watcher
	log     *logrus.Entry

	mu       sync.RWMutex
	released bool
}

// NewPublisher creates a publisher and starts discovery. handler receives
// match events on the discovery goroutine until Release.
// The broker and registry are borrowed and must outlive the publisher.
func NewPublisher(ctx context.Context, broker pubsub.Publisher, registry discovery.Registry, cfg Config, handler discovery.Handler) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := discovery.NewPeerID()
	log := logrus.WithFields(logrus.Fields{
		"component": "endpoint.publisher",
		"topic":     cfg.Channel(),
		"peer":      id,
	})

	p := &Publisher{
		id:     id,
		cfg:    cfg,
		broker: broker,
		log:    log,
		watcher: discovery.NewWatcher(registry, cfg.peer(id), handler,
			discovery.WithPollInterval(cfg.PollInterval),
			discovery.WithWatcherLogger(log)),
	}

	// Discovery outlives the constructor's ctx; Release stops it.
	p.watcher.Start(context.Background())

	log.WithField("reliability", cfg.QoS.Reliability.String()).Debug("Publisher created")
	return p, nil
}

// ID returns the publisher's peer identity.
func (p *Publisher) ID() string {
	return p.id
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() Config {
	return p.cfg
}

// Write publishes payload on the publisher's topic.
func (p *Publisher) Write(ctx context.Context, payload []byte) error {
	p.mu.RLock()
	released := p.released
	p.mu.RUnlock()

	if released {
		return ErrReleased
	}
	return p.broker.Publish(ctx, p.cfg.Channel(), payload)
}

// Release stops discovery. No match events are delivered after it returns.
// It is safe to call more than once and before any peer matched.
func (p *Publisher) Release() error {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return nil
	}
	p.released = true
	p.mu.Unlock()

	p.watcher.Stop()
	p.log.Debug("Publisher released")
	return nil
}
