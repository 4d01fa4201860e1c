package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/pubsub"
)

// releaseTimeout bounds the withdrawal done by Subscriber.Release.
const releaseTimeout = 5 * time.Second

// Subscriber receives samples from a topic and announces itself to publishers.
type Subscriber struct {
	id        string
	cfg       Config
	cancel    context.CancelFunc
	announcer *discovery.Announcer
	log       *logrus.Entry

	releaseOnce sync.Once
	releaseErr  error
}

// NewSubscriber subscribes fn to the topic and then announces the subscriber.
// fn is called from one goroutine, in publish order.
func NewSubscriber(ctx context.Context, broker pubsub.Subscriber, registry discovery.Registry, cfg Config, fn func([]byte)) (*Subscriber, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := discovery.NewPeerID()
	log := logrus.WithFields(logrus.Fields{
		"component": "endpoint.subscriber",
		"topic":     cfg.Channel(),
		"peer":      id,
	})

	// The subscription lives until Release, not until ctx is done.
	subCtx, cancel := context.WithCancel(context.Background())
	if err := broker.Subscribe(subCtx, cfg.Channel(), fn, pubsub.WithQoS(cfg.QoS)); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %q: %w", cfg.Channel(), err)
	}

	announcer, err := discovery.Announce(ctx, registry, cfg.peer(id), cfg.lease())
	if err != nil {
		cancel()
		return nil, err
	}

	log.WithField("reliability", cfg.QoS.Reliability.String()).Debug("Subscriber created")

	return &Subscriber{
		id:        id,
		cfg:       cfg,
		cancel:    cancel,
		announcer: announcer,
		log:       log,
	}, nil
}

// ID returns the subscriber's peer identity.
func (s *Subscriber) ID() string {
	return s.id
}

// Release withdraws the announcement and ends the subscription.
// Later calls return the result of the first one.
func (s *Subscriber) Release() error {
	s.releaseOnce.Do(func() {
		var result *multierror.Error

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()

		if err := s.announcer.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		s.cancel()

		s.releaseErr = result.ErrorOrNil()
		if s.releaseErr != nil {
			s.log.WithError(s.releaseErr).Warn("Subscriber released with errors")
			return
		}
		s.log.Debug("Subscriber released")
	})
	return s.releaseErr
}
