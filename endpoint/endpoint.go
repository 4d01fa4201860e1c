// Package endpoint creates publishing and subscribing endpoints on top of a
// pubsub broker and a discovery registry.
//
// A Subscriber listens on its topic first and then announces itself, so once
// a Publisher has matched it, every later Write reaches it. A Publisher
// watches the registry and reports matched and unmatched subscribers to the
// discovery.Handler it was created with.
package endpoint

import (
	"errors"
	"fmt"
	"time"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/pubsub"
)

// DefaultLease is the lifetime of a subscriber announcement between renewals.
const DefaultLease = 3 * time.Second

var (
	// ErrReleased is returned when a released endpoint is used.
	ErrReleased = errors.New("endpoint: released")

	// ErrInvalidConfig is returned by constructors for unusable configs.
	ErrInvalidConfig = errors.New("endpoint: invalid config")
)

// Config describes an endpoint.
type Config struct {
	// Domain scopes topics, so runs sharing infrastructure don't see each other.
	Domain uint32
	// Topic is the topic name within the domain.
	Topic string
	// TypeName must be equal on both sides for a match.
	TypeName string
	// QoS is offered by publishers and requested by subscribers.
	QoS pubsub.QoS
	// Lease is the subscriber announcement TTL. Zero means DefaultLease.
	Lease time.Duration
	// PollInterval is how often publishers read the registry.
	// Zero means discovery.DefaultPollInterval.
	PollInterval time.Duration
}

// Channel is the domain-scoped topic used on the broker and in the registry.
func (c Config) Channel() string {
	return fmt.Sprintf("d%d.%s", c.Domain, c.Topic)
}

func (c Config) validate() error {
	if c.Topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
	}
	if c.TypeName == "" {
		return fmt.Errorf("%w: type name is required", ErrInvalidConfig)
	}
	if c.Lease < 0 || c.PollInterval < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

func (c Config) lease() time.Duration {
	if c.Lease == 0 {
		return DefaultLease
	}
	return c.Lease
}

func (c Config) peer(id string) discovery.Peer {
	return discovery.Peer{
		ID:          id,
		Topic:       c.Channel(),
		TypeName:    c.TypeName,
		Reliability: c.QoS.Reliability,
	}
}
