package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/endpoint"
	"github.com/erlorenz/matchsync/pubsub"
)

// ReaderOptions holds optional settings for NewReader.
type ReaderOptions[T any] struct {
	// Codec decodes samples. Default: JSONCodec
	Codec Codec[T]
	// Logger receives the reader's logs.
	Logger *logrus.Entry
}

// Reader collects the samples delivered to a subscriber endpoint.
type Reader[T any] struct {
	sub   *endpoint.Subscriber
	codec Codec[T]
	log   *logrus.Entry

	mu        sync.Mutex
	received  []T
	malformed int
	changed   chan struct{}

	destroyOnce sync.Once
	destroyErr  error
}

// NewReader subscribes to the topic and announces the reader to writers.
func NewReader[T any](ctx context.Context, broker pubsub.Subscriber, registry discovery.Registry, cfg endpoint.Config, opts ReaderOptions[T]) (*Reader[T], error) {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "driver.reader")
	}
	log = log.WithField("topic", cfg.Channel())

	r := &Reader[T]{
		codec:   JSONCodec[T]{},
		log:     log,
		changed: make(chan struct{}),
	}
	if opts.Codec != nil {
		r.codec = opts.Codec
	}

	sub, err := endpoint.NewSubscriber(ctx, broker, registry, cfg, r.deliver)
	if err != nil {
		return nil, fmt.Errorf("create subscriber: %w", err)
	}
	r.sub = sub
	return r, nil
}

func (r *Reader[T]) deliver(data []byte) {
	msg, err := r.codec.Decode(data)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.malformed++
		r.log.WithError(err).Warn("Dropping sample that could not be decoded")
		return
	}
	r.received = append(r.received, msg)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Received returns a copy of the samples delivered so far, in arrival order.
func (r *Reader[T]) Received() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.received))
	copy(out, r.received)
	return out
}

// Malformed returns the number of samples that could not be decoded.
func (r *Reader[T]) Malformed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformed
}

// WaitReceived blocks until at least n samples were delivered.
func (r *Reader[T]) WaitReceived(n int, timeout time.Duration) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		r.mu.Lock()
		got := len(r.received)
		changed := r.changed
		r.mu.Unlock()

		if got >= n {
			return nil
		}
		if timeout <= 0 {
			return r.receiveTimeout(n, got, timeout)
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-changed:
		case <-timer.C:
			r.mu.Lock()
			got = len(r.received)
			r.mu.Unlock()
			if got >= n {
				return nil
			}
			return r.receiveTimeout(n, got, timeout)
		}
	}
}

func (r *Reader[T]) receiveTimeout(n, got int, timeout time.Duration) error {
	return &WaitError{
		Op:       "wait received",
		Expected: fmt.Sprintf("at least %d samples", n),
		Actual:   got,
		Timeout:  timeout,
		Err:      ErrReceiveTimeout,
	}
}

// Destroy releases the endpoint. Writers see the reader unmatched once the
// withdrawal is observed. It is safe to call more than once.
func (r *Reader[T]) Destroy() error {
	r.destroyOnce.Do(func() {
		r.destroyErr = r.sub.Release()
	})
	return r.destroyErr
}
