package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/endpoint"
	"github.com/erlorenz/matchsync/matchwait"
	"github.com/erlorenz/matchsync/pubsub"
)

// WriterOptions holds optional settings for NewWriter.
type WriterOptions[T any] struct {
	// Codec encodes messages. Default: JSONCodec
	Codec Codec[T]
	// MatchTimeout bounds the wait done by Send. Default: DefaultTimeout
	MatchTimeout time.Duration
	// Logger receives the writer's logs.
	Logger *logrus.Entry
}

// Writer publishes messages once readers are matched.
type Writer[T any] struct {
	pub          *endpoint.Publisher
	tracker      *matchwait.Tracker
	codec        Codec[T]
	matchTimeout time.Duration
	log          *logrus.Entry

	destroyOnce sync.Once
	destroyErr  error
}

// NewWriter creates the publishing endpoint and starts tracking matches.
func NewWriter[T any](ctx context.Context, broker pubsub.Publisher, registry discovery.Registry, cfg endpoint.Config, opts WriterOptions[T]) (*Writer[T], error) {
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "driver.writer")
	}
	log = log.WithField("topic", cfg.Channel())

	var codec Codec[T] = JSONCodec[T]{}
	if opts.Codec != nil {
		codec = opts.Codec
	}

	tracker := matchwait.NewTracker(matchwait.WithLogger(log))
	pub, err := endpoint.NewPublisher(ctx, broker, registry, cfg, matchwait.NewListener(tracker))
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}

	return &Writer[T]{
		pub:          pub,
		tracker:      tracker,
		codec:        codec,
		matchTimeout: timeoutOr(opts.MatchTimeout),
		log:          log,
	}, nil
}

// Send waits for a matched reader and then writes msgs in order.
// It stops at the first message that cannot be encoded or written.
func (w *Writer[T]) Send(ctx context.Context, msgs []T) error {
	if err := w.WaitDiscovery(w.matchTimeout); err != nil {
		return err
	}

	for i, msg := range msgs {
		data, err := w.codec.Encode(msg)
		if err != nil {
			return &SendError{Index: i, Err: fmt.Errorf("encode: %w", err)}
		}
		if err := w.pub.Write(ctx, data); err != nil {
			return &SendError{Index: i, Err: err}
		}
	}

	w.log.WithFields(logrus.Fields{
		"messages": len(msgs),
		"matched":  w.tracker.Count(),
	}).Debug("Messages sent")
	return nil
}

// WaitDiscovery blocks until at least one reader is matched.
func (w *Writer[T]) WaitDiscovery(timeout time.Duration) error {
	return w.WaitDiscoveryN(1, timeout)
}

// WaitDiscoveryN blocks until at least n readers are matched.
func (w *Writer[T]) WaitDiscoveryN(n int, timeout time.Duration) error {
	outcome, matched := w.tracker.WaitUntilAtLeast(n, timeout)
	if outcome == matchwait.Satisfied {
		return nil
	}
	return &WaitError{
		Op:       "wait discovery",
		Expected: fmt.Sprintf("at least %d matched", n),
		Actual:   matched,
		Timeout:  timeout,
		Err:      ErrMatchTimeout,
	}
}

// WaitRemoval blocks until no reader is matched.
func (w *Writer[T]) WaitRemoval(timeout time.Duration) error {
	outcome, matched := w.tracker.WaitUntilZero(timeout)
	if outcome == matchwait.Satisfied {
		return nil
	}
	return &WaitError{
		Op:       "wait removal",
		Expected: "0 matched",
		Actual:   matched,
		Timeout:  timeout,
		Err:      ErrRemovalTimeout,
	}
}

// Matched returns the number of currently matched readers.
func (w *Writer[T]) Matched() int {
	return w.tracker.Count()
}

// Underflows returns how many unmatch events arrived with nothing matched.
func (w *Writer[T]) Underflows() int {
	return w.tracker.Underflows()
}

// Destroy releases the endpoint. It is safe to call more than once and before
// any reader was matched. The error also carries matchwait.ErrUnderflow if an
// unmatch event ever arrived with no reader matched.
func (w *Writer[T]) Destroy() error {
	w.destroyOnce.Do(func() {
		var result *multierror.Error
		if err := w.pub.Release(); err != nil {
			result = multierror.Append(result, err)
		}
		if n := w.tracker.Underflows(); n > 0 {
			w.log.WithField("underflows", n).Warn("Writer saw unmatch events without a match")
			result = multierror.Append(result, fmt.Errorf("%d unmatch events: %w", n, matchwait.ErrUnderflow))
		}
		w.destroyErr = result.ErrorOrNil()
	})
	return w.destroyErr
}
