// Package matchwait tracks how many remote peers currently match a local
// endpoint and lets callers block until that number reaches a target.
//
// Discovery events arrive on goroutines owned by the discovery layer and are
// applied with OnMatched and OnUnmatched. Test code blocks on the bounded
// waits (WaitUntilAtLeastOne, WaitUntilZero) to gate sending and teardown.
// A timeout is a normal Outcome, not an error: the caller decides whether it
// fails the test.
package matchwait

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrUnderflow is returned by OnUnmatched when no peer was matched.
// The count is left at zero.
var ErrUnderflow = errors.New("matchwait: unmatched event with no matched peers")

// Outcome is the result of a bounded wait.
type Outcome int

const (
	// Satisfied means the predicate held before the timeout elapsed.
	Satisfied Outcome = iota
	// TimedOut means the timeout elapsed with the predicate still false.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Tracker is a monitor over the number of matched peers.
// The zero value is not usable, use NewTracker.
type Tracker struct {
	mu         sync.Mutex
	matched    int
	underflows int
	// changed is closed and replaced on every mutation, waking all waiters.
	changed chan struct{}
	log     *logrus.Entry
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithLogger sets the logger used for underflow warnings.
func WithLogger(log *logrus.Entry) TrackerOption {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// NewTracker returns a tracker with a matched count of zero.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		changed: make(chan struct{}),
		log:     logrus.WithField("component", "matchwait"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnMatched records a newly matched peer and wakes waiters.
func (t *Tracker) OnMatched() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.matched++
	t.notifyLocked()
}

// OnUnmatched records a lost peer and wakes waiters.
// With no matched peers the count stays at zero, the underflow is recorded
// and ErrUnderflow is returned.
func (t *Tracker) OnUnmatched() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.matched == 0 {
		t.underflows++
		t.log.WithField("underflows", t.underflows).Warn("Unmatched event without a matched peer")
		return ErrUnderflow
	}

	t.matched--
	t.notifyLocked()
	return nil
}

// Count returns the current number of matched peers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matched
}

// Underflows returns how many unmatched events arrived with a zero count.
// A non-zero value points at a defect in the harness or discovery layer.
func (t *Tracker) Underflows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.underflows
}

// WaitUntilAtLeastOne blocks until at least one peer is matched or the
// timeout elapses. It returns immediately when a peer is already matched.
func (t *Tracker) WaitUntilAtLeastOne(timeout time.Duration) (Outcome, int) {
	return t.WaitUntilAtLeast(1, timeout)
}

// WaitUntilAtLeast blocks until at least n peers are matched or the timeout
// elapses.
func (t *Tracker) WaitUntilAtLeast(n int, timeout time.Duration) (Outcome, int) {
	return t.wait(timeout, func(matched int) bool { return matched >= n })
}

// WaitUntilZero blocks until no peer is matched or the timeout elapses.
// It returns immediately when the count is already zero.
func (t *Tracker) WaitUntilZero(timeout time.Duration) (Outcome, int) {
	return t.wait(timeout, func(matched int) bool { return matched == 0 })
}

// wait re-checks cond after every wake until it holds or the deadline passes.
func (t *Tracker) wait(timeout time.Duration, cond func(int) bool) (Outcome, int) {
	t.mu.Lock()
	if cond(t.matched) {
		n := t.matched
		t.mu.Unlock()
		return Satisfied, n
	}
	if timeout <= 0 {
		n := t.matched
		t.mu.Unlock()
		return TimedOut, n
	}
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		if cond(t.matched) {
			n := t.matched
			t.mu.Unlock()
			return Satisfied, n
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			t.mu.Lock()
			defer t.mu.Unlock()
			if cond(t.matched) {
				return Satisfied, t.matched
			}
			return TimedOut, t.matched
		}
	}
}

func (t *Tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
