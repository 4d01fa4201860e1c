// Package driver sequences end-to-end pub/sub tests.
//
// A Writer waits until at least one reader is matched before it sends, sends
// a batch of messages in order, and can then wait for every reader to go away.
// A Reader collects what it receives and waits for an expected count. Every
// wait is bounded; running out of time is reported as a *WaitError so the
// caller can fail the test.
package driver

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds the discovery and removal waits.
const DefaultTimeout = 10 * time.Second

var (
	// ErrMatchTimeout means no reader was matched in time.
	ErrMatchTimeout = errors.New("driver: timed out waiting for matched readers")

	// ErrRemovalTimeout means matched readers were still present at the deadline.
	ErrRemovalTimeout = errors.New("driver: timed out waiting for readers to be removed")

	// ErrReceiveTimeout means a reader got fewer samples than expected.
	ErrReceiveTimeout = errors.New("driver: timed out waiting for samples")
)

// WaitError reports a bounded wait that ran out of time.
type WaitError struct {
	Op       string
	Expected string
	Actual   int
	Timeout  time.Duration
	Err      error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%s after %s: expected %s, got %d: %v", e.Op, e.Timeout, e.Expected, e.Actual, e.Err)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// SendError reports the message that could not be sent.
type SendError struct {
	Index int
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message %d: %v", e.Index, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Codec turns messages into payloads and back.
type Codec[T any] interface {
	Encode(msg T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes messages as JSON.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(msg T) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return msg, err
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
