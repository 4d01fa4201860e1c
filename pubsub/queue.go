package pubsub

import (
	"context"
	"sync"
)

// pushResult says what happened to a sample handed to a queue.
type pushResult int

const (
	pushQueued pushResult = iota
	pushDropped
	pushEvicted
	pushClosed
	pushFailed
)

// queue delivers samples to one handler, in order, from one goroutine.
type queue struct {
	mu     sync.Mutex
	items  [][]byte
	qos    QoS
	closed bool
	// wake has room for one pending signal to the delivery goroutine.
	wake chan struct{}
	// space is closed and replaced whenever an item is taken off the queue.
	space   chan struct{}
	done    chan struct{}
	handler func([]byte)
}

func newQueue(qos QoS, handler func([]byte)) *queue {
	q := &queue{
		qos:     qos,
		wake:    make(chan struct{}, 1),
		space:   make(chan struct{}),
		done:    make(chan struct{}),
		handler: handler,
	}
	go q.run()
	return q
}

// push queues payload according to the QoS. Only a reliable keep-all queue
// ever waits, and it gives up when ctx is done.
func (q *queue) push(ctx context.Context, payload []byte) (pushResult, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return pushClosed, nil
		}

		if len(q.items) < q.qos.depth() {
			q.items = append(q.items, payload)
			q.mu.Unlock()
			q.signal()
			return pushQueued, nil
		}

		if q.qos.Reliability == BestEffort {
			q.mu.Unlock()
			return pushDropped, nil
		}

		if q.qos.History == KeepLast {
			q.items[0] = nil
			q.items = append(q.items[1:], payload)
			q.mu.Unlock()
			q.signal()
			return pushEvicted, nil
		}

		space := q.space
		q.mu.Unlock()

		select {
		case <-space:
		case <-q.done:
			return pushClosed, nil
		case <-ctx.Done():
			return pushFailed, ctx.Err()
		}
	}
}

// close discards pending samples and stops the delivery goroutine.
// It does not wait for a handler call in progress.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.done)
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) run() {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.done:
				return
			}
			continue
		}

		item := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		close(q.space)
		q.space = make(chan struct{})
		q.mu.Unlock()

		q.handler(item)
	}
}
