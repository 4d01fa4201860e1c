package pubsub_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/erlorenz/matchsync/pubsub"
)

func TestInMemory(t *testing.T) {
	testBroker(t, func() pubsub.Broker {
		return pubsub.NewInMemory()
	}, nil)
}

// blockingSubscriber subscribes a handler that holds the first sample until
// release is closed, so the queue behind it fills up.
func blockingSubscriber(t *testing.T, broker *pubsub.InMemory, qos pubsub.QoS) (got chan string, release chan struct{}) {
	t.Helper()

	got = make(chan string, 64)
	release = make(chan struct{})
	started := make(chan struct{})
	first := true

	err := broker.Subscribe(context.Background(), "qos", func(payload []byte) {
		if first {
			first = false
			close(started)
			<-release
		}
		got <- string(payload)
	}, pubsub.WithQoS(qos))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := broker.Publish(context.Background(), "qos", []byte("m0")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("handler never started")
	}
	return got, release
}

func drain(t *testing.T, got chan string, n int) []string {
	t.Helper()
	var out []string
	for range n {
		select {
		case msg := <-got:
			out = append(out, msg)
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestInMemoryBestEffortDrops(t *testing.T) {
	broker := pubsub.NewInMemory()
	defer broker.Close()

	got, release := blockingSubscriber(t, broker, pubsub.QoS{Reliability: pubsub.BestEffort, Depth: 2})

	for _, m := range []string{"m1", "m2", "m3", "m4"} {
		if err := broker.Publish(context.Background(), "qos", []byte(m)); err != nil {
			t.Fatalf("Publish %s failed: %v", m, err)
		}
	}
	close(release)

	msgs := drain(t, got, 3)
	want := []string{"m0", "m1", "m2"}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d: wanted %s, got %s", i, want[i], msgs[i])
		}
	}
	if dropped := broker.Stats().Dropped; dropped != 2 {
		t.Errorf("wanted 2 dropped, got %d", dropped)
	}

	const want = `
# HELP matchsync_pubsub_samples_total Samples handed to subscriber queues, by result.
# TYPE matchsync_pubsub_samples_total counter
matchsync_pubsub_samples_total{broker="inmemory",result="dropped"} 2
matchsync_pubsub_samples_total{broker="inmemory",result="evicted"} 0
matchsync_pubsub_samples_total{broker="inmemory",result="queued"} 3
`
	if err := testutil.GatherAndCompare(broker.Metrics(), strings.NewReader(want), "matchsync_pubsub_samples_total"); err != nil {
		t.Error(err)
	}
}

func TestInMemoryMetricsPerBroker(t *testing.T) {
	a := pubsub.NewInMemory()
	defer a.Close()
	b := pubsub.NewInMemory()
	defer b.Close()

	got := make(chan []byte, 1)
	if err := a.Subscribe(context.Background(), "topic", func(p []byte) { got <- p }); err != nil {
		t.Fatal(err)
	}
	if err := a.Publish(context.Background(), "topic", []byte("x")); err != nil {
		t.Fatal(err)
	}
	<-got

	if queued := a.Stats().Queued; queued != 1 {
		t.Errorf("wanted 1 queued on a, got %d", queued)
	}
	if stats := b.Stats(); stats != (pubsub.Stats{}) {
		t.Errorf("wanted b untouched, got %+v", stats)
	}
	if n, err := testutil.GatherAndCount(b.Metrics()); err != nil || n != 3 {
		t.Errorf("wanted 3 zero series on b, got %d (%v)", n, err)
	}
}

func TestInMemoryKeepLastEvicts(t *testing.T) {
	broker := pubsub.NewInMemory()
	defer broker.Close()

	got, release := blockingSubscriber(t, broker, pubsub.QoS{
		Reliability: pubsub.Reliable,
		History:     pubsub.KeepLast,
		Depth:       2,
	})

	for _, m := range []string{"m1", "m2", "m3", "m4"} {
		if err := broker.Publish(context.Background(), "qos", []byte(m)); err != nil {
			t.Fatalf("Publish %s failed: %v", m, err)
		}
	}
	close(release)

	msgs := drain(t, got, 3)
	want := []string{"m0", "m3", "m4"}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d: wanted %s, got %s", i, want[i], msgs[i])
		}
	}
	if evicted := broker.Stats().Evicted; evicted != 2 {
		t.Errorf("wanted 2 evicted, got %d", evicted)
	}
}

func TestInMemoryKeepAllBlocks(t *testing.T) {
	broker := pubsub.NewInMemory()
	defer broker.Close()

	got, release := blockingSubscriber(t, broker, pubsub.QoS{
		Reliability: pubsub.Reliable,
		History:     pubsub.KeepAll,
		Depth:       1,
	})

	if err := broker.Publish(context.Background(), "qos", []byte("m1")); err != nil {
		t.Fatalf("Publish m1 failed: %v", err)
	}

	// Queue is full: a bounded publish must fail loudly instead of dropping.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := broker.Publish(ctx, "qos", []byte("lost"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wanted DeadlineExceeded, got %v", err)
	}

	// An unbounded publish waits for room.
	published := make(chan error, 1)
	go func() {
		published <- broker.Publish(context.Background(), "qos", []byte("m2"))
	}()

	select {
	case err := <-published:
		t.Fatalf("Publish returned before room was made: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("Publish m2 failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish never unblocked")
	}

	msgs := drain(t, got, 3)
	want := []string{"m0", "m1", "m2"}
	for i := range want {
		if msgs[i] != want[i] {
			t.Errorf("message %d: wanted %s, got %s", i, want[i], msgs[i])
		}
	}
}

func TestInMemoryCloseUnblocksPublisher(t *testing.T) {
	broker := pubsub.NewInMemory()

	_, release := blockingSubscriber(t, broker, pubsub.QoS{Reliability: pubsub.Reliable, Depth: 1})
	defer close(release)

	broker.Publish(context.Background(), "qos", []byte("m1"))

	published := make(chan error, 1)
	go func() {
		published <- broker.Publish(context.Background(), "qos", []byte("m2"))
	}()

	time.Sleep(50 * time.Millisecond)
	broker.Close()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish still blocked after Close")
	}
}

func BenchmarkInMemoryPublish_NoSubscribers(b *testing.B) {
	broker := pubsub.NewInMemory()
	defer broker.Close()
	benchmarkPublish(b, broker, 0)
}

func BenchmarkInMemoryPublish_1Subscriber(b *testing.B) {
	broker := pubsub.NewInMemory()
	defer broker.Close()
	benchmarkPublish(b, broker, 1)
}

func BenchmarkInMemoryPublish_10Subscribers(b *testing.B) {
	broker := pubsub.NewInMemory()
	defer broker.Close()
	benchmarkPublish(b, broker, 10)
}
