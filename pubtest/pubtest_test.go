package pubtest_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erlorenz/matchsync/driver"
	"github.com/erlorenz/matchsync/pubsub"
	"github.com/erlorenz/matchsync/pubtest"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MATCHSYNC_BACKEND", "memory")
	cfg, err := pubtest.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, pubtest.BackendMemory, cfg.Backend)
	assert.Equal(t, 10*time.Second, cfg.MatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.RemovalTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, pubsub.DefaultQoS(), cfg.QoS())
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("MATCHSYNC_BACKEND", "memory")
	t.Setenv("MATCHSYNC_MATCH_TIMEOUT", "2s")
	t.Setenv("MATCHSYNC_RELIABILITY", "best_effort")
	t.Setenv("MATCHSYNC_HISTORY", "keep_last")
	t.Setenv("MATCHSYNC_DEPTH", "4")
	t.Setenv("MATCHSYNC_DOMAIN", "42")

	cfg, err := pubtest.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.MatchTimeout)
	assert.Equal(t, pubsub.QoS{Reliability: pubsub.BestEffort, History: pubsub.KeepLast, Depth: 4}, cfg.QoS())

	ep := cfg.Endpoint("Prefix")
	assert.Equal(t, uint32(42), ep.Domain)
	assert.Equal(t, pubtest.HelloWorldType, ep.TypeName)
	assert.Contains(t, ep.Channel(), "d42.Prefix_")
}

func TestLoadConfigUnknownBackend(t *testing.T) {
	t.Setenv("MATCHSYNC_BACKEND", "carrier-pigeon")
	_, err := pubtest.LoadConfig()
	assert.Error(t, err)
}

func TestIndices(t *testing.T) {
	msgs := pubtest.Indices(3)
	require.Len(t, msgs, 3)
	assert.Equal(t, pubtest.HelloWorld{Index: 1, Message: "HelloWorld"}, msgs[0])
	assert.Equal(t, uint16(3), msgs[2].Index)
}

// The reference scenario: wait for a reader, send three samples, see them
// arrive in order, then wait for the reader to go away.
func TestReliableHelloWorld(t *testing.T) {
	env := pubtest.NewEnv(t)
	cfg := env.Config.Endpoint("PubSubAsReliableHelloworld")

	writer := pubtest.NewWriter[pubtest.HelloWorld](t, env, cfg)
	reader := pubtest.NewReader[pubtest.HelloWorld](t, env, cfg)

	msgs := pubtest.Indices(3)
	pubtest.Send(t, writer, msgs...)
	pubtest.WaitReceived(t, env, reader, len(msgs))
	assert.Equal(t, msgs, reader.Received())

	require.NoError(t, reader.Destroy())
	pubtest.WaitRemoval(t, env, writer)
	assert.Zero(t, writer.Matched())
}

func TestRepeatedMatchCycles(t *testing.T) {
	env := pubtest.NewEnv(t)
	cfg := env.Config.Endpoint("MatchCycles")
	writer := pubtest.NewWriter[pubtest.HelloWorld](t, env, cfg)

	for i := range 3 {
		reader := pubtest.NewReader[pubtest.HelloWorld](t, env, cfg)
		msg := pubtest.HelloWorld{Index: uint16(i), Message: "cycle"}
		pubtest.Send(t, writer, msg)
		pubtest.WaitReceived(t, env, reader, 1)
		require.NoError(t, reader.Destroy())
		pubtest.WaitRemoval(t, env, writer)
	}
	assert.Zero(t, writer.Underflows())
}

func TestConcurrentReaders(t *testing.T) {
	env := pubtest.NewEnv(t)
	cfg := env.Config.Endpoint("ConcurrentReaders")
	writer := pubtest.NewWriter[pubtest.HelloWorld](t, env, cfg)

	const readers = 4
	var created atomic.Int32
	fns := make([]func(context.Context) error, readers)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			r, err := driver.NewReader(ctx, env.Broker, env.Registry, cfg, driver.ReaderOptions[pubtest.HelloWorld]{})
			if err != nil {
				return err
			}
			t.Cleanup(func() { r.Destroy() })
			created.Add(1)
			return nil
		}
	}
	require.NoError(t, pubtest.RunConcurrently(context.Background(), fns...))
	require.Equal(t, int32(readers), created.Load())

	require.NoError(t, writer.WaitDiscoveryN(readers, env.Config.MatchTimeout))
}

func TestRunConcurrentlyReturnsFirstError(t *testing.T) {
	boom := errors.New("boom")
	err := pubtest.RunConcurrently(context.Background(),
		func(ctx context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	)
	assert.ErrorIs(t, err, boom)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := pubtest.OpenBackend(ctx, pubtest.Config{Backend: pubtest.BackendMemory})
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), pubsub.ErrClosed)

	_, err = pubtest.OpenBackend(ctx, pubtest.Config{Backend: pubtest.BackendPostgres})
	assert.ErrorContains(t, err, "database url")

	_, err = pubtest.OpenBackend(ctx, pubtest.Config{Backend: "postgre"})
	assert.ErrorContains(t, err, `unknown backend "postgre"`)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, pubtest.Config{Backend: pubtest.BackendMemory}.Validate())
	assert.NoError(t, pubtest.Config{Backend: pubtest.BackendPostgres}.Validate())
	assert.Error(t, pubtest.Config{Backend: "postgre"}.Validate())
	assert.Error(t, pubtest.Config{}.Validate())
}
