package pubtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/erlorenz/matchsync/discovery"
	"github.com/erlorenz/matchsync/driver"
	"github.com/erlorenz/matchsync/endpoint"
	"github.com/erlorenz/matchsync/pubsub"
)

// Backend is an open broker and registry pair.
type Backend struct {
	Broker   pubsub.Broker
	Registry discovery.Registry
	pool     *pgxpool.Pool
}

// OpenBackend connects to the backend named by cfg.Backend.
func OpenBackend(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	if cfg.Backend == BackendMemory {
		return &Backend{
			Broker:   pubsub.NewInMemory(),
			Registry: discovery.NewMemoryRegistry(),
		}, nil
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("open backend: postgres backend needs a database url")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	registry := discovery.NewPostgresRegistry(pool, discovery.WithUnlogged(true), discovery.WithCleanup(time.Minute))
	if err := registry.CreateTable(ctx); err != nil {
		registry.Close()
		pool.Close()
		return nil, fmt.Errorf("create peer table: %w", err)
	}

	return &Backend{
		Broker:   pubsub.NewPostgres(pool),
		Registry: registry,
		pool:     pool,
	}, nil
}

// Close closes the broker, then the registry, then the connection pool.
func (b *Backend) Close() error {
	var result *multierror.Error
	if err := b.Broker.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := b.Registry.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if b.pool != nil {
		b.pool.Close()
	}
	return result.ErrorOrNil()
}

// Env is the backend and config of one test.
type Env struct {
	*Backend
	Config Config
}

// NewEnv loads Config and opens the configured backend. Postgres tests are
// skipped when no database URL is configured. The backend is closed by
// t.Cleanup after every endpoint created through the helpers.
func NewEnv(t testing.TB) *Env {
	t.Helper()

	cfg, err := LoadConfig()
	require.NoError(t, err)
	return NewEnvWithConfig(t, cfg)
}

// NewEnvWithConfig is NewEnv with an explicit Config.
func NewEnvWithConfig(t testing.TB, cfg Config) *Env {
	t.Helper()

	if cfg.Backend == BackendPostgres && cfg.DatabaseURL == "" {
		t.Skip("MATCHSYNC_DATABASE_URL not set")
	}

	backend, err := OpenBackend(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return &Env{Backend: backend, Config: cfg}
}

// NewWriter creates a writer for cfg and destroys it at cleanup.
// Creation failure fails the test.
func NewWriter[T any](t testing.TB, env *Env, cfg endpoint.Config) *driver.Writer[T] {
	t.Helper()

	w, err := driver.NewWriter(context.Background(), env.Broker, env.Registry, cfg,
		driver.WriterOptions[T]{MatchTimeout: env.Config.MatchTimeout})
	require.NoError(t, err, "create writer")
	t.Cleanup(func() { w.Destroy() })
	return w
}

// NewReader creates a reader for cfg and destroys it at cleanup.
// Creation failure fails the test.
func NewReader[T any](t testing.TB, env *Env, cfg endpoint.Config) *driver.Reader[T] {
	t.Helper()

	r, err := driver.NewReader(context.Background(), env.Broker, env.Registry, cfg, driver.ReaderOptions[T]{})
	require.NoError(t, err, "create reader")
	t.Cleanup(func() { r.Destroy() })
	return r
}

// Send fails the test unless every message is sent.
func Send[T any](t testing.TB, w *driver.Writer[T], msgs ...T) {
	t.Helper()
	require.NoError(t, w.Send(context.Background(), msgs))
}

// WaitRemoval fails the test unless every reader is unmatched in time.
func WaitRemoval[T any](t testing.TB, env *Env, w *driver.Writer[T]) {
	t.Helper()
	require.NoError(t, w.WaitRemoval(env.Config.RemovalTimeout))
}

// WaitReceived fails the test unless the reader gets n samples in time.
func WaitReceived[T any](t testing.TB, env *Env, r *driver.Reader[T], n int) {
	t.Helper()
	require.NoError(t, r.WaitReceived(n, env.Config.MatchTimeout))
}

// RunConcurrently runs fns on their own goroutines and returns the first
// error. The context passed to fns is canceled when one of them fails.
func RunConcurrently(ctx context.Context, fns ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}
