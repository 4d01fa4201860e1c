package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// PostgresRegistry is a PostgreSQL implementation of Registry.
// Lease expiry is computed with the server clock so processes with skewed
// clocks agree on which peers are alive.
type PostgresRegistry struct {
	pool      *pgxpool.Pool
	tableName string
	schema    string
	unlogged  bool
	cleanup   time.Duration

	closeOnce    sync.Once
	cleanupClose chan struct{}
	cleanupDone  chan struct{}
	log          *logrus.Entry
}

// PostgresOption configures a PostgresRegistry.
type PostgresOption func(*PostgresRegistry)

// WithTableName sets the table name for the registry.
// Default: "matchsync_peers"
func WithTableName(name string) PostgresOption {
	return func(r *PostgresRegistry) {
		r.tableName = name
	}
}

// WithSchema sets the PostgreSQL schema for the table.
// Default: "public"
func WithSchema(schema string) PostgresOption {
	return func(r *PostgresRegistry) {
		r.schema = schema
	}
}

// WithUnlogged creates an UNLOGGED table. Announcements are short-lived, so
// losing them on a crash only means readers re-announce. Default: false
func WithUnlogged(unlogged bool) PostgresOption {
	return func(r *PostgresRegistry) {
		r.unlogged = unlogged
	}
}

// WithCleanup deletes expired leases at the specified interval.
// Default: no automatic cleanup (expired rows are ignored by Peers)
func WithCleanup(interval time.Duration) PostgresOption {
	return func(r *PostgresRegistry) {
		r.cleanup = interval
	}
}

// NewPostgresRegistry creates a registry backed by pool.
// The table must be created using CreateTable() before use.
func NewPostgresRegistry(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresRegistry {
	r := &PostgresRegistry{
		pool:         pool,
		tableName:    "matchsync_peers",
		schema:       "public",
		cleanupClose: make(chan struct{}),
		cleanupDone:  make(chan struct{}),
		log:          logrus.WithField("component", "discovery.postgres"),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.cleanup > 0 {
		go r.cleanupLoop(r.cleanup)
	} else {
		close(r.cleanupDone)
	}

	return r
}

func (r *PostgresRegistry) table() string {
	return pgx.Identifier{r.schema, r.tableName}.Sanitize()
}

// CreateTable creates the lease table and its expiry index.
func (r *PostgresRegistry) CreateTable(ctx context.Context) error {
	unloggedClause := ""
	if r.unlogged {
		unloggedClause = "UNLOGGED"
	}

	query := fmt.Sprintf(`
		CREATE %s TABLE IF NOT EXISTS %s (
			topic TEXT NOT NULL,
			peer_id TEXT NOT NULL,
			peer JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (topic, peer_id)
		)
	`, unloggedClause, r.table())

	if _, err := r.pool.Exec(ctx, query); err != nil {
		return err
	}

	idxQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (expires_at)`,
		pgx.Identifier{r.tableName + "_expires_idx"}.Sanitize(), r.table())

	_, err := r.pool.Exec(ctx, idxQuery)
	return err
}

// Announce implements Registry.
func (r *PostgresRegistry) Announce(ctx context.Context, peer Peer, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidLease
	}

	data, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("encode peer: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (topic, peer_id, peer, expires_at, updated_at)
		VALUES ($1, $2, $3, NOW() + make_interval(secs => $4), NOW())
		ON CONFLICT (topic, peer_id)
		DO UPDATE SET peer = EXCLUDED.peer, expires_at = EXCLUDED.expires_at, updated_at = NOW()
	`, r.table())

	_, err = r.pool.Exec(ctx, query, peer.Topic, peer.ID, data, ttl.Seconds())
	return err
}

// Withdraw implements Registry.
func (r *PostgresRegistry) Withdraw(ctx context.Context, topic, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE topic = $1 AND peer_id = $2`, r.table())
	_, err := r.pool.Exec(ctx, query, topic, id)
	return err
}

// Peers implements Registry.
func (r *PostgresRegistry) Peers(ctx context.Context, topic string) ([]Peer, error) {
	query := fmt.Sprintf(`
		SELECT peer FROM %s
		WHERE topic = $1 AND expires_at > NOW()
		ORDER BY peer_id
	`, r.table())

	rows, err := r.pool.Query(ctx, query, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var peer Peer
		if err := json.Unmarshal(data, &peer); err != nil {
			return nil, fmt.Errorf("decode peer: %w", err)
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// Cleanup deletes expired leases and returns how many were removed.
func (r *PostgresRegistry) Cleanup(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= NOW()`, r.table())
	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Close stops the cleanup loop. The pool is left open.
func (r *PostgresRegistry) Close() error {
	r.closeOnce.Do(func() {
		close(r.cleanupClose)
	})
	<-r.cleanupDone
	return nil
}

func (r *PostgresRegistry) cleanupLoop(interval time.Duration) {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := r.Cleanup(ctx)
			cancel()
			if err != nil {
				r.log.WithError(err).Warn("Lease cleanup failed")
				continue
			}
			if n > 0 {
				r.log.WithField("removed", n).Debug("Expired leases removed")
			}
		case <-r.cleanupClose:
			return
		}
	}
}
