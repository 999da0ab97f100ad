package store

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/pkg/retry"
)

const pgComponent = "PostgresStore"

// DBPool abstracts the pgxpool.Pool methods the store needs, so tests can
// substitute a mock pool without a running database.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

var _ DBPool = (*pgxpool.Pool)(nil)

// PostgresStore implements Store on a PostgreSQL backend via pgx.
// Every write runs inside one transaction; uniqueness constraints on the
// identity keys provide the atomic duplicate rejection the lattice
// classification depends on. Transient faults (serialization, deadlock,
// connection loss) are retried; the writes are idempotent so a retry after
// an ambiguous failure is safe.
type PostgresStore struct {
	pool     DBPool
	logger   *slog.Logger
	retryCfg retry.Config
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over an existing pool
func NewPostgresStore(pool DBPool, logger *slog.Logger) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.WrapInvalid(nil, pgComponent, "NewPostgresStore", "pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		pool:     pool,
		logger:   logger,
		retryCfg: retry.DefaultConfig(),
	}, nil
}

// Connect builds a pgx pool from a DSN and returns a store over it
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, pgComponent, "Connect", "parse DSN")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, pgComponent, "Connect", "create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapTransient(err, pgComponent, "Connect", "ping")
	}

	return NewPostgresStore(pool, logger)
}

// Bootstrap creates the tables and uniqueness constraints the core
// requires. Safe to run on every start.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return s.classify(err, "Bootstrap", "create schema")
		}
	}
	s.logger.Info("store schema ready", "tables", len(schemaStatements))
	return nil
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapTransient(err, pgComponent, "Ping", "ping")
	}
	return nil
}

// Close implements Store
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// withTx runs fn inside a transaction, retrying the whole transaction on
// transient faults. Rollback on every non-commit exit path; a retry after
// commit cannot happen because a committed transaction returns nil.
func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := retry.Do(ctx, s.retryCfg, func() error {
		err := s.runTx(ctx, op, fn)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})

	// Surface the classified error, not the retry wrapper
	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return nre.Err
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.classify(err, op, "begin transaction")
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return s.classify(err, op, "commit transaction")
	}
	return nil
}

// classify maps a database error onto the service error taxonomy.
// Serialization failures, deadlocks and connection faults are transient;
// constraint and schema drift is fatal because it means the uniqueness
// guarantees the lattice depends on are gone.
func (s *PostgresStore) classify(err error, op, action string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		// Cancellation surfaces unwrapped so the caller can distinguish it
		// from store failure.
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return errors.WrapTransient(err, pgComponent, op, action)
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return errors.WrapTransient(err, pgComponent, op, action)
		case strings.HasPrefix(pgErr.Code, "57"): // operator intervention, shutdown
			return errors.WrapTransient(err, pgComponent, op, action)
		case strings.HasPrefix(pgErr.Code, "23"): // unexpected constraint violation
			return errors.WrapFatal(stderrors.Join(errors.ErrConstraintDrift, err), pgComponent, op, action)
		case strings.HasPrefix(pgErr.Code, "42"): // undefined table/column: schema drift
			return errors.WrapFatal(stderrors.Join(errors.ErrConstraintDrift, err), pgComponent, op, action)
		}
	}

	if pgconn.SafeToRetry(err) {
		return errors.WrapTransient(err, pgComponent, op, action)
	}

	// Unknown faults default transient; the writes are idempotent so the
	// client may retry.
	return errors.WrapTransient(err, pgComponent, op, action)
}

// schemaStatements holds the DDL for the tables and uniqueness constraints
// of §store. Edges are first-class records keyed on (source, target, type);
// edge_links is the non-authoritative traversal convenience relation whose
// rows exist only once both endpoint nodes do.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		node_type TEXT NOT NULL,
		label TEXT NOT NULL,
		hypothetical BOOLEAN NOT NULL DEFAULT TRUE,
		provenance_keys TEXT[] NOT NULL DEFAULT '{}',
		provenance_events JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		provenance_keys TEXT[] NOT NULL DEFAULT '{}',
		provenance_events JSONB NOT NULL DEFAULT '[]',
		PRIMARY KEY (source, target, edge_type)
	)`,
	`CREATE TABLE IF NOT EXISTS edge_links (
		source TEXT NOT NULL REFERENCES nodes(id),
		target TEXT NOT NULL REFERENCES nodes(id),
		edge_type TEXT NOT NULL,
		PRIMARY KEY (source, target, edge_type)
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		incident_id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS node_tombstones (
		incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
		node_id TEXT NOT NULL,
		prov_source TEXT NOT NULL,
		prov_trigger TEXT NOT NULL,
		prov_at TIMESTAMPTZ,
		unmatched BOOLEAN NOT NULL,
		PRIMARY KEY (incident_id, node_id)
	)`,
	`CREATE TABLE IF NOT EXISTS edge_tombstones (
		incident_id TEXT NOT NULL REFERENCES incidents(incident_id),
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		edge_type TEXT NOT NULL,
		prov_source TEXT NOT NULL,
		prov_trigger TEXT NOT NULL,
		prov_at TIMESTAMPTZ,
		PRIMARY KEY (incident_id, source, target, edge_type)
	)`,
}
