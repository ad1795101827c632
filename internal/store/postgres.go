package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/ledgergate/internal/domain"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS used_proofs (
	proof_key   TEXT PRIMARY KEY,
	consumed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldowns (
	actor_key      TEXT PRIMARY KEY,
	last_action_at TIMESTAMPTZ NOT NULL
);
`

const uniqueViolation = "23505"

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Db.Close()
	return nil
}

func (s *PostgresStore) Seen(ctx context.Context, proofKey string) (bool, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM used_proofs WHERE proof_key = $1)", proofKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("proof lookup failed: %w", err)
	}
	return exists, nil
}

// Consume relies on the primary key: a second insert of the same key fails
// with a unique violation.
func (s *PostgresStore) Consume(ctx context.Context, proofKey string, at time.Time) error {
	if proofKey == "" {
		return ErrEmptyKey
	}
	_, err := s.Db.Exec(ctx,
		"INSERT INTO used_proofs (proof_key, consumed_at) VALUES ($1, $2)",
		proofKey, stamp(at),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrProofConsumed
		}
		return fmt.Errorf("proof insert failed: %w", err)
	}
	return nil
}

// CheckAndReserve locks the actor row for the duration of the decision. A
// missing row is claimed with INSERT ... ON CONFLICT DO NOTHING; the loser of
// a concurrent first insert re-reads the winner's row and is throttled.
func (s *PostgresStore) CheckAndReserve(ctx context.Context, actorKey string, window time.Duration, now time.Time) (Reservation, error) {
	actorKey = NormalizeActor(actorKey)
	if actorKey == "" {
		return Reservation{}, ErrEmptyKey
	}
	now = stamp(now)

	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Reservation{}, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev time.Time
	found := true
	err = tx.QueryRow(ctx,
		"SELECT last_action_at FROM cooldowns WHERE actor_key = $1 FOR UPDATE",
		actorKey,
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return Reservation{}, fmt.Errorf("cooldown lock failed: %w", err)
	}

	r := decide(actorKey, prev.UTC(), found, window, now)
	if !r.Allowed {
		return r, nil
	}

	if found {
		_, err = tx.Exec(ctx, "UPDATE cooldowns SET last_action_at = $1 WHERE actor_key = $2", now, actorKey)
		if err != nil {
			return Reservation{}, fmt.Errorf("cooldown update failed: %w", err)
		}
	} else {
		tag, err := tx.Exec(ctx,
			"INSERT INTO cooldowns (actor_key, last_action_at) VALUES ($1, $2) ON CONFLICT (actor_key) DO NOTHING",
			actorKey, now,
		)
		if err != nil {
			return Reservation{}, fmt.Errorf("cooldown insert failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.QueryRow(ctx, "SELECT last_action_at FROM cooldowns WHERE actor_key = $1", actorKey).Scan(&prev); err != nil {
				return Reservation{}, fmt.Errorf("cooldown reread failed: %w", err)
			}
			return decide(actorKey, prev.UTC(), true, window, now), nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("tx commit failed: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Release(ctx context.Context, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	var err error
	if r.Previous.IsZero() {
		_, err = s.Db.Exec(ctx,
			"DELETE FROM cooldowns WHERE actor_key = $1 AND last_action_at = $2",
			r.ActorKey, r.At)
	} else {
		_, err = s.Db.Exec(ctx,
			"UPDATE cooldowns SET last_action_at = $3 WHERE actor_key = $1 AND last_action_at = $2",
			r.ActorKey, r.At, r.Previous)
	}
	if err != nil {
		return fmt.Errorf("cooldown release failed: %w", err)
	}
	return nil
}

// Import bulk-loads records exported from another backend in one
// transaction. Proof keys already present are kept; for an actor present on
// both sides the later timestamp wins. It returns the rows written.
func (s *PostgresStore) Import(ctx context.Context, proofs []domain.UsedProofRecord, cooldowns []domain.CooldownEntry) (int64, int64, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		"CREATE TEMP TABLE import_proofs (LIKE used_proofs) ON COMMIT DROP",
		"CREATE TEMP TABLE import_cooldowns (LIKE cooldowns) ON COMMIT DROP",
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return 0, 0, fmt.Errorf("staging table failed: %w", err)
		}
	}

	// Bulk insert using CopyFrom
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"import_proofs"},
		[]string{"proof_key", "consumed_at"},
		pgx.CopyFromSlice(len(proofs), func(i int) ([]any, error) {
			return []any{proofs[i].ProofKey, proofs[i].ConsumedAt}, nil
		}),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("proof copy failed: %w", err)
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"import_cooldowns"},
		[]string{"actor_key", "last_action_at"},
		pgx.CopyFromSlice(len(cooldowns), func(i int) ([]any, error) {
			return []any{NormalizeActor(cooldowns[i].ActorKey), cooldowns[i].LastActionAt}, nil
		}),
	)
	if err != nil {
		return 0, 0, fmt.Errorf("cooldown copy failed: %w", err)
	}

	proofTag, err := tx.Exec(ctx,
		"INSERT INTO used_proofs SELECT * FROM import_proofs ON CONFLICT (proof_key) DO NOTHING")
	if err != nil {
		return 0, 0, fmt.Errorf("proof import failed: %w", err)
	}
	cooldownTag, err := tx.Exec(ctx, `
		INSERT INTO cooldowns SELECT * FROM import_cooldowns
		ON CONFLICT (actor_key) DO UPDATE SET last_action_at = EXCLUDED.last_action_at
		WHERE cooldowns.last_action_at < EXCLUDED.last_action_at`)
	if err != nil {
		return 0, 0, fmt.Errorf("cooldown import failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return proofTag.RowsAffected(), cooldownTag.RowsAffected(), nil
}
