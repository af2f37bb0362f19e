package likes

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open connects to PostgreSQL and waits until the database answers, retrying
// up to attempts times one second apart.
func Open(ctx context.Context, dsn string, attempts int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("likes: open: %w", err)
	}
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return db, nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("likes: ping database: %w", err)
}

// Migrate applies the embedded schema migrations. An up-to-date schema is not
// an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("likes: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "pairing_schema_migrations"})
	if err != nil {
		return fmt.Errorf("likes: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("likes: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("likes: migrate up: %w", err)
	}
	return nil
}

// PostgresStore manages likes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle. The
// schema must already be migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Record upserts the like and, for a mutual like, flags the reverse row in
// the same transaction.
func (s *PostgresStore) Record(ctx context.Context, from, to string, mutual bool) error {
	if from == to {
		return ErrSelfLike
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("likes: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const upsert = `
		INSERT INTO peer_likes (from_id, to_id, mutual)
		VALUES ($1, $2, $3)
		ON CONFLICT (from_id, to_id)
		DO UPDATE SET mutual = peer_likes.mutual OR EXCLUDED.mutual, created_at = NOW()`
	if _, err := tx.ExecContext(ctx, upsert, from, to, mutual); err != nil {
		return fmt.Errorf("likes: insert: %w", err)
	}

	if mutual {
		const flag = `UPDATE peer_likes SET mutual = TRUE WHERE from_id = $1 AND to_id = $2`
		if _, err := tx.ExecContext(ctx, flag, to, from); err != nil {
			return fmt.Errorf("likes: flag mutual: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("likes: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Liked(ctx context.Context, id string) ([]Like, error) {
	const query = `
		SELECT from_id, to_id, mutual, created_at
		FROM peer_likes
		WHERE from_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("likes: query liked: %w", err)
	}
	defer rows.Close()

	var res []Like
	for rows.Next() {
		var l Like
		if err := rows.Scan(&l.From, &l.To, &l.Mutual, &l.At); err != nil {
			return nil, fmt.Errorf("likes: scan: %w", err)
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (s *PostgresStore) Mutuals(ctx context.Context, id string) ([]string, error) {
	const query = `
		SELECT to_id
		FROM peer_likes
		WHERE from_id = $1 AND mutual
		ORDER BY to_id`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("likes: query mutuals: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return nil, fmt.Errorf("likes: scan: %w", err)
		}
		res = append(res, to)
	}
	return res, rows.Err()
}
