// Package membership resolves which communities a user belongs to, so a new
// connection can be subscribed to their channels straight away.
package membership

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is implemented by *pgxpool.Pool and can be mocked for testing.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store reads the community_members table owned by the community service.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return pool, nil
}

// Migrate creates the table when this service runs without the community
// service, e.g. locally.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS community_members (
	community_id text NOT NULL,
	user_id      text NOT NULL,
	role         text NOT NULL DEFAULT 'member',
	joined_at    timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (community_id, user_id)
)`)
	if err != nil {
		return fmt.Errorf("migrate community_members: %w", err)
	}
	return nil
}

func (s *Store) CommunitiesOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
      SELECT community_id
      FROM community_members
      WHERE user_id = $1
      ORDER BY joined_at
  `, userID)
	if err != nil {
		return nil, fmt.Errorf("list communities of %s: %w", userID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan community id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list communities of %s: %w", userID, err)
	}
	return ids, nil
}

// Static serves memberships from memory. It is used when no database is
// configured and in tests.
type Static map[string][]string

func (s Static) CommunitiesOf(_ context.Context, userID string) ([]string, error) {
	return append([]string(nil), s[userID]...), nil
}
