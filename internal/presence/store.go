package presence

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	query := `INSERT INTO presence (user_id, is_online, last_seen, updated_at)
              VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
              ON CONFLICT (user_id) DO UPDATE
              SET is_online = EXCLUDED.is_online,
                  last_seen = EXCLUDED.last_seen,
                  updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.ExecContext(ctx, query, rec.UserID, rec.IsOnline, rec.LastSeen)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Record, bool, error) {
	rec := Record{UserID: userID}
	query := `SELECT is_online, last_seen FROM presence WHERE user_id = $1`
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&rec.IsOnline, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}
