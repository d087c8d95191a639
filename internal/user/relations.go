package user

import (
	"context"
	"database/sql"
)

// RelationRepository owns the block and buddy-match edges between users.
// Blocks are directed (blocker, blocked); buddy matches are undirected and
// stored with the lesser id first so one row covers both directions.
type RelationRepository struct {
	db *sql.DB
}

func NewRelationRepository(db *sql.DB) *RelationRepository {
	return &RelationRepository{db: db}
}

func (r *RelationRepository) Block(ctx context.Context, blockerID, blockedID string) error {
	query := `INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
              ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, blockerID, blockedID)
	return err
}

func (r *RelationRepository) Unblock(ctx context.Context, blockerID, blockedID string) error {
	query := `DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`
	_, err := r.db.ExecContext(ctx, query, blockerID, blockedID)
	return err
}

// Blocked reports whether a block exists in either direction between a and b.
func (r *RelationRepository) Blocked(ctx context.Context, a, b string) (bool, error) {
	query := `SELECT EXISTS (
                  SELECT 1 FROM blocks
                  WHERE (blocker_id = $1 AND blocked_id = $2)
                     OR (blocker_id = $2 AND blocked_id = $1))`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, a, b).Scan(&exists)
	return exists, err
}

func orderPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func (r *RelationRepository) AddBuddyMatch(ctx context.Context, a, b string) error {
	lo, hi := orderPair(a, b)
	query := `INSERT INTO buddy_matches (user_a, user_b) VALUES ($1, $2)
              ON CONFLICT DO NOTHING`
	_, err := r.db.ExecContext(ctx, query, lo, hi)
	return err
}

func (r *RelationRepository) RemoveBuddyMatch(ctx context.Context, a, b string) error {
	lo, hi := orderPair(a, b)
	query := `DELETE FROM buddy_matches WHERE user_a = $1 AND user_b = $2`
	_, err := r.db.ExecContext(ctx, query, lo, hi)
	return err
}

func (r *RelationRepository) Matched(ctx context.Context, a, b string) (bool, error) {
	lo, hi := orderPair(a, b)
	query := `SELECT EXISTS (SELECT 1 FROM buddy_matches WHERE user_a = $1 AND user_b = $2)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, lo, hi).Scan(&exists)
	return exists, err
}
