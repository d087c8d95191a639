package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"huddle/internal/apperr"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := `INSERT INTO users (id, username, password, display_name)
              VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.Password, user.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := `SELECT id, username, password, display_name, avatar_url, verified,
                     show_profile, appear_in_search, allow_direct_messages,
                     created_at, updated_at
              FROM users WHERE username = $1`

	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.Password, &u.DisplayName, &u.AvatarURL, &u.Verified,
		&u.ShowProfile, &u.AppearInSearch, &u.AllowDirectMessages,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (*User, error) {
	u := &User{}
	query := `SELECT id, username, password, display_name, avatar_url, verified,
                     show_profile, appear_in_search, allow_direct_messages,
                     created_at, updated_at
              FROM users WHERE id = $1`

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Password, &u.DisplayName, &u.AvatarURL, &u.Verified,
		&u.ShowProfile, &u.AppearInSearch, &u.AllowDirectMessages,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// DMFlag reads the target's allow_direct_messages flag. found=false means no
// profile row exists; the permission resolver fails open in that case.
func (r *Repository) DMFlag(ctx context.Context, id string) (allowed bool, found bool, err error) {
	query := `SELECT allow_direct_messages FROM users WHERE id = $1`
	err = r.db.QueryRowContext(ctx, query, id).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return allowed, true, nil
}

func (r *Repository) UpdatePrivacy(ctx context.Context, id string, req *UpdatePrivacyRequest) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	add := func(col string, v *bool) {
		if v != nil {
			args = append(args, *v)
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("show_profile", req.ShowProfile)
	add("appear_in_search", req.AppearInSearch)
	add("allow_direct_messages", req.AllowDirectMessages)
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE users SET %s, updated_at = CURRENT_TIMESTAMP WHERE id = $%d`,
		strings.Join(sets, ", "), len(args))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrUserNotFound
	}
	return nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]Summary, error) {
	// Limit to 10 to keep it fast; users who opted out of search are skipped.
	q := `SELECT u.id, u.username, u.display_name, u.avatar_url, u.verified,
                 COALESCE(p.is_online, FALSE), p.last_seen
          FROM users u
          LEFT JOIN presence p ON p.user_id = u.id
          WHERE u.username ILIKE $1 AND u.appear_in_search
          LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []Summary
	for rows.Next() {
		var u Summary
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Verified, &u.IsOnline, &u.LastSeen); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Summaries batch-fetches roster profiles with presence joined, avoiding one
// round trip per participant when hydrating a conversation list.
func (r *Repository) Summaries(ctx context.Context, ids []string) (map[string]Summary, error) {
	out := make(map[string]Summary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	q := fmt.Sprintf(`SELECT u.id, u.username, u.display_name, u.avatar_url, u.verified,
                             COALESCE(p.is_online, FALSE), p.last_seen
                      FROM users u
                      LEFT JOIN presence p ON p.user_id = u.id
                      WHERE u.id IN (%s)`, strings.Join(placeholders, ", "))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u Summary
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.AvatarURL, &u.Verified, &u.IsOnline, &u.LastSeen); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}
