package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const userColumns = `
	id::text, COALESCE(broker_user_id, ''), COALESCE(name, ''), COALESCE(mobile_number, ''),
	is_trading_on, quantity, COALESCE(encrypted_access_token, ''), token_updated_at,
	created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID, &user.BrokerUserID, &user.Name, &user.MobileNumber,
		&user.IsTradingOn, &user.Quantity, &user.EncryptedAccessToken, &user.TokenUpdatedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// ListTradingUsers returns every user with trading switched on
func (r *Repository) ListTradingUsers(ctx context.Context) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE is_trading_on = TRUE ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list trading users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// GetUserByID retrieves a user by ID. Returns nil, nil when absent.
func (r *Repository) GetUserByID(ctx context.Context, userID string) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id::text = $1`

	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpsertBrokerUser creates or refreshes the user identified by the broker's
// user id and stores its sealed access token
func (r *Repository) UpsertBrokerUser(ctx context.Context, brokerUserID, name, sealedToken string) (*User, error) {
	query := `
		INSERT INTO users (broker_user_id, name, encrypted_access_token, token_updated_at)
		VALUES ($1, NULLIF($2, ''), $3, CURRENT_TIMESTAMP)
		ON CONFLICT (broker_user_id) DO UPDATE SET
			name = COALESCE(EXCLUDED.name, users.name),
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			token_updated_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		RETURNING ` + userColumns

	user, err := scanUser(r.db.Pool.QueryRow(ctx, query, brokerUserID, name, sealedToken))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return user, nil
}

// UpdateAccessToken replaces a user's sealed access token
func (r *Repository) UpdateAccessToken(ctx context.Context, userID, sealedToken string) error {
	query := `
		UPDATE users SET
			encrypted_access_token = $2,
			token_updated_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id::text = $1
	`
	return r.execOne(ctx, "update access token", query, userID, sealedToken)
}

// SetTradingEnabled toggles a user's trading flag
func (r *Repository) SetTradingEnabled(ctx context.Context, userID string, enabled bool) error {
	query := `UPDATE users SET is_trading_on = $2, updated_at = CURRENT_TIMESTAMP WHERE id::text = $1`
	return r.execOne(ctx, "set trading flag", query, userID, enabled)
}

// SetQuantity stores a user's order quantity
func (r *Repository) SetQuantity(ctx context.Context, userID string, quantity int) error {
	query := `UPDATE users SET quantity = $2, updated_at = CURRENT_TIMESTAMP WHERE id::text = $1`
	return r.execOne(ctx, "set quantity", query, userID, quantity)
}

func (r *Repository) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s: %w", op, pgx.ErrNoRows)
	}
	return nil
}
