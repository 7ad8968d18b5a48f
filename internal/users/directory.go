// Package users supplies the read-only user view the order cycle runs on:
// trading flag, order quantity and a decrypted broker access token.
package users

import (
	"context"
	"errors"
	"fmt"

	"nifty-options-bot/internal/credentials"
	"nifty-options-bot/internal/database"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ErrInvalidQuantity is returned for a quantity that is not a positive lot multiple
var ErrInvalidQuantity = errors.New("users: quantity must be a positive multiple of the lot size")

// ErrNotFound is returned for an unknown user id
var ErrNotFound = errors.New("users: not found")

// User is the view of a trader consumed by the order cycle
type User struct {
	ID          string
	IsTradingOn bool
	Quantity    int
	AccessToken string
}

// Repository is the persistence the directory reads and writes
type Repository interface {
	ListTradingUsers(ctx context.Context) ([]database.User, error)
	GetUserByID(ctx context.Context, userID string) (*database.User, error)
	UpsertBrokerUser(ctx context.Context, brokerUserID, name, sealedToken string) (*database.User, error)
	UpdateAccessToken(ctx context.Context, userID, sealedToken string) error
	SetTradingEnabled(ctx context.Context, userID string, enabled bool) error
	SetQuantity(ctx context.Context, userID string, quantity int) error
}

// Directory assembles User views from stored rows
type Directory struct {
	repo    Repository
	sealer  *credentials.Sealer
	lotSize int
	logger  zerolog.Logger
}

// NewDirectory creates a user directory
func NewDirectory(repo Repository, sealer *credentials.Sealer, lotSize int, logger zerolog.Logger) *Directory {
	return &Directory{
		repo:    repo,
		sealer:  sealer,
		lotSize: lotSize,
		logger:  logger.With().Str("component", "users").Logger(),
	}
}

// ValidQuantity reports whether qty is a positive multiple of lotSize
func ValidQuantity(qty, lotSize int) bool {
	if qty <= 0 || lotSize <= 0 {
		return false
	}
	return qty%lotSize == 0
}

// ListTradingUsers returns every user with trading on, a valid quantity and
// a readable token. Users failing either check are skipped with a warning.
func (d *Directory) ListTradingUsers(ctx context.Context) ([]User, error) {
	rows, err := d.repo.ListTradingUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trading users: %w", err)
	}

	out := make([]User, 0, len(rows))
	for _, row := range rows {
		u, err := d.view(row)
		if err != nil {
			d.logger.Warn().Err(err).Str("user_id", row.ID).Msg("Skipping user")
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// GetUser returns one user's view. An invalid quantity or unreadable token
// is returned as an error alongside no view.
func (d *Directory) GetUser(ctx context.Context, userID string) (*User, error) {
	row, err := d.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	u, err := d.view(*row)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SaveAccessToken seals token and stores it for userID
func (d *Directory) SaveAccessToken(ctx context.Context, userID, token string) error {
	sealed, err := d.sealer.Seal(token)
	if err != nil {
		return err
	}
	return d.repo.UpdateAccessToken(ctx, userID, sealed)
}

// RegisterBrokerUser stores a freshly issued token for the broker account,
// creating the user on first login. Returns the directory id.
func (d *Directory) RegisterBrokerUser(ctx context.Context, brokerUserID, name, token string) (string, error) {
	sealed, err := d.sealer.Seal(token)
	if err != nil {
		return "", err
	}
	row, err := d.repo.UpsertBrokerUser(ctx, brokerUserID, name, sealed)
	if err != nil {
		return "", err
	}
	d.logger.Info().Str("user_id", row.ID).Str("broker_user_id", brokerUserID).Msg("Stored broker access token")
	return row.ID, nil
}

// SetTradingEnabled toggles a user's trading flag
func (d *Directory) SetTradingEnabled(ctx context.Context, userID string, enabled bool) error {
	return notFound(d.repo.SetTradingEnabled(ctx, userID, enabled))
}

// SetQuantity stores a new order quantity after validating it
func (d *Directory) SetQuantity(ctx context.Context, userID string, quantity int) error {
	if !ValidQuantity(quantity, d.lotSize) {
		return fmt.Errorf("%w: %d (lot size %d)", ErrInvalidQuantity, quantity, d.lotSize)
	}
	return notFound(d.repo.SetQuantity(ctx, userID, quantity))
}

// notFound maps a missing row to ErrNotFound
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (d *Directory) view(row database.User) (User, error) {
	if !ValidQuantity(row.Quantity, d.lotSize) {
		return User{}, fmt.Errorf("%w: %d (lot size %d)", ErrInvalidQuantity, row.Quantity, d.lotSize)
	}

	var token string
	if row.EncryptedAccessToken != "" {
		var err error
		token, err = d.sealer.Open(row.EncryptedAccessToken)
		if err != nil {
			return User{}, fmt.Errorf("decrypt access token: %w", err)
		}
	}

	return User{
		ID:          row.ID,
		IsTradingOn: row.IsTradingOn,
		Quantity:    row.Quantity,
		AccessToken: token,
	}, nil
}
