package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"nifty-options-bot/internal/vault"
)

// OwnerTokenName is the Vault entry holding the market data token
const OwnerTokenName = "owner"

// ErrNoOwnerToken means neither Vault nor configuration supplies a token
var ErrNoOwnerToken = errors.New("credentials: owner access token not configured")

// TokenVault is the subset of the Vault client used for the owner token
type TokenVault interface {
	StoreToken(ctx context.Context, name string, data vault.TokenData) error
	GetToken(ctx context.Context, name string) (*vault.TokenData, error)
}

// OwnerTokens resolves the token used for global market data: Vault first,
// then the configured fallback.
type OwnerTokens struct {
	vault    TokenVault
	fallback string
}

// NewOwnerTokens creates an owner token resolver
func NewOwnerTokens(v TokenVault, fallback string) *OwnerTokens {
	return &OwnerTokens{vault: v, fallback: strings.TrimSpace(fallback)}
}

// Token returns the current owner token
func (o *OwnerTokens) Token(ctx context.Context) (string, error) {
	if o.vault != nil {
		data, err := o.vault.GetToken(ctx, OwnerTokenName)
		switch {
		case err == nil && data.AccessToken != "":
			return data.AccessToken, nil
		case err != nil && !errors.Is(err, vault.ErrNotFound):
			if o.fallback == "" {
				return "", fmt.Errorf("read owner token: %w", err)
			}
		}
	}
	if o.fallback == "" {
		return "", ErrNoOwnerToken
	}
	return o.fallback, nil
}

// Save stores a new owner token
func (o *OwnerTokens) Save(ctx context.Context, token, brokerUserID string) error {
	if o.vault == nil {
		return fmt.Errorf("no token vault configured")
	}
	return o.vault.StoreToken(ctx, OwnerTokenName, vault.TokenData{AccessToken: token, BrokerUserID: brokerUserID})
}
