package database

import "time"

// User is a row of the users table
type User struct {
	ID                   string     `json:"id"`
	BrokerUserID         string     `json:"broker_user_id,omitempty"`
	Name                 string     `json:"name,omitempty"`
	MobileNumber         string     `json:"mobile_number,omitempty"`
	IsTradingOn          bool       `json:"is_trading_on"`
	Quantity             int        `json:"quantity"`
	EncryptedAccessToken string     `json:"-"` // Never serialize
	TokenUpdatedAt       *time.Time `json:"token_updated_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
