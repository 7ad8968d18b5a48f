package auth

// UserClaims represents the JWT claims for a dashboard user
type UserClaims struct {
	UserID       string `json:"user_id"`
	BrokerUserID string `json:"broker_user_id,omitempty"`
	Name         string `json:"name,omitempty"`
}

// TokenResponse is returned after a successful broker login
type TokenResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // Seconds
	TokenType   string `json:"token_type"` // Always "Bearer"
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "authentication required"}
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or malformed token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
)
