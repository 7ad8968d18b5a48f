package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nifty-options-bot/internal/auth"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/logging"
	"nifty-options-bot/internal/position"
	"nifty-options-bot/internal/users"

	"github.com/gin-gonic/gin"
)

const (
	defaultExitSegment = "NSE_FO"
	defaultLeaseTTL    = 60 * time.Second
)

// handleHealth probes every configured dependency
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := gin.H{}
	for _, hc := range s.deps.Checks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "healthy"
	}

	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleWebSocket attaches an authenticated dashboard connection to the hub
func (s *Server) handleWebSocket(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	s.deps.Hub.serve(c, userID)
}

// handleDashboardState returns the last snapshot the order cycle published,
// or a placeholder before the first cycle
func (s *Server) handleDashboardState(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	raw, err := s.deps.Store.Get(c.Request.Context(), cache.MarketStateKey(userID))
	if err == nil && json.Valid([]byte(raw)) {
		c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(raw))
		return
	}
	if err != nil && !cache.IsMiss(err) {
		logger := logging.FromContext(c.Request.Context())
		logger.Warn().Err(err).Msg("Failed to read dashboard state")
	}
	c.JSON(http.StatusOK, position.DefaultMarketUpdate(s.deps.IndexName))
}

// handleSquareOff raises the manual square-off flag consumed by the next cycle
func (s *Server) handleSquareOff(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	if err := s.deps.Store.Set(c.Request.Context(), cache.SquareOffKey(userID), "1", cache.SquareOffTTL); err != nil {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Msg("Failed to set square-off flag")
		errorResponse(c, http.StatusInternalServerError, "failed to request square-off")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Square-off requested",
	})
}

// handleExitAll closes every broker position of the user immediately and
// forgets the tracked trade
func (s *Server) handleExitAll(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	u, err := s.deps.Users.GetUser(ctx, userID)
	if err != nil {
		s.userError(c, err)
		return
	}
	if u.AccessToken == "" {
		errorResponse(c, http.StatusConflict, "no broker session, log in again")
		return
	}

	// Shared with the order cycle: no cycle may act on the trade meanwhile
	ttl := s.deps.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	lease, err := s.deps.Store.AcquireLease(ctx, cache.OrderLeaseKey(userID), ttl)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			errorResponse(c, http.StatusConflict, "order cycle in progress, try again shortly")
			return
		}
		logger.Error().Err(err).Str("user_id", userID).Msg("Failed to acquire order lease")
		errorResponse(c, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to release order lease")
		}
	}()

	segment := s.deps.ExitSegment
	if segment == "" {
		segment = defaultExitSegment
	}
	if err := s.deps.Broker.WithToken(u.AccessToken).ExitAllPositions(ctx, segment); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("Exit all positions failed")
		errorResponse(c, http.StatusBadGateway, "broker rejected exit request")
		return
	}

	if err := s.deps.Store.Delete(ctx, cache.ActiveTradeKey(userID)); err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to clear active trade")
	}
	if s.deps.Hub != nil {
		s.deps.Hub.NotifyTrade(userID, "Exited all positions")
	}

	successResponse(c, gin.H{"segment": segment})
}

// handleLogin redirects to the broker's authorization dialog
func (s *Server) handleLogin(c *gin.Context) {
	if s.deps.LoginURL == "" {
		errorResponse(c, http.StatusServiceUnavailable, "broker login is not configured")
		return
	}
	c.Redirect(http.StatusFound, s.deps.LoginURL)
}

// handleCallback exchanges the authorization code for a broker token,
// stores it and issues a dashboard session
func (s *Server) handleCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		errorResponse(c, http.StatusBadRequest, "missing authorization code")
		return
	}
	ctx := c.Request.Context()
	logger := logging.FromContext(ctx)

	token, err := s.deps.Broker.Authenticate(ctx, code)
	if err != nil {
		logger.Warn().Err(err).Msg("Broker token exchange failed")
		errorResponse(c, http.StatusUnauthorized, "broker login failed")
		return
	}

	userID, err := s.deps.Users.RegisterBrokerUser(ctx, token.UserID, token.UserName, token.AccessToken)
	if err != nil {
		logger.Error().Err(err).Str("broker_user_id", token.UserID).Msg("Failed to store broker token")
		errorResponse(c, http.StatusInternalServerError, "failed to store broker session")
		return
	}

	if s.deps.Owner != nil && s.deps.OwnerBrokerUserID != "" && token.UserID == s.deps.OwnerBrokerUserID {
		if err := s.deps.Owner.Save(ctx, token.AccessToken, token.UserID); err != nil {
			logger.Error().Err(err).Msg("Failed to store feed owner token")
		} else {
			logger.Info().Str("broker_user_id", token.UserID).Msg("Feed owner token refreshed")
		}
	}

	if !s.authEnabled {
		successResponse(c, gin.H{"user_id": userID})
		return
	}

	resp, err := s.deps.JWT.IssueToken(auth.UserClaims{
		UserID:       userID,
		BrokerUserID: token.UserID,
		Name:         token.UserName,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to issue session token")
		errorResponse(c, http.StatusInternalServerError, "failed to issue session")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSettings returns the user's trading flag and quantity
func (s *Server) handleGetSettings(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	u, err := s.deps.Users.GetUser(c.Request.Context(), userID)
	if err != nil {
		s.userError(c, err)
		return
	}

	successResponse(c, gin.H{
		"user_id":          u.ID,
		"is_trading_on":    u.IsTradingOn,
		"quantity":         u.Quantity,
		"has_broker_token": u.AccessToken != "",
	})
}

type tradingRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// handleSetTrading turns automated trading on or off for the user
func (s *Server) handleSetTrading(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req tradingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.deps.Users.SetTradingEnabled(c.Request.Context(), userID, *req.Enabled); err != nil {
		s.userError(c, err)
		return
	}

	successResponse(c, gin.H{"is_trading_on": *req.Enabled})
}

type quantityRequest struct {
	Quantity int `json:"quantity" binding:"required"`
}

// handleSetQuantity changes the per-order quantity
func (s *Server) handleSetQuantity(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "quantity is required")
		return
	}

	if err := s.deps.Users.SetQuantity(c.Request.Context(), userID, req.Quantity); err != nil {
		s.userError(c, err)
		return
	}

	successResponse(c, gin.H{"quantity": req.Quantity})
}

// userError maps directory errors to responses
func (s *Server) userError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, users.ErrNotFound):
		errorResponse(c, http.StatusNotFound, "user not found")
	case errors.Is(err, users.ErrInvalidQuantity):
		errorResponse(c, http.StatusBadRequest, err.Error())
	default:
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Msg("User directory error")
		errorResponse(c, http.StatusInternalServerError, "internal error")
	}
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// getUserIDRequired returns the user ID from the context and sends an error
// if the request is not authenticated
func (s *Server) getUserIDRequired(c *gin.Context) (string, bool) {
	userID := auth.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   auth.ErrUnauthorized.Code,
			"message": auth.ErrUnauthorized.Message,
		})
		return "", false
	}
	return userID, true
}
