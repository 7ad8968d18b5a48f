package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/auth"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/logging"
	"nifty-options-bot/internal/upstox"
	"nifty-options-bot/internal/users"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LocalUserID is the identity every request runs as when auth is disabled
const LocalUserID = "00000000-0000-0000-0000-000000000000"

// RateLimiter provides simple in-memory rate limiting per key
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	// Filter out old requests
	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// UserDirectory is the user store the handlers read and update
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*users.User, error)
	RegisterBrokerUser(ctx context.Context, brokerUserID, name, token string) (string, error)
	SetTradingEnabled(ctx context.Context, userID string, enabled bool) error
	SetQuantity(ctx context.Context, userID string, quantity int) error
}

// OwnerTokenSaver persists the feed owner's broker token
type OwnerTokenSaver interface {
	Save(ctx context.Context, token, brokerUserID string) error
}

// HealthCheck is one dependency probed by /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the server needs
type Deps struct {
	Store  cache.Store
	Broker upstox.API
	Users  UserDirectory
	Owner  OwnerTokenSaver // nil disables owner token capture
	Hub    *UserHub
	JWT    *auth.JWTManager // nil disables auth

	IndexName         string
	LoginURL          string
	OwnerBrokerUserID string
	ExitSegment       string
	LeaseTTL          time.Duration // order cycle lease held while exiting all positions
	Checks            []HealthCheck
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	deps        Deps
	authEnabled bool
	rateLimiter *RateLimiter // guards endpoints that call the broker
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(logging.GinMiddleware(logger))
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	s := &Server{
		router:      router,
		config:      cfg,
		deps:        deps,
		authEnabled: deps.JWT != nil,
		rateLimiter: NewRateLimiter(30, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  seconds(cfg.ReadTimeout, 15),
		WriteTimeout: seconds(cfg.WriteTimeout, 15),
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func corsConfig(allowed string) cors.Config {
	cfg := cors.DefaultConfig()
	var origins []string
	for _, o := range strings.Split(allowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"}
	cfg.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	return cfg
}

// authMiddleware authenticates with a JWT, or as LocalUserID when auth is disabled
func (s *Server) authMiddleware(allowQuery bool) gin.HandlerFunc {
	if !s.authEnabled {
		return auth.StaticUser(LocalUserID)
	}
	return auth.Middleware(s.deps.JWT, allowQuery)
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.FullPath() + "|" + auth.GetUserID(c)
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Too many requests to this endpoint. Please slow down.",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.authMiddleware(true), s.handleWebSocket)

	authGroup := s.router.Group("/api/auth")
	{
		authGroup.GET("/login", s.handleLogin)
		authGroup.GET("/callback", s.handleCallback)
	}

	api := s.router.Group("/api")
	api.Use(s.authMiddleware(false))
	{
		api.GET("/dashboard-state", s.handleDashboardState)
		api.POST("/square-off", s.handleSquareOff)
		api.POST("/positions/exit-all", s.rateLimitMiddleware(), s.handleExitAll)

		api.GET("/settings", s.handleGetSettings)
		api.PUT("/settings/trading", s.handleSetTrading)
		api.PUT("/settings/quantity", s.handleSetQuantity)
	}
}

// Router exposes the handler tree, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
