package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nifty-options-bot/config"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultFeedAuthorizeURL returns the one-time websocket URL for the market data feed
const DefaultFeedAuthorizeURL = "https://api.upstox.com/v3/feed/market-data-feed/authorize"

// FeedModeLTPC streams last traded price and close only
const FeedModeLTPC = "ltpc"

// FeedStream is an open market data connection
type FeedStream interface {
	Subscribe(instrumentKeys []string) error
	Next() (*FeedMessage, error)
	Close() error
}

// FeedConnector opens market data connections
type FeedConnector interface {
	Connect(ctx context.Context) (FeedStream, error)
}

// Feed authorizes and dials the market data websocket
type Feed struct {
	authorizeURL string
	token        string
	tokens       TokenSource
	httpClient   *http.Client
	dialer       *websocket.Dialer
}

// NewFeed creates a feed connector authenticating as token
func NewFeed(cfg config.UpstoxConfig, token string) *Feed {
	authorizeURL := cfg.FeedAuthorizeURL
	if authorizeURL == "" {
		authorizeURL = DefaultFeedAuthorizeURL
	}
	return &Feed{
		authorizeURL: authorizeURL,
		token:        strings.TrimSpace(token),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// NewFeedWithTokenSource creates a feed connector that reads its token from
// src on every connect
func NewFeedWithTokenSource(cfg config.UpstoxConfig, src TokenSource) *Feed {
	f := NewFeed(cfg, "")
	f.tokens = src
	return f
}

// Connect authorizes a feed session and dials it
func (f *Feed) Connect(ctx context.Context) (FeedStream, error) {
	wsURL, err := f.authorize(ctx)
	if err != nil {
		return nil, err
	}

	conn, _, err := f.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing market feed: %w", err)
	}
	return &FeedConn{conn: conn}, nil
}

func (f *Feed) authorize(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.authorizeURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	token := f.token
	if f.tokens != nil {
		if token, err = f.tokens(ctx); err != nil {
			return "", fmt.Errorf("feed access token: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error authorizing market feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Message: "feed authorization failed"}
	}

	var body struct {
		Data struct {
			AuthorizedRedirectURI string `json:"authorized_redirect_uri"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("error parsing feed authorization: %w", err)
	}
	if body.Data.AuthorizedRedirectURI == "" {
		return "", fmt.Errorf("feed authorization returned no websocket url")
	}
	return body.Data.AuthorizedRedirectURI, nil
}

// FeedConn is a dialed market data websocket. Next must be called from a
// single goroutine; Subscribe and Close are safe to call concurrently.
type FeedConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

type subscribeRequest struct {
	GUID   string `json:"guid"`
	Method string `json:"method"`
	Data   struct {
		Mode           string   `json:"mode"`
		InstrumentKeys []string `json:"instrumentKeys"`
	} `json:"data"`
}

// Subscribe requests LTPC updates for instrumentKeys. The control message
// is JSON sent as a binary frame.
func (c *FeedConn) Subscribe(instrumentKeys []string) error {
	req := subscribeRequest{GUID: uuid.New().String(), Method: "sub"}
	req.Data.Mode = FeedModeLTPC
	req.Data.InstrumentKeys = instrumentKeys

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("error sending subscribe: %w", err)
	}
	return nil
}

// Next blocks for the next binary frame and decodes it. Text frames are
// returned as empty messages.
func (c *FeedConn) Next() (*FeedMessage, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return &FeedMessage{}, nil
	}
	msg, err := DecodeFeed(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding feed frame: %w", err)
	}
	return msg, nil
}

// Close closes the connection. It unblocks a pending Next.
func (c *FeedConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

var _ FeedConnector = (*Feed)(nil)
var _ FeedStream = (*FeedConn)(nil)
