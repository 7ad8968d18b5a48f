package upstox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nifty-options-bot/config"

	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production REST endpoint
	DefaultBaseURL = "https://api.upstox.com"

	apiVersion = "2.0"
	dateLayout = "2006-01-02"
)

// Client talks to the broker REST API on behalf of one access token.
// Clients derived with WithToken share the rate limiter and HTTP transport.
type Client struct {
	baseURL      string
	token        string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	limiter      *rate.Limiter
	tokens       TokenSource
}

// TokenSource yields the access token to use for the next request
type TokenSource func(ctx context.Context) (string, error)

// NewClient creates a client from configuration. The configured access
// token, if any, is used until WithToken replaces it.
func NewClient(cfg config.UpstoxConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        strings.TrimSpace(cfg.AccessToken),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, burst),
	}
}

// WithToken returns a copy of the client that authenticates as token
func (c *Client) WithToken(token string) API {
	cp := *c
	cp.token = strings.TrimSpace(token)
	cp.tokens = nil
	return &cp
}

// WithTokenSource returns a copy of the client that asks src for a token
// before every request, so a refreshed token is picked up without a restart
func (c *Client) WithTokenSource(src TokenSource) *Client {
	cp := *c
	cp.tokens = src
	return &cp
}

// envelope is the common response wrapper
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	} `json:"errors"`
}

// AuthorizationURL returns the login dialog URL that redirects back with an
// authorization code
func AuthorizationURL(cfg config.UpstoxConfig) string {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", cfg.RedirectURI)
	return strings.TrimRight(baseURL, "/") + "/v2/login/authorization/dialog?" + q.Encode()
}

// Authenticate exchanges an OAuth authorization code for an access token
func (c *Client) Authenticate(ctx context.Context, code string) (*Token, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("grant_type", "authorization_code")

	req, err := c.newRequest(ctx, http.MethodPost, "/v2/login/authorization/token", nil, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Del("Authorization")

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("error exchanging auth code: %w", err)
	}

	// The token endpoint answers without the usual envelope
	var tok Token
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("error parsing token: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, &APIError{Status: http.StatusOK, Message: "token response without access_token"}
	}
	return &tok, nil
}

// GetProfile returns the profile for the client's token. A 401 means the
// token is no longer valid.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.getData(ctx, "/v2/user/profile", nil, &p); err != nil {
		return nil, fmt.Errorf("error fetching profile: %w", err)
	}
	return &p, nil
}

// GetHistoricalCandles returns raw candle rows [ts, o, h, l, c, v, oi]
// between from and to inclusive, newest first as the broker sends them.
func (c *Client) GetHistoricalCandles(ctx context.Context, instrument, unit, interval string, to, from time.Time) ([][]interface{}, error) {
	path := fmt.Sprintf("/v3/historical-candle/%s/%s/%s/%s/%s",
		url.PathEscape(instrument), unit, interval, to.Format(dateLayout), from.Format(dateLayout))

	var data struct {
		Candles [][]interface{} `json:"candles"`
	}
	if err := c.getData(ctx, path, nil, &data); err != nil {
		return nil, fmt.Errorf("error fetching candles: %w", err)
	}
	return data.Candles, nil
}

// GetOptionContracts returns the contract list for an underlying and expiry
// as sent by the broker. Its shape varies and is normalized by the caller.
func (c *Client) GetOptionContracts(ctx context.Context, instrument string, expiry time.Time) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("instrument_key", instrument)
	params.Set("expiry_date", expiry.Format(dateLayout))

	var data json.RawMessage
	if err := c.getData(ctx, "/v2/option/contract", params, &data); err != nil {
		return nil, fmt.Errorf("error fetching option contracts: %w", err)
	}
	return data, nil
}

// PlaceOrder submits an order and returns the broker order id
func (c *Client) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	payload := placeOrderPayload{
		Quantity:        order.Quantity,
		Product:         order.Product,
		Validity:        "DAY",
		InstrumentToken: order.InstrumentKey,
		OrderType:       order.OrderType,
		TransactionType: string(order.Side),
	}
	if payload.Product == "" {
		payload.Product = ProductIntraday
	}
	if payload.OrderType == "" {
		payload.OrderType = OrderTypeMarket
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v2/order/place", nil, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.doData(req, &data); err != nil {
		return "", fmt.Errorf("error placing %s order for %s: %w", order.Side, order.InstrumentKey, err)
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("%w: no order id returned", ErrOrderRejected)
	}
	return data.OrderID, nil
}

// GetOrder returns the latest state of an order
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("order_id", orderID)

	var o Order
	if err := c.getData(ctx, "/v2/order/details", params, &o); err != nil {
		return nil, fmt.Errorf("error fetching order %s: %w", orderID, err)
	}
	return &o, nil
}

// GetLTP returns the last traded price of one instrument
func (c *Client) GetLTP(ctx context.Context, instrument string) (float64, error) {
	params := url.Values{}
	params.Set("instrument_key", instrument)

	var data map[string]struct {
		LastPrice       float64 `json:"last_price"`
		InstrumentToken string  `json:"instrument_token"`
	}
	if err := c.getData(ctx, "/v2/market-quote/ltp", params, &data); err != nil {
		return 0, fmt.Errorf("error fetching ltp for %s: %w", instrument, err)
	}

	// Response keys use "SEGMENT:SYMBOL", so match on the token field
	for _, q := range data {
		if q.InstrumentToken == instrument || len(data) == 1 {
			if q.LastPrice <= 0 {
				break
			}
			return q.LastPrice, nil
		}
	}
	return 0, fmt.Errorf("no ltp for %s", instrument)
}

// ExitAllPositions closes every open position, optionally limited to one segment
func (c *Client) ExitAllPositions(ctx context.Context, segment string) error {
	var params url.Values
	if segment != "" {
		params = url.Values{}
		params.Set("segment", segment)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v2/order/positions/exit", params, nil)
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("error exiting positions: %w", err)
	}
	return nil
}

func (c *Client) getData(ctx context.Context, path string, params url.Values, dest interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return err
	}
	return c.doData(req, dest)
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body io.Reader) (*http.Request, error) {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL = fmt.Sprintf("%s?%s", reqURL, params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Version", apiVersion)
	token := c.token
	if c.tokens != nil {
		if token, err = c.tokens(ctx); err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do waits for the rate limiter, sends the request and returns the body of
// a 2xx response. Other statuses become *APIError.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) doData(req *http.Request, dest interface{}) error {
	body, err := c.do(req)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	if env.Status != "" && env.Status != "success" {
		return parseAPIError(http.StatusOK, body)
	}
	if dest == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return fmt.Errorf("error parsing data: %w", err)
	}
	return nil
}

func parseAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Errors) > 0 {
		apiErr.Code = env.Errors[0].ErrorCode
		apiErr.Message = env.Errors[0].Message
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
