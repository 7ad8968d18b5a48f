package upstox

// Side is an order transaction type
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	OrderTypeMarket = "MARKET"
	ProductIntraday = "I"

	// OrderStatusComplete marks a fully executed order
	OrderStatusComplete = "complete"
	OrderStatusRejected = "rejected"
)

// Token is the OAuth token exchange response
type Token struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Email       string `json:"email"`
}

// Profile is the account profile for an access token
type Profile struct {
	UserID    string   `json:"user_id"`
	UserName  string   `json:"user_name"`
	Email     string   `json:"email"`
	Broker    string   `json:"broker"`
	Exchanges []string `json:"exchanges"`
	IsActive  bool     `json:"is_active"`
}

// OrderRequest describes an order to place. Product and OrderType default
// to intraday MARKET when empty.
type OrderRequest struct {
	InstrumentKey string
	Quantity      int
	Side          Side
	Product       string
	OrderType     string
}

type placeOrderPayload struct {
	Quantity          int     `json:"quantity"`
	Product           string  `json:"product"`
	Validity          string  `json:"validity"`
	Price             float64 `json:"price"`
	Tag               string  `json:"tag,omitempty"`
	InstrumentToken   string  `json:"instrument_token"`
	OrderType         string  `json:"order_type"`
	TransactionType   string  `json:"transaction_type"`
	DisclosedQuantity int     `json:"disclosed_quantity"`
	TriggerPrice      float64 `json:"trigger_price"`
	IsAMO             bool    `json:"is_amo"`
}

// Order is the broker view of a placed order
type Order struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	InstrumentToken string  `json:"instrument_token"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
}

// FillPrice returns the average fill price once the order is complete
func (o *Order) FillPrice() (float64, bool) {
	if o == nil || o.Status != OrderStatusComplete || o.AveragePrice <= 0 {
		return 0, false
	}
	return o.AveragePrice, true
}
