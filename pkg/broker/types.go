// Package broker defines the brokerage gateway contract and the typed
// values that cross it. Raw payloads are parsed into these types at the
// gateway boundary; nothing past it sees untyped JSON.
package broker

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	Buy  TransactionType = "BUY"
	Sell TransactionType = "SELL"
)

type OrderType string

const (
	OrderTypeMarket         OrderType = "MARKET"
	OrderTypeLimit          OrderType = "LIMIT"
	OrderTypeStopLossLimit  OrderType = "STOPLOSS_LIMIT"
	OrderTypeStopLossMarket OrderType = "STOPLOSS_MARKET"
)

const (
	VarietyNormal   = "NORMAL"
	DurationDay     = "DAY"
	ProductDelivery = "DELIVERY"
	ProductIntraday = "INTRADAY"
)

// Order is one entry of an account's order book.
type Order struct {
	OrderID         string          `json:"orderId"`
	Status          string          `json:"status"`
	Quantity        int             `json:"quantity"`
	FilledQuantity  int             `json:"filledQuantity"`
	Price           decimal.Decimal `json:"price"`
	AveragePrice    decimal.Decimal `json:"averagePrice"`
	TriggerPrice    decimal.Decimal `json:"triggerPrice"`
	Symbol          string          `json:"symbol"`
	SymbolToken     string          `json:"symbolToken"`
	Exchange        string          `json:"exchange"`
	TransactionType TransactionType `json:"transactionType"`
	OrderType       OrderType       `json:"orderType"`
	ProductType     string          `json:"productType"`
	Variety         string          `json:"variety"`
	Duration        string          `json:"duration"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// NormalizedStatus is the lower-cased, trimmed status used for matching.
func (o Order) NormalizedStatus() string {
	return strings.ToLower(strings.TrimSpace(o.Status))
}

// EffectivePrice is the limit price, or the average fill price when the
// order carries no limit price (market orders).
func (o Order) EffectivePrice() decimal.Decimal {
	if o.Price.IsPositive() {
		return o.Price
	}
	return o.AveragePrice
}

// Position is one net position row.
type Position struct {
	Symbol       string          `json:"symbol"`
	SymbolToken  string          `json:"symbolToken"`
	Exchange     string          `json:"exchange"`
	ProductType  string          `json:"productType"`
	NetQuantity  int             `json:"netQuantity"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
	LastPrice    decimal.Decimal `json:"lastPrice"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Margin is the funds summary of an account.
type Margin struct {
	Net       decimal.Decimal `json:"net"`
	Used      decimal.Decimal `json:"used"`
	Available decimal.Decimal `json:"available"`
}

// Session is a brokerage login.
type Session struct {
	AccessToken  string
	RefreshToken string
	FeedToken    string
}

// Credentials are plaintext login secrets, only held for the duration of a
// login call.
type Credentials struct {
	ClientCode string
	Password   string
	// TOTP is either a base32 TOTP secret or an already generated code.
	TOTP string
}

type PlaceOrderRequest struct {
	Variety         string
	Symbol          string
	SymbolToken     string
	Exchange        string
	TransactionType TransactionType
	OrderType       OrderType
	ProductType     string
	Duration        string
	Quantity        int
	Price           decimal.Decimal
	TriggerPrice    decimal.Decimal
}

type ModifyOrderRequest struct {
	OrderID     string
	Variety     string
	Symbol      string
	SymbolToken string
	Exchange    string
	OrderType   OrderType
	ProductType string
	Duration    string
	Quantity    int
	Price       decimal.Decimal
}

type CancelOrderRequest struct {
	OrderID string
	Variety string
}
