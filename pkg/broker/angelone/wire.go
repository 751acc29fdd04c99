package angelone

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"copytrade-core/pkg/broker"
)

// number accepts SmartAPI numerics sent either as JSON numbers or strings.
// Empty strings and null decode to zero; anything else non-numeric fails.
type number decimal.Decimal

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(b, `"`)))
	if s == "" || s == "null" {
		*n = number(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("not a number: %q", s)
	}
	*n = number(d)
	return nil
}

func (n number) Decimal() decimal.Decimal { return decimal.Decimal(n) }

// Int truncates toward zero; quantities are whole shares.
func (n number) Int() int { return int(decimal.Decimal(n).IntPart()) }

type sessionData struct {
	JWTToken     string `json:"jwtToken"`
	RefreshToken string `json:"refreshToken"`
	FeedToken    string `json:"feedToken"`
}

func (d sessionData) toSession() (broker.Session, error) {
	if d.JWTToken == "" {
		return broker.Session{}, fmt.Errorf("angelone session: %w: missing jwtToken", broker.ErrMalformedResponse)
	}
	return broker.Session{
		AccessToken:  strings.TrimPrefix(d.JWTToken, "Bearer "),
		RefreshToken: d.RefreshToken,
		FeedToken:    d.FeedToken,
	}, nil
}

type orderRow struct {
	OrderID         string `json:"orderid"`
	Status          string `json:"status"`
	OrderStatus     string `json:"orderstatus"`
	Quantity        number `json:"quantity"`
	FilledShares    number `json:"filledshares"`
	Price           number `json:"price"`
	AveragePrice    number `json:"averageprice"`
	TriggerPrice    number `json:"triggerprice"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	Exchange        string `json:"exchange"`
	TransactionType string `json:"transactiontype"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Variety         string `json:"variety"`
	Duration        string `json:"duration"`
	UpdateTime      string `json:"updatetime"`
}

const updateTimeLayout = "02-Jan-2006 15:04:05"

var ist = time.FixedZone("IST", 5*3600+1800)

func (r orderRow) toOrder() (broker.Order, error) {
	if r.OrderID == "" {
		return broker.Order{}, fmt.Errorf("angelone orderbook: %w: order without orderid", broker.ErrMalformedResponse)
	}
	status := r.OrderStatus
	if status == "" {
		status = r.Status
	}
	o := broker.Order{
		OrderID:         r.OrderID,
		Status:          status,
		Quantity:        r.Quantity.Int(),
		FilledQuantity:  r.FilledShares.Int(),
		Price:           r.Price.Decimal(),
		AveragePrice:    r.AveragePrice.Decimal(),
		TriggerPrice:    r.TriggerPrice.Decimal(),
		Symbol:          r.TradingSymbol,
		SymbolToken:     r.SymbolToken,
		Exchange:        r.Exchange,
		TransactionType: broker.TransactionType(strings.ToUpper(r.TransactionType)),
		OrderType:       broker.OrderType(strings.ToUpper(r.OrderType)),
		ProductType:     r.ProductType,
		Variety:         r.Variety,
		Duration:        r.Duration,
	}
	if r.UpdateTime != "" {
		if ts, err := time.ParseInLocation(updateTimeLayout, r.UpdateTime, ist); err == nil {
			o.UpdatedAt = ts
		}
	}
	return o, nil
}

type positionRow struct {
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
	Exchange      string `json:"exchange"`
	ProductType   string `json:"producttype"`
	NetQty        number `json:"netqty"`
	AvgNetPrice   number `json:"avgnetprice"`
	LTP           number `json:"ltp"`
	PnL           number `json:"pnl"`
}

func (r positionRow) toPosition() broker.Position {
	return broker.Position{
		Symbol:       r.TradingSymbol,
		SymbolToken:  r.SymbolToken,
		Exchange:     r.Exchange,
		ProductType:  r.ProductType,
		NetQuantity:  r.NetQty.Int(),
		AveragePrice: r.AvgNetPrice.Decimal(),
		LastPrice:    r.LTP.Decimal(),
		PnL:          r.PnL.Decimal(),
	}
}

type rmsData struct {
	Net            number `json:"net"`
	AvailableCash  number `json:"availablecash"`
	UtilisedDebits number `json:"utiliseddebits"`
}

type orderAck struct {
	OrderID       string `json:"orderid"`
	UniqueOrderID string `json:"uniqueorderid"`
}

type scripRow struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}
