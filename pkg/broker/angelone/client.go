// Package angelone is a SmartAPI (Angel One) REST client implementing
// broker.Gateway.
package angelone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"copytrade-core/pkg/broker"
)

const (
	DefaultBaseURL = "https://apiconnect.angelone.in"

	pathLogin        = "/rest/auth/angelbroking/user/v1/loginByPassword"
	pathRefresh      = "/rest/auth/angelbroking/jwt/v1/generateTokens"
	pathOrderBook    = "/rest/secure/angelbroking/order/v1/getOrderBook"
	pathPositions    = "/rest/secure/angelbroking/order/v1/getPosition"
	pathRMS          = "/rest/secure/angelbroking/user/v1/getRMS"
	pathPlaceOrder   = "/rest/secure/angelbroking/order/v1/placeOrder"
	pathModifyOrder  = "/rest/secure/angelbroking/order/v1/modifyOrder"
	pathCancelOrder  = "/rest/secure/angelbroking/order/v1/cancelOrder"
	pathSearchScrip  = "/rest/secure/angelbroking/order/v1/searchScrip"
	maxResponseBytes = 4 << 20
)

// Config holds the API key and the client identity headers SmartAPI requires.
type Config struct {
	BaseURL        string
	APIKey         string
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
	Timeout        time.Duration
	RateLimit      float64 // requests per second
	RateBurst      int
	HTTPClient     *http.Client
}

// Client talks to SmartAPI on behalf of one API key.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

var _ broker.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = int(cfg.RateLimit)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		now:        time.Now,
	}
}

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) CreateSession(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	if creds.ClientCode == "" || creds.Password == "" {
		return broker.Session{}, errors.New("angelone: client code and password are required")
	}
	code, err := totpCode(creds.TOTP, c.now())
	if err != nil {
		return broker.Session{}, fmt.Errorf("angelone login: %w", err)
	}
	body := map[string]string{
		"clientcode": creds.ClientCode,
		"password":   creds.Password,
		"totp":       code,
	}
	var data sessionData
	if err := c.do(ctx, "login", http.MethodPost, pathLogin, "", body, &data); err != nil {
		return broker.Session{}, err
	}
	return data.toSession()
}

func (c *Client) RefreshSession(ctx context.Context, current broker.Session) (broker.Session, error) {
	if current.RefreshToken == "" {
		return broker.Session{}, &broker.APIError{Op: "refresh", HTTPStatus: http.StatusUnauthorized, Message: "no refresh token"}
	}
	var data sessionData
	body := map[string]string{"refreshToken": current.RefreshToken}
	if err := c.do(ctx, "refresh", http.MethodPost, pathRefresh, current.AccessToken, body, &data); err != nil {
		return broker.Session{}, err
	}
	s, err := data.toSession()
	if err != nil {
		return broker.Session{}, err
	}
	if s.RefreshToken == "" {
		s.RefreshToken = current.RefreshToken
	}
	if s.FeedToken == "" {
		s.FeedToken = current.FeedToken
	}
	return s, nil
}

func (c *Client) OrderBook(ctx context.Context, accessToken string) ([]broker.Order, error) {
	var rows []orderRow
	if err := c.do(ctx, "orderbook", http.MethodGet, pathOrderBook, accessToken, nil, &rows); err != nil {
		return nil, err
	}
	orders := make([]broker.Order, 0, len(rows))
	for _, r := range rows {
		o, err := r.toOrder()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (c *Client) Positions(ctx context.Context, accessToken string) ([]broker.Position, error) {
	var rows []positionRow
	if err := c.do(ctx, "positions", http.MethodGet, pathPositions, accessToken, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]broker.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

func (c *Client) Margin(ctx context.Context, accessToken string) (broker.Margin, error) {
	var data rmsData
	if err := c.do(ctx, "rms", http.MethodGet, pathRMS, accessToken, nil, &data); err != nil {
		return broker.Margin{}, err
	}
	return broker.Margin{
		Net:       data.Net.Decimal(),
		Used:      data.UtilisedDebits.Decimal(),
		Available: data.AvailableCash.Decimal(),
	}, nil
}

func (c *Client) PlaceOrder(ctx context.Context, accessToken string, req broker.PlaceOrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("angelone placeOrder: quantity must be positive, got %d", req.Quantity)
	}
	body := map[string]string{
		"variety":         orDefault(req.Variety, broker.VarietyNormal),
		"tradingsymbol":   req.Symbol,
		"symboltoken":     req.SymbolToken,
		"transactiontype": string(req.TransactionType),
		"exchange":        req.Exchange,
		"ordertype":       string(req.OrderType),
		"producttype":     orDefault(req.ProductType, broker.ProductDelivery),
		"duration":        orDefault(req.Duration, broker.DurationDay),
		"quantity":        fmt.Sprint(req.Quantity),
		"price":           req.Price.String(),
		"triggerprice":    req.TriggerPrice.String(),
		"squareoff":       "0",
		"stoploss":        "0",
	}
	var data orderAck
	if err := c.do(ctx, "placeOrder", http.MethodPost, pathPlaceOrder, accessToken, body, &data); err != nil {
		return "", err
	}
	if data.OrderID == "" {
		return "", fmt.Errorf("angelone placeOrder: %w: missing orderid", broker.ErrMalformedResponse)
	}
	return data.OrderID, nil
}

func (c *Client) ModifyOrder(ctx context.Context, accessToken string, req broker.ModifyOrderRequest) error {
	body := map[string]string{
		"variety":       orDefault(req.Variety, broker.VarietyNormal),
		"orderid":       req.OrderID,
		"ordertype":     string(req.OrderType),
		"producttype":   orDefault(req.ProductType, broker.ProductDelivery),
		"duration":      orDefault(req.Duration, broker.DurationDay),
		"price":         req.Price.String(),
		"quantity":      fmt.Sprint(req.Quantity),
		"tradingsymbol": req.Symbol,
		"symboltoken":   req.SymbolToken,
		"exchange":      req.Exchange,
	}
	return c.do(ctx, "modifyOrder", http.MethodPost, pathModifyOrder, accessToken, body, nil)
}

func (c *Client) CancelOrder(ctx context.Context, accessToken string, req broker.CancelOrderRequest) error {
	body := map[string]string{
		"variety": orDefault(req.Variety, broker.VarietyNormal),
		"orderid": req.OrderID,
	}
	return c.do(ctx, "cancelOrder", http.MethodPost, pathCancelOrder, accessToken, body, nil)
}

func (c *Client) SearchInstrument(ctx context.Context, accessToken, exchange, symbol string) (string, error) {
	var rows []scripRow
	body := map[string]string{"exchange": exchange, "searchscrip": symbol}
	if err := c.do(ctx, "searchScrip", http.MethodPost, pathSearchScrip, accessToken, body, &rows); err != nil {
		return "", err
	}
	for _, r := range rows {
		if strings.EqualFold(r.TradingSymbol, symbol) && r.SymbolToken != "" {
			return r.SymbolToken, nil
		}
	}
	return "", nil
}

// do sends one request and decodes the envelope's data into out. Transport
// failures, non-2xx statuses and status=false envelopes all become
// *broker.APIError; shape mismatches become ErrMalformedResponse.
func (c *Client) do(ctx context.Context, op, method, path, accessToken string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("angelone %s: rate limiter: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("angelone %s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("angelone %s: build request: %w", op, err)
	}
	c.setHeaders(req, accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("angelone %s: %w", op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("angelone %s: read body: %w", op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &broker.APIError{Op: op, HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if decodeErr == nil {
			apiErr.Code, apiErr.Message = env.ErrorCode, env.Message
		}
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("angelone %s: %w: %v", op, broker.ErrMalformedResponse, decodeErr)
	}
	if !env.Status {
		return &broker.APIError{Op: op, HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("angelone %s: %w: %v", op, broker.ErrMalformedResponse, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	req.Header.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	req.Header.Set("X-MACAddress", c.cfg.MACAddress)
	req.Header.Set("X-PrivateKey", c.cfg.APIKey)
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimPrefix(accessToken, "Bearer "))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
