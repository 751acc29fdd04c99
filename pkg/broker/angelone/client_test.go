package angelone

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copytrade-core/pkg/broker"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "key-1", RateLimit: 1000, Timeout: 2 * time.Second})
}

func writeEnvelope(w http.ResponseWriter, data string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":true,"message":"SUCCESS","errorcode":"","data":` + data + `}`))
}

func TestOrderBookParsesMixedNumerics(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathOrderBook, r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("X-PrivateKey"))
		writeEnvelope(w, `[
			{"orderid":"2401","orderstatus":"open","quantity":"10","price":101.5,"averageprice":0,
			 "tradingsymbol":"SBIN-EQ","symboltoken":"3045","exchange":"NSE","transactiontype":"buy",
			 "ordertype":"LIMIT","producttype":"DELIVERY","variety":"NORMAL","updatetime":"05-Jan-2026 10:15:33"},
			{"orderid":"2402","status":"complete","quantity":5,"price":"","averageprice":"99.10",
			 "tradingsymbol":"INFY-EQ","exchange":"NSE","transactiontype":"SELL","ordertype":"MARKET"}
		]`)
	})

	orders, err := c.OrderBook(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "open", orders[0].Status)
	assert.Equal(t, 10, orders[0].Quantity)
	assert.True(t, orders[0].Price.Equal(decimal.RequireFromString("101.50")))
	assert.Equal(t, broker.Buy, orders[0].TransactionType)
	assert.Equal(t, 10, orders[0].UpdatedAt.Hour())

	assert.Equal(t, "complete", orders[1].Status)
	assert.True(t, orders[1].Price.IsZero())
	assert.True(t, orders[1].EffectivePrice().Equal(decimal.RequireFromString("99.1")))
}

func TestOrderBookNullData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `null`)
	})
	orders, err := c.OrderBook(context.Background(), "tok")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMalformedPayloadFailsFast(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `[{"orderid":"1","quantity":"ten"}]`)
	})
	_, err := c.OrderBook(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, broker.ErrMalformedResponse))
}

func TestAuthErrorsAreClassified(t *testing.T) {
	t.Run("envelope code", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":false,"message":"Invalid Token","errorcode":"AG8001","data":null}`))
		})
		_, err := c.Margin(context.Background(), "stale")
		require.Error(t, err)
		assert.True(t, broker.IsAuthError(err))
		var apiErr *broker.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "rms", apiErr.Op)
	})

	t.Run("http 401 with html body", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`<html>unauthorized</html>`))
		})
		_, err := c.Positions(context.Background(), "stale")
		assert.True(t, broker.IsAuthError(err))
	})

	t.Run("business rejection is not auth", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":false,"message":"Insufficient funds","errorcode":"AB4008","data":null}`))
		})
		_, err := c.PlaceOrder(context.Background(), "tok", broker.PlaceOrderRequest{Quantity: 1, Symbol: "SBIN-EQ"})
		require.Error(t, err)
		assert.False(t, broker.IsAuthError(err))
	})
}

func TestPlaceOrderSendsTypedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, pathPlaceOrder, r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "3", body["quantity"])
		assert.Equal(t, "LIMIT", body["ordertype"])
		assert.Equal(t, "101.5", body["price"])
		assert.Equal(t, "NORMAL", body["variety"])
		writeEnvelope(w, `{"script":"SBIN-EQ","orderid":"CHILD-1","uniqueorderid":"u-1"}`)
	})

	id, err := c.PlaceOrder(context.Background(), "tok", broker.PlaceOrderRequest{
		Symbol: "SBIN-EQ", SymbolToken: "3045", Exchange: "NSE", TransactionType: broker.Buy,
		OrderType: broker.OrderTypeLimit, Quantity: 3, Price: decimal.RequireFromString("101.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "CHILD-1", id)

	_, err = c.PlaceOrder(context.Background(), "tok", broker.PlaceOrderRequest{Quantity: 0})
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case pathLogin:
			assert.Equal(t, "A123", body["clientcode"])
			assert.Equal(t, "123456", body["totp"])
			writeEnvelope(w, `{"jwtToken":"Bearer jwt-1","refreshToken":"rt-1","feedToken":"ft-1"}`)
		case pathRefresh:
			assert.Equal(t, "rt-1", body["refreshToken"])
			assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
			writeEnvelope(w, `{"jwtToken":"jwt-2"}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	s, err := c.CreateSession(context.Background(), broker.Credentials{ClientCode: "A123", Password: "pw", TOTP: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "jwt-1", s.AccessToken)

	s2, err := c.RefreshSession(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "jwt-2", s2.AccessToken)
	assert.Equal(t, "rt-1", s2.RefreshToken, "refresh token kept when not rotated")
	assert.Equal(t, "ft-1", s2.FeedToken)

	_, err = c.RefreshSession(context.Background(), broker.Session{})
	assert.True(t, broker.IsAuthError(err))
}

func TestSearchInstrument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, `[{"exchange":"NSE","tradingsymbol":"SBIN-BL","symboltoken":"1"},{"exchange":"NSE","tradingsymbol":"SBIN-EQ","symboltoken":"3045"}]`)
	})
	tok, err := c.SearchInstrument(context.Background(), "tok", "NSE", "sbin-eq")
	require.NoError(t, err)
	assert.Equal(t, "3045", tok)
}

func TestTOTP(t *testing.T) {
	// RFC 6238 SHA-1 vector: secret "12345678901234567890", T=59s.
	code, err := totpCode("GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	// authenticator apps show secrets grouped and lower case
	code, err = totpCode("gezd gnbv gy3t qojq gezd gnbv gy3t qojq", time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)

	code, err = totpCode("654321", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "654321", code)

	_, err = totpCode("not-base32!", time.Now())
	assert.Error(t, err)
}
