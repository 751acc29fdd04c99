package live

import (
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
)

// Client to server message types.
const (
	MsgAuth              = "auth"
	MsgPong              = "pong"
	MsgOrderUpdate       = "order_update"
	MsgCopyStatusChange  = "copy_status_change"
	MsgAccountConnection = "account_connection"
)

// Server to client message types.
const (
	MsgPing             = "ping"
	MsgData             = "data"
	MsgCopyTradeSuccess = "copy_trade_success"
	MsgCopyTradeError   = "copy_trade_error"
	MsgStatusUpdate     = "status_update"
	MsgAccountConnected = "account_connected"
	MsgAuthRequired     = "auth_required"
	MsgError            = "error"
)

// AuthTokens identify the account a connection binds to.
type AuthTokens struct {
	AccountID   string `json:"accountId,omitempty"`
	ClientCode  string `json:"clientCode,omitempty"`
	AccessToken string `json:"jwtToken,omitempty"`
	FeedToken   string `json:"feedToken,omitempty"`
}

// OrderMessage is a manually triggered order event for AccountID.
type OrderMessage struct {
	AccountID string `json:"accountId"`
	broker.Order
}

// Inbound is any message a client sends. Only the fields of its Type are set.
type Inbound struct {
	Type            string        `json:"type"`
	Tokens          *AuthTokens   `json:"tokens,omitempty"`
	Order           *OrderMessage `json:"order,omitempty"`
	AccountID       string        `json:"accountId,omitempty"`
	Enabled         *bool         `json:"enabled,omitempty"`
	ChildAccountID  string        `json:"childAccountId,omitempty"`
	ParentAccountID string        `json:"parentAccountId,omitempty"`
}

// Outbound is any message the server sends.
type Outbound struct {
	Type      string `json:"type"`
	Status    string `json:"status,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type AuthResult struct {
	AccountID       string         `json:"accountId"`
	AccountType     db.AccountType `json:"accountType"`
	ParentAccountID string         `json:"parentAccountId,omitempty"`
}

type DataPush struct {
	Orders    []broker.Order    `json:"orders"`
	Positions []broker.Position `json:"positions"`
	Balance   db.Balance        `json:"balance"`
}

type CopyResult struct {
	Action        string `json:"action"`
	ParentOrderID string `json:"parentOrderId"`
	ChildOrderID  string `json:"childOrderId,omitempty"`
	Symbol        string `json:"symbol,omitempty"`
	Quantity      int    `json:"quantity,omitempty"`
	Error         string `json:"error,omitempty"`
}

type StatusUpdate struct {
	AccountID          string `json:"accountId"`
	CopyTradingEnabled bool   `json:"copyTradingEnabled"`
}

type AccountConnected struct {
	ChildAccountID  string `json:"childAccountId"`
	ParentAccountID string `json:"parentAccountId"`
}
