package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"copytrade-core/internal/gateway"
	"copytrade-core/internal/tokens"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
)

type relationHistoryQuery struct {
	AccountID string `form:"accountId" binding:"required"`
	Role      string `form:"role" binding:"omitempty,oneof=parent child any"`
	Limit     int    `form:"limit"`
}

func (q *relationHistoryQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	if q.Role == "any" {
		q.Role = ""
	}
}

type reauthRequest struct {
	TOTP string `json:"totp" binding:"required,min=6"`
}

type sessionResponse struct {
	AccountID  string        `json:"accountId"`
	AuthStatus db.AuthStatus `json:"authStatus"`
	IssuedAt   int64         `json:"issuedAt"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondFailure maps engine and broker errors onto HTTP statuses.
func respondFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
	case errors.Is(err, tokens.ErrNoRefreshToken), errors.Is(err, tokens.ErrNoCredentials), broker.IsAuthError(err):
		respondError(c, http.StatusUnauthorized, "AUTH_REQUIRED", err.Error())
	case errors.Is(err, gateway.ErrGatewayUnhealthy), errors.Is(err, gateway.ErrPoolFull):
		respondError(c, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "BROKER_TIMEOUT", "broker call timed out")
	default:
		respondError(c, http.StatusBadGateway, "BROKER_ERROR", err.Error())
	}
}

// getMonitor reports what the engine is currently watching.
func (s *Server) getMonitor(c *gin.Context) {
	resp := gin.H{}
	if s.deps.Monitored != nil {
		resp["monitoredAccounts"] = s.deps.Monitored.Targets()
	}
	if s.deps.Live != nil {
		resp["liveClients"] = s.deps.Live.Clients()
	}
	if s.deps.Gateways != nil {
		resp["gateways"] = s.deps.Gateways.Stats()
	}
	if s.deps.Bus != nil {
		resp["droppedEvents"] = s.deps.Bus.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

// getRelationHistory lists copy relations of one account, newest first.
func (s *Server) getRelationHistory(c *gin.Context) {
	var q relationHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "accountId is required and role must be parent, child or any")
		return
	}
	q.normalize()

	rels, err := s.deps.Relations.History(c.Request.Context(), q.AccountID, db.Role(q.Role), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if rels == nil {
		rels = []db.OrderRelation{}
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, rels)
}

// getRelationFanOut lists every child copy of one parent order.
func (s *Server) getRelationFanOut(c *gin.Context) {
	parentOrderID := strings.TrimSpace(c.Param("parentOrderId"))
	rels, err := s.deps.Relations.ListByParentOrder(c.Request.Context(), parentOrderID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if rels == nil {
		rels = []db.OrderRelation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"parentOrderId": parentOrderID,
		"relations":     rels,
	})
}

func (s *Server) getOrders(c *gin.Context) {
	var orders []broker.Order
	ok := s.withBroker(c, func(ctx context.Context, gw broker.Gateway, token string) error {
		var err error
		orders, err = gw.OrderBook(ctx, token)
		return err
	})
	if !ok {
		return
	}
	if orders == nil {
		orders = []broker.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getPositions(c *gin.Context) {
	var positions []broker.Position
	ok := s.withBroker(c, func(ctx context.Context, gw broker.Gateway, token string) error {
		var err error
		positions, err = gw.Positions(ctx, token)
		return err
	})
	if !ok {
		return
	}
	if positions == nil {
		positions = []broker.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

// withBroker runs call against the account's gateway with its stored
// session. An auth failure triggers one refresh and retry; if that fails
// too the caller gets 401.
func (s *Server) withBroker(c *gin.Context, call func(ctx context.Context, gw broker.Gateway, token string) error) bool {
	ctx := c.Request.Context()
	acct, err := s.deps.Accounts.GetAccount(ctx, c.Param("id"))
	if err != nil {
		respondFailure(c, err)
		return false
	}
	if acct.AuthStatus == db.AuthRequiresAuth {
		respondError(c, http.StatusUnauthorized, "AUTH_REQUIRED", "account requires re-authentication")
		return false
	}

	session, err := s.deps.Sessions.EnsureSession(ctx, acct)
	if err != nil {
		respondFailure(c, err)
		return false
	}
	gw, err := s.deps.Gateways.For(acct)
	if err != nil {
		respondFailure(c, err)
		return false
	}

	invoke := func(token string) error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return call(callCtx, gw, token)
	}
	err = invoke(session.AccessToken)
	if broker.IsAuthError(err) {
		s.log.WithField("account_id", acct.ID).Info("session rejected, refreshing")
		refreshed, rerr := s.deps.Sessions.Refresh(ctx, acct.ID)
		if rerr != nil {
			err = rerr
		} else {
			err = invoke(refreshed.AccessToken)
		}
	}
	s.deps.Gateways.Observe(acct.ID, err)
	if err != nil {
		respondFailure(c, err)
		return false
	}
	return true
}

// reauthenticate logs the account in again with a fresh TOTP code and
// clears REQUIRES_AUTH.
func (s *Server) reauthenticate(c *gin.Context) {
	var req reauthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "totp is required")
		return
	}
	accountID := c.Param("id")
	session, err := s.deps.Sessions.Reauthenticate(c.Request.Context(), accountID, strings.TrimSpace(req.TOTP))
	if err != nil {
		respondFailure(c, err)
		return
	}
	s.log.WithFields(map[string]any{"account_id": accountID, "operator": CurrentOperator(c)}).Info("account re-authenticated")
	c.JSON(http.StatusOK, sessionResponse{
		AccountID:  accountID,
		AuthStatus: db.AuthActive,
		IssuedAt:   session.IssuedAt.UnixMilli(),
	})
}

// refreshSession forces a token refresh outside the sweep.
func (s *Server) refreshSession(c *gin.Context) {
	accountID := c.Param("id")
	if _, err := s.deps.Accounts.GetAccount(c.Request.Context(), accountID); err != nil {
		respondFailure(c, err)
		return
	}
	session, err := s.deps.Sessions.Refresh(c.Request.Context(), accountID)
	if err != nil {
		respondFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{
		AccountID:  accountID,
		AuthStatus: db.AuthActive,
		IssuedAt:   session.IssuedAt.UnixMilli(),
	})
}
