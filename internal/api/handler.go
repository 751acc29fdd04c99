package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/poller"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*db.Account, error)
}

type RelationStore interface {
	History(ctx context.Context, accountID string, role db.Role, limit int) ([]db.OrderRelation, error)
	ListByParentOrder(ctx context.Context, parentOrderID string) ([]db.OrderRelation, error)
}

// Sessions is implemented by tokens.Manager.
type Sessions interface {
	EnsureSession(ctx context.Context, acct *db.Account) (db.Tokens, error)
	Refresh(ctx context.Context, accountID string) (db.Tokens, error)
	Reauthenticate(ctx context.Context, accountID, totp string) (db.Tokens, error)
}

// GatewayProvider is implemented by gateway.Manager.
type GatewayProvider interface {
	For(acct *db.Account) (broker.Gateway, error)
	Observe(accountID string, err error)
	Stats() gateway.PoolStats
}

// LiveHub is implemented by live.Hub.
type LiveHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Clients() int
}

// Monitored lists the accounts the poller is watching.
type Monitored interface {
	Targets() []poller.Target
}

type Deps struct {
	Accounts  AccountStore
	Relations RelationStore
	Sessions  Sessions
	Gateways  GatewayProvider
	Live      LiveHub
	Monitored Monitored
	Bus       *events.Bus
	Metrics   *monitor.Metrics
}

type Config struct {
	Addr           string
	JWTSecret      string
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second per IP
	RateBurst      int
	CallTimeout    time.Duration
}

// Server wires HTTP endpoints around the copy engine.
type Server struct {
	Router   *gin.Engine
	deps     Deps
	cfg      Config
	log      *logrus.Entry
	limiters *ipLimiters
}

func NewServer(cfg Config, deps Deps, log *logger.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	s := &Server{
		Router:   gin.New(),
		deps:     deps,
		cfg:      cfg,
		log:      log.WithComponent("api"),
		limiters: newIPLimiters(cfg.RateLimit, cfg.RateBurst),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(s.log))
	s.Router.Use(RateLimitMiddleware(s.limiters, s.log))
	s.Router.Use(TimeoutMiddleware(cfg.RequestTimeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.deps.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	auth := AuthMiddleware(s.cfg.JWTSecret)
	s.Router.GET("/ws", auth, s.websocket)

	api := s.Router.Group("/api")
	api.Use(auth)
	{
		api.GET("/monitor", s.getMonitor)
		api.GET("/relations", s.getRelationHistory)
		api.GET("/relations/:parentOrderId", s.getRelationFanOut)

		accounts := api.Group("/accounts/:id")
		{
			accounts.GET("/orders", s.getOrders)
			accounts.GET("/positions", s.getPositions)
			accounts.POST("/reauth", s.reauthenticate)
			accounts.POST("/refresh", s.refreshSession)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.limiters.run(ctx, 5*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
