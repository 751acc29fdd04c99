package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"copytrade-core/internal/api"
	"copytrade-core/internal/copier"
	"copytrade-core/internal/events"
	"copytrade-core/internal/gateway"
	"copytrade-core/internal/instruments"
	"copytrade-core/internal/ledger"
	"copytrade-core/internal/live"
	"copytrade-core/internal/monitor"
	"copytrade-core/internal/poller"
	"copytrade-core/internal/tokens"
	"copytrade-core/pkg/broker"
	"copytrade-core/pkg/broker/angelone"
	"copytrade-core/pkg/config"
	"copytrade-core/pkg/crypto"
	"copytrade-core/pkg/db"
	"copytrade-core/pkg/logger"
)

func main() {
	app := &cli.App{
		Name:  "copytrade-core",
		Usage: "replicate parent account orders onto linked child accounts",
		Flags: serveFlags,
		// Running without a command serves.
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the poller, copy engine, live channel and API",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:   "sweep-tokens",
				Usage:  "refresh stale broker sessions once and exit",
				Action: sweepTokens,
			},
			{
				Name:      "import-accounts",
				Usage:     "encrypt credentials and upsert accounts from a yaml file",
				ArgsUsage: "<accounts.yaml>",
				Action:    importAccounts,
			},
			{
				Name:  "issue-token",
				Usage: "print an operator token for the API and live channel",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operator", Value: "operator", Usage: "subject written into the token"},
					&cli.DurationFlag{Name: "ttl", Value: 72 * time.Hour, Usage: "token lifetime"},
				},
				Action: issueToken,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations and exit",
				Action: migrate,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "watch-parents",
		Usage: "poll every PARENT account even when no console is connected",
	},
}

// runtime is what every command needs: config, logger and an open,
// migrated database.
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	database *db.Database
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lg := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	lg.WithFields(log.Fields{"db_path": cfg.DBPath}).Info("database ready")
	return &runtime{cfg: cfg, log: lg, database: database}, nil
}

// services is the wired engine.
type services struct {
	bus      *events.Bus
	metrics  *monitor.Metrics
	gateways *gateway.Manager
	sessions *tokens.Manager
	copier   *copier.Engine
	poller   *poller.Poller
	hub      *live.Hub
	api      *api.Server
	alerts   *monitor.Monitor
}

func (rt *runtime) wire(keys *crypto.Keyring) (*services, error) {
	cfg := rt.cfg
	accounts := rt.database.Accounts()
	relations := rt.database.Relations()

	s := &services{
		bus:     events.NewBus(),
		metrics: monitor.NewMetrics(),
	}

	s.gateways = gateway.NewManager(func(acct db.Account, apiKey string) (broker.Gateway, error) {
		if apiKey == "" {
			return nil, fmt.Errorf("account %s has no api key", acct.ClientCode)
		}
		return angelone.New(angelone.Config{
			BaseURL:        cfg.Broker.BaseURL,
			APIKey:         apiKey,
			ClientLocalIP:  cfg.Broker.ClientLocalIP,
			ClientPublicIP: cfg.Broker.ClientPublicIP,
			MACAddress:     cfg.Broker.MACAddress,
			Timeout:        cfg.Broker.Timeout,
			RateLimit:      cfg.Broker.RateLimit,
			RateBurst:      cfg.Broker.RateBurst,
		}), nil
	}, keys, gateway.Config{
		MaxSize:     cfg.Gateway.PoolSize,
		IdleTimeout: cfg.Gateway.IdleTimeout,
	}, rt.log)

	s.sessions = tokens.NewManager(tokens.Config{
		SweepInterval: cfg.Tokens.SweepInterval,
		StaleAfter:    cfg.Tokens.StaleAfter,
		CallTimeout:   cfg.Poll.CallTimeout,
	}, accounts, s.gateways, keys, s.bus, s.metrics, rt.log)

	var master []instruments.Entry
	if cfg.InstrumentsFile != "" {
		var err error
		if master, err = instruments.LoadMaster(cfg.InstrumentsFile); err != nil {
			return nil, err
		}
		rt.log.WithFields(log.Fields{"instruments": len(master)}).Info("instrument master loaded")
	}

	s.copier = copier.New(copier.Config{
		CallTimeout:   cfg.Poll.CallTimeout,
		DedupCapacity: cfg.Copy.DedupCapacity,
	}, copier.Deps{
		Accounts: accounts,
		Ledger:   ledger.New(relations),
		Gateways: s.gateways,
		Sessions: s.sessions,
		Resolver: instruments.NewResolver(master, 24*time.Hour),
		Bus:      s.bus,
		Metrics:  s.metrics,
	}, rt.log)

	s.poller = poller.New(poller.Config{
		Interval:    cfg.Poll.Interval,
		CallTimeout: cfg.Poll.CallTimeout,
	}, poller.Deps{
		Accounts:  accounts,
		Gateways:  s.gateways,
		Refresher: s.sessions,
		Handler:   s.copier,
		Bus:       s.bus,
		Metrics:   s.metrics,
	}, rt.log)

	s.hub = live.NewHub(live.Config{
		PingInterval: cfg.Live.PingInterval,
		PongTimeout:  cfg.Live.PongTimeout,
		CallTimeout:  cfg.Poll.CallTimeout,
	}, live.Deps{
		Accounts: accounts,
		Watcher:  s.poller,
		Copier:   s.copier,
		Bus:      s.bus,
		Metrics:  s.metrics,
	}, rt.log)

	s.api = api.NewServer(api.Config{
		Addr:        ":" + cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		CallTimeout: cfg.Poll.CallTimeout,
	}, api.Deps{
		Accounts:  accounts,
		Relations: relations,
		Sessions:  s.sessions,
		Gateways:  s.gateways,
		Live:      s.hub,
		Monitored: s.poller.Registry(),
		Bus:       s.bus,
		Metrics:   s.metrics,
	}, rt.log)

	s.alerts = &monitor.Monitor{
		Bus:  s.bus,
		Sink: monitor.LogSink{Log: rt.log.WithComponent("alerts")},
		Log:  rt.log.WithComponent("alerts"),
	}
	return s, nil
}

func serve(c *cli.Context) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.database.Close()

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load credential keys: %w", err)
	}
	s, err := rt.wire(keys)
	if err != nil {
		return err
	}
	if rt.cfg.JWTSecret == "" {
		rt.log.Warn("JWT_SECRET is empty; protected API routes and the live channel are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.gateways.Start(ctx)
	defer s.gateways.Stop()

	if c.Bool("watch-parents") {
		parents, err := rt.database.Accounts().ListAccounts(ctx)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, acct := range parents {
			if acct.IsParent() {
				defer s.poller.Watch(acct.ID, false)()
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.sessions.Run(gctx); return nil })
	g.Go(func() error { s.poller.Run(gctx); return nil })
	g.Go(func() error { s.hub.Run(gctx); return nil })
	g.Go(func() error { s.alerts.Run(gctx); return nil })
	g.Go(func() error { return s.api.Start(gctx) })

	if rt.cfg.GRPCAddr != "" {
		health := api.NewHealthServer(rt.log)
		g.Go(func() error { return health.Serve(gctx, rt.cfg.GRPCAddr) })
		health.SetServing(true)
	}

	rt.log.WithFields(log.Fields{"port": rt.cfg.Port, "poll_interval": rt.cfg.Poll.Interval}).Info("copy engine started")
	err = g.Wait()
	rt.log.Info("copy engine stopped")
	return err
}

func sweepTokens(*cli.Context) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.database.Close()

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load credential keys: %w", err)
	}
	s, err := rt.wire(keys)
	if err != nil {
		return err
	}
	report := s.sessions.Sweep(context.Background())
	rt.log.WithFields(log.Fields{
		"checked":   report.Checked,
		"refreshed": report.Refreshed,
		"failed":    report.Failed,
	}).Info("token sweep finished")
	if report.Failed > 0 {
		return cli.Exit(fmt.Sprintf("%d account(s) could not be refreshed", report.Failed), 1)
	}
	return nil
}

func importAccounts(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: import-accounts <accounts.yaml>", 2)
	}
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.database.Close()

	keys, err := crypto.KeyringFromEnv()
	if err != nil {
		return fmt.Errorf("load credential keys: %w", err)
	}
	seeds, err := db.LoadAccountsFile(c.Args().First())
	if err != nil {
		return err
	}
	n, err := rt.database.Accounts().Import(c.Context, seeds, keys)
	if err != nil {
		return fmt.Errorf("import accounts (%d written): %w", n, err)
	}
	rt.log.WithFields(log.Fields{"accounts": n}).Info("accounts imported")
	return nil
}

func issueToken(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	token, expiresAt, err := api.IssueToken(c.String("operator"), cfg.JWTSecret, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	fmt.Fprintf(c.App.ErrWriter, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func migrate(*cli.Context) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.database.Close()
	rt.log.Info("migrations applied")
	return nil
}
