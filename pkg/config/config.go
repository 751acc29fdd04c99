package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the copy-trading core reads at startup.
type Config struct {
	Port     string
	GRPCAddr string
	DBPath   string

	// Operator API auth
	JWTSecret string

	Broker  BrokerConfig
	Poll    PollConfig
	Tokens  TokenConfig
	Live    LiveConfig
	Copy    CopyConfig
	Gateway GatewayConfig
	Log     LogConfig

	InstrumentsFile string
}

type BrokerConfig struct {
	BaseURL        string
	Timeout        time.Duration
	RateLimit      float64 // requests per second per account client
	RateBurst      int
	ClientLocalIP  string
	ClientPublicIP string
	MACAddress     string
}

type PollConfig struct {
	Interval    time.Duration
	CallTimeout time.Duration
}

type TokenConfig struct {
	SweepInterval time.Duration
	StaleAfter    time.Duration
}

type LiveConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

type CopyConfig struct {
	DedupCapacity int
}

type GatewayConfig struct {
	PoolSize    int
	IdleTimeout time.Duration
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var defaults = map[string]any{
	"port":                    "8080",
	"grpc_addr":               "",
	"db_path":                 "./data/copytrade.db",
	"jwt_secret":              "",
	"broker.base_url":         "https://apiconnect.angelone.in",
	"broker.timeout":          "10s",
	"broker.rate_limit":       10.0,
	"broker.rate_burst":       10,
	"broker.client_local_ip":  "127.0.0.1",
	"broker.client_public_ip": "127.0.0.1",
	"broker.mac_address":      "00:00:00:00:00:00",
	"poll.interval":           "2s",
	"call_timeout":            "10s",
	"token.sweep_interval":    "1h",
	"token.stale_after":       "20h",
	"ping_interval":           "20s",
	"pong_timeout":            "45s",
	"dedup_capacity":          4096,
	"gateway.pool_size":       500,
	"gateway.idle_timeout":    "30m",
	"instruments_file":        "",
	"log.level":               "info",
	"log.format":              "text",
	"log.file":                "",
	"log.max_size":            50,
	"log.max_backups":         5,
	"log.max_age":             14,
	"log.compress":            true,
}

// Load reads .env (if present), then configs/copytrade.yaml (if present),
// then the environment. Environment wins. Nested keys map to env names by
// replacing dots with underscores, so poll.interval is POLL_INTERVAL.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("copytrade")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:      v.GetString("port"),
		GRPCAddr:  v.GetString("grpc_addr"),
		DBPath:    v.GetString("db_path"),
		JWTSecret: envSub(v.GetString("jwt_secret")),
		Broker: BrokerConfig{
			BaseURL:        v.GetString("broker.base_url"),
			Timeout:        v.GetDuration("broker.timeout"),
			RateLimit:      v.GetFloat64("broker.rate_limit"),
			RateBurst:      v.GetInt("broker.rate_burst"),
			ClientLocalIP:  v.GetString("broker.client_local_ip"),
			ClientPublicIP: v.GetString("broker.client_public_ip"),
			MACAddress:     v.GetString("broker.mac_address"),
		},
		Poll: PollConfig{
			Interval:    v.GetDuration("poll.interval"),
			CallTimeout: v.GetDuration("call_timeout"),
		},
		Tokens: TokenConfig{
			SweepInterval: v.GetDuration("token.sweep_interval"),
			StaleAfter:    v.GetDuration("token.stale_after"),
		},
		Live: LiveConfig{
			PingInterval: v.GetDuration("ping_interval"),
			PongTimeout:  v.GetDuration("pong_timeout"),
		},
		Copy: CopyConfig{
			DedupCapacity: v.GetInt("dedup_capacity"),
		},
		Gateway: GatewayConfig{
			PoolSize:    v.GetInt("gateway.pool_size"),
			IdleTimeout: v.GetDuration("gateway.idle_timeout"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSize:    v.GetInt("log.max_size"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAge:     v.GetInt("log.max_age"),
			Compress:   v.GetBool("log.compress"),
		},
		InstrumentsFile: v.GetString("instruments_file"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", c.Poll.CallTimeout)
	}
	if c.Live.PongTimeout <= c.Live.PingInterval {
		return fmt.Errorf("pong timeout (%s) must exceed ping interval (%s)", c.Live.PongTimeout, c.Live.PingInterval)
	}
	if c.Copy.DedupCapacity <= 0 {
		return fmt.Errorf("dedup capacity must be positive, got %d", c.Copy.DedupCapacity)
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// envSub expands ${VAR} references so secrets can stay out of the yaml file.
func envSub(val string) string {
	if val == "" {
		return ""
	}
	return envRef.ReplaceAllStringFunc(val, func(match string) string {
		return os.Getenv(strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}"))
	})
}
