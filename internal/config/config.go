// Package config loads server settings from defaults, an optional YAML file,
// a .env file, MARKET_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MARKET"

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Log         LogConfig         `mapstructure:"log"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Reservation ReservationConfig `mapstructure:"reservation"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	PayPal      PayPalConfig      `mapstructure:"paypal"`
	Webhook     WebhookConfig     `mapstructure:"webhook"`
	UPI         UPIConfig         `mapstructure:"upi"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is optional. Without an address rate limiting, webhook dedupe
// and sweep leadership are disabled.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type ReservationConfig struct {
	Policy        string        `mapstructure:"policy"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
	SweepLockKey  string        `mapstructure:"sweep_lock_key"`
}

type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type DispatcherConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type PayPalConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	ReturnURL    string `mapstructure:"return_url"`
	CancelURL    string `mapstructure:"cancel_url"`
}

type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

type UPIConfig struct {
	VPA   string `mapstructure:"vpa"`
	Payee string `mapstructure:"payee"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 5*time.Second)
	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 100)

	v.SetDefault("reservation.policy", "exclusive")
	v.SetDefault("reservation.ttl", 30*time.Minute)
	v.SetDefault("reservation.sweep_interval", 5*time.Minute)
	v.SetDefault("reservation.sweep_batch", 500)
	v.SetDefault("reservation.sweep_lock_key", "sweep:leader")

	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.queue_size", 1000)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("paypal.base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("paypal.client_id", "")
	v.SetDefault("paypal.client_secret", "")
	v.SetDefault("paypal.return_url", "")
	v.SetDefault("paypal.cancel_url", "")

	v.SetDefault("webhook.secret", "")

	v.SetDefault("upi.vpa", "")
	v.SetDefault("upi.payee", "NFT Marketplace")
}

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"http-addr":          "http.addr",
	"grpc-addr":          "grpc.addr",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"db-driver":          "database.driver",
	"db-dsn":             "database.dsn",
	"redis-addr":         "redis.addr",
	"reservation-policy": "reservation.policy",
	"reservation-ttl":    "reservation.ttl",
	"sweep-interval":     "reservation.sweep_interval",
}

// RegisterFlags adds the flags Load understands. Flag defaults are empty so
// an unset flag never shadows the file or environment.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")
	flags.String("env-file", ".env", "dotenv file to load if present")
	flags.String("http-addr", "", "HTTP listen address")
	flags.String("grpc-addr", "", "gRPC listen address")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	flags.String("db-driver", "", "mysql, postgres or sqlite")
	flags.String("db-dsn", "", "database DSN or SQLite path")
	flags.String("redis-addr", "", "Redis address; empty disables Redis")
	flags.String("reservation-policy", "", "exclusive or preempt")
	flags.Duration("reservation-ttl", 0, "how long a pending attempt holds an item")
	flags.Duration("sweep-interval", 0, "how often expired attempts are released")
}

// Load resolves the configuration. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	envFile := ".env"
	configFile := ""
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			f := flags.Lookup(flag)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks what every command needs. Server-only settings are
// checked by ValidateServe.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for %s", c.Database.Driver))
		}
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "market.db"
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}

	switch c.Reservation.Policy {
	case "exclusive", "preempt":
	default:
		errs = append(errs, fmt.Errorf("reservation.policy %q is not one of exclusive, preempt", c.Reservation.Policy))
	}
	if c.Reservation.TTL <= 0 {
		errs = append(errs, fmt.Errorf("reservation.ttl must be positive"))
	}
	if c.Reservation.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("reservation.sweep_interval must be positive"))
	}
	if c.Reservation.SweepBatch <= 0 {
		errs = append(errs, fmt.Errorf("reservation.sweep_batch must be positive"))
	}
	if c.RateLimit.Limit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.limit must not be negative"))
	}
	if c.RateLimit.Limit > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ValidateServe additionally checks the settings the server needs.
func (c *Config) ValidateServe() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt_secret is required"))
	}
	if c.UPI.VPA == "" {
		errs = append(errs, fmt.Errorf("upi.vpa is required"))
	}
	if c.PayPal.ClientID != "" && c.Webhook.Secret == "" {
		errs = append(errs, fmt.Errorf("webhook.secret is required when paypal is enabled"))
	}
	return errors.Join(errs...)
}
