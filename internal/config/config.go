package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the HTTP API listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// Operators are user ids allowed to manage every settlement message
	Operators []string `mapstructure:"operators"`
}

// GatewayConfig is the websocket gateway listener
type GatewayConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	QueueSize       int           `mapstructure:"queue_size"`
	// PongWait is how long a client may stay silent, pongs included
	PongWait     time.Duration `mapstructure:"pong_wait"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// DatabaseConfig selects the gorm dialector and pool sizing
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig is the realtime pub/sub broker. An empty address selects the
// in-process broker.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig is the durable queue towards the accounts service
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	CreditTopic  string        `mapstructure:"credit_topic"`
	ClosedTopic  string        `mapstructure:"closed_topic"`
	ClientID     string        `mapstructure:"client_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AccountsConfig points at the accounts service HTTP API
type AccountsConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// IdentityConfig selects how bearer credentials are resolved: "http" asks the
// accounts service, "jwt" verifies tokens locally.
type IdentityConfig struct {
	Mode      string `mapstructure:"mode"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// EngineConfig tunes matching and fanout
type EngineConfig struct {
	BookDepth        int           `mapstructure:"book_depth"`
	WorkerQueueSize  int           `mapstructure:"worker_queue_size"`
	WorkerIdle       time.Duration `mapstructure:"worker_idle"`
	MarketBuyBuffer  float64       `mapstructure:"market_buy_buffer"`
	FanoutRetries    int           `mapstructure:"fanout_retries"`
	FanoutRetryDelay time.Duration `mapstructure:"fanout_retry_delay"`
}

// SettlementConfig tunes the outbox relay
type SettlementConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// TracingConfig toggles the stdout trace exporter
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Config is the configuration shared by both binaries
type Config struct {
	LogLevel   string           `mapstructure:"log_level"`
	Server     ServerConfig     `mapstructure:"server"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("gateway.addr", ":8001")
	v.SetDefault("gateway.read_buffer_size", 1024)
	v.SetDefault("gateway.write_buffer_size", 1024)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.max_message_size", 4096)
	v.SetDefault("gateway.queue_size", 256)
	v.SetDefault("gateway.pong_wait", 60*time.Second)
	v.SetDefault("gateway.ping_interval", 30*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=tickers password=tickers dbname=tickers port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.credit_topic", "accounts.balance.credit")
	v.SetDefault("kafka.closed_topic", "accounts.orders.closed")
	v.SetDefault("kafka.client_id", "tickers")
	v.SetDefault("kafka.write_timeout", 10*time.Second)

	v.SetDefault("accounts.url", "http://localhost:8002")
	v.SetDefault("accounts.timeout", 5*time.Second)

	v.SetDefault("identity.mode", "http")
	v.SetDefault("identity.jwt_secret", "")
	v.SetDefault("identity.issuer", "")

	v.SetDefault("engine.book_depth", 10)
	v.SetDefault("engine.worker_queue_size", 128)
	v.SetDefault("engine.worker_idle", 5*time.Minute)
	v.SetDefault("engine.market_buy_buffer", 0.10)
	v.SetDefault("engine.fanout_retries", 3)
	v.SetDefault("engine.fanout_retry_delay", 50*time.Millisecond)

	v.SetDefault("settlement.poll_interval", time.Second)
	v.SetDefault("settlement.batch_size", 100)
	v.SetDefault("settlement.max_attempts", 20)
	v.SetDefault("settlement.base_backoff", 500*time.Millisecond)
	v.SetDefault("settlement.max_backoff", 5*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "tickers")
}

// Load reads configuration from defaults, an optional file and the environment.
// Environment keys use underscores for nesting, e.g. DATABASE_DSN. Every key
// needs a default for AutomaticEnv to reach it during Unmarshal.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the services cannot start with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Identity.Mode {
	case "http":
		if c.Accounts.URL == "" {
			return fmt.Errorf("identity mode http requires accounts.url")
		}
	case "jwt":
		if c.Identity.JWTSecret == "" {
			return fmt.Errorf("identity mode jwt requires identity.jwt_secret")
		}
	default:
		return fmt.Errorf("unsupported identity mode %q", c.Identity.Mode)
	}
	if c.Gateway.PingInterval >= c.Gateway.PongWait {
		return fmt.Errorf("gateway.ping_interval must be shorter than gateway.pong_wait")
	}
	if c.Engine.BookDepth <= 0 {
		return fmt.Errorf("engine.book_depth must be positive")
	}
	if c.Settlement.BatchSize <= 0 || c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement batch_size and max_attempts must be positive")
	}
	return nil
}
