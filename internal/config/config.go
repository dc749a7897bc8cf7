package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

const EnvProduction = "production"

type Config struct {
	Env        string           `mapstructure:"app_env"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Control    ControlConfig    `mapstructure:"control"`
	Log        LogConfig        `mapstructure:"log"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`

	// Engine is populated from the environment only.
	Engine EngineConfig `mapstructure:"-"`
}

type ServerConfig struct {
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	Channel      string `mapstructure:"channel"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

type AuthConfig struct {
	// JWTSecret enables token verification on authenticate. Empty trusts the
	// claimed identity.
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type ControlConfig struct {
	// APIKeyHash is a bcrypt hash of the key producers send in X-API-Key.
	// Empty leaves the control surface open.
	APIKeyHash        string   `mapstructure:"api_key_hash"`
	RequestsPerSecond float64  `mapstructure:"requests_per_second"`
	Burst             int      `mapstructure:"burst"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RetentionConfig struct {
	Days       int    `mapstructure:"days"`
	Schedule   string `mapstructure:"schedule"`
	HealthPort int    `mapstructure:"health_port"`
}

type MonitoringConfig struct {
	Namespace   string `mapstructure:"namespace"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// EngineConfig holds the delivery engine options.
type EngineConfig struct {
	MaxNotificationsPerUser   int     `envconfig:"MAX_NOTIFICATIONS_PER_USER" default:"50"`
	NotificationExpiryHours   int     `envconfig:"NOTIFICATION_EXPIRY_HOURS" default:"24"`
	CleanupIntervalMinutes    int     `envconfig:"CLEANUP_INTERVAL_MINUTES" default:"5"`
	HeartbeatIntervalSeconds  int     `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"30"`
	ConnectionTimeoutSeconds  int     `envconfig:"CONNECTION_TIMEOUT_SECONDS" default:"10"`
	MaxConcurrentConnections  int     `envconfig:"MAX_CONCURRENT_CONNECTIONS" default:"1000"`
	EnableDatabaseFallback    bool    `envconfig:"ENABLE_DATABASE_FALLBACK" default:"true"`
	MaxMemoryUsageMB          int     `envconfig:"MAX_MEMORY_USAGE_MB" default:"100"`
	Port                      int     `envconfig:"WEBSOCKET_PORT" default:"3004"`
	Host                      string  `envconfig:"WEBSOCKET_HOST" default:"0.0.0.0"`
	MetricsLogIntervalMinutes int     `envconfig:"METRICS_LOG_INTERVAL_MINUTES" default:"5"`
	AggressiveTrimFraction    float64 `envconfig:"AGGRESSIVE_TRIM_FRACTION" default:"0.5"`
}

func (e EngineConfig) Expiry() time.Duration {
	return time.Duration(e.NotificationExpiryHours) * time.Hour
}

func (e EngineConfig) CleanupInterval() time.Duration {
	return time.Duration(e.CleanupIntervalMinutes) * time.Minute
}

func (e EngineConfig) HeartbeatInterval() time.Duration {
	return time.Duration(e.HeartbeatIntervalSeconds) * time.Second
}

func (e EngineConfig) ConnectionTimeout() time.Duration {
	return time.Duration(e.ConnectionTimeoutSeconds) * time.Second
}

func (e EngineConfig) MetricsLogInterval() time.Duration {
	return time.Duration(e.MetricsLogIntervalMinutes) * time.Minute
}

func (e EngineConfig) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// productionProfile lists the tighter production values, applied only to
// options the environment does not set explicitly.
var productionProfile = map[string]func(*EngineConfig){
	"MAX_NOTIFICATIONS_PER_USER": func(e *EngineConfig) { e.MaxNotificationsPerUser = 30 },
	"CLEANUP_INTERVAL_MINUTES":   func(e *EngineConfig) { e.CleanupIntervalMinutes = 2 },
	"MAX_MEMORY_USAGE_MB":        func(e *EngineConfig) { e.MaxMemoryUsageMB = 50 },
	"NOTIFICATION_EXPIRY_HOURS":  func(e *EngineConfig) { e.NotificationExpiryHours = 12 },
}

// LoadEngine reads the engine options from the environment and applies the
// production profile when env is production.
func LoadEngine(env string) (EngineConfig, error) {
	var e EngineConfig
	if err := envconfig.Process("", &e); err != nil {
		return EngineConfig{}, fmt.Errorf("failed to process engine env: %w", err)
	}
	if env == EnvProduction {
		for key, apply := range productionProfile {
			if _, set := os.LookupEnv(key); !set {
				apply(&e)
			}
		}
	}
	return e, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_env", "development")

	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "notifications")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.query_timeout", 3*time.Second)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "notifications:requests")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("control.api_key_hash", "")
	v.SetDefault("control.requests_per_second", 50.0)
	v.SetDefault("control.burst", 100)
	v.SetDefault("control.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.schedule", "@every 1h")
	v.SetDefault("retention.health_port", 3005)

	v.SetDefault("monitoring.namespace", "notification_engine")
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

// Load reads config.yml if present, lets the environment override any key
// (database.host is DATABASE_HOST) and then loads the engine options.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app/config")
	if file := os.Getenv("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	engine, err := LoadEngine(cfg.Env)
	if err != nil {
		return nil, err
	}
	cfg.Engine = engine

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	positive := map[string]int{
		"MAX_NOTIFICATIONS_PER_USER":   e.MaxNotificationsPerUser,
		"NOTIFICATION_EXPIRY_HOURS":    e.NotificationExpiryHours,
		"CLEANUP_INTERVAL_MINUTES":     e.CleanupIntervalMinutes,
		"HEARTBEAT_INTERVAL_SECONDS":   e.HeartbeatIntervalSeconds,
		"CONNECTION_TIMEOUT_SECONDS":   e.ConnectionTimeoutSeconds,
		"MAX_CONCURRENT_CONNECTIONS":   e.MaxConcurrentConnections,
		"MAX_MEMORY_USAGE_MB":          e.MaxMemoryUsageMB,
		"METRICS_LOG_INTERVAL_MINUTES": e.MetricsLogIntervalMinutes,
	}
	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	if e.AggressiveTrimFraction <= 0 || e.AggressiveTrimFraction > 1 {
		errs = append(errs, fmt.Errorf("AGGRESSIVE_TRIM_FRACTION must be in (0,1], got %g", e.AggressiveTrimFraction))
	}
	if e.Port <= 0 || e.Port > 65535 {
		errs = append(errs, fmt.Errorf("WEBSOCKET_PORT out of range: %d", e.Port))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Retention.Days < 0 {
		errs = append(errs, fmt.Errorf("retention days must not be negative"))
	}
	return errors.Join(errs...)
}
