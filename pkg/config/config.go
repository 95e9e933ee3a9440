package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	LogLevel        logger.LogLevel
}

// GetDSN returns the PostgreSQL connection string
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Env  string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SigningKey      string
	ExpirationHours int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Prefix string
}

// NATSConfig holds the lifecycle event bus configuration.
// An empty URL disables event publishing entirely.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// FleetConfig holds the identity and policy of this server node within the
// bot fleet.
type FleetConfig struct {
	// ServerName is this node's identity in the server and god registries.
	ServerName string
	// Address is the base URL peers use to reach this node's internal API.
	Address string
	// MaxBots caps how many bots this node will accept at registration time.
	MaxBots int
	// HealthInterval is the period of the bot health-check sweep.
	HealthInterval time.Duration
	// HealthTimeout bounds a single bot's liveness probe.
	HealthTimeout time.Duration
	// PeerTimeout bounds a cross-server credential update request.
	PeerTimeout time.Duration
	// ShutdownGrace bounds the concurrent fleet shutdown on exit.
	ShutdownGrace time.Duration
	// AutoApprove enables the promotional auto-approval policy for new bots.
	AutoApprove bool
	// PromoUntil, when set, closes the auto-approval window at that instant.
	PromoUntil time.Time
}

// Config holds all configuration
type Config struct {
	ServiceName string
	DB          DBConfig
	Server      ServerConfig
	JWT         JWTConfig
	Log         LogConfig
	Metrics     MetricsConfig
	NATS        NATSConfig
	Fleet       FleetConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// Not returning error as .env file is optional
		fmt.Printf("Warning: .env file not found, using environment variables\n")
	}

	serviceName := getEnv("SERVICE_NAME", "botfleet")

	config := &Config{
		ServiceName: serviceName,
		DB: DBConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "password"),
			DBName:          getEnv("DB_NAME", serviceName),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 1*time.Hour),
			LogLevel:        getEnvAsLogLevel("DB_LOG_LEVEL", logger.Warn),
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Env:  getEnv("APP_ENV", "development"),
		},
		JWT: JWTConfig{
			SigningKey:      getEnv("JWT_SIGNING_KEY", "defaultsecretkey"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Metrics: MetricsConfig{
			Prefix: getEnv("METRICS_PREFIX", "botfleet"),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "botfleet"),
		},
		Fleet: FleetConfig{
			ServerName:     getEnv("FLEET_SERVER_NAME", hostnameOr("server-1")),
			Address:        getEnv("FLEET_ADDRESS", "http://localhost:8080"),
			MaxBots:        getEnvAsInt("FLEET_MAX_BOTS", 50),
			HealthInterval: getEnvAsDuration("FLEET_HEALTH_INTERVAL", 3*time.Minute),
			HealthTimeout:  getEnvAsDuration("FLEET_HEALTH_TIMEOUT", 10*time.Second),
			PeerTimeout:    getEnvAsDuration("FLEET_PEER_TIMEOUT", 15*time.Second),
			ShutdownGrace:  getEnvAsDuration("FLEET_SHUTDOWN_GRACE", 30*time.Second),
			AutoApprove:    getEnvAsBool("FLEET_AUTO_APPROVE", false),
			PromoUntil:     getEnvAsTime("FLEET_PROMO_UNTIL"),
		},
	}

	return config, nil
}

// LogConfig returns the configuration as zap logger-friendly fields
func (c *Config) LogConfig() []zap.Field {
	return []zap.Field{
		zap.String("service", c.ServiceName),
		zap.String("environment", c.Server.Env),
		zap.String("server_name", c.Fleet.ServerName),
		zap.String("db_host", c.DB.Host),
		zap.String("db_name", c.DB.DBName),
		zap.String("server_port", c.Server.Port),
		zap.Int("max_bots", c.Fleet.MaxBots),
	}
}

func hostnameOr(defaultValue string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return defaultValue
}

// Helper function to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as integers
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as booleans
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as durations
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// Helper function to get environment variables as RFC3339 timestamps
func getEnvAsTime(key string) time.Time {
	valueStr := getEnv(key, "")
	if value, err := time.Parse(time.RFC3339, valueStr); err == nil {
		return value
	}
	return time.Time{}
}

// Helper function to get environment variables as log levels
func getEnvAsLogLevel(key string, defaultValue logger.LogLevel) logger.LogLevel {
	valueStr := getEnv(key, "")
	switch valueStr {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return defaultValue
	}
}
