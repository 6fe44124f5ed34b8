package config

import (
	"fmt"
	"net/url"
	"time"

	"telecare-backend/pkg/env"
)

// Config holds all configuration for both binaries. Each binary reads the
// sections it needs.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Stream   StreamConfig
	Agent    AgentConfig
	Push     PushConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// StreamConfig holds token broker and signaling settings of the video service
type StreamConfig struct {
	JWTSecret      string
	APIKey         string
	AccessTTL      time.Duration
	TokenTTL       time.Duration
	ParticipantTTL time.Duration
	MaxConnections int
}

// AgentConfig holds settings of the local call agent
type AgentConfig struct {
	Port               int
	BrokerURL          string
	SignalingURL       string
	AuthToken          string
	Purpose            string
	DescriptorCacheTTL time.Duration
	RequestTimeout     time.Duration
}

// PushConfig selects the provider that tells the other party of an
// appointment that its call has started
type PushConfig struct {
	Provider string // mock, fcm, apns

	FirebaseProjectID       string
	FirebaseCredentialsPath string

	APNsBundleID     string
	APNsKeyPath      string
	APNsKeyID        string
	APNsTeamID       string
	APNsCertPath     string
	APNsCertPassword string
	APNsProduction   bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "video-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "telecare"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Stream: StreamConfig{
			JWTSecret:      env.GetStringFromFile("JWT_SECRET", ""),
			APIKey:         env.GetStringFromFile("STREAM_API_KEY", "telecare-dev"),
			AccessTTL:      env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			TokenTTL:       env.GetDuration("STREAM_TOKEN_TTL", time.Hour),
			ParticipantTTL: env.GetDuration("STREAM_PARTICIPANT_TTL", 90*time.Second),
			MaxConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", 1000),
		},
		Agent: AgentConfig{
			Port:               env.GetInt("AGENT_PORT", 7420),
			BrokerURL:          env.GetString("AGENT_BROKER_URL", "http://localhost:8083"),
			SignalingURL:       env.GetString("AGENT_SIGNALING_URL", "ws://localhost:8083/v1/stream/ws"),
			AuthToken:          env.GetStringFromFile("AGENT_AUTH_TOKEN", ""),
			Purpose:            env.GetString("AGENT_CALL_PURPOSE", "video"),
			DescriptorCacheTTL: env.GetDuration("AGENT_DESCRIPTOR_TTL", 50*time.Minute),
			RequestTimeout:     env.GetDuration("AGENT_REQUEST_TIMEOUT", 10*time.Second),
		},
		Push: PushConfig{
			Provider:                env.GetString("PUSH_PROVIDER", "mock"),
			FirebaseProjectID:       env.GetStringFromFile("FIREBASE_PROJECT_ID", ""),
			FirebaseCredentialsPath: env.GetString("FIREBASE_CREDENTIALS_PATH", ""),
			APNsBundleID:            env.GetString("APNS_BUNDLE_ID", ""),
			APNsKeyPath:             env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:               env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:              env.GetString("APNS_TEAM_ID", ""),
			APNsCertPath:            env.GetString("APNS_CERT_PATH", ""),
			APNsCertPassword:        env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:          env.GetBool("APNS_PRODUCTION", false),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction reports whether ENV=production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.Stream.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.Stream.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Stream.APIKey == "telecare-dev" {
			return fmt.Errorf("STREAM_API_KEY must be set in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER=mock is not allowed in production")
		}
	}

	if c.Stream.ParticipantTTL < 10*time.Second {
		return fmt.Errorf("STREAM_PARTICIPANT_TTL must be at least 10s, got %s", c.Stream.ParticipantTTL)
	}

	for name, raw := range map[string]string{
		"AGENT_BROKER_URL":    c.Agent.BrokerURL,
		"AGENT_SIGNALING_URL": c.Agent.SignalingURL,
	} {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
	}

	return nil
}

// DSN builds the CockroachDB connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}
