package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for FlowCatalyst
type Config struct {
	// HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration
	MongoDB MongoDBConfig

	// Database configuration for the dispatch job/pool repositories
	Database DatabaseConfig

	// Queue configuration (embedded, NATS, SQS, or ActiveMQ)
	Queue QueueConfig

	// Authentication configuration
	Auth AuthConfig

	// Leader election configuration
	Leader LeaderConfig

	// Redis configuration, used for leader election when enabled
	Redis RedisConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Traffic management configuration (standby <-> active ALB wiring)
	Traffic TrafficConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// DatabaseConfig selects and configures the dispatch job/pool repository backend.
type DatabaseConfig struct {
	// Driver selects the repository backend: "mongo", "postgres", or "mysql"
	Driver string

	Postgres PostgresConfig
	MySQL    MySQLConfig
}

// PostgresConfig holds Postgres connection configuration
type PostgresConfig struct {
	DSN string
}

// MySQLConfig holds MySQL connection configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SchedulerConfig holds dispatch scheduler configuration
type SchedulerConfig struct {
	PollInterval            time.Duration
	BatchSize               int
	StaleThreshold          time.Duration
	ExpiredCheckInterval    time.Duration
	ProcessingEndpoint      string
	DefaultDispatchPoolCode string
	AppKey                  string
}

// TrafficConfig holds traffic management configuration
type TrafficConfig struct {
	// Enabled controls whether traffic management is active
	Enabled bool

	// Strategy selects the traffic strategy: "noop" or "aws-alb"
	Strategy string

	// TargetGroupArn is the ELBv2 target group this instance registers with under aws-alb
	TargetGroupArn string

	// TargetID is the instance ID or IP address registered with the target group
	TargetID string

	// TargetPort is the port registered with the target group (0 uses the group's registered port)
	TargetPort int

	// Region is the AWS region of the target group
	Region string

	// DeregistrationDelaySeconds bounds how long to wait for draining on deregister
	DeregistrationDelaySeconds int
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// QueueConfig holds queue configuration
type QueueConfig struct {
	Type string // "embedded", "nats", "sqs", "activemq"

	Embedded EmbeddedQueueConfig
	NATS     NATSConfig
	SQS      SQSConfig
	ActiveMQ ActiveMQQueueConfig
}

// EmbeddedQueueConfig holds the SQLite-backed queue configuration
type EmbeddedQueueConfig struct {
	Path              string
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	DedupWindow       time.Duration
}

// ActiveMQQueueConfig holds ActiveMQ/STOMP connection configuration
type ActiveMQQueueConfig struct {
	Addr        string
	Login       string
	Passcode    string
	VirtualHost string
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	DataDir string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURL          string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Mode         string // "embedded" or "remote"
	ExternalBase string // External base URL for OAuth callbacks

	JWT JWTConfig

	Session SessionConfig

	PKCE PKCEConfig

	// Remote mode configuration
	Remote RemoteAuthConfig
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Issuer                   string
	PrivateKeyPath           string
	PublicKeyPath            string
	AccessTokenExpiry        time.Duration
	SessionTokenExpiry       time.Duration
	RefreshTokenExpiry       time.Duration
	AuthorizationCodeExpiry  time.Duration
}

// SessionConfig holds session cookie configuration
type SessionConfig struct {
	CookieName string
	Secure     bool
	SameSite   string // "Strict", "Lax", "None"
}

// PKCEConfig holds PKCE configuration
type PKCEConfig struct {
	Required bool
}

// RemoteAuthConfig holds remote authentication configuration
type RemoteAuthConfig struct {
	JWKSUrl string
	Issuer  string
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// Backend selects the distributed lock store: "redis" or "mongo"
	Backend string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "flowcatalyst"),
		},

		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "mongo"),
			Postgres: PostgresConfig{
				DSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/flowcatalyst"),
			},
			MySQL: MySQLConfig{
				DSN: getEnv("MYSQL_DSN", "root@tcp(localhost:3306)/flowcatalyst"),
			},
		},

		Queue: QueueConfig{
			Type: getEnv("QUEUE_TYPE", "embedded"),
			Embedded: EmbeddedQueueConfig{
				Path:              getEnv("EMBEDDED_QUEUE_PATH", "./data/queue.db"),
				VisibilityTimeout: getEnvDuration("EMBEDDED_QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
				PollInterval:      getEnvDuration("EMBEDDED_QUEUE_POLL_INTERVAL", 250*time.Millisecond),
				DedupWindow:       getEnvDuration("EMBEDDED_QUEUE_DEDUP_WINDOW", 5*time.Minute),
			},
			NATS: NATSConfig{
				URL:     getEnv("NATS_URL", "nats://localhost:4222"),
				DataDir: getEnv("NATS_DATA_DIR", "./data/nats"),
			},
			SQS: SQSConfig{
				QueueURL:          getEnv("SQS_QUEUE_URL", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
			ActiveMQ: ActiveMQQueueConfig{
				Addr:        getEnv("ACTIVEMQ_ADDR", "localhost:61613"),
				Login:       getEnv("ACTIVEMQ_LOGIN", ""),
				Passcode:    getEnv("ACTIVEMQ_PASSCODE", ""),
				VirtualHost: getEnv("ACTIVEMQ_VHOST", "/"),
			},
		},

		Auth: AuthConfig{
			Mode:         getEnv("AUTH_MODE", "embedded"),
			ExternalBase: getEnv("AUTH_EXTERNAL_BASE_URL", "http://localhost:4200"),

			JWT: JWTConfig{
				Issuer:                   getEnv("JWT_ISSUER", "flowcatalyst"),
				PrivateKeyPath:           getEnv("JWT_PRIVATE_KEY_PATH", ""),
				PublicKeyPath:            getEnv("JWT_PUBLIC_KEY_PATH", ""),
				AccessTokenExpiry:        getEnvDuration("JWT_ACCESS_TOKEN_EXPIRY", 1*time.Hour),
				SessionTokenExpiry:       getEnvDuration("JWT_SESSION_TOKEN_EXPIRY", 8*time.Hour),
				RefreshTokenExpiry:       getEnvDuration("JWT_REFRESH_TOKEN_EXPIRY", 30*24*time.Hour),
				AuthorizationCodeExpiry:  getEnvDuration("JWT_AUTHORIZATION_CODE_EXPIRY", 10*time.Minute),
			},

			Session: SessionConfig{
				CookieName: getEnv("SESSION_COOKIE_NAME", "FLOWCATALYST_SESSION"),
				Secure:     getEnvBool("SESSION_SECURE", true),
				SameSite:   getEnv("SESSION_SAME_SITE", "Strict"),
			},

			PKCE: PKCEConfig{
				Required: getEnvBool("PKCE_REQUIRED", true),
			},

			Remote: RemoteAuthConfig{
				JWKSUrl: getEnv("AUTH_REMOTE_JWKS_URL", ""),
				Issuer:  getEnv("AUTH_REMOTE_ISSUER", ""),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Backend:         getEnv("LEADER_ELECTION_BACKEND", "redis"),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},

		Traffic: TrafficConfig{
			Enabled:                    getEnvBool("TRAFFIC_MANAGEMENT_ENABLED", false),
			Strategy:                   getEnv("TRAFFIC_STRATEGY", "noop"),
			TargetGroupArn:             getEnv("TRAFFIC_ALB_TARGET_GROUP_ARN", ""),
			TargetID:                   getEnv("TRAFFIC_ALB_TARGET_ID", ""),
			TargetPort:                 getEnvInt("TRAFFIC_ALB_TARGET_PORT", 0),
			Region:                     getEnv("TRAFFIC_ALB_REGION", getEnv("AWS_REGION", "us-east-1")),
			DeregistrationDelaySeconds: getEnvInt("TRAFFIC_ALB_DEREGISTRATION_DELAY_SECONDS", 30),
		},

		Scheduler: SchedulerConfig{
			PollInterval:            getEnvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:               getEnvInt("SCHEDULER_BATCH_SIZE", 100),
			StaleThreshold:          getEnvDuration("SCHEDULER_STALE_THRESHOLD", 15*time.Minute),
			ExpiredCheckInterval:    getEnvDuration("SCHEDULER_EXPIRED_CHECK_INTERVAL", 60*time.Second),
			ProcessingEndpoint:      getEnv("SCHEDULER_PROCESSING_ENDPOINT", "http://localhost:8080/api/dispatch/process"),
			DefaultDispatchPoolCode: getEnv("SCHEDULER_DEFAULT_POOL_CODE", "DEFAULT-POOL"),
			AppKey:                  getEnv("SCHEDULER_APP_KEY", ""),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("FLOWCATALYST_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.Split(value, ",")
	}
	return defaultValue
}
