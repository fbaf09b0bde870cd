package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// Identity providers.
const (
	AuthJWT      = "jwt"
	AuthSupabase = "supabase"
)

// Config holds all server configuration.
type Config struct {
	// Server configuration
	ServerAddress   string        `yaml:"server_address"`
	Environment     string        `yaml:"environment"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ConfigDir       string        `yaml:"-"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Storage
	StoreDriver       string `yaml:"store_driver"`
	AWSRegion         string `yaml:"aws_region"`
	DynamoDBTable     string `yaml:"dynamodb_table"`
	DynamoDBRoomIndex string `yaml:"dynamodb_room_index"`
	DynamoDBEndpoint  string `yaml:"dynamodb_endpoint"`
	SQLitePath        string `yaml:"sqlite_path"`

	// Event mirroring, disabled when EventBusName is empty
	EventBusName        string `yaml:"event_bus_name"`
	EventBridgeEndpoint string `yaml:"eventbridge_endpoint"`

	// Authentication
	AuthProvider           string `yaml:"auth_provider"`
	JWTSecret              string `yaml:"jwt_secret"`
	JWTIssuer              string `yaml:"jwt_issuer"`
	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseServiceRoleKey string `yaml:"supabase_service_role_key"`

	// Gateway
	OutboundQueueSize     int      `yaml:"outbound_queue_size"`
	MaxConnectionsPerUser int      `yaml:"max_connections_per_user"`
	AllowedOrigins        []string `yaml:"allowed_origins"`

	// Feature flags
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableTracing bool   `yaml:"enable_tracing"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// ClientConfig is what a sync client needs to reach the service.
type ClientConfig struct {
	CRUDBaseURL  string
	TransportURL string
	Credential   string
}

// Default returns the configuration used when no file or variable says
// otherwise.
func Default() *Config {
	return &Config{
		ServerAddress:         ":8080",
		Environment:           "development",
		ShutdownTimeout:       30 * time.Second,
		LogLevel:              "info",
		StoreDriver:           StoreMemory,
		AWSRegion:             "us-west-2",
		DynamoDBTable:         "realtime-sync",
		DynamoDBRoomIndex:     "RoomIndex",
		SQLitePath:            "realtime-sync.db",
		AuthProvider:          AuthJWT,
		JWTIssuer:             "realtime-sync",
		OutboundQueueSize:     256,
		MaxConnectionsPerUser: 10,
		AllowedOrigins:        []string{"*"},
		EnableMetrics:         true,
		OTLPEndpoint:          "localhost:4317",
	}
}

// LoadConfig reads files under CONFIG_DIR, if set, then environment variables.
func LoadConfig() (*Config, error) {
	return NewLoader(os.Getenv("CONFIG_DIR"), getEnv("ENVIRONMENT", "development")).Load()
}

// LoadClientConfig reads the client endpoints from the environment.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		CRUDBaseURL:  getEnv("CRUD_BASE_URL", "http://localhost:8080"),
		TransportURL: getEnv("TRANSPORT_URL", "ws://localhost:8080/ws"),
		Credential:   os.Getenv("SYNC_TOKEN"),
	}
}

// applyEnv overlays environment variables. Unset variables keep the value
// already in cfg.
func applyEnv(cfg *Config) {
	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.DynamoDBTable = getEnv("DYNAMODB_TABLE", cfg.DynamoDBTable)
	cfg.DynamoDBRoomIndex = getEnv("DYNAMODB_ROOM_INDEX", cfg.DynamoDBRoomIndex)
	cfg.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", cfg.DynamoDBEndpoint)
	cfg.SQLitePath = getEnv("SQLITE_PATH", cfg.SQLitePath)
	cfg.EventBusName = getEnv("EVENT_BUS_NAME", cfg.EventBusName)
	cfg.EventBridgeEndpoint = getEnv("EVENTBRIDGE_ENDPOINT", cfg.EventBridgeEndpoint)

	cfg.AuthProvider = getEnv("AUTH_PROVIDER", cfg.AuthProvider)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getEnv("JWT_ISSUER", cfg.JWTIssuer)
	cfg.SupabaseURL = getEnv("SUPABASE_URL", cfg.SupabaseURL)
	cfg.SupabaseServiceRoleKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", cfg.SupabaseServiceRoleKey)

	cfg.OutboundQueueSize = getEnvInt("OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	cfg.MaxConnectionsPerUser = getEnvInt("MAX_CONNECTIONS_PER_USER", cfg.MaxConnectionsPerUser)
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.AllowedOrigins)

	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("ENABLE_TRACING", cfg.EnableTracing)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StoreDynamoDB:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.AuthProvider {
	case AuthJWT:
		if c.JWTSecret == "" && c.IsProduction() {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	case AuthSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceRoleKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for the supabase provider")
		}
	default:
		return fmt.Errorf("unknown AUTH_PROVIDER %q", c.AuthProvider)
	}
	if c.StoreDriver == StoreDynamoDB && c.DynamoDBTable == "" {
		return fmt.Errorf("DYNAMODB_TABLE is required")
	}
	if c.StoreDriver == StoreSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if c.IsProduction() && c.StoreDriver == StoreMemory {
		return fmt.Errorf("the memory store cannot be used in production")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
