package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Hub       HubConfig
	Internal  InternalConfig
	CORS      CORSConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Enabled  bool
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	SendQueueSize     int
	PresenceQueueSize int
}

type HubConfig struct {
	AuthTimeout        time.Duration
	LoadTimeout        time.Duration
	StoreTimeout       time.Duration
	StoreRetries       int
	StoreBackoff       time.Duration
	CheckpointInterval time.Duration
	TeardownGrace      time.Duration
	IdleTimeout        time.Duration
	OpTailLimit        int
}

// InternalConfig guards the service-to-service endpoints. SecretHash
// is a bcrypt hash of the shared secret, never the secret itself.
type InternalConfig struct {
	SecretHash string
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Host:            getEnv("HOST", "0.0.0.0"),
			Env:             getEnv("ENV", "development"),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "docsync"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			TTL:      getEnvAsDuration("REDIS_SNAPSHOT_TTL", 10*time.Minute),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize:   getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:    int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 1048576)),
			WriteWait:         getEnvAsDuration("WS_WRITE_WAIT", 10*time.Second),
			PongWait:          getEnvAsDuration("WS_PONG_WAIT", 60*time.Second),
			PingPeriod:        getEnvAsDuration("WS_PING_PERIOD", 54*time.Second),
			SendQueueSize:     getEnvAsInt("WS_SEND_QUEUE_SIZE", 256),
			PresenceQueueSize: getEnvAsInt("WS_PRESENCE_QUEUE_SIZE", 64),
		},
		Hub: HubConfig{
			AuthTimeout:        getEnvAsDuration("HUB_AUTH_TIMEOUT", 5*time.Second),
			LoadTimeout:        getEnvAsDuration("HUB_LOAD_TIMEOUT", 10*time.Second),
			StoreTimeout:       getEnvAsDuration("HUB_STORE_TIMEOUT", 10*time.Second),
			StoreRetries:       getEnvAsInt("HUB_STORE_RETRIES", 2),
			StoreBackoff:       getEnvAsDuration("HUB_STORE_BACKOFF", 250*time.Millisecond),
			CheckpointInterval: getEnvAsDuration("HUB_CHECKPOINT_INTERVAL", 30*time.Second),
			TeardownGrace:      getEnvAsDuration("HUB_TEARDOWN_GRACE", 10*time.Second),
			IdleTimeout:        getEnvAsDuration("HUB_IDLE_TIMEOUT", 0),
			OpTailLimit:        getEnvAsInt("HUB_OP_TAIL_LIMIT", 512),
		},
		Internal: InternalConfig{
			SecretHash: getEnv("INTERNAL_SECRET_HASH", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Internal-Secret"),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
