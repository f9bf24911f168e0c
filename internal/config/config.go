package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Bridge    BridgeConfig
	Execution ExecutionConfig
	WebSocket WebSocketConfig
	EvalLog   EvalLogConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

// BridgeConfig is the local HTTP API the UI talks to.
type BridgeConfig struct {
	Port           string
	Host           string
	MaxSubscribers int
}

type ExecutionConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	TokenSecret    string
	TokenTTL       time.Duration
}

type WebSocketConfig struct {
	URL              string
	ReadBufferSize   int
	WriteBufferSize  int
	MaxMessageSize   int64
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
	Reconnect        bool
	ReconnectDelay   time.Duration
}

// EvalLogConfig points at the CouchDB database holding evaluation history.
type EvalLogConfig struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
	File  string
}

func Load() (*Config, error) {
	godotenv.Load()

	requestTimeout, err := getEnvAsDuration("EXEC_REQUEST_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	tokenTTL, err := getEnvAsDuration("EXEC_TOKEN_TTL", "15m")
	if err != nil {
		return nil, err
	}
	handshake, err := getEnvAsDuration("WS_HANDSHAKE_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	writeWait, err := getEnvAsDuration("WS_WRITE_WAIT", "10s")
	if err != nil {
		return nil, err
	}
	pongWait, err := getEnvAsDuration("WS_PONG_WAIT", "60s")
	if err != nil {
		return nil, err
	}
	pingPeriod, err := getEnvAsDuration("WS_PING_PERIOD", "54s")
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := getEnvAsDuration("WS_RECONNECT_DELAY", "5s")
	if err != nil {
		return nil, err
	}
	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", "24h")
	if err != nil {
		return nil, err
	}

	if pingPeriod >= pongWait {
		return nil, fmt.Errorf("WS_PING_PERIOD (%s) must be shorter than WS_PONG_WAIT (%s)", pingPeriod, pongWait)
	}

	return &Config{
		Bridge: BridgeConfig{
			Port:           getEnv("PORT", "8090"),
			Host:           getEnv("HOST", "127.0.0.1"),
			MaxSubscribers: getEnvAsInt("BRIDGE_MAX_SUBSCRIBERS", 8),
		},
		Execution: ExecutionConfig{
			BaseURL:        getEnv("EXEC_BASE_URL", "http://localhost:8080"),
			RequestTimeout: requestTimeout,
			TokenSecret:    getEnv("EXEC_TOKEN_SECRET", ""),
			TokenTTL:       tokenTTL,
		},
		WebSocket: WebSocketConfig{
			URL:              getEnv("WS_URL", "ws://localhost:8080/ws"),
			ReadBufferSize:   getEnvAsInt("WS_READ_BUFFER_SIZE", 4096),
			WriteBufferSize:  getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			MaxMessageSize:   int64(getEnvAsInt("WS_MAX_MESSAGE_SIZE", 10485760)),
			HandshakeTimeout: handshake,
			WriteWait:        writeWait,
			PongWait:         pongWait,
			PingPeriod:       pingPeriod,
			Reconnect:        getEnvAsBool("WS_RECONNECT", true),
			ReconnectDelay:   reconnectDelay,
		},
		EvalLog: EvalLogConfig{
			Enabled:  getEnvAsBool("EVAL_LOG_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "notebook_evaluations"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("BRIDGE_JWT_SECRET", ""),
			Expiration: jwtExp,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			File:  getEnv("LOG_FILE", ""),
		},
	}, nil
}

// CouchURL is the kivik DSN for the evaluation log.
func (c EvalLogConfig) CouchURL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", c.User, c.Password, c.Host, c.Port)
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

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
