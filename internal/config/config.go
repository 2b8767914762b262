package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisTTL      time.Duration

	// Upstream LLM endpoint (OpenAI-compatible)
	LLMBaseURL string
	LLMAPIKey  string

	// Stream relay tunables
	RedisFlushEveryN        int           // buffer flush threshold in chunks
	DBFlushEveryM           int           // partial DB write threshold
	SSEReconnectionDelayMS  int           // retry: value sent on the init frame
	TotalResponseTimeout    time.Duration // overall producer deadline
	AliveInterval           time.Duration // per-chunk upstream read timeout
	ReconnectPollRedis      time.Duration // replayer cache poll period
	ReconnectPollDB         time.Duration // replayer DB fallback poll period
	EmitterChannelBufferLen int

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

// AppConfig is the process-wide configuration, populated by LoadConfig.
var AppConfig *Config

// LoadConfig reads .env (if present) and the environment into AppConfig.
func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/chat_relay?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MIN", 5),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MIN", 30),

		// Redis
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisTTL:      secondsEnv("REDIS_TTL_S", 3600),

		// Upstream LLM
		LLMBaseURL: getEnvOrDefault("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
		LLMAPIKey:  getEnvOrDefault("LLM_API_KEY", ""),

		// Stream relay
		RedisFlushEveryN:        getEnvAsInt("REDIS_FLUSH_EVERY_N", 25),
		DBFlushEveryM:           getEnvAsInt("DB_FLUSH_EVERY_M", 150),
		SSEReconnectionDelayMS:  getEnvAsInt("SSE_RECONNECTION_DELAY_MS", 30000),
		TotalResponseTimeout:    secondsEnv("TOTAL_RESPONSE_TIMEOUT_S", 600),
		AliveInterval:           secondsEnv("ALIVE_INTERVAL_S", 20),
		ReconnectPollRedis:      secondsEnv("RECONNECT_POLL_INTERVAL_REDIS_S", 0.5),
		ReconnectPollDB:         secondsEnv("RECONNECT_POLL_INTERVAL_DB_S", 3),
		EmitterChannelBufferLen: getEnvAsInt("EMITTER_CHANNEL_BUFFER_LEN", 256),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_S", 10),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}

	return AppConfig
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as float, using default %f: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// secondsEnv reads a possibly fractional number of seconds. The replayer's
// Redis poll interval defaults to half a second, so plain int parsing is not
// enough here.
func secondsEnv(key string, defaultSeconds float64) time.Duration {
	return time.Duration(getEnvFloat(key, defaultSeconds) * float64(time.Second))
}
