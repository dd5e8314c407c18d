// Package config centralizes environment-driven configuration for
// relaycore, following the getEnv/getEnvInt convention of the server's
// entry point rather than a config file or a flags library.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	// Server
	WSPath               string
	WSDevTokenQuery      string
	ServerMaxConnections int
	ShutdownTimeout      time.Duration

	// Auth
	JWTCookieName string
	JWTSecretKey  string

	// Message/content limits
	MaxContentLength int
	PayloadMaxSize   int

	// Connection management
	MaxSocketsPerSession  int
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	PresenceOfflineGrace  time.Duration

	// Rate limiting
	RateLimitSocketGenericPerMinute int
	RateLimitSocketSendPerMinute    int
	RateLimitUserPerMinute          int
	RateLimitRoomActionPerMinute    int

	// Backpressure
	BackpressureQueueSize      int
	BackpressureMaxOverflows   int

	// Rooms
	RoomsMaxMembers   int
	RoomsMaxPerUser   int

	// Protocol
	ProtocolVersions []string

	// Replay
	ReplayDefaultLimit int
	ReplayMaxLimit     int
	ReplaySoftTimeout  time.Duration

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (cross-node hook, optional)
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// NATS (observability events, optional)
	NATSEnabled bool
	NATSURL     string

	LogLevel   string
	LogPretty  bool
}

// Load resolves Config from the process environment, applying the same
// defaults a local developer setup would need.
func Load() *Config {
	return &Config{
		WSPath:          getEnv("WS_PATH", "/ws"),
		WSDevTokenQuery: getEnv("WS_DEV_TOKEN_QUERY", ""),

		ServerMaxConnections: getEnvInt("SERVER_MAX_CONNECTIONS", 10000),
		ShutdownTimeout:      getEnvDurationMs("SERVER_SHUTDOWN_TIMEOUT_MS", 3000),

		JWTCookieName: getEnv("JWT_COOKIE_NAME", "relaycore_session"),
		JWTSecretKey:  getEnv("JWT_SECRET_KEY", ""),

		MaxContentLength: getEnvInt("MAX_CONTENT_LENGTH", 8192),
		PayloadMaxSize:   getEnvInt("PAYLOAD_MAX_SIZE", 65536),

		MaxSocketsPerSession: getEnvInt("MAX_SOCKETS_PER_SESSION", 3),
		HeartbeatInterval:    getEnvDurationMs("HEARTBEAT_INTERVAL_MS", 30000),
		HeartbeatTimeout:     getEnvDurationMs("HEARTBEAT_TIMEOUT_MS", 60000),
		PresenceOfflineGrace: getEnvDurationMs("PRESENCE_OFFLINE_GRACE_MS", 15000),

		RateLimitSocketGenericPerMinute: getEnvInt("RATE_LIMIT_SOCKET_GENERIC_PER_MIN", 120),
		RateLimitSocketSendPerMinute:    getEnvInt("RATE_LIMIT_SOCKET_SEND_PER_MIN", 60),
		RateLimitUserPerMinute:          getEnvInt("RATE_LIMIT_USER_PER_MIN", 300),
		RateLimitRoomActionPerMinute:    getEnvInt("RATE_LIMIT_ROOM_ACTION_PER_MIN", 20),

		BackpressureQueueSize:    getEnvInt("BACKPRESSURE_QUEUE_SIZE", 256),
		BackpressureMaxOverflows: getEnvInt("BACKPRESSURE_MAX_OVERFLOWS", 5),

		RoomsMaxMembers: getEnvInt("ROOMS_MAX_MEMBERS", 500),
		RoomsMaxPerUser: getEnvInt("ROOMS_MAX_PER_USER", 200),

		ProtocolVersions: getEnvList("PROTOCOL_VERSIONS", []string{"1.0"}),

		ReplayDefaultLimit: getEnvInt("REPLAY_DEFAULT_LIMIT", 100),
		ReplayMaxLimit:     getEnvInt("REPLAY_MAX_LIMIT", 500),
		ReplaySoftTimeout:  getEnvDurationMs("REPLAY_SOFT_TIMEOUT_MS", 8000),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "relaycore"),
		DBPassword: getEnv("DB_PASSWORD", "relaycore"),
		DBName:     getEnv("DB_NAME", "relaycore"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		RedisEnabled:  getEnv("REDIS_ENABLED", "false") == "true",
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		NATSEnabled: getEnv("NATS_ENABLED", "false") == "true",
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnv("LOG_PRETTY", "false") == "true",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
