package portal

import (
	"os"
	"strconv"
	"time"
)

// Config holds HTTP transport configuration.
type Config struct {
	Addr string
	// JWTSecret signs session tokens. When empty a random secret is generated
	// at startup and sessions do not survive a restart.
	JWTSecret string
	TokenTTL  time.Duration
	// LoginRatePerMinute limits login attempts per client address.
	LoginRatePerMinute int
	MaxUploadBytes     int64
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
	ShutdownTimeout   time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
}

func LoadConfig() Config {
	addr := os.Getenv("REDIS_ADDR")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		addr = host + ":" + port
	}
	return Config{
		Addr:               getenv("HTTP_ADDR", ":8080"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		TokenTTL:           getDuration("JWT_TTL", 30*time.Minute),
		LoginRatePerMinute: getInt("LOGIN_RATE_PER_MIN", 20),
		MaxUploadBytes:     int64(getInt("EHR_MAX_UPLOAD_BYTES", 10<<20)),
		TrustProxyHeaders:  getBool("HTTP_TRUST_PROXY_HEADERS", false),
		ShutdownTimeout:    getDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		RedisAddr:          addr,
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 0),
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
