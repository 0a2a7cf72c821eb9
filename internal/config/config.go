package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// Agent holds the terminal daemon configuration loaded from environment
// variables.
type Agent struct {
	Env             string
	HTTPPort        string
	HubURL          string
	TerminalID      string
	SpoolDir        string
	StatePath       string
	GeoEnabled      bool
	TerminalLat     float64
	TerminalLng     float64
	TerminalRadiusM float64
	RateLimitPerMin int
}

// LoadAgent returns terminal daemon config populated from environment
// variables with sensible defaults.
func LoadAgent() Agent {
	return Agent{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("AGENT_HTTP_PORT", "8082"),
		HubURL:          getEnv("HUB_URL", "http://localhost:8081"),
		TerminalID:      getEnv("TERMINAL_ID", "terminal-dev"),
		SpoolDir:        getEnv("CAMERA_SPOOL_DIR", "/var/lib/punchd/spool"),
		StatePath:       getEnv("STATE_PATH", "/var/lib/punchd/credentials.json"),
		GeoEnabled:      boolEnv("TERMINAL_GEO", false),
		TerminalLat:     floatEnv("TERMINAL_LAT", 0),
		TerminalLng:     floatEnv("TERMINAL_LNG", 0),
		TerminalRadiusM: floatEnv("TERMINAL_RADIUS_M", 100),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
	}
}

// Hub holds the backend configuration loaded from environment variables.
type Hub struct {
	Env             string
	HTTPPort        string
	DatabaseURL     string
	RedisAddr       string
	JWTIssuer       string
	JWTSigningKey   string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	QueueBackend    string
	StoreBackend    string
	DedupWindow     time.Duration
	FaceServiceURL  string
	FaceRejectEvery int
	RateLimitPerMin int
	PhotoDir        string
	PhotoRetention  time.Duration
	SeedPhone       string
	SeedPassword    string
}

// LoadHub returns hub config populated from environment variables with
// sensible defaults.
func LoadHub() Hub {
	return Hub{
		Env:             getEnv("APP_ENV", "dev"),
		HTTPPort:        getEnv("HTTP_PORT", "8081"),
		DatabaseURL:     getEnv("DATABASE_URL", "postgres://hr:hr@localhost:5433/hr?sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		JWTIssuer:       getEnv("JWT_ISSUER", "hr-hub"),
		JWTSigningKey:   getEnv("JWT_SIGNING_KEY", "dev-signing-secret-change"),
		AccessTTL:       durationEnv("ACCESS_TTL", 15*time.Minute),
		RefreshTTL:      durationEnv("REFRESH_TTL", 24*time.Hour),
		QueueBackend:    getEnv("QUEUE_BACKEND", "redis"),
		StoreBackend:    getEnv("STORE_BACKEND", "memory"),
		DedupWindow:     durationEnv("PUNCH_DEDUP_WINDOW", 2*time.Minute),
		FaceServiceURL:  getEnv("FACE_SERVICE_URL", ""),
		FaceRejectEvery: intEnv("FACE_REJECT_EVERY", 0),
		RateLimitPerMin: intEnv("RATE_LIMIT_PER_MIN", 120),
		PhotoDir:        getEnv("PHOTO_ARCHIVE_DIR", "/var/lib/hrhub/frames"),
		PhotoRetention:  durationEnv("PHOTO_RETENTION", 720*time.Hour),
		SeedPhone:       getEnv("SEED_PHONE", ""),
		SeedPassword:    getEnv("SEED_PASSWORD", ""),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			log.Printf("invalid duration for %s: %v, using fallback %s", key, err, fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func boolEnv(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if val == "1" || val == "true" || val == "TRUE" {
			return true
		}
		if val == "0" || val == "false" || val == "FALSE" {
			return false
		}
		log.Printf("invalid bool for %s, using fallback %v", key, fallback)
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
		log.Printf("invalid int for %s, using fallback %d", key, fallback)
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return parsed
		}
		log.Printf("invalid float for %s, using fallback %v", key, fallback)
	}
	return fallback
}
