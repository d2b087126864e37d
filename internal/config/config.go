package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Upstream
	UpstreamURL           string // Base URL of the Routina REST API the gateway fronts
	NetworkTimeoutSeconds int    // Timeout tolerance for network-first fetches

	// Database
	DatabaseURL string

	// Cache
	CacheVersion        string   // Suffix for live cache generations, e.g. "v2"
	CacheDir            string   // Badger directory for the named stores
	CacheInMemory       bool     // Keep stores in memory only (tests, ephemeral deploys)
	AppShellAssets      []string // Origin-relative paths precached at install
	OfflineFallbackPath string   // Served when a navigation fails offline

	// Route rules
	RouteRules *RouteRulesConfig `yaml:"route_rules"`

	// Push
	PushEnabled     bool
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string // mailto: or https: contact for the push service

	// Polling fallback
	PollingSchedule     string // cron spec for the notification poller
	PollingGraceSeconds int    // Age before a polled notification is marked read

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

// DefaultAppShellAssets is the static asset manifest precached during install.
// Order matters: the root document and offline fallback come first so a partial
// install failure is detected before the less critical routes.
var DefaultAppShellAssets = []string{
	"/",
	"/offline.html",
	"/dashboard",
	"/tasks",
	"/calendar",
	"/manifest.webmanifest",
	"/logo192.png",
}

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Upstream
		UpstreamURL:           getEnvOrDefault("UPSTREAM_URL", "http://localhost:3000"),
		NetworkTimeoutSeconds: getEnvAsInt("NETWORK_TIMEOUT_SECONDS", 10),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", ""),

		// Cache
		CacheVersion:        getEnvOrDefault("CACHE_VERSION", "v2"),
		CacheDir:            getEnvOrDefault("CACHE_DIR", "./data/cache"),
		CacheInMemory:       getEnvOrDefault("CACHE_IN_MEMORY", "false") == "true",
		AppShellAssets:      getEnvAsList("APP_SHELL_ASSETS", DefaultAppShellAssets),
		OfflineFallbackPath: getEnvOrDefault("OFFLINE_FALLBACK_PATH", "/offline.html"),

		// Push
		PushEnabled:     getEnvOrDefault("PUSH_ENABLED", "true") == "true",
		VAPIDPublicKey:  strings.TrimSpace(getEnvOrDefault("VAPID_PUBLIC_KEY", "")),
		VAPIDPrivateKey: strings.TrimSpace(getEnvOrDefault("VAPID_PRIVATE_KEY", "")),
		VAPIDSubject:    getEnvOrDefault("VAPID_SUBJECT", "mailto:ops@routina.app"),

		// Polling fallback
		PollingSchedule:     getEnvOrDefault("POLLING_SCHEDULE", "@every 90s"),
		PollingGraceSeconds: getEnvAsInt("POLLING_GRACE_SECONDS", 30),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load the route rule table from a configuration file. Environment variables
	// are not a good fit for an ordered rule list, so the file is the only source;
	// the compiled-in defaults apply when the file is absent.
	rulesPath := getEnvOrDefault("ROUTE_RULES_FILE", "routes.yaml")
	rulesFile, err := os.Open(rulesPath)
	defer func() {
		if rulesFile != nil {
			rulesFile.Close()
		}
	}()

	if err != nil {
		log.Printf("No route rules file at %v, using built-in rules", rulesPath)
		return
	}

	if err := LoadRouteRulesFile(rulesFile, AppConfig); err != nil {
		log.Fatalf("Failed to load route rules file %v: %v", rulesPath, err)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid value for %s: %v, using default %d", key, err, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			values = append(values, p)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
