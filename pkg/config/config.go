package config

import "os"

// Config holds runtime configuration.
type Config struct {
	Port         string
	LogLevel     string
	DatabaseURL  string
	RedisAddr    string
	SamplingSeed string
	LaneSecret   string
	ProfilePath  string
	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://keel@localhost:5432/keel?sslmode=disable"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		DatabaseURL:  dbURL,
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		SamplingSeed: os.Getenv("SAMPLING_SEED"),
		LaneSecret:   os.Getenv("LANE_SECRET"),
		ProfilePath:  os.Getenv("RUNTIME_PROFILE"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
