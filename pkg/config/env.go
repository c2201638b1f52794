package config

import (
	"os"
	"strings"
)

// Environment constants
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// GetEnv returns the value of an environment variable or a default value if not set.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvironment returns the current environment, read before the full
// config is loaded so the bootstrap logger can pick its format.
func GetEnvironment() string {
	return strings.ToLower(GetEnv("PHARMAFLOW_SERVER_ENVIRONMENT", EnvDevelopment))
}

// IsProductionLike reports whether env is staging or production.
func IsProductionLike(env string) bool {
	return env == EnvStaging || env == EnvProduction
}
