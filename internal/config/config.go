// Package config loads process-level settings shared by the entrypoints.
// Component settings live next to their components (see each ConfigFromEnv).
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env.<APP_ENV> and then .env when present. Variables already
// set in the environment win, and missing files are skipped.
func LoadEnv() {
	appEnv := os.Getenv("APP_ENV")
	if appEnv == "" {
		appEnv = "development"
	}
	_ = godotenv.Load(".env." + appEnv)
	_ = godotenv.Load()
}

// HTTPAddr is the listen address, from HTTP_ADDR or PORT.
func HTTPAddr() string {
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		return addr
	}
	if port := os.Getenv("PORT"); port != "" {
		return "0.0.0.0:" + port
	}
	return "0.0.0.0:3000"
}
