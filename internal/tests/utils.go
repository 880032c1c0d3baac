package tests

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/composablefi/picasso-indexer/internal/config"
)

func getEnvOrDefault(key string, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// GetDbConfigFromEnv builds a database config for tests. Each test creates
// its own throwaway database, so only the connection endpoint matters here.
func GetDbConfigFromEnv() *config.DatabaseConfig {
	port, err := strconv.Atoi(getEnvOrDefault("PICASSO_INDEXER_DATABASE_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &config.DatabaseConfig{
		Host:     getEnvOrDefault("PICASSO_INDEXER_DATABASE_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("PICASSO_INDEXER_DATABASE_USER", "picasso_indexer"),
		Password: os.Getenv("PICASSO_INDEXER_DATABASE_PASSWORD"),
		DbName:   getEnvOrDefault("PICASSO_INDEXER_DATABASE_DB_NAME", "picasso_indexer"),
	}
}

func GenerateTestDbName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("test_%s", hex.EncodeToString(b)), nil
}
