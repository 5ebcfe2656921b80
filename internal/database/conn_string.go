package database

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rickgao/intent-realtime/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// BuildMigrateURL returns the connection string in the form the golang-migrate
// pgx/v5 driver expects.
func BuildMigrateURL(cfg config.DBConfig) string {
	return "pgx5://" + strings.TrimPrefix(BuildConnString(cfg), "postgres://")
}
