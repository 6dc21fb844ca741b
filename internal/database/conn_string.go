package database

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/rickgao/dashlink/internal/config"
)

// applicationName tags sessions in pg_stat_activity.
const applicationName = "dashlink"

// BuildConnString builds a PostgreSQL URL from config. Pool sizing is passed
// as pgxpool's pool_max_conns/pool_min_conns parameters.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	params := url.Values{}
	params.Set("sslmode", sslMode)
	params.Set("application_name", applicationName)
	if cfg.MaxConns > 0 {
		params.Set("pool_max_conns", strconv.Itoa(cfg.MaxConns))
	}
	if cfg.MinConns > 0 {
		params.Set("pool_min_conns", strconv.Itoa(cfg.MinConns))
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(cfg.User),
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		params.Encode(),
	)
}
