// Package database opens the MariaDB connections and the Redis client.
// Connections are created once at startup and registered with the dbconn
// registry so every statement can be instrumented per request.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/keyxmakerx/stacks/internal/config"
	"github.com/keyxmakerx/stacks/internal/dbconn"
)

// ReplicaAlias names the optional read replica in the registry.
const ReplicaAlias = "replica"

// NewMariaDB registers the primary connection, and the replica when one is
// configured, with reg. It pings each before returning.
func NewMariaDB(cfg config.DatabaseConfig, reg *dbconn.Registry) (*dbconn.Connection, error) {
	primary, err := cfg.MySQLConfig()
	if err != nil {
		return nil, err
	}

	conn, err := open(reg, dbconn.DefaultAlias, primary, cfg)
	if err != nil {
		return nil, err
	}

	replica, err := cfg.ReplicaMySQLConfig()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if replica != nil {
		if _, err := open(reg, ReplicaAlias, replica, cfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

func open(reg *dbconn.Registry, alias string, mc *mysql.Config, cfg config.DatabaseConfig) (*dbconn.Connection, error) {
	base, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("creating %s connector: %w", alias, err)
	}

	conn := reg.Open(alias, base)

	// Pool limits prevent connection exhaustion and stale connections.
	db := conn.DB()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := ping(alias, db); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ping retries with exponential backoff. MariaDB may still be starting when
// the app container launches under Docker Compose.
func ping(alias string, db *sql.DB) error {
	const maxRetries = 10
	backoff := 1 * time.Second
	var pingErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = db.PingContext(ctx)
		cancel()

		if pingErr == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}

		slog.Warn("mariadb not ready, retrying",
			slog.String("alias", alias),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.Any("error", pingErr),
		)
		time.Sleep(backoff)
		backoff = min(backoff*2, 30*time.Second)
	}

	return fmt.Errorf("pinging %s after %d attempts: %w", alias, maxRetries, pingErr)
}
