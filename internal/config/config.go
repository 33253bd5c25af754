// Package config loads the service configuration from environment variables.
// Nothing else in the module reads the environment. Defaults suit a local
// docker-compose setup.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config is the whole service configuration, read once by Load and handed
// to the packages that need a part of it.
type Config struct {
	// Env selects log formatting: "development" (text) or anything else (JSON).
	Env string

	// Port is the HTTP listen port.
	Port int

	// LogLevel is the application log level, in slog's text form.
	LogLevel string

	// TrustedProxies lists the CIDRs whose X-Forwarded-For / X-Real-IP
	// headers are believed when resolving the client IP.
	TrustedProxies []string

	// Database configures the primary MariaDB connection and optional replica.
	Database DatabaseConfig

	// Redis locates the statistics store.
	Redis RedisConfig

	// RequestLogging controls the per-request log line and DB diagnostics.
	RequestLogging RequestLoggingConfig

	// Stats controls where request statistics are aggregated.
	Stats StatsConfig
}

// DatabaseConfig describes the MariaDB connections. The primary can be
// given field by field (DB_HOST, DB_USER, ...) or as one DATABASE_URL.
type DatabaseConfig struct {
	// Host is host or host:port; a bare host gets port 3306.
	Host string

	// User is the MariaDB username (default: "stacks").
	User string

	// Password is the MariaDB password (default: "stacks").
	Password string

	// Name is the database name (default: "stacks").
	Name string

	// dsnOverride holds DATABASE_URL.
	dsnOverride string

	// ReplicaDSN is an optional read replica, registered as a second
	// connection. Empty means no replica.
	ReplicaDSN string

	// MigrationsPath is the directory holding the *.up.sql / *.down.sql files.
	MigrationsPath string

	// Pool limits, applied to every registered connection.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLConfig returns the driver config for the primary database.
// DATABASE_URL wins over the Host/User/Password/Name fields when set.
// Parameters are interpolated client-side so a parameterised statement is
// one round trip, and UPDATE reports matched rather than changed rows.
func (d DatabaseConfig) MySQLConfig() (*mysql.Config, error) {
	var cfg *mysql.Config
	if d.dsnOverride != "" {
		parsed, err := mysql.ParseDSN(d.dsnOverride)
		if err != nil {
			return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User, cfg.Passwd = d.User, d.Password
		cfg.Net, cfg.Addr = "tcp", withDefaultPort(d.Host, "3306")
		cfg.DBName = d.Name
	}
	cfg.ClientFoundRows = true
	return withSessionDefaults(cfg), nil
}

// ReplicaMySQLConfig parses ReplicaDSN. Returns nil when no replica is set.
func (d DatabaseConfig) ReplicaMySQLConfig() (*mysql.Config, error) {
	if d.ReplicaDSN == "" {
		return nil, nil
	}
	cfg, err := mysql.ParseDSN(d.ReplicaDSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DB_REPLICA_URL: %w", err)
	}
	return withSessionDefaults(cfg), nil
}

func withSessionDefaults(cfg *mysql.Config) *mysql.Config {
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	return cfg
}

// withDefaultPort lets DB_HOST be "mydb" (becomes mydb:3306) or "mydb:3307".
func withDefaultPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

// RedisConfig locates Redis.
type RedisConfig struct {
	// URL is a redis:// URL understood by redis.ParseURL.
	URL string
}

// RequestLoggingConfig holds the request logger toggles. Read once when the
// middleware is built; changing them requires a restart.
type RequestLoggingConfig struct {
	// Active installs the request logger at all.
	Active bool

	// LogLevel forces every request line to one level. Empty derives the
	// level from the response status.
	LogLevel string

	// Logger names the logger request lines go to. Empty means the root logger.
	Logger string

	// DBInstrumentation attaches a query recorder to every DB connection
	// for the duration of each request.
	DBInstrumentation bool

	// DetailedDiagnostics logs repeated statements with their call sites.
	DetailedDiagnostics bool

	// DetailedThreshold only reports statements that ran more than this
	// many times in one request.
	DetailedThreshold int
}

// Level parses LogLevel. ok is false when the level is derived from status.
func (r RequestLoggingConfig) Level() (level slog.Level, ok bool, err error) {
	if r.LogLevel == "" {
		return 0, false, nil
	}
	if err := level.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return 0, false, fmt.Errorf("invalid request log level %q: %w", r.LogLevel, err)
	}
	return level, true, nil
}

// StatsConfig controls the request statistics sinks.
type StatsConfig struct {
	// RedisEnabled aggregates per-route statistics and N+1 events in Redis.
	RedisEnabled bool

	// NPlusOneThreshold is how many runs of one statement in a single
	// request count as an N+1 event.
	NPlusOneThreshold int

	// EventBuffer caps how many N+1 events Redis keeps.
	EventBuffer int

	// MetricsEnabled exposes Prometheus histograms at /metrics.
	MetricsEnabled bool
}

// Load reads the environment. It fails on values that parse but make no
// sense, such as a negative diagnostics threshold.
func Load() (*Config, error) {
	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		TrustedProxies: getEnvList("TRUSTED_PROXIES", []string{
			"127.0.0.0/8",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
			"fd00::/8",
		}),

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "stacks"),
			Password:        getEnv("DB_PASSWORD", "stacks"),
			Name:            getEnv("DB_NAME", "stacks"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			ReplicaDSN:      getEnv("DB_REPLICA_URL", ""),
			MigrationsPath:  getEnv("MIGRATIONS_PATH", "db/migrations"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		RequestLogging: RequestLoggingConfig{
			Active:              getEnvBool("REQUEST_LOGGING_ACTIVE", true),
			LogLevel:            getEnv("REQUEST_LOG_LEVEL", ""),
			Logger:              getEnv("REQUEST_LOGGER", ""),
			DBInstrumentation:   getEnvBool("DB_INSTRUMENTATION_ENABLED", true),
			DetailedDiagnostics: getEnvBool("REQUEST_LOGGING_DETAILED_DB_QUERY_DIAGNOSTICS_ACTIVE", true),
			DetailedThreshold:   getEnvInt("REQUEST_LOGGING_DETAILED_DB_QUERY_DIAGNOSTICS_THRESHOLD", 0),
		},

		Stats: StatsConfig{
			RedisEnabled:      getEnvBool("REQSTATS_REDIS_ENABLED", false),
			NPlusOneThreshold: getEnvInt("REQSTATS_N_PLUS_ONE_THRESHOLD", 10),
			EventBuffer:       getEnvInt("REQSTATS_EVENT_BUFFER", 100),
			MetricsEnabled:    getEnvBool("METRICS_ENABLED", true),
		},
	}

	if _, _, err := cfg.RequestLogging.Level(); err != nil {
		return nil, fmt.Errorf("REQUEST_LOG_LEVEL: %w", err)
	}
	if cfg.RequestLogging.DetailedThreshold < 0 {
		return nil, fmt.Errorf("REQUEST_LOGGING_DETAILED_DB_QUERY_DIAGNOSTICS_THRESHOLD must not be negative")
	}
	if cfg.Stats.EventBuffer <= 0 {
		return nil, fmt.Errorf("REQSTATS_EVENT_BUFFER must be positive")
	}

	return cfg, nil
}

// IsDevelopment reports whether Env names a development setup.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// Environment lookups. A variable that is set but unparsable falls back to
// the default, like an unset one.

func getEnv(key, defaultVal string) string {
	return envOr(key, defaultVal, func(v string) (string, error) { return v, nil })
}

func getEnvInt(key string, defaultVal int) int {
	return envOr(key, defaultVal, strconv.Atoi)
}

func getEnvBool(key string, defaultVal bool) bool {
	return envOr(key, defaultVal, strconv.ParseBool)
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	return envOr(key, defaultVal, time.ParseDuration)
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultVal []string) []string {
	return envOr(key, defaultVal, func(v string) ([]string, error) {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out, nil
	})
}

func envOr[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v, err := parse(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
