// Package store persists users, credentials, subscriptions, and the
// event log over database/sql. One Store serves the whole process; the
// pool is bounded, so every call is a potential suspension point.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Limit-LAB/limit-server/internal/config"
	"github.com/Limit-LAB/limit-server/internal/metrics"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a missing credential row.
var ErrNotFound = errors.New("store: not found")

// sql driver names by config driver.
var driverNames = map[string]string{
	config.DriverSqlite:   "sqlite3",
	config.DriverPostgres: "pgx",
	config.DriverMysql:    "mysql",
}

type Store struct {
	db     *sql.DB
	driver string
	stmts  statements
	logger zerolog.Logger
}

// Open connects the configured database and bounds the pool. The
// connection is verified with a ping.
func Open(cfg *config.Config, logger zerolog.Logger) (*Store, error) {
	name, ok := driverNames[cfg.DBDriver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q", cfg.DBDriver)
	}

	db, err := sql.Open(name, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBPoolSize)
	db.SetMaxIdleConns(cfg.DBPoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{
		db:     db,
		driver: cfg.DBDriver,
		stmts:  buildStatements(cfg.DBDriver),
		logger: logger.With().Str("component", "store").Logger(),
	}

	s.logger.Info().
		Str("driver", cfg.DBDriver).
		Int("pool_size", cfg.DBPoolSize).
		Msg("Store opened")

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Bootstrap creates the schema if it does not exist. Statements are
// idempotent; running against a populated database is safe.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, ddl := range schemaStatements(s.driver) {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	s.logger.Info().Msg("Schema bootstrapped")
	return nil
}

// observe records a statement timing; defer with the start time.
func (s *Store) observe(statement string, start time.Time) {
	metrics.StoreDuration.WithLabelValues(statement).Observe(time.Since(start).Seconds())
}

// quoteIdent quotes an SQL identifier for the active driver. Needed for
// names that collide with keywords ("user", "text").
func quoteIdent(driver, ident string) string {
	if driver == config.DriverMysql {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// rebind converts ? placeholders to the $n form pgx expects. The query
// texts contain no ? inside literals, so a byte scan suffices.
func rebind(driver, query string) string {
	if driver != config.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
