// Package sqldb opens the relational backend and hides the differences between the MySQL and
// PostgreSQL drivers that the repositories care about.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/storefront/api/internal/platform/config"
)

const (
	DriverMySQL = "mysql"
	DriverPgx   = "pgx"

	mysqlDuplicateEntry = 1062
	pgUniqueViolation   = "23505"
)

// DB wraps a connection pool together with the dialect needed to build statements.
type DB struct {
	*sql.DB
	driver string
}

// Open creates the pool described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.SQLConfig) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver != DriverMySQL && driver != DriverPgx {
		return nil, fmt.Errorf("sqldb: unsupported driver %q", cfg.Driver)
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if driver == DriverMySQL {
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("sqldb: parse mysql dsn: %w", err)
		}
		parsed.ParseTime = true
		dsn = parsed.FormatDSN()
	}

	pool, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		pool.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pool.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := pool.PingContext(ctx); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("sqldb: ping: %w", err)
	}
	return &DB{DB: pool, driver: driver}, nil
}

// Wrap adapts an existing pool, mainly for tests.
func Wrap(pool *sql.DB, driver string) *DB {
	return &DB{DB: pool, driver: driver}
}

// Driver returns the driver name.
func (db *DB) Driver() string {
	return db.driver
}

// Rebind rewrites ? placeholders into $n for PostgreSQL. Statements must not contain literal
// question marks.
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPgx {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Placeholders returns n comma separated ? markers.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// IsUniqueViolation reports whether err is a duplicate key error from either driver.
func IsUniqueViolation(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
