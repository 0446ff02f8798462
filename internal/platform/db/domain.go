package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DomainKey contextKey = "domain"
	DBConnKey contextKey = "db_conn"
	DBTxKey   contextKey = "db_tx"
)

var domainPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidDomainName reports whether name is usable as a domain identifier.
// Domain names become part of schema names, so the character set is
// restricted.
func ValidDomainName(name string) bool {
	return domainPattern.MatchString(name)
}

// DomainMiddleware resolves the request's domain and pins a connection
// whose search_path points at that domain's schema. Every repository
// query downstream of this middleware is schema-scoped.
func DomainMiddleware(pool *pgxpool.Pool, defaultDomain string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			domain := extractDomain(c, defaultDomain)
			if !ValidDomainName(domain) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid domain")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			schema := fmt.Sprintf("domain_%s", domain)
			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", schema)); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "domain resolution failed")
			}

			ctx = context.WithValue(ctx, DomainKey, domain)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("domain", domain)

			return next(c)
		}
	}
}

func extractDomain(c echo.Context, defaultDomain string) string {
	// JWT claim wins; a token is bound to one domain.
	if d, ok := c.Get("jwt_domain").(string); ok && d != "" {
		return d
	}
	if d := c.Request().Header.Get("X-Domain"); d != "" {
		return d
	}
	if d := c.QueryParam("domain"); d != "" {
		return d
	}
	return defaultDomain
}

// ConnFromContext retrieves the domain-scoped connection, if any.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TxFromContext retrieves an in-flight transaction, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// DomainFromContext retrieves the resolved domain name.
func DomainFromContext(ctx context.Context) string {
	d, _ := ctx.Value(DomainKey).(string)
	return d
}

// WithTx runs fn inside a transaction placed on the context, so every
// repository call within fn shares it.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(context.WithValue(ctx, DBTxKey, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// CreateDomainSchema provisions a new domain: its schema plus all
// migrations. migrationsDir may be empty to skip migrations.
func CreateDomainSchema(ctx context.Context, pool *pgxpool.Pool, domain string, migrationsDir string) error {
	if !ValidDomainName(domain) {
		return fmt.Errorf("invalid domain: %s", domain)
	}
	schema := fmt.Sprintf("domain_%s", domain)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
