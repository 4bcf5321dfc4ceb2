// Package db holds the PostgreSQL plumbing for audit and provenance
// persistence: the connection pool, embedded schema migrations and a health
// endpoint.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig describes the audit database connection.
type PoolConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
	// Schema holds the audit tables and _migrations. Defaults to public.
	Schema string
}

func (c PoolConfig) parse() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns >= 0 && c.MinConns <= cfg.MaxConns {
		cfg.MinConns = c.MinConns
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "medcalc"
	return cfg, nil
}

// AuditDB is the database behind audit events and provenance records: one
// pool plus the migrator for the bundled schema.
type AuditDB struct {
	Pool     *pgxpool.Pool
	migrator *Migrator
}

// OpenAuditDB connects and verifies the connection. It does not migrate.
func OpenAuditDB(ctx context.Context, cfg PoolConfig) (*AuditDB, error) {
	pcfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &AuditDB{Pool: pool, migrator: NewMigrator(pool, Migrations(), cfg.Schema)}, nil
}

// Migrator returns the migrator for the bundled audit schema.
func (d *AuditDB) Migrator() *Migrator { return d.migrator }

// Ping implements Checker.
func (d *AuditDB) Ping(ctx context.Context) error { return d.Pool.Ping(ctx) }

// Stats implements Checker.
func (d *AuditDB) Stats() *PoolStats {
	stat := d.Pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Migrations implements Checker.
func (d *AuditDB) Migrations(ctx context.Context) ([]MigrationStatus, error) {
	return d.migrator.Status(ctx)
}

// Close releases the pool.
func (d *AuditDB) Close() { d.Pool.Close() }
