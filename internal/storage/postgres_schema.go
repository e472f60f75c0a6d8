package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Migrate applies the *.sql files in dir that have not been recorded in
// schema_migrations yet, in lexical order, one transaction per file. It
// returns the versions it applied.
func (g *PostgresGateway) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := migrationFiles(dir)
	if err != nil {
		return nil, err
	}

	var applied []string
	err = g.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := conn.Exec(ctx, createMigrationsTable); err != nil {
			return classifyWrite("create schema_migrations", err)
		}
		for _, name := range files {
			done, err := migrationApplied(ctx, conn, name)
			if err != nil {
				return err
			}
			if done {
				continue
			}
			if err := applyMigration(ctx, conn, dir, name); err != nil {
				return err
			}
			g.logger.Info("applied migration", "version", name)
			applied = append(applied, name)
		}
		return nil
	})
	if err != nil {
		return applied, err
	}
	return applied, nil
}

func migrationFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func migrationApplied(ctx context.Context, conn *pgxpool.Conn, version string) (bool, error) {
	var found string
	err := conn.QueryRow(ctx, `SELECT version FROM schema_migrations WHERE version = $1`, version).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("check migration "+version, err)
	}
	return true, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("begin migration "+name, err)
	}
	defer rollbackTx(ctx, tx)

	for _, stmt := range splitSQLStatements(string(data)) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return classifyWrite("apply migration "+name, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
		return classifyWrite("record migration "+name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyWrite("commit migration "+name, err)
	}
	return nil
}

// splitSQLStatements splits a script on semicolons. Migrations must not use
// semicolons inside string literals or function bodies.
func splitSQLStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
