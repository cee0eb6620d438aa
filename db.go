package pgembed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// CreateDatabase creates the named database, succeeding when it already
// exists. Concurrent callers racing to create the same database all get
// nil once one of them wins.
func (s *Server) CreateDatabase(ctx context.Context, name string) error {
	conn, err := s.Connect(ctx, "postgres")
	if err != nil {
		return fmt.Errorf("failed to connect for create database: %w", err)
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, "CREATE DATABASE "+quoteIdent(name))
	if err != nil {
		var pgErr *pgconn.PgError
		// 42P04 duplicate_database
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("failed to create database %q: %w", name, err)
	}
	return nil
}

// DatabaseExists reports whether the named database exists.
func (s *Server) DatabaseExists(ctx context.Context, name string) (bool, error) {
	conn, err := s.Connect(ctx, "postgres")
	if err != nil {
		return false, fmt.Errorf("failed to connect for database lookup: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up database %q: %w", name, err)
	}
	return exists, nil
}

// quoteIdent quotes a SQL identifier. CREATE DATABASE does not take bind
// parameters, so the name is spliced in quoted.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
