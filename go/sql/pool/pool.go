// Package pool provides a connection pool for the relational store.
package pool

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// Pool is the pgx connection pool type used throughout the codebase. Aliased
// here so that callers need not import pgxpool directly.
type Pool = pgxpool.Pool

// New returns a Pool for the given connection string, verifying that the
// database is reachable before returning.
func New(ctx context.Context, connString string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing connection string %q", connString)
	}
	db, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the database")
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging the database")
	}
	return db, nil
}
