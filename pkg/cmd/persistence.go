// Package cmd provides shared initialization for norn binaries: persistence
// by URL scheme, event bus by provider name, and the executor registry.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/persistence/memory"
	"github.com/nornlabs/norn/pkg/persistence/postgresql"
	"github.com/nornlabs/norn/pkg/persistence/redislock"
)

// NewPersistence selects a storage backend from the database URL scheme:
// postgres:// for PostgreSQL, memory:// (or empty) for the in-process store.
// When locksURL names a Redis endpoint, execution leases move there while
// the other repositories stay on the base backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, locksURL string) (persistence.Persistence, error) {
	base, err := newBasePersistence(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	if locksURL == "" {
		return base, nil
	}

	opts, err := redis.ParseURL(locksURL)
	if err != nil {
		return nil, fmt.Errorf("invalid locks URL: %w", err)
	}

	return redislock.Wrap(base, redis.NewClient(opts), logger), nil
}

func newBasePersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch urlScheme(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory", "":
		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL: %s", databaseURL)
	}
}

func urlScheme(url string) string {
	scheme, _, found := strings.Cut(url, "://")
	if !found {
		return ""
	}

	return scheme
}
