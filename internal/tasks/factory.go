package tasks

import (
	"context"
	"strings"
)

// NewStore returns a Postgres-backed store when a database URL is configured,
// otherwise an in-process store for local/dev use.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
