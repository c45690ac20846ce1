package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearDirectory truncates the directory tables (peers, peer_addresses, collectives,
// collective_members, endpoint_addresses, message_info). Schema and the migration
// record are preserved.
func ClearDirectory(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing directory tables", clearLogPrefix))

	_, err := pool.Exec(ctx, `TRUNCATE TABLE
		peer_addresses,
		collective_members,
		endpoint_addresses,
		message_info,
		collectives,
		peers
		CASCADE`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Directory cleared", clearLogPrefix))
	return nil
}
