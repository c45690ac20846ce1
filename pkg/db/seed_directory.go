package db

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/peer-broker/pkg/bootstrap"
)

const seedDirectoryLogPrefix = "db:seed_directory"

// SeedDirectory loads the directory file at path (or the default search locations when
// path is empty) and upserts its peers, collectives and message info. Re-running it is
// safe: addresses and members are replaced, message info is upserted.
func SeedDirectory(ctx context.Context, pool *pgxpool.Pool, path string) error {
	var paths []string
	if path != "" {
		paths = append(paths, path)
	}
	dir, err := bootstrap.LoadDirectory(paths...)
	if err != nil {
		return fmt.Errorf("%s - load directory: %w", seedDirectoryLogPrefix, err)
	}
	return SeedFromDirectory(ctx, NewRepository(pool), dir)
}

// SeedFromDirectory writes an already loaded directory through repo. Aliases are not
// stored; they only exist in the file.
func SeedFromDirectory(ctx context.Context, repo *Repository, dir *bootstrap.Directory) error {
	slog.Info(fmt.Sprintf("%s - seeding %s v%s: peers=%d collectives=%d messageInfo=%d",
		seedDirectoryLogPrefix, dir.Name, dir.Version, len(dir.Peers), len(dir.Collectives), len(dir.MessageInfo)))

	for _, id := range sortedKeys(dir.Peers) {
		if _, err := repo.UpsertPeer(ctx, peerParams(id, dir.Peers[id])); err != nil {
			return fmt.Errorf("%s - peer %s: %w", seedDirectoryLogPrefix, id, err)
		}
	}
	for _, id := range sortedKeys(dir.Collectives) {
		c := dir.Collectives[id]
		if err := repo.UpsertCollective(ctx, UpsertCollectiveParams{
			ID:             id,
			Description:    optional(c.Description),
			DeliveryPolicy: c.DeliveryPolicy,
			Members:        c.Members,
		}); err != nil {
			return fmt.Errorf("%s - collective %s: %w", seedDirectoryLogPrefix, id, err)
		}
	}
	for _, info := range dir.MessageInfo {
		if err := repo.AddMessageInfo(ctx, info.Model()); err != nil {
			return fmt.Errorf("%s - message info %s/%s: %w", seedDirectoryLogPrefix, info.Type, info.Subtype, err)
		}
	}

	slog.Info(fmt.Sprintf("%s - seeded %d peers and %d collectives", seedDirectoryLogPrefix, len(dir.Peers), len(dir.Collectives)))
	return nil
}

func peerParams(id string, p bootstrap.PeerEntry) UpsertPeerParams {
	params := UpsertPeerParams{
		ID:             id,
		Description:    optional(p.Description),
		DeliveryPolicy: p.DeliveryPolicy,
		Addresses:      make([]AddressParams, len(p.Addresses)),
	}
	for i, a := range p.Addresses {
		params.Addresses[i] = AddressParams{
			Adapter:           strings.TrimPrefix(a.Adapter, "adapter."),
			ContactParameters: a.ContactParameters,
		}
	}
	return params
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
