package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/morezero/peer-broker/pkg/model"
)

const collectivesLogPrefix = "db:collectives"

// GetCollective retrieves a collective with its members in order. It returns nil, nil
// when the collective does not exist.
func (r *Repository) GetCollective(ctx context.Context, id string) (*Collective, error) {
	slog.Debug(fmt.Sprintf("%s - GetCollective id=%s", collectivesLogPrefix, id))

	var c Collective
	err := r.pool.QueryRow(ctx,
		`SELECT c.id, c.description, c.delivery_policy, c.created, c.modified,
		        COALESCE(array_agg(m.member_id ORDER BY m.position) FILTER (WHERE m.member_id IS NOT NULL), '{}')
		 FROM collectives c
		 LEFT JOIN collective_members m ON m.collective_id = c.id
		 WHERE c.id = $1
		 GROUP BY c.id`, id,
	).Scan(&c.ID, &c.Description, &c.DeliveryPolicy, &c.Created, &c.Modified, &c.Members)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("%s - GetCollective failed: %w", collectivesLogPrefix, err)
	}
	return &c, nil
}

// ListCollectives returns all collectives ordered by id, without members.
func (r *Repository) ListCollectives(ctx context.Context) ([]Collective, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, description, delivery_policy, created, modified
		 FROM collectives
		 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListCollectives failed: %w", collectivesLogPrefix, err)
	}
	defer rows.Close()

	var out []Collective
	for rows.Next() {
		var c Collective
		if err := rows.Scan(&c.ID, &c.Description, &c.DeliveryPolicy, &c.Created, &c.Modified); err != nil {
			return nil, fmt.Errorf("%s - ListCollectives scan failed: %w", collectivesLogPrefix, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCollective creates or updates a collective and replaces its members.
func (r *Repository) UpsertCollective(ctx context.Context, params UpsertCollectiveParams) error {
	slog.Info(fmt.Sprintf("%s - UpsertCollective id=%s members=%d", collectivesLogPrefix, params.ID, len(params.Members)))

	policy := params.DeliveryPolicy
	if policy == "" {
		policy = string(model.CollectiveToAny)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin tx: %w", collectivesLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO collectives (id, description, delivery_policy)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   description = COALESCE($2, collectives.description),
		   delivery_policy = $3,
		   modified = NOW()`,
		params.ID, params.Description, policy); err != nil {
		return fmt.Errorf("%s - upsert %s: %w", collectivesLogPrefix, params.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM collective_members WHERE collective_id = $1`, params.ID); err != nil {
		return fmt.Errorf("%s - clear members of %s: %w", collectivesLogPrefix, params.ID, err)
	}
	for i, member := range params.Members {
		if _, err := tx.Exec(ctx,
			`INSERT INTO collective_members (collective_id, position, member_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			params.ID, i, member); err != nil {
			return fmt.Errorf("%s - insert member %s of %s: %w", collectivesLogPrefix, member, params.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit: %w", collectivesLogPrefix, err)
	}
	return nil
}

// CollectiveInfo implements model.PeerInfoProvider. Members are PEER identifiers.
func (r *Repository) CollectiveInfo(ctx context.Context, collective model.Identifier) (*model.CollectiveInfo, error) {
	c, err := r.GetCollective(ctx, collective.ID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, model.ErrNoSuchCollective
	}
	info := &model.CollectiveInfo{
		ID:             model.Collective(c.ID),
		DeliveryPolicy: model.CollectiveDeliveryPolicy(c.DeliveryPolicy),
		Members:        make([]model.Identifier, len(c.Members)),
	}
	for i, m := range c.Members {
		info.Members[i] = model.Peer(m)
	}
	return info, nil
}
