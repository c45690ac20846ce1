package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/peer-broker/pkg/model"
)

const repoLogPrefix = "db:repository"

// Repository provides database access for the peer directory. It implements
// model.PeerInfoProvider and the endpoint address and message info stores.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// =========================================================================
// PEER OPERATIONS
// =========================================================================

// GetPeer finds a peer by id. It returns nil, nil when the peer does not exist.
func (r *Repository) GetPeer(ctx context.Context, id string) (*Peer, error) {
	slog.Debug(fmt.Sprintf("%s - GetPeer id=%s", repoLogPrefix, id))

	row := r.pool.QueryRow(ctx,
		`SELECT id, description, delivery_policy, created, modified
		 FROM peers
		 WHERE id = $1`, id)
	return scanPeer(row)
}

// ListPeers returns every peer ordered by id.
func (r *Repository) ListPeers(ctx context.Context) ([]Peer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, description, delivery_policy, created, modified
		 FROM peers
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListPeers failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.ID, &p.Description, &p.DeliveryPolicy, &p.Created, &p.Modified); err != nil {
			return nil, fmt.Errorf("%s - scan peers failed: %w", repoLogPrefix, err)
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// UpsertPeer creates or updates a peer and replaces its addresses in one transaction.
func (r *Repository) UpsertPeer(ctx context.Context, params UpsertPeerParams) (*Peer, error) {
	slog.Info(fmt.Sprintf("%s - UpsertPeer id=%s addresses=%d", repoLogPrefix, params.ID, len(params.Addresses)))

	policy := params.DeliveryPolicy
	if policy == "" {
		policy = string(model.PeerPreferred)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - begin tx: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	peer, err := scanPeer(tx.QueryRow(ctx,
		`INSERT INTO peers (id, description, delivery_policy, created, modified)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   description = COALESCE($2, peers.description),
		   delivery_policy = $3,
		   modified = $4
		 RETURNING id, description, delivery_policy, created, modified`,
		params.ID, params.Description, policy, now))
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM peer_addresses WHERE peer_id = $1`, params.ID); err != nil {
		return nil, fmt.Errorf("%s - clear addresses of %s: %w", repoLogPrefix, params.ID, err)
	}
	for i, a := range params.Addresses {
		paramsJSON, err := json.Marshal(contactParameters(a.ContactParameters))
		if err != nil {
			return nil, fmt.Errorf("%s - encode contact parameters of %s: %w", repoLogPrefix, params.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO peer_addresses (peer_id, position, adapter, contact_parameters)
			 VALUES ($1, $2, $3, $4)`,
			params.ID, i, a.Adapter, paramsJSON); err != nil {
			return nil, fmt.Errorf("%s - insert address %d of %s: %w", repoLogPrefix, i, params.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s - commit: %w", repoLogPrefix, err)
	}
	return peer, nil
}

// DeletePeer removes a peer and its addresses. It reports whether a row was deleted.
func (r *Repository) DeletePeer(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM peers WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%s - DeletePeer failed: %w", repoLogPrefix, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PeerAddresses implements model.PeerInfoProvider.
func (r *Repository) PeerAddresses(ctx context.Context, peer model.Identifier) ([]model.PeerChannelAddress, error) {
	p, err := r.GetPeer(ctx, peer.ID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, model.ErrNoSuchPeer
	}

	rows, err := r.pool.Query(ctx,
		`SELECT peer_id, position, adapter, contact_parameters
		 FROM peer_addresses
		 WHERE peer_id = $1
		 ORDER BY position`, peer.ID)
	if err != nil {
		return nil, fmt.Errorf("%s - PeerAddresses failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var addrs []model.PeerChannelAddress
	for rows.Next() {
		var a PeerAddress
		if err := rows.Scan(&a.PeerID, &a.Position, &a.Adapter, &a.ContactParameters); err != nil {
			return nil, fmt.Errorf("%s - scan addresses failed: %w", repoLogPrefix, err)
		}
		addr, err := toAddress(a.PeerID, a.Adapter, a.ContactParameters)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// PeerDeliveryPolicy implements model.PeerInfoProvider.
func (r *Repository) PeerDeliveryPolicy(ctx context.Context, peer model.Identifier) (model.PeerDeliveryPolicy, error) {
	p, err := r.GetPeer(ctx, peer.ID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", model.ErrNoSuchPeer
	}
	return model.PeerDeliveryPolicy(p.DeliveryPolicy), nil
}

// =========================================================================
// ENDPOINT ADDRESS OPERATIONS
// =========================================================================

// InsertAddress stores the address an adapter type uses for a peer, replacing any
// previous one.
func (r *Repository) InsertAddress(ctx context.Context, addr model.PeerChannelAddress) error {
	paramsJSON, err := json.Marshal(contactParameters(addr.ContactParameters))
	if err != nil {
		return fmt.Errorf("%s - encode contact parameters: %w", repoLogPrefix, err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO endpoint_addresses (peer_id, adapter, contact_parameters, modified)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (peer_id, adapter) DO UPDATE SET
		   contact_parameters = EXCLUDED.contact_parameters,
		   modified = NOW()`,
		addr.PeerID.ID, addr.AdapterID.Base().ID, paramsJSON)
	if err != nil {
		return fmt.Errorf("%s - InsertAddress failed: %w", repoLogPrefix, err)
	}
	return nil
}

// FindAddress returns the stored address, or nil, nil when there is none.
func (r *Repository) FindAddress(ctx context.Context, peer, adapterType model.Identifier) (*model.PeerChannelAddress, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT contact_parameters FROM endpoint_addresses
		 WHERE peer_id = $1 AND adapter = $2`,
		peer.ID, adapterType.Base().ID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - FindAddress failed: %w", repoLogPrefix, err)
	}
	addr, err := toAddress(peer.ID, adapterType.Base().ID, raw)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}

// RemoveAddress deletes the stored address, if any.
func (r *Repository) RemoveAddress(ctx context.Context, peer, adapterType model.Identifier) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM endpoint_addresses WHERE peer_id = $1 AND adapter = $2`,
		peer.ID, adapterType.Base().ID)
	if err != nil {
		return fmt.Errorf("%s - RemoveAddress failed: %w", repoLogPrefix, err)
	}
	return nil
}

// =========================================================================
// MESSAGE INFO OPERATIONS
// =========================================================================

// AddMessageInfo creates or replaces the documentation of a type/subtype pair.
func (r *Repository) AddMessageInfo(ctx context.Context, info model.MessageInfo) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO message_info (type, subtype, purpose, valid_answer, valid_answer_types, dependencies, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (type, subtype) DO UPDATE SET
		   purpose = EXCLUDED.purpose,
		   valid_answer = EXCLUDED.valid_answer,
		   valid_answer_types = EXCLUDED.valid_answer_types,
		   dependencies = EXCLUDED.dependencies,
		   modified = NOW()`,
		info.Type, info.Subtype, info.Purpose, info.ValidAnswer,
		nonNilStrings(info.ValidAnswerTypes), nonNilStrings(info.Dependencies))
	if err != nil {
		return fmt.Errorf("%s - AddMessageInfo failed: %w", repoLogPrefix, err)
	}
	return nil
}

// GetMessageInfo returns the documentation of a type/subtype pair, or nil, nil.
func (r *Repository) GetMessageInfo(ctx context.Context, msgType, subtype string) (*model.MessageInfo, error) {
	var info model.MessageInfo
	var purpose, validAnswer *string
	err := r.pool.QueryRow(ctx,
		`SELECT type, subtype, purpose, valid_answer, valid_answer_types, dependencies
		 FROM message_info
		 WHERE type = $1 AND subtype = $2`, msgType, subtype).Scan(
		&info.Type, &info.Subtype, &purpose, &validAnswer, &info.ValidAnswerTypes, &info.Dependencies)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - GetMessageInfo failed: %w", repoLogPrefix, err)
	}
	info.Purpose = deref(purpose)
	info.ValidAnswer = deref(validAnswer)
	return &info, nil
}

// ListMessageInfo returns every documented pair ordered by type and subtype.
func (r *Repository) ListMessageInfo(ctx context.Context) ([]model.MessageInfo, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT type, subtype, purpose, valid_answer, valid_answer_types, dependencies
		 FROM message_info
		 ORDER BY type, subtype`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListMessageInfo failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []model.MessageInfo
	for rows.Next() {
		var info model.MessageInfo
		var purpose, validAnswer *string
		if err := rows.Scan(&info.Type, &info.Subtype, &purpose, &validAnswer, &info.ValidAnswerTypes, &info.Dependencies); err != nil {
			return nil, fmt.Errorf("%s - scan message info failed: %w", repoLogPrefix, err)
		}
		info.Purpose = deref(purpose)
		info.ValidAnswer = deref(validAnswer)
		out = append(out, info)
	}
	return out, rows.Err()
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanPeer(row pgx.Row) (*Peer, error) {
	var p Peer
	err := row.Scan(&p.ID, &p.Description, &p.DeliveryPolicy, &p.Created, &p.Modified)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan peer failed: %w", repoLogPrefix, err)
	}
	return &p, nil
}

func toAddress(peerID, adapterName string, raw []byte) (model.PeerChannelAddress, error) {
	addr := model.PeerChannelAddress{PeerID: model.Peer(peerID), AdapterID: model.Adapter(adapterName)}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &addr.ContactParameters); err != nil {
			return model.PeerChannelAddress{}, fmt.Errorf("%s - decode contact parameters of %s: %w", repoLogPrefix, peerID, err)
		}
	}
	return addr, nil
}

func contactParameters(p []any) []any {
	if p == nil {
		return []any{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
