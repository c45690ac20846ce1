package model

import (
	"context"
	"errors"
)

var (
	// ErrNoSuchPeer is returned by a PeerInfoProvider for unknown peers.
	ErrNoSuchPeer = errors.New("no such peer")
	// ErrNoSuchCollective is returned by a PeerInfoProvider for unknown collectives.
	ErrNoSuchCollective = errors.New("no such collective")
)

// PeerChannelAddress is one way of reaching a peer through one adapter type.
// ContactParameters are opaque to the core and interpreted by the adapter.
type PeerChannelAddress struct {
	PeerID            Identifier `json:"peerId"`
	AdapterID         Identifier `json:"adapterId"`
	ContactParameters []any      `json:"contactParameters"`
}

// PeerDeliveryPolicy selects how a send to a peer with several channels is judged.
type PeerDeliveryPolicy string

const (
	PeerToAllChannels PeerDeliveryPolicy = "TO_ALL_CHANNELS"
	PeerAtLeastOne    PeerDeliveryPolicy = "AT_LEAST_ONE"
	PeerPreferred     PeerDeliveryPolicy = "PREFERRED"
)

// CollectiveDeliveryPolicy selects how a send to a collective is judged.
type CollectiveDeliveryPolicy string

const (
	CollectiveToAllMembers CollectiveDeliveryPolicy = "TO_ALL_MEMBERS"
	CollectiveToAny        CollectiveDeliveryPolicy = "TO_ANY"
)

// CollectiveInfo describes the membership of a collective.
type CollectiveInfo struct {
	ID             Identifier               `json:"id"`
	Members        []Identifier             `json:"members"`
	DeliveryPolicy CollectiveDeliveryPolicy `json:"deliveryPolicy"`
}

// PeerInfoProvider is the peer-manager collaborator queried during routing.
type PeerInfoProvider interface {
	// PeerAddresses returns the peer's addresses in preference order, or ErrNoSuchPeer.
	PeerAddresses(ctx context.Context, peer Identifier) ([]PeerChannelAddress, error)
	// PeerDeliveryPolicy returns the peer's delivery policy, or ErrNoSuchPeer.
	PeerDeliveryPolicy(ctx context.Context, peer Identifier) (PeerDeliveryPolicy, error)
	// CollectiveInfo returns the collective's members and policy, or ErrNoSuchCollective.
	CollectiveInfo(ctx context.Context, collective Identifier) (*CollectiveInfo, error)
}
