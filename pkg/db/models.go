package db

import "time"

// Peer represents a row in the peers table.
type Peer struct {
	ID             string    `json:"id"`
	Description    *string   `json:"description,omitempty"`
	DeliveryPolicy string    `json:"delivery_policy"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
}

// PeerAddress represents a row in the peer_addresses table. ContactParameters holds
// the raw JSONB array.
type PeerAddress struct {
	PeerID            string `json:"peer_id"`
	Position          int    `json:"position"`
	Adapter           string `json:"adapter"`
	ContactParameters []byte `json:"contact_parameters"`
}

// Collective represents a row in the collectives table.
type Collective struct {
	ID             string    `json:"id"`
	Description    *string   `json:"description,omitempty"`
	DeliveryPolicy string    `json:"delivery_policy"`
	Members        []string  `json:"members"`
	Created        time.Time `json:"created"`
	Modified       time.Time `json:"modified"`
}

// UpsertPeerParams holds parameters for UpsertPeer. Addresses replace the stored ones.
type UpsertPeerParams struct {
	ID             string
	Description    *string
	DeliveryPolicy string
	Addresses      []AddressParams
}

// AddressParams is one peer address in preference order.
type AddressParams struct {
	Adapter           string
	ContactParameters []any
}

// UpsertCollectiveParams holds parameters for UpsertCollective. Members replace the
// stored ones.
type UpsertCollectiveParams struct {
	ID             string
	Description    *string
	DeliveryPolicy string
	Members        []string
}
