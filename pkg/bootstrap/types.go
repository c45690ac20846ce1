// Package bootstrap loads the peer directory: peers with their channel addresses and
// delivery policies, collectives, and message documentation.
package bootstrap

// AddressEntry is one way of reaching a peer, in preference order.
type AddressEntry struct {
	Adapter           string `json:"adapter"`
	ContactParameters []any  `json:"contactParameters"`
}

// PeerEntry describes one peer.
type PeerEntry struct {
	Description    string         `json:"description,omitempty"`
	DeliveryPolicy string         `json:"deliveryPolicy,omitempty"`
	Addresses      []AddressEntry `json:"addresses"`
}

// CollectiveEntry describes a named group of peers.
type CollectiveEntry struct {
	Description    string   `json:"description,omitempty"`
	DeliveryPolicy string   `json:"deliveryPolicy,omitempty"`
	Members        []string `json:"members"`
}

// MessageInfoEntry documents a message type/subtype pair.
type MessageInfoEntry struct {
	Type             string   `json:"type"`
	Subtype          string   `json:"subtype"`
	Purpose          string   `json:"purpose,omitempty"`
	ValidAnswer      string   `json:"validAnswer,omitempty"`
	ValidAnswerTypes []string `json:"validAnswerTypes,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
}

// Directory is the root directory configuration. Peers and collectives are keyed by
// their bare id; Aliases map alternative names to peer ids.
type Directory struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description,omitempty"`
	Peers       map[string]PeerEntry       `json:"peers"`
	Collectives map[string]CollectiveEntry `json:"collectives"`
	Aliases     map[string]string          `json:"aliases,omitempty"`
	MessageInfo []MessageInfoEntry         `json:"messageInfo,omitempty"`
}
