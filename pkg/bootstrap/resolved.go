package bootstrap

import (
	"context"
	"strings"

	"github.com/morezero/peer-broker/pkg/model"
)

// Address converts the entry into the address of peer.
func (e AddressEntry) Address(peer string) model.PeerChannelAddress {
	return model.PeerChannelAddress{
		PeerID:            model.Peer(peer),
		AdapterID:         model.Adapter(strings.TrimPrefix(e.Adapter, "adapter.")),
		ContactParameters: e.ContactParameters,
	}
}

// Model converts the entry into a model.MessageInfo.
func (e MessageInfoEntry) Model() model.MessageInfo {
	return model.MessageInfo{
		Type:             e.Type,
		Subtype:          e.Subtype,
		Purpose:          e.Purpose,
		ValidAnswer:      e.ValidAnswer,
		ValidAnswerTypes: e.ValidAnswerTypes,
		Dependencies:     e.Dependencies,
	}
}

// MemberIDs converts the collective's member ids into PEER identifiers.
func (c CollectiveEntry) MemberIDs() []model.Identifier {
	ids := make([]model.Identifier, len(c.Members))
	for i, m := range c.Members {
		ids[i] = model.Peer(m)
	}
	return ids
}

// ResolvedDirectory is a read-only model.PeerInfoProvider over a Directory.
type ResolvedDirectory struct {
	peers       map[string]PeerEntry
	collectives map[string]CollectiveEntry
	aliases     map[string]string
}

// CreateResolvedDirectory builds a ResolvedDirectory for fast lookups.
func CreateResolvedDirectory(d *Directory) *ResolvedDirectory {
	rd := &ResolvedDirectory{
		peers:       make(map[string]PeerEntry, len(d.Peers)),
		collectives: make(map[string]CollectiveEntry, len(d.Collectives)),
		aliases:     make(map[string]string, len(d.Aliases)),
	}
	for id, p := range d.Peers {
		rd.peers[id] = p
	}
	for id, c := range d.Collectives {
		rd.collectives[id] = c
	}
	for alias, target := range d.Aliases {
		rd.aliases[alias] = target
	}
	return rd
}

// ResolveAlias resolves an alias to a peer id, passing unknown names through.
func (rd *ResolvedDirectory) ResolveAlias(name string) string {
	if target, ok := rd.aliases[name]; ok {
		return target
	}
	return name
}

func (rd *ResolvedDirectory) peer(id model.Identifier) (string, PeerEntry, bool) {
	name := rd.ResolveAlias(id.ID)
	p, ok := rd.peers[name]
	return name, p, ok
}

// PeerAddresses implements model.PeerInfoProvider.
func (rd *ResolvedDirectory) PeerAddresses(_ context.Context, peer model.Identifier) ([]model.PeerChannelAddress, error) {
	name, p, ok := rd.peer(peer)
	if !ok {
		return nil, model.ErrNoSuchPeer
	}
	addrs := make([]model.PeerChannelAddress, len(p.Addresses))
	for i, a := range p.Addresses {
		addrs[i] = a.Address(name)
	}
	return addrs, nil
}

// PeerDeliveryPolicy implements model.PeerInfoProvider.
func (rd *ResolvedDirectory) PeerDeliveryPolicy(_ context.Context, peer model.Identifier) (model.PeerDeliveryPolicy, error) {
	_, p, ok := rd.peer(peer)
	if !ok {
		return "", model.ErrNoSuchPeer
	}
	if p.DeliveryPolicy == "" {
		return model.PeerPreferred, nil
	}
	return model.PeerDeliveryPolicy(p.DeliveryPolicy), nil
}

// CollectiveInfo implements model.PeerInfoProvider.
func (rd *ResolvedDirectory) CollectiveInfo(_ context.Context, collective model.Identifier) (*model.CollectiveInfo, error) {
	c, ok := rd.collectives[collective.ID]
	if !ok {
		return nil, model.ErrNoSuchCollective
	}
	kind := model.CollectiveDeliveryPolicy(c.DeliveryPolicy)
	if kind == "" {
		kind = model.CollectiveToAny
	}
	return &model.CollectiveInfo{ID: model.Collective(collective.ID), Members: c.MemberIDs(), DeliveryPolicy: kind}, nil
}
