package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/morezero/peer-broker/pkg/model"
)

const resolverLogPrefix = "execution:resolver"

// ErrAddressNotFound is returned when no address is known for a peer and adapter type.
var ErrAddressNotFound = errors.New("peer address not found")

// AddressStore persists peer addresses keyed by peer and adapter type. FindAddress
// returns nil, nil when nothing is stored.
type AddressStore interface {
	InsertAddress(ctx context.Context, addr model.PeerChannelAddress) error
	FindAddress(ctx context.Context, peer, adapterType model.Identifier) (*model.PeerChannelAddress, error)
	RemoveAddress(ctx context.Context, peer, adapterType model.Identifier) error
}

type addressKey struct {
	peer        model.Identifier
	adapterType model.Identifier
}

// AddressResolver maps a peer and adapter type to the contact parameters the adapter
// needs. Lookups are served from a cache in front of an optional store.
type AddressResolver struct {
	store AddressStore

	mu    sync.RWMutex
	cache map[addressKey]model.PeerChannelAddress
}

// NewAddressResolver creates a resolver. store may be nil for a cache-only resolver.
func NewAddressResolver(store AddressStore) *AddressResolver {
	return &AddressResolver{
		store: store,
		cache: make(map[addressKey]model.PeerChannelAddress),
	}
}

func keyFor(peer, adapterType model.Identifier) addressKey {
	return addressKey{peer: peer, adapterType: adapterType.Base()}
}

// Insert stores addr and caches it.
func (r *AddressResolver) Insert(ctx context.Context, addr model.PeerChannelAddress) error {
	if r.store != nil {
		if err := r.store.InsertAddress(ctx, addr); err != nil {
			return fmt.Errorf("%s - failed to insert address for %s via %s: %w",
				resolverLogPrefix, addr.PeerID, addr.AdapterID, err)
		}
	}
	r.mu.Lock()
	r.cache[keyFor(addr.PeerID, addr.AdapterID)] = copyAddress(addr)
	r.mu.Unlock()
	return nil
}

// Resolve returns the address of peer for the given adapter type or instance id.
func (r *AddressResolver) Resolve(ctx context.Context, peer, adapterType model.Identifier) (*model.PeerChannelAddress, error) {
	key := keyFor(peer, adapterType)

	r.mu.RLock()
	addr, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		out := copyAddress(addr)
		return &out, nil
	}

	if r.store == nil {
		return nil, fmt.Errorf("%s - %s via %s: %w", resolverLogPrefix, peer, key.adapterType, ErrAddressNotFound)
	}
	found, err := r.store.FindAddress(ctx, peer, key.adapterType)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to find address for %s via %s: %w", resolverLogPrefix, peer, key.adapterType, err)
	}
	if found == nil {
		return nil, fmt.Errorf("%s - %s via %s: %w", resolverLogPrefix, peer, key.adapterType, ErrAddressNotFound)
	}

	r.mu.Lock()
	// Double-check after acquiring write lock
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		out := copyAddress(cached)
		return &out, nil
	}
	r.cache[key] = copyAddress(*found)
	r.mu.Unlock()

	out := copyAddress(*found)
	return &out, nil
}

// Remove forgets the address in the cache and the store.
func (r *AddressResolver) Remove(ctx context.Context, peer, adapterType model.Identifier) error {
	r.mu.Lock()
	delete(r.cache, keyFor(peer, adapterType))
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.RemoveAddress(ctx, peer, adapterType.Base()); err != nil {
			return fmt.Errorf("%s - failed to remove address for %s via %s: %w", resolverLogPrefix, peer, adapterType, err)
		}
	}
	return nil
}

// Evict drops every cached address of an adapter type without touching the store.
func (r *AddressResolver) Evict(adapterType model.Identifier) {
	base := adapterType.Base()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.adapterType == base {
			delete(r.cache, k)
		}
	}
}

func copyAddress(a model.PeerChannelAddress) model.PeerChannelAddress {
	a.ContactParameters = slices.Clone(a.ContactParameters)
	return a
}
