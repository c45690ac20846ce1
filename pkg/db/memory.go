package db

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/morezero/peer-broker/pkg/bootstrap"
	"github.com/morezero/peer-broker/pkg/model"
)

type memoryAddressKey struct {
	peer    string
	adapter string
}

type messageInfoKey struct {
	msgType string
	subtype string
}

// MemoryStore keeps endpoint addresses and message info in process. It serves the
// same store methods as Repository when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	addresses   map[memoryAddressKey]model.PeerChannelAddress
	messageInfo map[messageInfoKey]model.MessageInfo
}

// NewMemoryStore creates a store seeded with the message info of dir, which may be nil.
func NewMemoryStore(dir *bootstrap.Directory) *MemoryStore {
	s := &MemoryStore{
		addresses:   make(map[memoryAddressKey]model.PeerChannelAddress),
		messageInfo: make(map[messageInfoKey]model.MessageInfo),
	}
	if dir != nil {
		for _, e := range dir.MessageInfo {
			info := e.Model()
			s.messageInfo[messageInfoKey{info.Type, info.Subtype}] = info
		}
	}
	return s
}

// InsertAddress stores addr under its peer and adapter type.
func (s *MemoryStore) InsertAddress(_ context.Context, addr model.PeerChannelAddress) error {
	addr.AdapterID = addr.AdapterID.Base()
	addr.ContactParameters = slices.Clone(addr.ContactParameters)
	s.mu.Lock()
	s.addresses[memoryAddressKey{addr.PeerID.ID, addr.AdapterID.ID}] = addr
	s.mu.Unlock()
	return nil
}

// FindAddress returns the stored address, or nil, nil.
func (s *MemoryStore) FindAddress(_ context.Context, peer, adapterType model.Identifier) (*model.PeerChannelAddress, error) {
	s.mu.RLock()
	addr, ok := s.addresses[memoryAddressKey{peer.ID, adapterType.Base().ID}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	addr.ContactParameters = slices.Clone(addr.ContactParameters)
	return &addr, nil
}

// RemoveAddress deletes the stored address, if any.
func (s *MemoryStore) RemoveAddress(_ context.Context, peer, adapterType model.Identifier) error {
	s.mu.Lock()
	delete(s.addresses, memoryAddressKey{peer.ID, adapterType.Base().ID})
	s.mu.Unlock()
	return nil
}

// AddMessageInfo creates or replaces the documentation of a type/subtype pair.
func (s *MemoryStore) AddMessageInfo(_ context.Context, info model.MessageInfo) error {
	s.mu.Lock()
	s.messageInfo[messageInfoKey{info.Type, info.Subtype}] = info
	s.mu.Unlock()
	return nil
}

// GetMessageInfo returns the documentation of a type/subtype pair, or nil, nil.
func (s *MemoryStore) GetMessageInfo(_ context.Context, msgType, subtype string) (*model.MessageInfo, error) {
	s.mu.RLock()
	info, ok := s.messageInfo[messageInfoKey{msgType, subtype}]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// ListMessageInfo returns every documented pair ordered by type and subtype.
func (s *MemoryStore) ListMessageInfo(_ context.Context) ([]model.MessageInfo, error) {
	s.mu.RLock()
	out := make([]model.MessageInfo, 0, len(s.messageInfo))
	for _, info := range s.messageInfo {
		out = append(out, info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out, nil
}
