package governance

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps council membership in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[common.Address]*Member
}

// NewMemoryStore creates an empty in-memory council store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[common.Address]*Member)}
}

func (m *MemoryStore) Add(_ context.Context, member *Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[member.Address]; ok {
		return ErrAlreadyMember
	}
	cp := *member
	m.members[member.Address] = &cp
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[addr]; !ok {
		return ErrNotMember
	}
	delete(m.members, addr)
	return nil
}

func (m *MemoryStore) IsMember(_ context.Context, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[addr]
	return ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		cp := *member
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].Address.Hex() < out[j].Address.Hex()
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
