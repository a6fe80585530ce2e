// Package governance manages the dispute council: the market owner plus
// any members the owner appoints. The council decides who may resolve
// disputes.
package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/logging"
)

var (
	ErrNotOwner      = errors.New("governance: only the owner may change the council")
	ErrAlreadyMember = errors.New("governance: already a council member")
	ErrNotMember     = errors.New("governance: not a council member")
	ErrInvalidMember = errors.New("governance: invalid member address")
)

// Member is one appointed council seat.
type Member struct {
	Address common.Address `json:"address"`
	AddedBy common.Address `json:"addedBy"`
	AddedAt time.Time      `json:"addedAt"`
}

// Store persists council membership.
type Store interface {
	Add(ctx context.Context, m *Member) error
	Remove(ctx context.Context, addr common.Address) error
	IsMember(ctx context.Context, addr common.Address) (bool, error)
	List(ctx context.Context) ([]*Member, error)
}

// Council answers resolver queries and applies owner-only membership changes.
type Council struct {
	owner common.Address
	store Store
	now   func() time.Time
}

// NewCouncil creates a council governed by owner.
func NewCouncil(owner common.Address, store Store) *Council {
	return &Council{owner: owner, store: store, now: time.Now}
}

// Owner returns the council owner.
func (c *Council) Owner() common.Address { return c.owner }

// CanResolve reports whether addr is the owner or an appointed member.
func (c *Council) CanResolve(ctx context.Context, addr common.Address) (bool, error) {
	if addr == (common.Address{}) {
		return false, nil
	}
	if addr == c.owner {
		return true, nil
	}
	return c.store.IsMember(ctx, addr)
}

// Add appoints member. Only the owner may call it.
func (c *Council) Add(ctx context.Context, caller, member common.Address) (*Member, error) {
	if caller != c.owner || c.owner == (common.Address{}) {
		return nil, ErrNotOwner
	}
	if member == (common.Address{}) || member == c.owner {
		return nil, ErrInvalidMember
	}
	m := &Member{Address: member, AddedBy: caller, AddedAt: c.now().UTC()}
	if err := c.store.Add(ctx, m); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("council member added", "member", member.Hex())
	return m, nil
}

// Remove revokes a member's seat. Only the owner may call it.
func (c *Council) Remove(ctx context.Context, caller, member common.Address) error {
	if caller != c.owner || c.owner == (common.Address{}) {
		return ErrNotOwner
	}
	if err := c.store.Remove(ctx, member); err != nil {
		return err
	}
	logging.L(ctx).Info("council member removed", "member", member.Hex())
	return nil
}

// List returns appointed members, oldest first. The owner is not included.
func (c *Council) List(ctx context.Context) ([]*Member, error) {
	members, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list council: %w", err)
	}
	return members, nil
}
