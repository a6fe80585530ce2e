package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/units"
)

// MaxNameLength bounds display names, in runes.
const MaxNameLength = 64

// RegisterUser registers the caller under name with a producer or consumer
// role. Registration is permanent.
func (e *Engine) RegisterUser(ctx context.Context, caller common.Address, name string, role Role) (*User, error) {
	name = strings.TrimSpace(name)
	var out *User
	err := e.transact(ctx, "registerUser", caller, func(t *txn) error {
		if caller == (common.Address{}) {
			return ErrUnauthorized
		}
		if !role.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidRole, role)
		}
		if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
			return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidName, MaxNameLength)
		}
		existing, err := t.User(caller)
		if err == nil && existing.Registered {
			return ErrAlreadyRegistered
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		u := &User{
			Address:      caller,
			Name:         name,
			Role:         role,
			Registered:   true,
			Earned:       units.Zero(),
			Spent:        units.Zero(),
			RegisteredAt: t.now,
		}
		if err := t.PutUser(u); err != nil {
			return err
		}
		if err := t.emit(EventUserRegistered, map[string]interface{}{
			"user": caller.Hex(),
			"name": name,
			"role": role.String(),
		}); err != nil {
			return err
		}
		if err := t.notify(caller, "Registered as %s: %s", role, name); err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsRegistered reports whether addr has registered.
func (e *Engine) IsRegistered(ctx context.Context, addr common.Address) (bool, error) {
	var ok bool
	err := e.view(ctx, func(tx Tx) error {
		_, err := registeredUser(tx, addr)
		if errors.Is(err, ErrNotRegistered) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}

// GetUserType returns addr's role. Unregistered identities are rejected
// rather than reported as RoleNone.
func (e *Engine) GetUserType(ctx context.Context, addr common.Address) (Role, error) {
	u, err := e.GetUser(ctx, addr)
	if err != nil {
		return RoleNone, err
	}
	return u.Role, nil
}

// GetUser returns addr's record, or ErrNotRegistered.
func (e *Engine) GetUser(ctx context.Context, addr common.Address) (*User, error) {
	var out *User
	err := e.view(ctx, func(tx Tx) error {
		u, err := registeredUser(tx, addr)
		out = u
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAllUsers returns every registered address in registration order.
func (e *Engine) GetAllUsers(ctx context.Context) ([]common.Address, error) {
	var out []common.Address
	err := e.view(ctx, func(tx Tx) error {
		addrs, err := tx.UserAddresses()
		out = addrs
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []common.Address{}
	}
	return out, nil
}
