package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/circuitbreaker"
)

// Backend is the full token surface the market and handlers use.
type Backend interface {
	Reader
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

const (
	breakerRead  = "token_read"
	breakerWrite = "token_write"
)

// Guarded fails token calls fast while the backend keeps erroring. Reads
// and writes trip independently. Reverts and caller mistakes do not count
// as backend failures.
type Guarded struct {
	backend Backend
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps backend with breaker.
func NewGuarded(backend Backend, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{backend: backend, breaker: breaker}
}

func backendFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrNotCustody),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInsufficientAllowance):
		return false
	}
	return true
}

func (g *Guarded) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	var out *big.Int
	err := g.breaker.Do(breakerRead, func() error {
		v, err := g.backend.Allowance(ctx, owner, spender)
		out = v
		return err
	}, backendFailure)
	return out, err
}

func (g *Guarded) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	var out *big.Int
	err := g.breaker.Do(breakerRead, func() error {
		v, err := g.backend.BalanceOf(ctx, owner)
		out = v
		return err
	}, backendFailure)
	return out, err
}

func (g *Guarded) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error {
	return g.breaker.Do(breakerWrite, func() error {
		return g.backend.TransferFrom(ctx, spender, from, to, amount)
	}, backendFailure)
}

func (g *Guarded) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	return g.breaker.Do(breakerWrite, func() error {
		return g.backend.Transfer(ctx, from, to, amount)
	}, backendFailure)
}

// Pending is implemented by backends whose transfers can be submitted
// before their outcome is known.
type Pending interface {
	PendingTransfer(err error) (common.Hash, bool)
	AwaitTransfer(ctx context.Context, hash common.Hash) (bool, error)
}

func (g *Guarded) PendingTransfer(err error) (common.Hash, bool) {
	if p, ok := g.backend.(Pending); ok {
		return p.PendingTransfer(err)
	}
	return common.Hash{}, false
}

// AwaitTransfer is not guarded by the breaker.
func (g *Guarded) AwaitTransfer(ctx context.Context, hash common.Hash) (bool, error) {
	p, ok := g.backend.(Pending)
	if !ok {
		return false, errors.New("token: backend has no pending transfers")
	}
	return p.AwaitTransfer(ctx, hash)
}
