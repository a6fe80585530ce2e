// Package token provides the settlement-token backends the market pulls
// payments through: an in-memory ledger for development and demos, and an
// ERC-20 client that signs with the custody key.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/units"
)

var (
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrNotCustody            = errors.New("token: only the custody account can move funds")
)

// Entry kinds recorded in the ledger history.
const (
	KindMint     = "mint"
	KindApprove  = "approve"
	KindTransfer = "transfer"
)

// Entry is one ledger movement. Approvals record the new allowance.
type Entry struct {
	Kind      string         `json:"kind"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    units.Amount   `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

// Ledger is an in-memory ERC-20 style token. It is safe for concurrent use.
type Ledger struct {
	mu         sync.RWMutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	history    map[common.Address][]Entry
	supply     *big.Int
	now        func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
		history:    make(map[common.Address][]Entry),
		supply:     new(big.Int),
		now:        time.Now,
	}
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (l *Ledger) balance(addr common.Address) *big.Int {
	b, ok := l.balances[addr]
	if !ok {
		b = new(big.Int)
		l.balances[addr] = b
	}
	return b
}

func (l *Ledger) record(e Entry, parties ...common.Address) {
	e.Timestamp = l.now().UTC()
	for _, p := range parties {
		l.history[p] = append(l.history[p], e)
	}
}

// Mint credits amount to addr out of thin air.
func (l *Ledger) Mint(_ context.Context, to common.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.balance(to)
	b.Add(b, amount)
	l.supply.Add(l.supply, amount)
	l.record(Entry{Kind: KindMint, To: to, Amount: units.FromBig(amount)}, to)
	return nil
}

// Approve sets spender's allowance over owner's funds. Zero revokes it.
func (l *Ledger) Approve(_ context.Context, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]*big.Int)
	}
	l.allowances[owner][spender] = new(big.Int).Set(amount)
	l.record(Entry{Kind: KindApprove, From: owner, To: spender, Amount: units.FromBig(amount)}, owner)
	return nil
}

func (l *Ledger) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a := l.allowances[owner][spender]; a != nil {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

func (l *Ledger) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b := l.balances[owner]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// TransferFrom moves amount from one account to another against the
// spender's allowance.
func (l *Ledger) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowed := l.allowances[from][spender]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s may not spend %s for %s", ErrInsufficientAllowance,
			spender.Hex(), units.FromBig(amount), from.Hex())
	}
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

// Transfer moves amount between accounts. The caller is trusted to have
// authorised it.
func (l *Ledger) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	if err := positive(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	src := l.balance(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance,
			from.Hex(), units.FromBig(src), units.FromBig(amount))
	}
	src.Sub(src, amount)
	dst := l.balance(to)
	dst.Add(dst, amount)
	l.record(Entry{Kind: KindTransfer, From: from, To: to, Amount: units.FromBig(amount)}, from, to)
	return nil
}

// History returns addr's movements, oldest first.
func (l *Ledger) History(addr common.Address) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.history[addr]))
	copy(out, l.history[addr])
	return out
}

// TotalSupply returns everything minted so far.
func (l *Ledger) TotalSupply() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}
