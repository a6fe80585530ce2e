package market

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/voltgrid/internal/units"
)

var (
	custody  = common.HexToAddress("0x00000000000000000000000000000000000c0de5")
	owner    = common.HexToAddress("0x000000000000000000000000000000000000a11")
	producer = common.HexToAddress("0x1111111111111111111111111111111111111111")
	consumer = common.HexToAddress("0x2222222222222222222222222222222222222222")
	outsider = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

var (
	errTokenDown   = errors.New("token: rpc unavailable")
	errUnconfirmed = errors.New("token: receipt not seen")
	unconfirmedTx  = common.HexToHash("0xfeed")
)

// fakeToken is an in-memory settlement token with allowance semantics.
type fakeToken struct {
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	failTx     bool
	transfers  int

	// unconfirmed makes TransferFrom report errUnconfirmed; the transfer
	// lands unless reverted is set.
	unconfirmed bool
	reverted    bool
}

func newFakeToken() *fakeToken {
	return &fakeToken{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (f *fakeToken) fund(addr common.Address, balance, allowance string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = units.MustParse(balance).Big()
	if f.allowances[addr] == nil {
		f.allowances[addr] = make(map[common.Address]*big.Int)
	}
	f.allowances[addr][custody] = units.MustParse(allowance).Big()
}

func (f *fakeToken) balance(addr common.Address) units.Amount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return units.FromBig(f.balances[addr])
}

func (f *fakeToken) get(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	if v, ok := m[addr]; ok {
		return v
	}
	v := new(big.Int)
	m[addr] = v
	return v
}

func (f *fakeToken) Allowance(_ context.Context, o, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.allowances[o]; a != nil && a[spender] != nil {
		return new(big.Int).Set(a[spender]), nil
	}
	return new(big.Int), nil
}

func (f *fakeToken) BalanceOf(_ context.Context, o common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.get(f.balances, o)), nil
}

func (f *fakeToken) TransferFrom(_ context.Context, spender, from, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTx {
		return errTokenDown
	}
	allow := f.allowances[from]
	if allow == nil || allow[spender] == nil || allow[spender].Cmp(amount) < 0 {
		return errors.New("token: allowance exceeded")
	}
	if f.unconfirmed && f.reverted {
		return errUnconfirmed
	}
	if err := f.move(from, to, amount); err != nil {
		return err
	}
	allow[spender].Sub(allow[spender], amount)
	if f.unconfirmed {
		return errUnconfirmed
	}
	return nil
}

func (f *fakeToken) PendingTransfer(err error) (common.Hash, bool) {
	if errors.Is(err, errUnconfirmed) {
		return unconfirmedTx, true
	}
	return common.Hash{}, false
}

func (f *fakeToken) AwaitTransfer(_ context.Context, hash common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hash != unconfirmedTx {
		return false, errors.New("token: unknown transaction")
	}
	return !f.reverted, nil
}

func (f *fakeToken) Transfer(_ context.Context, from, to common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTx {
		return errTokenDown
	}
	return f.move(from, to, amount)
}

func (f *fakeToken) move(from, to common.Address, amount *big.Int) error {
	src := f.get(f.balances, from)
	if src.Cmp(amount) < 0 {
		return errors.New("token: balance exceeded")
	}
	src.Sub(src, amount)
	dst := f.get(f.balances, to)
	dst.Add(dst, amount)
	f.transfers++
	return nil
}

// captureSink records published events.
type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (c *captureSink) Publish(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) ofType(typ EventType) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  Store
	token  *fakeToken
	sink   *captureSink
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithStore(t, NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store Store) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store,
		token: newFakeToken(),
		sink:  &captureSink{},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = NewEngine(store, h.token, Config{Custody: custody, Owner: owner},
		WithEventSink(h.sink),
		WithClock(func() time.Time { return h.now }),
	)
	require.NoError(t, h.engine.Init(h.ctx))
	return h
}

func (h *harness) register(addr common.Address, name string, role Role) {
	h.t.Helper()
	_, err := h.engine.RegisterUser(h.ctx, addr, name, role)
	require.NoError(h.t, err)
}

// setupTrade registers a producer and consumer and lists 100 kWh at 0.1.
func (h *harness) setupTrade() *Listing {
	h.t.Helper()
	h.register(producer, "Solar Farm", RoleProducer)
	h.register(consumer, "Household", RoleConsumer)
	l, err := h.engine.ListEnergy(h.ctx, producer, 100, units.MustParse("0.1"), EnergySolar)
	require.NoError(h.t, err)
	h.token.fund(consumer, "5", "5")
	return l
}

func (h *harness) buy(payment string) *Escrow {
	h.t.Helper()
	esc, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse(payment))
	require.NoError(h.t, err)
	return esc
}

func requireAmount(t *testing.T, want string, got units.Amount) {
	t.Helper()
	require.Zero(t, units.MustParse(want).Cmp(got), "want %s, got %s", want, got)
}

func u64(n uint64) *uint64 { return &n }
