package market

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/units"
)

func TestRegisterUser(t *testing.T) {
	h := newHarness(t)

	u, err := h.engine.RegisterUser(h.ctx, producer, "  Solar Farm ", RoleProducer)
	require.NoError(t, err)
	assert.Equal(t, "Solar Farm", u.Name)
	assert.Equal(t, RoleProducer, u.Role)
	assert.True(t, u.Registered)

	ok, err := h.engine.IsRegistered(h.ctx, producer)
	require.NoError(t, err)
	assert.True(t, ok)

	role, err := h.engine.GetUserType(h.ctx, producer)
	require.NoError(t, err)
	assert.Equal(t, RoleProducer, role)

	require.Len(t, h.sink.ofType(EventUserRegistered), 1)
}

func TestRegisterUser_SecondCallAlwaysFails(t *testing.T) {
	for _, role := range []Role{RoleProducer, RoleConsumer} {
		h := newHarness(t)
		h.register(producer, "first", role)

		for _, again := range []Role{RoleProducer, RoleConsumer} {
			_, err := h.engine.RegisterUser(h.ctx, producer, "second", again)
			assert.ErrorIs(t, err, ErrAlreadyRegistered)
		}
		u, err := h.engine.GetUser(h.ctx, producer)
		require.NoError(t, err)
		assert.Equal(t, "first", u.Name)
		assert.Equal(t, role, u.Role)
	}
}

func TestRegisterUser_Rejections(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		caller common.Address
		uname  string
		role   Role
		want   error
	}{
		{"zero caller", common.Address{}, "x", RoleProducer, ErrUnauthorized},
		{"role none", producer, "x", RoleNone, ErrInvalidRole},
		{"role out of range", producer, "x", Role(7), ErrInvalidRole},
		{"empty name", producer, "   ", RoleProducer, ErrInvalidName},
		{"long name", producer, strings.Repeat("a", MaxNameLength+1), RoleProducer, ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.RegisterUser(h.ctx, tt.caller, tt.uname, tt.role)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	users, err := h.engine.GetAllUsers(h.ctx)
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}

func TestGetUserType_UnregisteredNeverDefaults(t *testing.T) {
	h := newHarness(t)

	role, err := h.engine.GetUserType(h.ctx, outsider)
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Equal(t, RoleNone, role)

	_, err = h.engine.GetUser(h.ctx, outsider)
	assert.ErrorIs(t, err, ErrNotRegistered)

	ok, err := h.engine.IsRegistered(h.ctx, outsider)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetAllUsers_RegistrationOrder(t *testing.T) {
	h := newHarness(t)
	h.register(consumer, "b", RoleConsumer)
	h.register(producer, "a", RoleProducer)

	users, err := h.engine.GetAllUsers(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{consumer, producer}, users)
}

func TestListEnergy_IncreasesSupply(t *testing.T) {
	h := newHarness(t)
	h.register(producer, "Solar Farm", RoleProducer)

	amounts := []uint64{100, 1, 42}
	var supply uint64
	for i, a := range amounts {
		l, err := h.engine.ListEnergy(h.ctx, producer, a, units.MustParse("0.1"), EnergyWind)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), l.Index)
		assert.True(t, l.Active)

		supply += a
		m, err := h.engine.MarketState(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, supply, m.TotalSupply)

		all, err := h.engine.FetchAllListings(h.ctx)
		require.NoError(t, err)
		assert.Len(t, all, i+1)
	}

	records, err := h.engine.GetProducedRecords(h.ctx, producer)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(42), records[2].Amount)
	assert.Equal(t, EnergyWind, records[2].EnergyType)
	assert.Len(t, h.sink.ofType(EventEnergyListed), 3)
}

func TestListEnergy_Rejections(t *testing.T) {
	h := newHarness(t)
	h.register(producer, "Solar Farm", RoleProducer)
	h.register(consumer, "Household", RoleConsumer)
	price := units.MustParse("0.1")

	tests := []struct {
		name   string
		caller common.Address
		amount uint64
		price  units.Amount
		et     EnergyType
		want   error
	}{
		{"consumer", consumer, 10, price, EnergySolar, ErrNotRegisteredProducer},
		{"unregistered", outsider, 10, price, EnergySolar, ErrNotRegisteredProducer},
		{"zero amount", producer, 0, price, EnergySolar, ErrInvalidAmount},
		{"zero price", producer, 10, units.Zero(), EnergySolar, ErrInvalidPrice},
		{"bad type", producer, 10, price, EnergyType(9), ErrInvalidEnergyType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ListEnergy(h.ctx, tt.caller, tt.amount, tt.price, tt.et)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := h.engine.FetchAllListings(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	m, err := h.engine.MarketState(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, m.TotalSupply)
}

func TestBuyEnergy_Scenario(t *testing.T) {
	h := newHarness(t)
	h.register(producer, "Solar Farm", RoleProducer)
	h.register(consumer, "Household", RoleConsumer)
	_, err := h.engine.ListEnergy(h.ctx, producer, 100, units.MustParse("0.1"), EnergySolar)
	require.NoError(t, err)
	h.token.fund(consumer, "5", "1")

	esc, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), esc.ID)
	assert.Equal(t, uint64(10), esc.Amount)
	requireAmount(t, "0.1", esc.Price)
	requireAmount(t, "1", esc.Payment)
	assert.False(t, esc.Delivered)
	assert.False(t, esc.Released)
	assert.Equal(t, EscrowCreated, esc.State())

	l, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), l.Amount)
	assert.True(t, l.Active)

	n, err := h.engine.EscrowCounter(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	bought := h.sink.ofType(EventEnergyBought)
	require.Len(t, bought, 1)
	assert.Equal(t, producer.Hex(), bought[0].Data["producer"])
	assert.Equal(t, consumer.Hex(), bought[0].Data["buyer"])
	assert.Equal(t, uint64(10), bought[0].Data["amount"])
	assert.Equal(t, "0.1", bought[0].Data["price"])

	requireAmount(t, "4", h.token.balance(consumer))
	requireAmount(t, "1", h.token.balance(custody))

	m, err := h.engine.MarketState(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), m.TotalSupply)
	assert.Equal(t, uint64(10), m.TotalDemand)

	buyer, err := h.engine.GetUser(h.ctx, consumer)
	require.NoError(t, err)
	requireAmount(t, "1", buyer.Spent)

	records, err := h.engine.GetConsumedRecords(h.ctx, consumer)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(10), records[0].Amount)
	assert.Equal(t, producer, records[0].Producer)
}

func TestBuyEnergy_FloorQuantity(t *testing.T) {
	tests := []struct {
		price, payment string
		want           uint64
	}{
		{"0.1", "1", 10},
		{"0.3", "1", 3},
		{"0.7", "2", 2},
		{"0.25", "0.99", 3},
	}
	for _, tt := range tests {
		t.Run(tt.price+"/"+tt.payment, func(t *testing.T) {
			h := newHarness(t)
			h.register(producer, "p", RoleProducer)
			h.register(consumer, "c", RoleConsumer)
			_, err := h.engine.ListEnergy(h.ctx, producer, 1000, units.MustParse(tt.price), EnergyTidal)
			require.NoError(t, err)
			h.token.fund(consumer, "10", "10")

			esc, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse(tt.payment))
			require.NoError(t, err)
			assert.Equal(t, tt.want, esc.Amount)
			requireAmount(t, tt.payment, esc.Payment)
		})
	}
}

func TestBuyEnergy_AllowanceRequiredEvenWithBalance(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.token.fund(consumer, "1000", "0.5")

	_, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
	assert.ErrorIs(t, err, ErrAllowanceInsufficient)

	h.token.fund(consumer, "0.5", "1000")
	_, err = h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	n, err := h.engine.EscrowCounter(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.token.transfers)
}

func TestBuyEnergy_ExceedsSupplyLeavesListingUnmodified(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.token.fund(consumer, "100", "100")
	before, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)

	_, err = h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("10.1"))
	assert.ErrorIs(t, err, ErrExceedsSupply)

	after, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)
	assert.Equal(t, before.Amount, after.Amount)
	assert.Equal(t, before.Active, after.Active)
	assert.Empty(t, h.sink.ofType(EventEnergyBought))
	requireAmount(t, "100", h.token.balance(consumer))
}

func TestBuyEnergy_Rejections(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()

	tests := []struct {
		name    string
		caller  common.Address
		index   uint64
		payment string
		want    error
	}{
		{"producer buying", producer, 0, "1", ErrNotRegisteredConsumer},
		{"unregistered", outsider, 0, "1", ErrNotRegisteredConsumer},
		{"no such listing", consumer, 9, "1", ErrInvalidListing},
		{"zero payment", consumer, 0, "0", ErrExceedsSupply},
		{"buys nothing", consumer, 0, "0.05", ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.BuyEnergy(h.ctx, tt.caller, producer, tt.index, units.MustParse(tt.payment))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBuyEnergy_ExhaustsListing(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.token.fund(consumer, "10", "10")

	esc := h.buy("10")
	assert.Equal(t, uint64(100), esc.Amount)
	l, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)
	assert.Zero(t, l.Amount)
	assert.False(t, l.Active)

	_, err = h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("0.1"))
	assert.ErrorIs(t, err, ErrInvalidListing)

	m, err := h.engine.MarketState(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, m.TotalSupply)
}

func TestEscrowLifecycle(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("1")

	_, err := h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	assert.ErrorIs(t, err, ErrNotDelivered)

	_, err = h.engine.ConfirmDelivery(h.ctx, consumer, esc.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err := h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Delivered)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, EscrowDelivered, got.State())

	_, err = h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
	assert.ErrorIs(t, err, ErrAlreadyDelivered)

	_, err = h.engine.ReleaseFunds(h.ctx, producer, esc.ID)
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Released)
	assert.Equal(t, EscrowReleased, got.State())
	requireAmount(t, "1", h.token.balance(producer))
	requireAmount(t, "0", h.token.balance(custody))

	seller, err := h.engine.GetUser(h.ctx, producer)
	require.NoError(t, err)
	requireAmount(t, "1", seller.Earned)

	_, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	assert.ErrorIs(t, err, ErrAlreadyReleased)
	_, err = h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
	assert.ErrorIs(t, err, ErrAlreadyReleased)

	_, err = h.engine.ReleaseFunds(h.ctx, consumer, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Len(t, h.sink.ofType(EventDeliveryConfirmed), 1)
	assert.Len(t, h.sink.ofType(EventFundsReleased), 1)

	byParty, err := h.engine.GetEscrowsByParty(h.ctx, producer)
	require.NoError(t, err)
	assert.Len(t, byParty, 1)
}

func TestReleaseFunds_BlockedByOpenDispute(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("1")
	_, err := h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
	require.NoError(t, err)

	d, err := h.engine.InitiateDispute(h.ctx, consumer, producer, "meter reading mismatch", u64(esc.ID))
	require.NoError(t, err)

	got, err := h.engine.GetEscrow(h.ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowDisputed, got.State())

	_, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	assert.ErrorIs(t, err, ErrDisputePending)

	_, err = h.engine.InitiateDispute(h.ctx, producer, consumer, "second", u64(esc.ID))
	assert.ErrorIs(t, err, ErrDisputePending)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "readings reconciled", OutcomeNone)
	require.NoError(t, err)

	_, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	require.NoError(t, err)
}

func TestDisputeScenario(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("1")

	before, err := h.engine.GetDisputes(h.ctx)
	require.NoError(t, err)

	d, err := h.engine.InitiateDispute(h.ctx, consumer, producer, "no delivery", u64(esc.ID))
	require.NoError(t, err)

	after, err := h.engine.GetDisputes(h.ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.False(t, after[len(after)-1].Resolved)

	_, err = h.engine.ResolveDispute(h.ctx, outsider, d.ID, "note", OutcomeNone)
	assert.ErrorIs(t, err, ErrUnauthorized)

	resolved, err := h.engine.ResolveDispute(h.ctx, owner, d.ID, "note", OutcomeNone)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "note", resolved.ResolutionDetails)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, owner, *resolved.ResolvedBy)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "note", OutcomeNone)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	_, err = h.engine.ResolveDispute(h.ctx, owner, 42, "note", OutcomeNone)
	assert.ErrorIs(t, err, ErrNotFound)

	notes, err := h.engine.GetNotifications(h.ctx, producer)
	require.NoError(t, err)
	var sawResolution bool
	for _, n := range notes {
		if strings.Contains(n.Text(), "resolved") {
			sawResolution = true
		}
	}
	assert.True(t, sawResolution)
}

func TestInitiateDispute_Rejections(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("1")
	h.register(outsider, "Neighbour", RoleConsumer)

	tests := []struct {
		name       string
		caller     common.Address
		respondent common.Address
		reason     string
		escrowID   *uint64
		want       error
	}{
		{"unregistered", owner, producer, "x", nil, ErrNotRegistered},
		{"self", consumer, consumer, "x", nil, ErrSelfDispute},
		{"empty reason", consumer, producer, "  ", nil, ErrInvalidReason},
		{"long reason", consumer, producer, strings.Repeat("r", MaxReasonLength+1), nil, ErrInvalidReason},
		{"missing escrow", consumer, producer, "x", u64(7), ErrNotFound},
		{"not a party", outsider, producer, "x", u64(esc.ID), ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.InitiateDispute(h.ctx, tt.caller, tt.respondent, tt.reason, tt.escrowID)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Free-standing disputes need no escrow.
	d, err := h.engine.InitiateDispute(h.ctx, outsider, producer, "noise complaint", nil)
	require.NoError(t, err)
	assert.Nil(t, d.EscrowID)
}

func TestResolveDispute_Refund(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("1")
	d, err := h.engine.InitiateDispute(h.ctx, consumer, producer, "never delivered", u64(esc.ID))
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "refund buyer", OutcomeRefund)
	require.NoError(t, err)

	got, err := h.engine.GetEscrow(h.ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Refunded)
	assert.False(t, got.Released)
	assert.False(t, got.Disputed)
	assert.Equal(t, EscrowRefunded, got.State())
	requireAmount(t, "5", h.token.balance(consumer))
	requireAmount(t, "0", h.token.balance(custody))

	_, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
	assert.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestResolveDispute_ReleaseOutcome(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	esc := h.buy("2")
	d, err := h.engine.InitiateDispute(h.ctx, producer, consumer, "buyer will not release", u64(esc.ID))
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "pay seller", OutcomeRelease)
	assert.ErrorIs(t, err, ErrNotDelivered)

	_, err = h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "pay seller", OutcomeRelease)
	require.NoError(t, err)

	got, err := h.engine.GetEscrow(h.ctx, esc.ID)
	require.NoError(t, err)
	assert.True(t, got.Released)
	assert.True(t, got.Delivered)
	requireAmount(t, "2", h.token.balance(producer))
}

func TestResolveDispute_PayoutNeedsEscrow(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	d, err := h.engine.InitiateDispute(h.ctx, consumer, producer, "general", nil)
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "x", OutcomeRefund)
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "x", Outcome("split"))
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

type councilStub map[common.Address]bool

func (c councilStub) CanResolve(_ context.Context, addr common.Address) (bool, error) {
	return c[addr], nil
}

func TestResolveDispute_CustomResolver(t *testing.T) {
	h := newHarness(t)
	h.engine = NewEngine(h.store, h.token, Config{Custody: custody, Owner: owner},
		WithResolver(councilStub{outsider: true}))
	h.setupTrade()
	d, err := h.engine.InitiateDispute(h.ctx, consumer, producer, "late", nil)
	require.NoError(t, err)

	_, err = h.engine.ResolveDispute(h.ctx, owner, d.ID, "x", OutcomeNone)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.engine.ResolveDispute(h.ctx, outsider, d.ID, "x", OutcomeNone)
	require.NoError(t, err)
}

func TestDryRun_NoStateChange(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	dry := WithDryRun(h.ctx)

	esc, err := h.engine.BuyEnergy(dry, consumer, producer, 0, units.MustParse("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), esc.Amount)

	n, err := h.engine.EscrowCounter(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	l, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), l.Amount)
	assert.Zero(t, h.token.transfers)
	assert.Empty(t, h.sink.ofType(EventEnergyBought))

	// Rejections still surface.
	_, err = h.engine.BuyEnergy(dry, consumer, producer, 0, units.MustParse("50"))
	assert.ErrorIs(t, err, ErrExceedsSupply)
}

var errCommit = errors.New("disk full")

// failingStore runs the transaction body, then refuses to commit.
type failingStore struct{ *MemoryStore }

func (s failingStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.MemoryStore.Update(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
}

func TestBuyEnergy_CommitFailureRefundsBuyer(t *testing.T) {
	mem := NewMemoryStore()
	h := newHarnessWithStore(t, mem)
	h.setupTrade()

	h.engine.store = failingStore{mem}
	_, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
	assert.ErrorIs(t, err, errCommit)
	assert.False(t, IsRejection(err))

	requireAmount(t, "5", h.token.balance(consumer))
	requireAmount(t, "0", h.token.balance(custody))

	h.engine.store = mem
	n, err := h.engine.EscrowCounter(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBuyEnergy_TokenFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.token.failTx = true

	_, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
	assert.ErrorIs(t, err, errTokenDown)

	l, err := h.engine.GetListing(h.ctx, producer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), l.Amount)
}

func TestListEnergy_AmountBounds(t *testing.T) {
	h := newHarness(t)
	h.register(producer, "Hydro", RoleProducer)
	price := units.MustParse("0.1")

	_, err := h.engine.ListEnergy(h.ctx, producer, MaxEnergyAmount+1, price, EnergyTidal)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.engine.ListEnergy(h.ctx, producer, MaxEnergyAmount-1, price, EnergyTidal)
	require.NoError(t, err)
	_, err = h.engine.ListEnergy(h.ctx, producer, 1, price, EnergyTidal)
	require.NoError(t, err)

	// supply is at the bound now
	_, err = h.engine.ListEnergy(h.ctx, producer, 1, price, EnergyTidal)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	n, err := h.engine.GetProducedRecords(h.ctx, producer)
	require.NoError(t, err)
	assert.Len(t, n, 2)
}

func TestBuyEnergy_UnconfirmedPullReconciled(t *testing.T) {
	tests := []struct {
		name      string
		reverted  bool
		transfers int
	}{
		{"landed late is refunded", false, 2},
		{"reverted needs no refund", true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.setupTrade()
			h.token.unconfirmed = true
			h.token.reverted = tt.reverted

			_, err := h.engine.BuyEnergy(h.ctx, consumer, producer, 0, units.MustParse("1"))
			require.ErrorIs(t, err, errUnconfirmed)
			require.NoError(t, h.engine.Drain(h.ctx))

			requireAmount(t, "5", h.token.balance(consumer))
			requireAmount(t, "0", h.token.balance(custody))
			assert.Equal(t, tt.transfers, h.token.transfers)

			n, err := h.engine.EscrowCounter(h.ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
			l, err := h.engine.GetListing(h.ctx, producer, 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), l.Amount)
		})
	}
}

func TestUpdatePrice(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.UpdatePrice(h.ctx, owner)
	assert.ErrorIs(t, err, ErrZeroSupply)

	h.setupTrade()
	_, err = h.engine.UpdatePrice(h.ctx, owner)
	assert.ErrorIs(t, err, ErrZeroDemand)

	h.buy("1")
	price, err := h.engine.UpdatePrice(h.ctx, consumer)
	require.NoError(t, err)
	want, _ := DefaultInitialPrice.ScaleRatio(10, 90)
	assert.Zero(t, want.Cmp(price))

	current, err := h.engine.DynamicPrice(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, want.Cmp(current))
	assert.Len(t, h.sink.ofType(EventPriceUpdated), 1)
}

func TestMarketStats(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	_, err := h.engine.ListEnergy(h.ctx, producer, 300, units.MustParse("0.3"), EnergyWind)
	require.NoError(t, err)
	h.buy("1")
	_, err = h.engine.InitiateDispute(h.ctx, consumer, producer, "late", nil)
	require.NoError(t, err)

	st, err := h.engine.MarketStats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Users)
	assert.Equal(t, 2, st.Listings)
	assert.Equal(t, 2, st.ActiveListings)
	assert.Equal(t, uint64(390), st.TotalSupply)
	assert.Equal(t, uint64(10), st.TotalDemand)
	assert.Equal(t, uint64(1), st.Escrows)
	assert.Equal(t, 1, st.OpenEscrows)
	assert.Equal(t, 1, st.OpenDisputes)
	assert.Equal(t, uint64(90), st.SupplyByType["solar"])
	assert.Equal(t, uint64(300), st.SupplyByType["wind"])
	// (0.1*90 + 0.3*300) / 390
	assert.InDelta(t, 99.0/390.0, st.WeightedAskPrice, 1e-9)
}

func TestNotifications(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.buy("1")

	notes, err := h.engine.GetNotifications(h.ctx, consumer)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Contains(t, notes[0].Text(), "Registered as consumer")
	assert.Contains(t, notes[1].Text(), "Bought 10 kWh")

	removed, err := h.engine.ClearNotifications(h.ctx, consumer)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	notes, err = h.engine.GetNotifications(h.ctx, consumer)
	require.NoError(t, err)
	assert.NotNil(t, notes)
	assert.Empty(t, notes)

	// Other logs are untouched.
	notes, err = h.engine.GetNotifications(h.ctx, producer)
	require.NoError(t, err)
	assert.NotEmpty(t, notes)

	_, err = h.engine.ClearNotifications(h.ctx, common.Address{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEvents_Paging(t *testing.T) {
	h := newHarness(t)
	h.setupTrade()
	h.buy("1")

	all, err := h.engine.Events(h.ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ev := range all {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	assert.Equal(t, EventEnergyBought, all[3].Type)

	page, err := h.engine.Events(h.ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(3), page[0].Seq)

	assert.ElementsMatch(t, []string{producer.Hex(), consumer.Hex()}, all[3].Parties())
}

// TestReleaseImpliesDelivered drives random operation sequences and checks
// that no reachable escrow is released without delivery.
func TestReleaseImpliesDelivered(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	h := newHarness(t)
	h.setupTrade()
	h.token.fund(consumer, "1000", "1000")
	_, err := h.engine.ListEnergy(h.ctx, producer, 10000, units.MustParse("0.1"), EnergyBiomass)
	require.NoError(t, err)

	callers := []common.Address{producer, consumer, owner, outsider}
	outcomes := []Outcome{OutcomeNone, OutcomeRelease, OutcomeRefund}
	for i := 0; i < 400; i++ {
		n, err := h.engine.EscrowCounter(h.ctx)
		require.NoError(t, err)
		id := uint64(0)
		if n > 0 {
			id = uint64(rng.Int63n(int64(n)))
		}
		caller := callers[rng.Intn(len(callers))]

		switch rng.Intn(5) {
		case 0:
			_, _ = h.engine.BuyEnergy(h.ctx, consumer, producer, 1, units.MustParse("0.5"))
		case 1:
			_, _ = h.engine.ConfirmDelivery(h.ctx, caller, id)
		case 2:
			_, _ = h.engine.ReleaseFunds(h.ctx, caller, id)
		case 3:
			_, _ = h.engine.InitiateDispute(h.ctx, consumer, producer, "check", u64(id))
		case 4:
			ds, err := h.engine.GetDisputes(h.ctx)
			require.NoError(t, err)
			if len(ds) > 0 {
				d := ds[rng.Intn(len(ds))]
				_, _ = h.engine.ResolveDispute(h.ctx, owner, d.ID, "ruling", outcomes[rng.Intn(len(outcomes))])
			}
		}

		escrows, err := h.engine.GetEscrowsByParty(h.ctx, consumer)
		require.NoError(t, err)
		for _, esc := range escrows {
			if esc.Released {
				require.True(t, esc.Delivered, "escrow %d released before delivery", esc.ID)
			}
			require.False(t, esc.Released && esc.Refunded, "escrow %d both released and refunded", esc.ID)
		}
	}
}

func TestTransact_LogsOperationAttributes(t *testing.T) {
	h := newHarness(t)
	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.NewWriter(&buf, "debug", "json"))
	ctx = logging.WithRequestID(ctx, "req-7")

	_, err := h.engine.ListEnergy(ctx, outsider, 10, units.MustParse("0.1"), EnergyWind)
	require.ErrorIs(t, err, ErrNotRegisteredProducer)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "market operation rejected", line["msg"])
	assert.Equal(t, "req-7", line["request_id"])
	assert.Equal(t, "listEnergy", line["operation"])
	assert.Equal(t, outsider.Hex(), line["caller"])
	assert.Equal(t, "not_registered_producer", line["kind"])
}
