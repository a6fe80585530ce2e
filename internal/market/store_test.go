package market

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltgrid/voltgrid/internal/testutil"
	"github.com/voltgrid/voltgrid/internal/units"
)

// storeSuite checks the Store contract shared by every backend.
func storeSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("missing records", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.View(ctx, func(tx Tx) error {
			_, err := tx.User(producer)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Listing(producer, 0)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Escrow(0)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Dispute(0)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = tx.Market()
			assert.ErrorIs(t, err, ErrNotFound)
			n, err := tx.EscrowCount()
			require.NoError(t, err)
			assert.Zero(t, n)
			return nil
		}))
	})

	t.Run("view is read-only", func(t *testing.T) {
		s := open(t)
		err := s.View(ctx, func(tx Tx) error {
			return tx.PutUser(&User{Address: producer, Name: "x", Role: RoleProducer, Registered: true})
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("failed update leaves no trace", func(t *testing.T) {
		s := open(t)
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.PutUser(&User{Address: producer, Name: "p", Role: RoleProducer, Registered: true, RegisteredAt: now}))
			require.NoError(t, tx.PutEscrow(&Escrow{ID: 0, Buyer: consumer, Seller: producer, CreatedAt: now}))
			require.NoError(t, tx.AppendNotification(&Notification{Recipient: producer, Message: []byte("hi"), Timestamp: now}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			_, err := tx.User(producer)
			assert.ErrorIs(t, err, ErrNotFound)
			n, _ := tx.EscrowCount()
			assert.Zero(t, n)
			notes, err := tx.Notifications(producer)
			require.NoError(t, err)
			assert.Empty(t, notes)
			return nil
		}))
	})

	t.Run("round trip", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			for _, u := range []*User{
				{Address: producer, Name: "Solar Farm", Role: RoleProducer, Registered: true, RegisteredAt: now},
				{Address: consumer, Name: "Household", Role: RoleConsumer, Registered: true, RegisteredAt: now},
			} {
				if err := tx.PutUser(u); err != nil {
					return err
				}
			}
			for i := uint64(0); i < 2; i++ {
				if err := tx.PutListing(&Listing{
					Producer: producer, Index: i, Amount: 50, InitialAmount: 50,
					Price: units.MustParse("0.1"), EnergyType: EnergyWind, Active: true, CreatedAt: now,
				}); err != nil {
					return err
				}
			}
			if err := tx.PutEscrow(&Escrow{
				ID: 0, Buyer: consumer, Seller: producer, Amount: 10,
				Price: units.MustParse("0.1"), Payment: units.MustParse("1"), CreatedAt: now,
			}); err != nil {
				return err
			}
			eid := uint64(0)
			if err := tx.PutDispute(&Dispute{
				ID: 0, Initiator: consumer, Respondent: producer, Reason: "late",
				EscrowID: &eid, Outcome: OutcomeNone, CreatedAt: now,
			}); err != nil {
				return err
			}
			if err := tx.AppendProduction(&ProductionRecord{Producer: producer, Amount: 50, EnergyType: EnergyWind, Timestamp: now}); err != nil {
				return err
			}
			if err := tx.AppendConsumption(&ConsumptionRecord{Consumer: consumer, Producer: producer, Amount: 10, Timestamp: now}); err != nil {
				return err
			}
			if err := tx.PutMarket(&MarketState{TotalSupply: 90, TotalDemand: 10, DynamicPrice: units.MustParse("0.2"), UpdatedAt: now}); err != nil {
				return err
			}
			for _, msg := range []string{"one", "two"} {
				if err := tx.AppendNotification(&Notification{Recipient: consumer, Message: []byte(msg), Timestamp: now}); err != nil {
					return err
				}
			}
			return tx.AppendEvent(&Event{Type: EventEnergyBought, Data: map[string]interface{}{"buyer": consumer.Hex()}, Timestamp: now})
		}))

		// Update inside a second transaction, clearing and re-appending notes.
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			esc, err := tx.Escrow(0)
			if err != nil {
				return err
			}
			delivered := now.Add(time.Hour)
			esc.Delivered = true
			esc.DeliveredAt = &delivered
			if err := tx.PutEscrow(esc); err != nil {
				return err
			}
			l, err := tx.Listing(producer, 1)
			if err != nil {
				return err
			}
			l.Amount = 0
			l.Active = false
			if err := tx.PutListing(l); err != nil {
				return err
			}
			n, err := tx.ClearNotifications(consumer)
			if err != nil {
				return err
			}
			assert.Equal(t, 2, n)
			if err := tx.AppendNotification(&Notification{Recipient: consumer, Message: []byte("three"), Timestamp: now}); err != nil {
				return err
			}
			return tx.AppendEvent(&Event{Type: EventDeliveryConfirmed, Data: map[string]interface{}{"seller": producer.Hex()}, Timestamp: now})
		}))

		require.NoError(t, s.View(ctx, func(tx Tx) error {
			addrs, err := tx.UserAddresses()
			require.NoError(t, err)
			assert.Len(t, addrs, 2)

			u, err := tx.User(consumer)
			require.NoError(t, err)
			assert.Equal(t, "Household", u.Name)
			assert.Equal(t, RoleConsumer, u.Role)

			n, err := tx.ListingCount(producer)
			require.NoError(t, err)
			assert.Equal(t, uint64(2), n)
			ls, err := tx.ListingsByProducer(producer)
			require.NoError(t, err)
			require.Len(t, ls, 2)
			assert.True(t, ls[0].Active)
			assert.False(t, ls[1].Active)
			requireAmount(t, "0.1", ls[0].Price)

			all, err := tx.Listings()
			require.NoError(t, err)
			assert.Len(t, all, 2)

			esc, err := tx.Escrow(0)
			require.NoError(t, err)
			assert.True(t, esc.Delivered)
			require.NotNil(t, esc.DeliveredAt)
			assert.True(t, esc.DeliveredAt.Equal(now.Add(time.Hour)))
			requireAmount(t, "1", esc.Payment)

			byParty, err := tx.EscrowsByParty(producer)
			require.NoError(t, err)
			assert.Len(t, byParty, 1)

			d, err := tx.Dispute(0)
			require.NoError(t, err)
			require.NotNil(t, d.EscrowID)
			assert.Equal(t, uint64(0), *d.EscrowID)
			assert.Equal(t, "late", d.Reason)

			prod, err := tx.Production(producer)
			require.NoError(t, err)
			assert.Len(t, prod, 1)
			cons, err := tx.Consumption(consumer)
			require.NoError(t, err)
			assert.Len(t, cons, 1)

			m, err := tx.Market()
			require.NoError(t, err)
			assert.Equal(t, uint64(90), m.TotalSupply)
			requireAmount(t, "0.2", m.DynamicPrice)

			notes, err := tx.Notifications(consumer)
			require.NoError(t, err)
			require.Len(t, notes, 1)
			assert.Equal(t, "three", notes[0].Text())

			evs, err := tx.Events(0, 10)
			require.NoError(t, err)
			require.Len(t, evs, 2)
			assert.Equal(t, uint64(1), evs[0].Seq)
			assert.Equal(t, uint64(2), evs[1].Seq)
			assert.Equal(t, EventDeliveryConfirmed, evs[1].Type)
			assert.Equal(t, producer.Hex(), evs[1].Data["seller"])

			evs, err = tx.Events(1, 10)
			require.NoError(t, err)
			assert.Len(t, evs, 1)
			return nil
		}))
	})

	t.Run("engine lifecycle", func(t *testing.T) {
		h := newHarnessWithStore(t, open(t))
		h.setupTrade()
		esc := h.buy("1")
		_, err := h.engine.ConfirmDelivery(h.ctx, producer, esc.ID)
		require.NoError(t, err)
		_, err = h.engine.ReleaseFunds(h.ctx, consumer, esc.ID)
		require.NoError(t, err)

		got, err := h.engine.GetEscrow(h.ctx, esc.ID)
		require.NoError(t, err)
		assert.True(t, got.Released)
		seller, err := h.engine.GetUser(h.ctx, producer)
		require.NoError(t, err)
		requireAmount(t, "1", seller.Earned)
	})

	t.Run("largest listing persists", func(t *testing.T) {
		h := newHarnessWithStore(t, open(t))
		h.register(producer, "Hydro", RoleProducer)

		_, err := h.engine.ListEnergy(h.ctx, producer, MaxEnergyAmount, units.MustParse("0.1"), EnergyTidal)
		require.NoError(t, err)
		l, err := h.engine.GetListing(h.ctx, producer, 0)
		require.NoError(t, err)
		assert.Equal(t, MaxEnergyAmount, l.Amount)

		m, err := h.engine.MarketState(h.ctx)
		require.NoError(t, err)
		assert.Equal(t, MaxEnergyAmount, m.TotalSupply)
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_OutOfSequenceAppend(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), func(tx Tx) error {
		return tx.PutEscrow(&Escrow{ID: 3})
	})
	assert.Error(t, err)
	err = s.Update(context.Background(), func(tx Tx) error {
		return tx.PutListing(&Listing{Producer: producer, Index: 2})
	})
	assert.Error(t, err)
}

func TestLevelStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store {
		s, err := OpenLevelStore(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestLevelStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLevelStore(dir)
	require.NoError(t, err)

	h := newHarnessWithStore(t, s)
	h.setupTrade()
	h.buy("1")
	_, err = h.engine.ClearNotifications(h.ctx, consumer)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenLevelStore(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	h2 := newHarnessWithStore(t, s)
	users, err := h2.engine.GetAllUsers(h2.ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	l, err := h2.engine.GetListing(h2.ctx, producer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(90), l.Amount)

	n, err := h2.engine.EscrowCounter(h2.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	notes, err := h2.engine.GetNotifications(h2.ctx, consumer)
	require.NoError(t, err)
	assert.Empty(t, notes)

	m, err := h2.engine.MarketState(h2.ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), m.TotalDemand)

	evs, err := h2.engine.Events(h2.ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 5)
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storeSuite(t, func(t *testing.T) Store {
		truncate(t, db)
		return NewPostgresStore(db)
	})
}

func truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec(`TRUNCATE users, listings, escrows, disputes, notifications,
		production_records, consumption_records, market_state, market_events RESTART IDENTITY`)
	require.NoError(t, err)
}
