package market

import (
	"context"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/units"
)

// MaxEnergyAmount bounds kWh quantities and the market totals. Every store
// backend holds it as a signed 64-bit integer.
const MaxEnergyAmount uint64 = math.MaxInt64

// ListEnergy appends an active listing to the caller's sequence and raises
// total supply.
func (e *Engine) ListEnergy(ctx context.Context, caller common.Address, amount uint64, price units.Amount, energyType EnergyType) (*Listing, error) {
	var out *Listing
	err := e.transact(ctx, "listEnergy", caller, func(t *txn) error {
		if _, err := t.withRole(caller, RoleProducer, ErrNotRegisteredProducer); err != nil {
			return err
		}
		if amount == 0 || amount > MaxEnergyAmount {
			return fmt.Errorf("%w: amount must be between 1 and %d", ErrInvalidAmount, MaxEnergyAmount)
		}
		if price.Sign() <= 0 {
			return fmt.Errorf("%w: price must be greater than zero", ErrInvalidPrice)
		}
		if !energyType.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidEnergyType, energyType)
		}

		m, err := t.market()
		if err != nil {
			return err
		}
		if m.TotalSupply > MaxEnergyAmount-amount {
			return fmt.Errorf("%w: total supply overflow", ErrInvalidAmount)
		}

		idx, err := t.ListingCount(caller)
		if err != nil {
			return err
		}
		l := &Listing{
			Producer:      caller,
			Index:         idx,
			Amount:        amount,
			InitialAmount: amount,
			Price:         price,
			EnergyType:    energyType,
			Active:        true,
			CreatedAt:     t.now,
		}
		if err := t.PutListing(l); err != nil {
			return err
		}

		m.TotalSupply += amount
		m.UpdatedAt = t.now
		if err := t.PutMarket(m); err != nil {
			return err
		}
		if err := t.AppendProduction(&ProductionRecord{
			Producer:     caller,
			ListingIndex: idx,
			Amount:       amount,
			EnergyType:   energyType,
			Timestamp:    t.now,
		}); err != nil {
			return err
		}
		if err := t.emit(EventEnergyListed, map[string]interface{}{
			"producer":   caller.Hex(),
			"index":      idx,
			"amount":     amount,
			"price":      price.String(),
			"energyType": energyType.String(),
		}); err != nil {
			return err
		}
		if err := t.notify(caller, "Listed %d kWh of %s energy at %s per kWh (listing #%d)", amount, energyType, price, idx); err != nil {
			return err
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchAllListings returns every listing, active or exhausted, in creation
// order.
func (e *Engine) FetchAllListings(ctx context.Context) ([]*Listing, error) {
	var out []*Listing
	err := e.view(ctx, func(tx Tx) error {
		ls, err := tx.Listings()
		out = ls
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Listing{}
	}
	return out, nil
}

// GetListing returns one listing, or ErrNotFound.
func (e *Engine) GetListing(ctx context.Context, producer common.Address, index uint64) (*Listing, error) {
	var out *Listing
	err := e.view(ctx, func(tx Tx) error {
		l, err := tx.Listing(producer, index)
		out = l
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProducedRecords returns producer's listing history.
func (e *Engine) GetProducedRecords(ctx context.Context, producer common.Address) ([]*ProductionRecord, error) {
	var out []*ProductionRecord
	err := e.view(ctx, func(tx Tx) error {
		rs, err := tx.Production(producer)
		out = rs
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*ProductionRecord{}
	}
	return out, nil
}

// GetConsumedRecords returns consumer's purchase history.
func (e *Engine) GetConsumedRecords(ctx context.Context, consumer common.Address) ([]*ConsumptionRecord, error) {
	var out []*ConsumptionRecord
	err := e.view(ctx, func(tx Tx) error {
		rs, err := tx.Consumption(consumer)
		out = rs
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*ConsumptionRecord{}
	}
	return out, nil
}
