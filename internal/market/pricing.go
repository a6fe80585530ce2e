package market

import (
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/units"
	"gonum.org/v1/gonum/stat"
)

// DynamicPrice returns the current market unit price.
func (e *Engine) DynamicPrice(ctx context.Context) (units.Amount, error) {
	m, err := e.MarketState(ctx)
	if err != nil {
		return units.Zero(), err
	}
	return m.DynamicPrice, nil
}

// MarketState returns the supply, demand and price aggregates.
func (e *Engine) MarketState(ctx context.Context) (*MarketState, error) {
	var out *MarketState
	err := e.view(ctx, func(tx Tx) error {
		m, err := marketState(tx, e.cfg.InitialPrice)
		out = m
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdatePrice rescales the dynamic price by demand over supply:
// price = totalDemand * price / totalSupply, truncated.
func (e *Engine) UpdatePrice(ctx context.Context, caller common.Address) (units.Amount, error) {
	var out units.Amount
	err := e.transact(ctx, "updatePrice", caller, func(t *txn) error {
		m, err := t.market()
		if err != nil {
			return err
		}
		if m.TotalSupply == 0 {
			return ErrZeroSupply
		}
		if m.TotalDemand == 0 {
			return ErrZeroDemand
		}
		prev := m.DynamicPrice
		next, _ := prev.ScaleRatio(m.TotalDemand, m.TotalSupply)
		m.DynamicPrice = next
		m.UpdatedAt = t.now
		if err := t.PutMarket(m); err != nil {
			return err
		}
		if err := t.emit(EventPriceUpdated, map[string]interface{}{
			"caller":      caller.Hex(),
			"previous":    prev.String(),
			"price":       next.String(),
			"totalSupply": m.TotalSupply,
			"totalDemand": m.TotalDemand,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// MarketStats summarises the market. WeightedAskPrice is the mean ask of
// active listings weighted by their remaining supply.
func (e *Engine) MarketStats(ctx context.Context) (*Stats, error) {
	st := &Stats{SupplyByType: map[string]uint64{}}
	err := e.view(ctx, func(tx Tx) error {
		m, err := marketState(tx, e.cfg.InitialPrice)
		if err != nil {
			return err
		}
		st.TotalSupply = m.TotalSupply
		st.TotalDemand = m.TotalDemand
		st.DynamicPrice = m.DynamicPrice

		users, err := tx.UserAddresses()
		if err != nil {
			return err
		}
		st.Users = len(users)

		listings, err := tx.Listings()
		if err != nil {
			return err
		}
		st.Listings = len(listings)
		var prices, weights []float64
		for _, l := range listings {
			if !l.Active {
				continue
			}
			st.ActiveListings++
			st.SupplyByType[l.EnergyType.String()] += l.Amount
			prices = append(prices, l.Price.Float64())
			weights = append(weights, float64(l.Amount))
		}
		if len(prices) > 0 {
			st.WeightedAskPrice = stat.Mean(prices, weights)
		}

		if st.Escrows, err = tx.EscrowCount(); err != nil {
			return err
		}
		for id := uint64(0); id < st.Escrows; id++ {
			esc, err := tx.Escrow(id)
			if err != nil {
				return err
			}
			if !esc.IsTerminal() {
				st.OpenEscrows++
			}
		}

		disputes, err := tx.Disputes()
		if err != nil {
			return err
		}
		st.Disputes = len(disputes)
		for _, d := range disputes {
			if !d.Resolved {
				st.OpenDisputes++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Events returns up to limit log entries with Seq greater than since.
func (e *Engine) Events(ctx context.Context, since uint64, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*Event
	err := e.view(ctx, func(tx Tx) error {
		evs, err := tx.Events(since, limit)
		out = evs
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Event{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
