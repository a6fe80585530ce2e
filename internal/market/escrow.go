package market

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/metrics"
	"github.com/voltgrid/voltgrid/internal/traces"
	"github.com/voltgrid/voltgrid/internal/units"
)

// BuyEnergy buys floor(payment/price) kWh from a producer's listing. The
// payment is pulled from the caller into custody and locked in a new
// escrow until the caller releases it.
func (e *Engine) BuyEnergy(ctx context.Context, caller, producer common.Address, index uint64, payment units.Amount) (*Escrow, error) {
	var out *Escrow
	err := e.transact(ctx, "buyEnergy", caller, func(t *txn) error {
		buyer, err := t.withRole(caller, RoleConsumer, ErrNotRegisteredConsumer)
		if err != nil {
			return err
		}

		l, err := t.Listing(producer, index)
		if err != nil {
			if IsRejection(err) {
				return ErrInvalidListing
			}
			return err
		}
		if !l.Active {
			return fmt.Errorf("%w: listing %d of %s is exhausted", ErrInvalidListing, index, producer.Hex())
		}

		if payment.IsZero() {
			return fmt.Errorf("%w: payment must be greater than zero", ErrExceedsSupply)
		}
		qty, ok := payment.Units(l.Price)
		if !ok {
			return fmt.Errorf("%w: payment out of range", ErrInvalidAmount)
		}
		if qty == 0 {
			return fmt.Errorf("%w: payment %s buys less than 1 kWh at %s", ErrInvalidAmount, payment, l.Price)
		}
		if qty > l.Amount {
			return fmt.Errorf("%w: want %d kWh, %d remaining", ErrExceedsSupply, qty, l.Amount)
		}

		if err := t.checkFunds(caller, payment); err != nil {
			return err
		}

		l.Amount -= qty
		if l.Amount == 0 {
			l.Active = false
		}
		if err := t.PutListing(l); err != nil {
			return err
		}

		m, err := t.market()
		if err != nil {
			return err
		}
		if m.TotalSupply >= qty {
			m.TotalSupply -= qty
		} else {
			m.TotalSupply = 0
		}
		if m.TotalDemand > MaxEnergyAmount-qty {
			return fmt.Errorf("%w: total demand overflow", ErrInvalidAmount)
		}
		m.TotalDemand += qty
		m.UpdatedAt = t.now
		if err := t.PutMarket(m); err != nil {
			return err
		}

		id, err := t.EscrowCount()
		if err != nil {
			return err
		}
		esc := &Escrow{
			ID:           id,
			Buyer:        caller,
			Seller:       producer,
			ListingIndex: index,
			Amount:       qty,
			Price:        l.Price,
			Payment:      payment,
			CreatedAt:    t.now,
		}
		if err := t.PutEscrow(esc); err != nil {
			return err
		}
		if err := t.AppendConsumption(&ConsumptionRecord{
			Consumer:  caller,
			Producer:  producer,
			EscrowID:  id,
			Amount:    qty,
			Timestamp: t.now,
		}); err != nil {
			return err
		}

		buyer.Spent = buyer.Spent.Add(payment)
		if err := t.PutUser(buyer); err != nil {
			return err
		}

		if err := t.emit(EventEnergyBought, map[string]interface{}{
			"producer": producer.Hex(),
			"buyer":    caller.Hex(),
			"escrowId": id,
			"index":    index,
			"amount":   qty,
			"price":    l.Price.String(),
			"payment":  payment.String(),
		}); err != nil {
			return err
		}
		if err := t.notify(caller, "Bought %d kWh from %s for %s (escrow #%d)", qty, producer.Hex(), payment, id); err != nil {
			return err
		}
		if err := t.notify(producer, "%s bought %d kWh from listing #%d (escrow #%d)", caller.Hex(), qty, index, id); err != nil {
			return err
		}

		if err := t.pull(caller, payment, escrowRef(id)); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !IsDryRun(ctx) {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowCreated)).Inc()
	}
	return out, nil
}

// ConfirmDelivery marks an escrow delivered. Only the seller may confirm.
func (e *Engine) ConfirmDelivery(ctx context.Context, caller common.Address, id uint64) (*Escrow, error) {
	var out *Escrow
	err := e.transact(ctx, "confirmEnergyDelivery", caller, func(t *txn) error {
		t.annotate(traces.EscrowID(id))
		esc, err := t.Escrow(id)
		if err != nil {
			return err
		}
		if caller != esc.Seller {
			return fmt.Errorf("%w: only the seller can confirm delivery", ErrUnauthorized)
		}
		if esc.IsTerminal() {
			return ErrAlreadyReleased
		}
		if esc.Delivered {
			return ErrAlreadyDelivered
		}

		now := t.now
		esc.Delivered = true
		esc.DeliveredAt = &now
		if err := t.PutEscrow(esc); err != nil {
			return err
		}
		if err := t.emit(EventDeliveryConfirmed, map[string]interface{}{
			"escrowId": id,
			"seller":   esc.Seller.Hex(),
			"buyer":    esc.Buyer.Hex(),
		}); err != nil {
			return err
		}
		if err := t.notify(esc.Buyer, "Delivery of %d kWh confirmed for escrow #%d", esc.Amount, id); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !IsDryRun(ctx) {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowDelivered)).Inc()
	}
	return out, nil
}

// ReleaseFunds pays the escrowed payment to the seller. Only the buyer may
// release, only after delivery, and never while a dispute is open.
func (e *Engine) ReleaseFunds(ctx context.Context, caller common.Address, id uint64) (*Escrow, error) {
	var out *Escrow
	err := e.transact(ctx, "releaseFunds", caller, func(t *txn) error {
		t.annotate(traces.EscrowID(id))
		esc, err := t.Escrow(id)
		if err != nil {
			return err
		}
		if caller != esc.Buyer {
			return fmt.Errorf("%w: only the buyer can release funds", ErrUnauthorized)
		}
		if esc.IsTerminal() {
			return ErrAlreadyReleased
		}
		if !esc.Delivered {
			return ErrNotDelivered
		}
		if esc.Disputed {
			return ErrDisputePending
		}

		if err := t.settle(esc, OutcomeRelease); err != nil {
			return err
		}
		if err := t.emit(EventFundsReleased, map[string]interface{}{
			"escrowId": id,
			"buyer":    esc.Buyer.Hex(),
			"seller":   esc.Seller.Hex(),
			"payment":  esc.Payment.String(),
		}); err != nil {
			return err
		}
		if err := t.notify(esc.Seller, "Received %s for escrow #%d", esc.Payment, id); err != nil {
			return err
		}
		if err := t.payout(esc.Seller, esc.Payment, escrowRef(id)); err != nil {
			return err
		}
		out = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !IsDryRun(ctx) {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowReleased)).Inc()
		metrics.EscrowDuration.Observe(out.ReleasedAt.Sub(out.CreatedAt).Seconds())
	}
	return out, nil
}

// settle closes an escrow for a release or refund payout and credits the
// seller's earnings on release. The caller moves the funds.
func (t *txn) settle(esc *Escrow, outcome Outcome) error {
	now := t.now
	esc.Disputed = false
	if outcome == OutcomeRefund {
		esc.Refunded = true
		esc.RefundedAt = &now
	} else {
		esc.Released = true
		esc.ReleasedAt = &now
	}
	if err := t.PutEscrow(esc); err != nil {
		return err
	}
	if outcome != OutcomeRelease {
		return nil
	}
	seller, err := t.User(esc.Seller)
	if err != nil {
		if IsRejection(err) {
			return nil
		}
		return err
	}
	seller.Earned = seller.Earned.Add(esc.Payment)
	return t.PutUser(seller)
}

// GetEscrow returns an escrow, or ErrNotFound.
func (e *Engine) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	var out *Escrow
	err := e.view(ctx, func(tx Tx) error {
		esc, err := tx.Escrow(id)
		out = esc
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EscrowCounter returns the number of escrows ever created, which is also
// the id the next escrow will get.
func (e *Engine) EscrowCounter(ctx context.Context) (uint64, error) {
	var n uint64
	err := e.view(ctx, func(tx Tx) error {
		c, err := tx.EscrowCount()
		n = c
		return err
	})
	return n, err
}

// GetEscrowsByParty returns escrows where addr is buyer or seller.
func (e *Engine) GetEscrowsByParty(ctx context.Context, addr common.Address) ([]*Escrow, error) {
	var out []*Escrow
	err := e.view(ctx, func(tx Tx) error {
		es, err := tx.EscrowsByParty(addr)
		out = es
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Escrow{}
	}
	return out, nil
}

func escrowRef(id uint64) string { return "escrow:" + strconv.FormatUint(id, 10) }
