package market

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/metrics"
	"github.com/voltgrid/voltgrid/internal/traces"
)

// MaxReasonLength bounds dispute reasons and resolution notes, in runes.
const MaxReasonLength = 1024

// InitiateDispute opens a dispute against respondent. When escrowID is set
// the dispute is tied to that escrow and blocks its release until resolved.
func (e *Engine) InitiateDispute(ctx context.Context, caller, respondent common.Address, reason string, escrowID *uint64) (*Dispute, error) {
	reason = strings.TrimSpace(reason)
	var out *Dispute
	err := e.transact(ctx, "initiateDispute", caller, func(t *txn) error {
		if _, err := t.registered(caller); err != nil {
			return err
		}
		if respondent == caller {
			return ErrSelfDispute
		}
		if reason == "" || utf8.RuneCountInString(reason) > MaxReasonLength {
			return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidReason, MaxReasonLength)
		}

		if escrowID != nil {
			esc, err := t.Escrow(*escrowID)
			if err != nil {
				return err
			}
			parties := (caller == esc.Buyer && respondent == esc.Seller) ||
				(caller == esc.Seller && respondent == esc.Buyer)
			if !parties {
				return fmt.Errorf("%w: escrow #%d is not between these parties", ErrUnauthorized, esc.ID)
			}
			if esc.IsTerminal() {
				return ErrAlreadyReleased
			}
			if esc.Disputed {
				return ErrDisputePending
			}
			esc.Disputed = true
			if err := t.PutEscrow(esc); err != nil {
				return err
			}
		}

		id, err := t.DisputeCount()
		if err != nil {
			return err
		}
		d := &Dispute{
			ID:         id,
			Initiator:  caller,
			Respondent: respondent,
			Reason:     reason,
			Outcome:    OutcomeNone,
			CreatedAt:  t.now,
		}
		if escrowID != nil {
			eid := *escrowID
			d.EscrowID = &eid
		}
		if err := t.PutDispute(d); err != nil {
			return err
		}

		data := map[string]interface{}{
			"disputeId":  id,
			"initiator":  caller.Hex(),
			"respondent": respondent.Hex(),
			"reason":     reason,
		}
		if d.EscrowID != nil {
			data["escrowId"] = *d.EscrowID
		}
		if err := t.emit(EventDisputeInitiated, data); err != nil {
			return err
		}
		if err := t.notify(respondent, "Dispute #%d opened against you by %s: %s", id, caller.Hex(), reason); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !IsDryRun(ctx) && out.EscrowID != nil {
		metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowDisputed)).Inc()
	}
	return out, nil
}

// ResolveDispute closes a dispute with a resolution note. A release or
// refund outcome also pays out the linked escrow from custody.
func (e *Engine) ResolveDispute(ctx context.Context, caller common.Address, id uint64, details string, outcome Outcome) (*Dispute, error) {
	details = strings.TrimSpace(details)
	var out *Dispute
	err := e.transact(ctx, "resolveDispute", caller, func(t *txn) error {
		t.annotate(traces.DisputeID(id))
		ok, err := e.resolver.CanResolve(ctx, caller)
		if err != nil {
			return fmt.Errorf("check resolver: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: caller cannot resolve disputes", ErrUnauthorized)
		}

		d, err := t.Dispute(id)
		if err != nil {
			return err
		}
		if d.Resolved {
			return ErrAlreadyResolved
		}
		switch outcome {
		case OutcomeNone, OutcomeRelease, OutcomeRefund:
		case "":
			outcome = OutcomeNone
		default:
			return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
		}
		if utf8.RuneCountInString(details) > MaxReasonLength {
			return fmt.Errorf("%w: resolution details too long", ErrInvalidReason)
		}

		var esc *Escrow
		if d.EscrowID != nil {
			esc, err = t.Escrow(*d.EscrowID)
			if err != nil {
				return err
			}
		}
		if outcome != OutcomeNone && (esc == nil || esc.IsTerminal()) {
			return fmt.Errorf("%w: %s needs an open linked escrow", ErrInvalidOutcome, outcome)
		}
		if outcome == OutcomeRelease && !esc.Delivered {
			return fmt.Errorf("%w: release outcome needs a delivered escrow", ErrNotDelivered)
		}

		now := t.now
		resolver := caller
		d.Resolved = true
		d.ResolutionDetails = details
		d.Outcome = outcome
		d.ResolvedBy = &resolver
		d.ResolvedAt = &now
		if err := t.PutDispute(d); err != nil {
			return err
		}

		if esc != nil && !esc.IsTerminal() {
			switch outcome {
			case OutcomeNone:
				esc.Disputed = false
				if err := t.PutEscrow(esc); err != nil {
					return err
				}
			default:
				if err := t.settle(esc, outcome); err != nil {
					return err
				}
			}
		}

		data := map[string]interface{}{
			"disputeId":  id,
			"details":    details,
			"outcome":    string(outcome),
			"caller":     caller.Hex(),
			"initiator":  d.Initiator.Hex(),
			"respondent": d.Respondent.Hex(),
		}
		if d.EscrowID != nil {
			data["escrowId"] = *d.EscrowID
		}
		if err := t.emit(EventDisputeResolved, data); err != nil {
			return err
		}
		msg := "Dispute #%d resolved (%s): %s"
		if err := t.notify(d.Initiator, msg, id, outcome, details); err != nil {
			return err
		}
		if err := t.notify(d.Respondent, msg, id, outcome, details); err != nil {
			return err
		}

		switch outcome {
		case OutcomeRelease:
			if err := t.payout(esc.Seller, esc.Payment, escrowRef(esc.ID)); err != nil {
				return err
			}
		case OutcomeRefund:
			if err := t.payout(esc.Buyer, esc.Payment, escrowRef(esc.ID)); err != nil {
				return err
			}
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !IsDryRun(ctx) {
		switch outcome {
		case OutcomeRelease:
			metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowReleased)).Inc()
		case OutcomeRefund:
			metrics.EscrowTransitionsTotal.WithLabelValues(string(EscrowRefunded)).Inc()
		}
	}
	return out, nil
}

// GetDispute returns a dispute, or ErrNotFound.
func (e *Engine) GetDispute(ctx context.Context, id uint64) (*Dispute, error) {
	var out *Dispute
	err := e.view(ctx, func(tx Tx) error {
		d, err := tx.Dispute(id)
		out = d
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetDisputes returns every dispute in id order.
func (e *Engine) GetDisputes(ctx context.Context) ([]*Dispute, error) {
	var out []*Dispute
	err := e.view(ctx, func(tx Tx) error {
		ds, err := tx.Disputes()
		out = ds
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Dispute{}
	}
	return out, nil
}
