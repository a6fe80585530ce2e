// Package market implements the VoltGrid energy market: user registry,
// listing ledger, escrow engine, dispute engine and notification log.
//
// Flow:
//  1. Producer registers and lists energy
//  2. Consumer buys against a listing → listing debited, escrow created,
//     payment pulled into custody
//  3. Producer confirms delivery
//  4. Consumer releases funds → producer paid
//  5. Either party may open a dispute before release; a council member
//     resolves it, optionally paying out the escrow
//
// Every mutating operation runs as one Store.Update transaction. Token
// movements are its last step so a rejected precondition never moves funds.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/metrics"
	"github.com/voltgrid/voltgrid/internal/traces"
	"github.com/voltgrid/voltgrid/internal/units"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultInitialPrice is the dynamic price before the first update.
var DefaultInitialPrice = units.MustParse("0.2")

// Token is the settlement-token capability. The engine never holds balances
// itself; it pulls payments into the custody account and pays out from it.
type Token interface {
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *big.Int) error
	Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error
}

// PendingTransfers is implemented by token backends whose transfers can be
// submitted before their outcome is known, such as on-chain tokens.
type PendingTransfers interface {
	// PendingTransfer returns the hash of a submitted transfer whose
	// outcome err leaves unknown.
	PendingTransfer(err error) (common.Hash, bool)
	// AwaitTransfer blocks until hash is mined. landed is false when the
	// transfer reverted and moved nothing.
	AwaitTransfer(ctx context.Context, hash common.Hash) (landed bool, err error)
}

// Resolver reports whether an identity may resolve disputes.
type Resolver interface {
	CanResolve(ctx context.Context, addr common.Address) (bool, error)
}

// EventSink receives events after their transaction committed.
type EventSink interface {
	Publish(ctx context.Context, ev *Event) error
}

// Config holds the engine's fixed identities and pricing.
type Config struct {
	Custody      common.Address // account holding escrowed payments
	Owner        common.Address // default dispute resolver
	InitialPrice units.Amount
}

// Engine runs market operations against a Store.
type Engine struct {
	store    Store
	token    Token
	resolver Resolver
	sinks    []EventSink
	now      func() time.Time
	cfg      Config

	reconciling sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver replaces the owner-only dispute resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithEventSink adds a sink for committed events.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a market engine.
func NewEngine(store Store, token Token, cfg Config, opts ...Option) *Engine {
	if cfg.InitialPrice.IsZero() {
		cfg.InitialPrice = DefaultInitialPrice
	}
	e := &Engine{
		store: store,
		token: token,
		now:   time.Now,
		cfg:   cfg,
	}
	e.resolver = ownerResolver{owner: cfg.Owner}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Custody returns the escrow custody account. Buyers approve it as spender.
func (e *Engine) Custody() common.Address { return e.cfg.Custody }

// Init seeds the market aggregates on first start.
func (e *Engine) Init(ctx context.Context) error {
	return e.store.Update(ctx, func(tx Tx) error {
		_, err := tx.Market()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.PutMarket(&MarketState{DynamicPrice: e.cfg.InitialPrice, UpdatedAt: e.now()})
	})
}

// Drain waits for background refunds of unconfirmed payments to finish, or
// for ctx to end.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.reconciling.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type ownerResolver struct{ owner common.Address }

func (r ownerResolver) CanResolve(_ context.Context, addr common.Address) (bool, error) {
	return r.owner != (common.Address{}) && addr == r.owner, nil
}

type dryRunKey struct{}

// WithDryRun marks ctx so that transactions validate and compute their
// result but roll back instead of committing, and move no funds.
func WithDryRun(ctx context.Context) context.Context {
	return context.WithValue(ctx, dryRunKey{}, true)
}

// IsDryRun reports whether ctx was marked with WithDryRun.
func IsDryRun(ctx context.Context) bool {
	v, _ := ctx.Value(dryRunKey{}).(bool)
	return v
}

var errRollback = errors.New("market: dry run rollback")

// txn wraps a store transaction with the operation's clock, its pending
// events and the compensations to run if the commit fails.
type txn struct {
	Tx
	ctx     context.Context
	eng     *Engine
	now     time.Time
	dryRun  bool
	events  []*Event
	onAbort []func()
}

// transact runs fn as one atomic market operation.
func (e *Engine) transact(ctx context.Context, op string, caller common.Address, fn func(t *txn) error) error {
	ctx, span := traces.StartSpan(ctx, "market."+op, traces.Operation(op), traces.Address(caller.Hex()))
	defer span.End()
	ctx = logging.With(ctx, "operation", op, "caller", caller.Hex())

	dry := IsDryRun(ctx)
	var t *txn
	fnDone := false
	err := e.store.Update(ctx, func(tx Tx) error {
		t = &txn{Tx: tx, ctx: ctx, eng: e, now: e.now().UTC(), dryRun: dry}
		if err := fn(t); err != nil {
			return err
		}
		fnDone = true
		if dry {
			return errRollback
		}
		return nil
	})
	if dry && errors.Is(err, errRollback) {
		err = nil
	}
	if err != nil && fnDone && t != nil {
		// fn succeeded but the commit did not: undo external side effects
		for _, undo := range t.onAbort {
			undo()
		}
	}

	metrics.MarketOperationsTotal.WithLabelValues(op, resultLabel(err, dry)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Kind(err))
		if IsRejection(err) {
			logging.L(ctx).Debug("market operation rejected", "kind", Kind(err))
		} else {
			logging.L(ctx).Error("market operation failed", "error", err)
		}
		return err
	}
	if !dry {
		e.publish(ctx, t.events)
	}
	return nil
}

// view runs fn against a committed snapshot.
func (e *Engine) view(ctx context.Context, fn func(tx Tx) error) error {
	return e.store.View(ctx, fn)
}

func resultLabel(err error, dry bool) string {
	switch {
	case err == nil && dry:
		return "estimated"
	case err == nil:
		return "ok"
	case IsRejection(err):
		return "rejected"
	}
	return "error"
}

func (e *Engine) publish(ctx context.Context, events []*Event) {
	for _, ev := range events {
		for _, sink := range e.sinks {
			if err := sink.Publish(ctx, ev); err != nil {
				logging.L(ctx).Warn("event sink publish failed", "type", ev.Type, "seq", ev.Seq, "error", err)
			}
		}
	}
}

// emit appends an event to the log inside the transaction.
func (t *txn) emit(typ EventType, data map[string]interface{}) error {
	ev := &Event{Type: typ, Data: data, Timestamp: t.now}
	if err := t.AppendEvent(ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	t.events = append(t.events, ev)
	return nil
}

// notify appends a notification for to inside the transaction.
func (t *txn) notify(to common.Address, format string, args ...interface{}) error {
	n := &Notification{
		Recipient: to,
		Message:   []byte(fmt.Sprintf(format, args...)),
		Timestamp: t.now,
	}
	if err := t.AppendNotification(n); err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// annotate decorates the operation's span.
func (t *txn) annotate(attrs ...attribute.KeyValue) {
	trace.SpanFromContext(t.ctx).SetAttributes(attrs...)
}

// registered returns the caller's record, or ErrNotRegistered.
func (t *txn) registered(addr common.Address) (*User, error) {
	return registeredUser(t.Tx, addr)
}

func registeredUser(tx Tx, addr common.Address) (*User, error) {
	u, err := tx.User(addr)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, err
	}
	if !u.Registered {
		return nil, ErrNotRegistered
	}
	return u, nil
}

// withRole returns the caller's record if registered with role, else kind.
func (t *txn) withRole(addr common.Address, role Role, kind error) (*User, error) {
	u, err := t.registered(addr)
	if errors.Is(err, ErrNotRegistered) {
		return nil, kind
	}
	if err != nil {
		return nil, err
	}
	if u.Role != role {
		return nil, kind
	}
	return u, nil
}

// market returns the aggregates, defaulting them if never initialised.
func (t *txn) market() (*MarketState, error) {
	return marketState(t.Tx, t.eng.cfg.InitialPrice)
}

func marketState(tx Tx, initial units.Amount) (*MarketState, error) {
	m, err := tx.Market()
	if errors.Is(err, ErrNotFound) {
		return &MarketState{DynamicPrice: initial}, nil
	}
	return m, err
}

// pull moves a buyer's payment into custody as the last step of a
// transaction and registers a refund in case the commit then fails. Dry
// runs skip the transfer.
func (t *txn) pull(buyer common.Address, amount units.Amount, ref string) error {
	if t.dryRun {
		return nil
	}
	t.annotate(traces.Amount(amount.String()))
	e := t.eng
	start := time.Now()
	err := e.token.TransferFrom(t.ctx, e.cfg.Custody, buyer, e.cfg.Custody, amount.Big())
	metrics.TokenCallDuration.WithLabelValues("transferFrom").Observe(time.Since(start).Seconds())
	if err != nil {
		t.reconcilePull(buyer, amount, ref, err)
		return fmt.Errorf("pull payment: %w", err)
	}
	ctx := context.WithoutCancel(t.ctx)
	t.onAbort = append(t.onAbort, func() {
		// Best-effort refund: the escrow record was never written
		if rerr := e.token.Transfer(ctx, e.cfg.Custody, buyer, amount.Big()); rerr != nil {
			logging.L(ctx).Error("CRITICAL: payment pulled but escrow commit failed and refund failed",
				"ref", ref, "buyer", buyer.Hex(), "amount", amount.String(), "error", rerr)
		}
	})
	return nil
}

// reconcilePull handles a pull whose transaction was submitted but not
// confirmed. The purchase has already failed, so if the transfer lands
// later the payment is returned to the buyer.
func (t *txn) reconcilePull(buyer common.Address, amount units.Amount, ref string, pullErr error) {
	e := t.eng
	pt, ok := e.token.(PendingTransfers)
	if !ok {
		return
	}
	hash, ok := pt.PendingTransfer(pullErr)
	if !ok {
		return
	}
	ctx := context.WithoutCancel(t.ctx)
	log := logging.L(ctx).With("ref", ref, "tx", hash.Hex(), "buyer", buyer.Hex(), "amount", amount.String())
	log.Warn("payment pull unconfirmed, refunding if it lands")

	e.reconciling.Add(1)
	go func() {
		defer e.reconciling.Done()
		landed, err := pt.AwaitTransfer(ctx, hash)
		switch {
		case err != nil:
			metrics.PaymentReconciliations.WithLabelValues("unresolved").Inc()
			log.Error("CRITICAL: payment pull outcome unknown, manual review required", "error", err)
		case !landed:
			metrics.PaymentReconciliations.WithLabelValues("reverted").Inc()
			log.Info("unconfirmed payment pull reverted, nothing to refund")
		default:
			if rerr := e.token.Transfer(ctx, e.cfg.Custody, buyer, amount.Big()); rerr != nil {
				metrics.PaymentReconciliations.WithLabelValues("refund_failed").Inc()
				log.Error("CRITICAL: late payment landed and refund failed", "error", rerr)
				return
			}
			metrics.PaymentReconciliations.WithLabelValues("refunded").Inc()
			log.Info("late payment refunded")
		}
	}()
}

// payout transfers escrowed funds out of custody.
func (t *txn) payout(to common.Address, amount units.Amount, ref string) error {
	if t.dryRun {
		return nil
	}
	t.annotate(traces.Amount(amount.String()))
	e := t.eng
	start := time.Now()
	err := e.token.Transfer(t.ctx, e.cfg.Custody, to, amount.Big())
	metrics.TokenCallDuration.WithLabelValues("transfer").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("pay out escrow: %w", err)
	}
	ctx := context.WithoutCancel(t.ctx)
	t.onAbort = append(t.onAbort, func() {
		// Funds left custody but the record is stale. There is no safe
		// inverse, so leave it for manual resolution.
		logging.L(ctx).Error("CRITICAL: escrow paid out but state commit failed",
			"ref", ref, "to", to.Hex(), "amount", amount.String())
	})
	return nil
}

// checkFunds verifies allowance and balance before a pull.
func (t *txn) checkFunds(buyer common.Address, amount units.Amount) error {
	e := t.eng
	want := amount.Big()

	allowance, err := e.token.Allowance(t.ctx, buyer, e.cfg.Custody)
	if err != nil {
		return fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(want) < 0 {
		return fmt.Errorf("%w: allowance %s, need %s", ErrAllowanceInsufficient,
			units.FromBig(allowance).String(), amount.String())
	}

	balance, err := e.token.BalanceOf(t.ctx, buyer)
	if err != nil {
		return fmt.Errorf("read balance: %w", err)
	}
	if balance.Cmp(want) < 0 {
		return fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance,
			units.FromBig(balance).String(), amount.String())
	}
	return nil
}
