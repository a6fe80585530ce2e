package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// writerLockKey serializes market writers through a transaction-scoped
// advisory lock.
const writerLockKey int64 = 0x766f6c74 // "volt"

// PostgresStore persists the market in PostgreSQL. Each Update is one
// sql.Tx holding the writer advisory lock; each View is a read-only
// repeatable-read transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed market store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Close is a no-op; the caller owns the *sql.DB.
func (p *PostgresStore) Close() error { return nil }

func (p *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey); err != nil {
		return fmt.Errorf("failed to acquire writer lock: %w", err)
	}
	if err := fn(&pgTx{ctx: ctx, tx: sqlTx, writable: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&pgTx{ctx: ctx, tx: sqlTx})
}

type pgTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *pgTx) check() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

func (t *pgTx) exec(query string, args ...interface{}) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, query, args...)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func addrString(a common.Address) string { return strings.ToLower(a.Hex()) }

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Users

const userColumns = `address, name, role, registered, earned, spent, registered_at`

func scanUser(s scanner) (*User, error) {
	u := &User{}
	var addr string
	if err := s.Scan(&addr, &u.Name, &u.Role, &u.Registered, &u.Earned, &u.Spent, &u.RegisteredAt); err != nil {
		return nil, err
	}
	u.Address = common.HexToAddress(addr)
	u.RegisteredAt = u.RegisteredAt.UTC()
	return u, nil
}

func (t *pgTx) User(addr common.Address) (*User, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+userColumns+` FROM users WHERE address = $1`, addrString(addr))
	u, err := scanUser(row)
	return u, notFound(err)
}

func (t *pgTx) PutUser(u *User) error {
	return t.exec(`
		INSERT INTO users (address, name, role, registered, earned, spent, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role, registered = EXCLUDED.registered,
			earned = EXCLUDED.earned, spent = EXCLUDED.spent`,
		addrString(u.Address), u.Name, int16(u.Role), u.Registered, u.Earned, u.Spent, u.RegisteredAt,
	)
}

func (t *pgTx) UserAddresses() ([]common.Address, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT address FROM users WHERE registered ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []common.Address
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, rows.Err()
}

// Listings

const listingColumns = `producer, idx, amount, initial_amount, price, energy_type, active, created_at`

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		producer             string
		idx, amount, initAmt int64
	)
	if err := s.Scan(&producer, &idx, &amount, &initAmt, &l.Price, &l.EnergyType, &l.Active, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Producer = common.HexToAddress(producer)
	l.Index = uint64(idx)
	l.Amount = uint64(amount)
	l.InitialAmount = uint64(initAmt)
	l.CreatedAt = l.CreatedAt.UTC()
	return l, nil
}

func (t *pgTx) queryListings(query string, args ...interface{}) ([]*Listing, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *pgTx) Listing(producer common.Address, index uint64) (*Listing, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+listingColumns+` FROM listings WHERE producer = $1 AND idx = $2`,
		addrString(producer), int64(index))
	l, err := scanListing(row)
	return l, notFound(err)
}

func (t *pgTx) ListingCount(producer common.Address) (uint64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM listings WHERE producer = $1`, addrString(producer)).Scan(&n)
	return uint64(n), err
}

func (t *pgTx) PutListing(l *Listing) error {
	return t.exec(`
		INSERT INTO listings (producer, idx, amount, initial_amount, price, energy_type, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (producer, idx) DO UPDATE SET
			amount = EXCLUDED.amount, active = EXCLUDED.active`,
		addrString(l.Producer), int64(l.Index), int64(l.Amount), int64(l.InitialAmount),
		l.Price, int16(l.EnergyType), l.Active, l.CreatedAt,
	)
}

func (t *pgTx) Listings() ([]*Listing, error) {
	return t.queryListings(`SELECT ` + listingColumns + ` FROM listings ORDER BY seq`)
}

func (t *pgTx) ListingsByProducer(producer common.Address) ([]*Listing, error) {
	return t.queryListings(`SELECT `+listingColumns+` FROM listings WHERE producer = $1 ORDER BY idx`,
		addrString(producer))
}

// Escrows

const escrowColumns = `id, buyer, seller, listing_index, amount, price, payment,
		       delivered, released, refunded, disputed,
		       created_at, delivered_at, released_at, refunded_at`

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		id, listingIdx, amount              int64
		buyer, seller                       string
		deliveredAt, releasedAt, refundedAt sql.NullTime
	)
	err := s.Scan(
		&id, &buyer, &seller, &listingIdx, &amount, &e.Price, &e.Payment,
		&e.Delivered, &e.Released, &e.Refunded, &e.Disputed,
		&e.CreatedAt, &deliveredAt, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ID = uint64(id)
	e.Buyer = common.HexToAddress(buyer)
	e.Seller = common.HexToAddress(seller)
	e.ListingIndex = uint64(listingIdx)
	e.Amount = uint64(amount)
	e.CreatedAt = e.CreatedAt.UTC()
	e.DeliveredAt = timePtr(deliveredAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	return e, nil
}

func (t *pgTx) Escrow(id uint64) (*Escrow, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id))
	e, err := scanEscrow(row)
	return e, notFound(err)
}

func (t *pgTx) EscrowCount() (uint64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM escrows`).Scan(&n)
	return uint64(n), err
}

func (t *pgTx) PutEscrow(e *Escrow) error {
	return t.exec(`
		INSERT INTO escrows (
			id, buyer, seller, listing_index, amount, price, payment,
			delivered, released, refunded, disputed,
			created_at, delivered_at, released_at, refunded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			delivered = EXCLUDED.delivered, released = EXCLUDED.released,
			refunded = EXCLUDED.refunded, disputed = EXCLUDED.disputed,
			delivered_at = EXCLUDED.delivered_at, released_at = EXCLUDED.released_at,
			refunded_at = EXCLUDED.refunded_at`,
		int64(e.ID), addrString(e.Buyer), addrString(e.Seller), int64(e.ListingIndex), int64(e.Amount),
		e.Price, e.Payment,
		e.Delivered, e.Released, e.Refunded, e.Disputed,
		e.CreatedAt, nullTime(e.DeliveredAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
	)
}

func (t *pgTx) EscrowsByParty(addr common.Address) ([]*Escrow, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY id`, addrString(addr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Disputes

const disputeColumns = `id, initiator, respondent, reason, escrow_id, resolved,
		       resolution_details, outcome, resolved_by, created_at, resolved_at`

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		id                    int64
		initiator, respondent string
		escrowID              sql.NullInt64
		resolvedBy            sql.NullString
		outcome               string
		resolvedAt            sql.NullTime
	)
	err := s.Scan(&id, &initiator, &respondent, &d.Reason, &escrowID, &d.Resolved,
		&d.ResolutionDetails, &outcome, &resolvedBy, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.ID = uint64(id)
	d.Initiator = common.HexToAddress(initiator)
	d.Respondent = common.HexToAddress(respondent)
	d.Outcome = Outcome(outcome)
	d.CreatedAt = d.CreatedAt.UTC()
	d.ResolvedAt = timePtr(resolvedAt)
	if escrowID.Valid {
		eid := uint64(escrowID.Int64)
		d.EscrowID = &eid
	}
	if resolvedBy.Valid {
		a := common.HexToAddress(resolvedBy.String)
		d.ResolvedBy = &a
	}
	return d, nil
}

func (t *pgTx) Dispute(id uint64) (*Dispute, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, int64(id))
	d, err := scanDispute(row)
	return d, notFound(err)
}

func (t *pgTx) DisputeCount() (uint64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM disputes`).Scan(&n)
	return uint64(n), err
}

func (t *pgTx) PutDispute(d *Dispute) error {
	var escrowID sql.NullInt64
	if d.EscrowID != nil {
		escrowID = sql.NullInt64{Int64: int64(*d.EscrowID), Valid: true}
	}
	var resolvedBy sql.NullString
	if d.ResolvedBy != nil {
		resolvedBy = sql.NullString{String: addrString(*d.ResolvedBy), Valid: true}
	}
	outcome := d.Outcome
	if outcome == "" {
		outcome = OutcomeNone
	}
	return t.exec(`
		INSERT INTO disputes (
			id, initiator, respondent, reason, escrow_id, resolved,
			resolution_details, outcome, resolved_by, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			resolved = EXCLUDED.resolved, resolution_details = EXCLUDED.resolution_details,
			outcome = EXCLUDED.outcome, resolved_by = EXCLUDED.resolved_by,
			resolved_at = EXCLUDED.resolved_at`,
		int64(d.ID), addrString(d.Initiator), addrString(d.Respondent), d.Reason, escrowID, d.Resolved,
		d.ResolutionDetails, string(outcome), resolvedBy, d.CreatedAt, nullTime(d.ResolvedAt),
	)
}

func (t *pgTx) Disputes() ([]*Dispute, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT `+disputeColumns+` FROM disputes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Notifications

func (t *pgTx) AppendNotification(n *Notification) error {
	return t.exec(`INSERT INTO notifications (recipient, message, created_at) VALUES ($1, $2, $3)`,
		addrString(n.Recipient), n.Message, n.Timestamp)
}

func (t *pgTx) Notifications(addr common.Address) ([]*Notification, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT message, created_at FROM notifications
		WHERE recipient = $1
		ORDER BY id`, addrString(addr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		n := &Notification{Recipient: addr}
		if err := rows.Scan(&n.Message, &n.Timestamp); err != nil {
			return nil, err
		}
		n.Timestamp = n.Timestamp.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (t *pgTx) ClearNotifications(addr common.Address) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM notifications WHERE recipient = $1`, addrString(addr))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Monitoring records

func (t *pgTx) AppendProduction(r *ProductionRecord) error {
	return t.exec(`
		INSERT INTO production_records (producer, listing_index, amount, energy_type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		addrString(r.Producer), int64(r.ListingIndex), int64(r.Amount), int16(r.EnergyType), r.Timestamp)
}

func (t *pgTx) Production(producer common.Address) ([]*ProductionRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT listing_index, amount, energy_type, created_at FROM production_records
		WHERE producer = $1
		ORDER BY id`, addrString(producer))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ProductionRecord
	for rows.Next() {
		r := &ProductionRecord{Producer: producer}
		var idx, amount int64
		if err := rows.Scan(&idx, &amount, &r.EnergyType, &r.Timestamp); err != nil {
			return nil, err
		}
		r.ListingIndex = uint64(idx)
		r.Amount = uint64(amount)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) AppendConsumption(r *ConsumptionRecord) error {
	return t.exec(`
		INSERT INTO consumption_records (consumer, producer, escrow_id, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		addrString(r.Consumer), addrString(r.Producer), int64(r.EscrowID), int64(r.Amount), r.Timestamp)
}

func (t *pgTx) Consumption(consumer common.Address) ([]*ConsumptionRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT producer, escrow_id, amount, created_at FROM consumption_records
		WHERE consumer = $1
		ORDER BY id`, addrString(consumer))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*ConsumptionRecord
	for rows.Next() {
		r := &ConsumptionRecord{Consumer: consumer}
		var producer string
		var escrowID, amount int64
		if err := rows.Scan(&producer, &escrowID, &amount, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Producer = common.HexToAddress(producer)
		r.EscrowID = uint64(escrowID)
		r.Amount = uint64(amount)
		r.Timestamp = r.Timestamp.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Aggregates and event log

func (t *pgTx) Market() (*MarketState, error) {
	m := &MarketState{}
	var supply, demand int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT total_supply, total_demand, dynamic_price, updated_at
		FROM market_state WHERE id = 1`).Scan(&supply, &demand, &m.DynamicPrice, &m.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	m.TotalSupply = uint64(supply)
	m.TotalDemand = uint64(demand)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (t *pgTx) PutMarket(m *MarketState) error {
	return t.exec(`
		INSERT INTO market_state (id, total_supply, total_demand, dynamic_price, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			total_supply = EXCLUDED.total_supply, total_demand = EXCLUDED.total_demand,
			dynamic_price = EXCLUDED.dynamic_price, updated_at = EXCLUDED.updated_at`,
		int64(m.TotalSupply), int64(m.TotalDemand), m.DynamicPrice, m.UpdatedAt)
}

func (t *pgTx) AppendEvent(ev *Event) error {
	if err := t.check(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	var seq int64
	err = t.tx.QueryRowContext(t.ctx, `
		INSERT INTO market_events (seq, type, data, created_at)
		SELECT COALESCE(MAX(seq), 0) + 1, $1, $2, $3 FROM market_events
		RETURNING seq`, string(ev.Type), string(data), ev.Timestamp).Scan(&seq)
	if err != nil {
		return err
	}
	ev.Seq = uint64(seq)
	return nil
}

func (t *pgTx) Events(since uint64, limit int) ([]*Event, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT seq, type, data, created_at FROM market_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, int64(since), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			seq  int64
			typ  string
			data []byte
		)
		if err := rows.Scan(&seq, &typ, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Seq = uint64(seq)
		ev.Type = EventType(typ)
		ev.Timestamp = ev.Timestamp.UTC()
		if err := json.Unmarshal(data, &ev.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
