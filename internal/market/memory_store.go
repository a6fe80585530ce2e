package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory market store for demo/development mode.
// Update holds the write lock for the whole transaction and applies the
// buffered overlay only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMemTx(m.state, true)
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply(m.state)
	return nil
}

func (m *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newMemTx(m.state, false))
}

func (m *MemoryStore) Close() error { return nil }

type listingKey struct {
	producer common.Address
	index    uint64
}

// memState is the committed ledger. Records are replaced, never mutated.
type memState struct {
	users        map[common.Address]*User
	userOrder    []common.Address
	listings     map[listingKey]*Listing
	listingOrder []listingKey
	listingSeq   map[listingKey]int
	listingCount map[common.Address]uint64
	escrows      []*Escrow
	disputes     []*Dispute
	notes        map[common.Address][]*Notification
	production   map[common.Address][]*ProductionRecord
	consumption  map[common.Address][]*ConsumptionRecord
	market       *MarketState
	events       []*Event
}

func newMemState() *memState {
	return &memState{
		users:        make(map[common.Address]*User),
		listings:     make(map[listingKey]*Listing),
		listingSeq:   make(map[listingKey]int),
		listingCount: make(map[common.Address]uint64),
		notes:        make(map[common.Address][]*Notification),
		production:   make(map[common.Address][]*ProductionRecord),
		consumption:  make(map[common.Address][]*ConsumptionRecord),
	}
}

func (s *memState) addListing(l *Listing) {
	k := listingKey{l.Producer, l.Index}
	s.listingSeq[k] = len(s.listingOrder)
	s.listingOrder = append(s.listingOrder, k)
	s.listings[k] = l
	if l.Index+1 > s.listingCount[l.Producer] {
		s.listingCount[l.Producer] = l.Index + 1
	}
}

// memTx buffers writes over a memState.
type memTx struct {
	base     *memState
	writable bool

	users       map[common.Address]*User
	newUsers    []common.Address
	listings    map[listingKey]*Listing
	newListings []listingKey
	escrows     map[uint64]*Escrow
	escrowLen   uint64
	disputes    map[uint64]*Dispute
	disputeLen  uint64
	notes       map[common.Address][]*Notification
	cleared     map[common.Address]bool
	production  map[common.Address][]*ProductionRecord
	consumption map[common.Address][]*ConsumptionRecord
	market      *MarketState
	events      []*Event
}

func newMemTx(base *memState, writable bool) *memTx {
	return &memTx{
		base:        base,
		writable:    writable,
		users:       make(map[common.Address]*User),
		listings:    make(map[listingKey]*Listing),
		escrows:     make(map[uint64]*Escrow),
		escrowLen:   uint64(len(base.escrows)),
		disputes:    make(map[uint64]*Dispute),
		disputeLen:  uint64(len(base.disputes)),
		notes:       make(map[common.Address][]*Notification),
		cleared:     make(map[common.Address]bool),
		production:  make(map[common.Address][]*ProductionRecord),
		consumption: make(map[common.Address][]*ConsumptionRecord),
	}
}

func (t *memTx) check() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

// apply commits the overlay into s.
func (t *memTx) apply(s *memState) {
	s.userOrder = append(s.userOrder, t.newUsers...)
	for addr, u := range t.users {
		s.users[addr] = u
	}
	for _, k := range t.newListings {
		s.addListing(t.listings[k])
	}
	for k, l := range t.listings {
		s.listings[k] = l
	}
	for id := uint64(len(s.escrows)); id < t.escrowLen; id++ {
		s.escrows = append(s.escrows, t.escrows[id])
	}
	for id, e := range t.escrows {
		s.escrows[id] = e
	}
	for id := uint64(len(s.disputes)); id < t.disputeLen; id++ {
		s.disputes = append(s.disputes, t.disputes[id])
	}
	for id, d := range t.disputes {
		s.disputes[id] = d
	}
	for addr := range t.cleared {
		delete(s.notes, addr)
	}
	for addr, ns := range t.notes {
		s.notes[addr] = append(s.notes[addr], ns...)
	}
	for addr, rs := range t.production {
		s.production[addr] = append(s.production[addr], rs...)
	}
	for addr, rs := range t.consumption {
		s.consumption[addr] = append(s.consumption[addr], rs...)
	}
	if t.market != nil {
		s.market = t.market
	}
	s.events = append(s.events, t.events...)
}

func copyUser(u *User) *User { cp := *u; return &cp }
func copyListing(l *Listing) *Listing { cp := *l; return &cp }
func copyEscrow(e *Escrow) *Escrow { cp := *e; return &cp }
func copyDispute(d *Dispute) *Dispute { cp := *d; return &cp }
func copyMarket(m *MarketState) *MarketState { cp := *m; return &cp }

func (t *memTx) User(addr common.Address) (*User, error) {
	if u, ok := t.users[addr]; ok {
		return copyUser(u), nil
	}
	if u, ok := t.base.users[addr]; ok {
		return copyUser(u), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutUser(u *User) error {
	if err := t.check(); err != nil {
		return err
	}
	_, staged := t.users[u.Address]
	_, committed := t.base.users[u.Address]
	if !staged && !committed {
		t.newUsers = append(t.newUsers, u.Address)
	}
	t.users[u.Address] = copyUser(u)
	return nil
}

func (t *memTx) UserAddresses() ([]common.Address, error) {
	out := make([]common.Address, 0, len(t.base.userOrder)+len(t.newUsers))
	out = append(out, t.base.userOrder...)
	return append(out, t.newUsers...), nil
}

func (t *memTx) Listing(producer common.Address, index uint64) (*Listing, error) {
	k := listingKey{producer, index}
	if l, ok := t.listings[k]; ok {
		return copyListing(l), nil
	}
	if l, ok := t.base.listings[k]; ok {
		return copyListing(l), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) ListingCount(producer common.Address) (uint64, error) {
	n := t.base.listingCount[producer]
	for _, k := range t.newListings {
		if k.producer == producer && k.index+1 > n {
			n = k.index + 1
		}
	}
	return n, nil
}

func (t *memTx) PutListing(l *Listing) error {
	if err := t.check(); err != nil {
		return err
	}
	k := listingKey{l.Producer, l.Index}
	_, staged := t.listings[k]
	_, committed := t.base.listings[k]
	if !staged && !committed {
		n, _ := t.ListingCount(l.Producer)
		if l.Index != n {
			return fmt.Errorf("market: listing index %d out of sequence, next is %d", l.Index, n)
		}
		t.newListings = append(t.newListings, k)
	}
	t.listings[k] = copyListing(l)
	return nil
}

func (t *memTx) Listings() ([]*Listing, error) {
	out := make([]*Listing, 0, len(t.base.listingOrder)+len(t.newListings))
	for _, k := range t.base.listingOrder {
		l, _ := t.Listing(k.producer, k.index)
		out = append(out, l)
	}
	for _, k := range t.newListings {
		out = append(out, copyListing(t.listings[k]))
	}
	return out, nil
}

func (t *memTx) ListingsByProducer(producer common.Address) ([]*Listing, error) {
	n, _ := t.ListingCount(producer)
	out := make([]*Listing, 0, n)
	for i := uint64(0); i < n; i++ {
		l, err := t.Listing(producer, i)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (t *memTx) Escrow(id uint64) (*Escrow, error) {
	if e, ok := t.escrows[id]; ok {
		return copyEscrow(e), nil
	}
	if id < uint64(len(t.base.escrows)) {
		return copyEscrow(t.base.escrows[id]), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) EscrowCount() (uint64, error) { return t.escrowLen, nil }

func (t *memTx) PutEscrow(e *Escrow) error {
	if err := t.check(); err != nil {
		return err
	}
	switch {
	case e.ID == t.escrowLen:
		t.escrowLen++
	case e.ID > t.escrowLen:
		return fmt.Errorf("market: escrow id %d out of sequence, next is %d", e.ID, t.escrowLen)
	}
	t.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (t *memTx) EscrowsByParty(addr common.Address) ([]*Escrow, error) {
	var out []*Escrow
	for id := uint64(0); id < t.escrowLen; id++ {
		e, err := t.Escrow(id)
		if err != nil {
			return nil, err
		}
		if e.Buyer == addr || e.Seller == addr {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) Dispute(id uint64) (*Dispute, error) {
	if d, ok := t.disputes[id]; ok {
		return copyDispute(d), nil
	}
	if id < uint64(len(t.base.disputes)) {
		return copyDispute(t.base.disputes[id]), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) DisputeCount() (uint64, error) { return t.disputeLen, nil }

func (t *memTx) PutDispute(d *Dispute) error {
	if err := t.check(); err != nil {
		return err
	}
	switch {
	case d.ID == t.disputeLen:
		t.disputeLen++
	case d.ID > t.disputeLen:
		return fmt.Errorf("market: dispute id %d out of sequence, next is %d", d.ID, t.disputeLen)
	}
	t.disputes[d.ID] = copyDispute(d)
	return nil
}

func (t *memTx) Disputes() ([]*Dispute, error) {
	out := make([]*Dispute, 0, t.disputeLen)
	for id := uint64(0); id < t.disputeLen; id++ {
		d, err := t.Dispute(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (t *memTx) AppendNotification(n *Notification) error {
	if err := t.check(); err != nil {
		return err
	}
	cp := *n
	cp.Message = append([]byte(nil), n.Message...)
	t.notes[n.Recipient] = append(t.notes[n.Recipient], &cp)
	return nil
}

func (t *memTx) Notifications(addr common.Address) ([]*Notification, error) {
	var out []*Notification
	if !t.cleared[addr] {
		for _, n := range t.base.notes[addr] {
			cp := *n
			out = append(out, &cp)
		}
	}
	for _, n := range t.notes[addr] {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (t *memTx) ClearNotifications(addr common.Address) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	ns, _ := t.Notifications(addr)
	t.cleared[addr] = true
	delete(t.notes, addr)
	return len(ns), nil
}

func (t *memTx) AppendProduction(r *ProductionRecord) error {
	if err := t.check(); err != nil {
		return err
	}
	cp := *r
	t.production[r.Producer] = append(t.production[r.Producer], &cp)
	return nil
}

func (t *memTx) Production(producer common.Address) ([]*ProductionRecord, error) {
	var out []*ProductionRecord
	for _, rs := range [][]*ProductionRecord{t.base.production[producer], t.production[producer]} {
		for _, r := range rs {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) AppendConsumption(r *ConsumptionRecord) error {
	if err := t.check(); err != nil {
		return err
	}
	cp := *r
	t.consumption[r.Consumer] = append(t.consumption[r.Consumer], &cp)
	return nil
}

func (t *memTx) Consumption(consumer common.Address) ([]*ConsumptionRecord, error) {
	var out []*ConsumptionRecord
	for _, rs := range [][]*ConsumptionRecord{t.base.consumption[consumer], t.consumption[consumer]} {
		for _, r := range rs {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memTx) Market() (*MarketState, error) {
	if t.market != nil {
		return copyMarket(t.market), nil
	}
	if t.base.market != nil {
		return copyMarket(t.base.market), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) PutMarket(m *MarketState) error {
	if err := t.check(); err != nil {
		return err
	}
	t.market = copyMarket(m)
	return nil
}

func (t *memTx) AppendEvent(ev *Event) error {
	if err := t.check(); err != nil {
		return err
	}
	ev.Seq = uint64(len(t.base.events)+len(t.events)) + 1
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) Events(since uint64, limit int) ([]*Event, error) {
	var out []*Event
	all := append(append([]*Event(nil), t.base.events...), t.events...)
	if since < uint64(len(all)) {
		all = all[since:]
	} else {
		all = nil
	}
	for _, ev := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}
