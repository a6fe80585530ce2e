package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelStore persists the ledger in a LevelDB directory for single-node
// deployments. The full state is loaded into memory on open; each Update
// is written as one synced batch before it becomes visible.
type LevelStore struct {
	db  *leveldb.DB
	mu  sync.RWMutex
	mem *memState
}

var _ Store = (*LevelStore)(nil)

// Key layout. Sequence numbers are zero-padded hex so iteration order is
// insertion order.
const (
	keyUser       = "user/"
	keyUserOrder  = "userorder/"
	keyListing    = "listing/"
	keyEscrow     = "escrow/"
	keyDispute    = "dispute/"
	keyNote       = "note/"
	keyProduction = "prod/"
	keyConsume    = "cons/"
	keyEvent      = "event/"
	keyMarket     = "market"
)

func seqKey(prefix string, n uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefix, n))
}

func addrSeqKey(prefix string, addr common.Address, n int) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefix, addr.Hex(), n))
}

// OpenLevelStore opens or creates a store at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	s := &LevelStore{db: db}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LevelStore) Close() error { return s.db.Close() }

func (s *LevelStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s.mem, true)
	if err := fn(tx); err != nil {
		return err
	}
	batch, err := s.batch(tx)
	if err != nil {
		return err
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	tx.apply(s.mem)
	return nil
}

func (s *LevelStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(s.mem, false))
}

type batchWriter struct {
	b   *leveldb.Batch
	err error
}

func (w *batchWriter) put(key []byte, v interface{}) {
	if w.err != nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("failed to marshal %s: %w", key, err)
		return
	}
	w.b.Put(key, data)
}

// batch translates a transaction overlay into LevelDB writes.
func (s *LevelStore) batch(t *memTx) (*leveldb.Batch, error) {
	base := s.mem
	w := &batchWriter{b: new(leveldb.Batch)}

	for i, addr := range t.newUsers {
		w.b.Put(seqKey(keyUserOrder, uint64(len(base.userOrder)+i)), addr.Bytes())
	}
	for addr, u := range t.users {
		w.put([]byte(keyUser+addr.Hex()), u)
	}

	newSeq := make(map[listingKey]int, len(t.newListings))
	for i, k := range t.newListings {
		newSeq[k] = len(base.listingOrder) + i
	}
	for k, l := range t.listings {
		seq, ok := base.listingSeq[k]
		if !ok {
			seq = newSeq[k]
		}
		w.put(seqKey(keyListing, uint64(seq)), l)
	}

	for id, e := range t.escrows {
		w.put(seqKey(keyEscrow, id), e)
	}
	for id, d := range t.disputes {
		w.put(seqKey(keyDispute, id), d)
	}

	// Deletes go first so a clear followed by appends in the same
	// transaction leaves the new entries in place.
	for addr := range t.cleared {
		for i := range base.notes[addr] {
			w.b.Delete(addrSeqKey(keyNote, addr, i))
		}
	}
	for addr, ns := range t.notes {
		start := len(base.notes[addr])
		if t.cleared[addr] {
			start = 0
		}
		for i, n := range ns {
			w.put(addrSeqKey(keyNote, addr, start+i), n)
		}
	}
	for addr, rs := range t.production {
		for i, r := range rs {
			w.put(addrSeqKey(keyProduction, addr, len(base.production[addr])+i), r)
		}
	}
	for addr, rs := range t.consumption {
		for i, r := range rs {
			w.put(addrSeqKey(keyConsume, addr, len(base.consumption[addr])+i), r)
		}
	}

	if t.market != nil {
		w.put([]byte(keyMarket), t.market)
	}
	for _, ev := range t.events {
		w.put(seqKey(keyEvent, ev.Seq), ev)
	}
	return w.b, w.err
}

func scanPrefix[T any](db *leveldb.DB, prefix string, fn func(*T)) error {
	iter := db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		v := new(T)
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
		fn(v)
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}
	return nil
}

// load rebuilds the in-memory state from disk.
func (s *LevelStore) load() error {
	st := newMemState()

	if err := scanPrefix(s.db, keyUser, func(u *User) { st.users[u.Address] = u }); err != nil {
		return err
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyUserOrder)), nil)
	for iter.Next() {
		st.userOrder = append(st.userOrder, common.BytesToAddress(iter.Value()))
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return fmt.Errorf("iterator error: %w", err)
	}

	steps := []error{
		scanPrefix(s.db, keyListing, func(l *Listing) { st.addListing(l) }),
		scanPrefix(s.db, keyEscrow, func(e *Escrow) { st.escrows = append(st.escrows, e) }),
		scanPrefix(s.db, keyDispute, func(d *Dispute) { st.disputes = append(st.disputes, d) }),
		scanPrefix(s.db, keyNote, func(n *Notification) {
			st.notes[n.Recipient] = append(st.notes[n.Recipient], n)
		}),
		scanPrefix(s.db, keyProduction, func(r *ProductionRecord) {
			st.production[r.Producer] = append(st.production[r.Producer], r)
		}),
		scanPrefix(s.db, keyConsume, func(r *ConsumptionRecord) {
			st.consumption[r.Consumer] = append(st.consumption[r.Consumer], r)
		}),
		scanPrefix(s.db, keyEvent, func(ev *Event) { st.events = append(st.events, ev) }),
	}
	for _, err := range steps {
		if err != nil {
			return err
		}
	}

	data, err := s.db.Get([]byte(keyMarket), nil)
	switch {
	case err == nil:
		var m MarketState
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to decode market state: %w", err)
		}
		st.market = &m
	case !errors.Is(err, leveldb.ErrNotFound):
		return fmt.Errorf("failed to read market state: %w", err)
	}

	s.mem = st
	return nil
}
