package market

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrReadOnly is returned by write methods of a transaction opened with View.
var ErrReadOnly = errors.New("market: write in read-only transaction")

// Store persists the market ledger. All mutating operations run through
// Update, which executes fn as one serialized, all-or-nothing transaction:
// writes made through tx become visible only if fn returns nil and the
// commit succeeds. View runs fn against a committed snapshot.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the record-level view of the ledger inside one transaction. Getters
// return copies; changes take effect only through the Put/Append methods.
// Missing records are reported as ErrNotFound.
type Tx interface {
	User(addr common.Address) (*User, error)
	PutUser(u *User) error
	UserAddresses() ([]common.Address, error)

	Listing(producer common.Address, index uint64) (*Listing, error)
	ListingCount(producer common.Address) (uint64, error)
	// PutListing updates a listing, or appends it when l.Index equals the
	// producer's listing count.
	PutListing(l *Listing) error
	Listings() ([]*Listing, error)
	ListingsByProducer(producer common.Address) ([]*Listing, error)

	Escrow(id uint64) (*Escrow, error)
	EscrowCount() (uint64, error)
	// PutEscrow updates an escrow, or appends it when e.ID equals EscrowCount.
	PutEscrow(e *Escrow) error
	EscrowsByParty(addr common.Address) ([]*Escrow, error)

	Dispute(id uint64) (*Dispute, error)
	DisputeCount() (uint64, error)
	PutDispute(d *Dispute) error
	Disputes() ([]*Dispute, error)

	AppendNotification(n *Notification) error
	Notifications(addr common.Address) ([]*Notification, error)
	ClearNotifications(addr common.Address) (int, error)

	AppendProduction(r *ProductionRecord) error
	Production(producer common.Address) ([]*ProductionRecord, error)
	AppendConsumption(r *ConsumptionRecord) error
	Consumption(consumer common.Address) ([]*ConsumptionRecord, error)

	Market() (*MarketState, error)
	PutMarket(m *MarketState) error

	// AppendEvent assigns ev.Seq.
	AppendEvent(ev *Event) error
	Events(since uint64, limit int) ([]*Event, error)
}

// EventType names an entry of the event log.
type EventType string

const (
	EventUserRegistered       EventType = "UserRegistered"
	EventEnergyListed         EventType = "EnergyListed"
	EventEnergyBought         EventType = "EnergyBought"
	EventDeliveryConfirmed    EventType = "DeliveryConfirmed"
	EventFundsReleased        EventType = "FundsReleased"
	EventDisputeInitiated     EventType = "DisputeInitiated"
	EventDisputeResolved      EventType = "DisputeResolved"
	EventNotificationsCleared EventType = "NotificationsCleared"
	EventPriceUpdated         EventType = "PriceUpdated"
)

// Event is one structured entry of the append-only event log. Seq starts at 1.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// Parties returns the addresses an event concerns, for subscription filters.
func (ev *Event) Parties() []string {
	var out []string
	for _, key := range []string{"user", "producer", "consumer", "buyer", "seller", "initiator", "respondent", "caller"} {
		if v, ok := ev.Data[key].(string); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}
