package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/voltgrid/voltgrid/internal/units"
)

// Role is a participant's market role. The zero value is RoleNone.
type Role uint8

const (
	RoleNone Role = iota
	RoleProducer
	RoleConsumer
)

var roleNames = map[Role]string{
	RoleNone:     "none",
	RoleProducer: "producer",
	RoleConsumer: "consumer",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Valid reports whether r is a known role other than RoleNone.
func (r Role) Valid() bool { return r == RoleProducer || r == RoleConsumer }

// ParseRole decodes a role from its integer code or lowercase name.
// Unknown values are rejected rather than defaulted.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		r := Role(n)
		if _, ok := roleNames[r]; ok {
			return r, nil
		}
		return RoleNone, fmt.Errorf("%w: %s", ErrInvalidRole, s)
	}
	for r, name := range roleNames {
		if name == s {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *Role) UnmarshalJSON(data []byte) error {
	parsed, err := ParseRole(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// EnergyType is the generation source of a listing.
type EnergyType uint8

const (
	EnergySolar EnergyType = iota
	EnergyWind
	EnergyBiomass
	EnergyTidal
)

var energyNames = map[EnergyType]string{
	EnergySolar:   "solar",
	EnergyWind:    "wind",
	EnergyBiomass: "biomass",
	EnergyTidal:   "tidal",
}

func (e EnergyType) String() string {
	if name, ok := energyNames[e]; ok {
		return name
	}
	return "energy(" + strconv.Itoa(int(e)) + ")"
}

// Valid reports whether e is a known energy type.
func (e EnergyType) Valid() bool {
	_, ok := energyNames[e]
	return ok
}

// ParseEnergyType decodes an energy type from its integer code or name.
func ParseEnergyType(s string) (EnergyType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		e := EnergyType(n)
		if e.Valid() {
			return e, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrInvalidEnergyType, s)
	}
	for e, name := range energyNames {
		if name == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidEnergyType, s)
}

func (e EnergyType) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

func (e *EnergyType) UnmarshalJSON(data []byte) error {
	parsed, err := ParseEnergyType(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// User is a registered market participant.
type User struct {
	Address      common.Address `json:"address"`
	Name         string         `json:"name"`
	Role         Role           `json:"role"`
	Registered   bool           `json:"registered"`
	Earned       units.Amount   `json:"earned"` // released to this user as seller
	Spent        units.Amount   `json:"spent"`  // paid into escrow as buyer
	RegisteredAt time.Time      `json:"registeredAt"`
}

// Listing is a producer's standing offer. Index is its position in the
// producer's listing sequence.
type Listing struct {
	Producer      common.Address `json:"producer"`
	Index         uint64         `json:"index"`
	Amount        uint64         `json:"amount"` // remaining kWh
	InitialAmount uint64         `json:"initialAmount"`
	Price         units.Amount   `json:"price"` // per kWh
	EnergyType    EnergyType     `json:"energyType"`
	Active        bool           `json:"active"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// EscrowState is derived from an escrow's flags and open disputes.
type EscrowState string

const (
	EscrowCreated   EscrowState = "created"
	EscrowDelivered EscrowState = "delivered"
	EscrowDisputed  EscrowState = "disputed"
	EscrowReleased  EscrowState = "released"
	EscrowRefunded  EscrowState = "refunded"
)

// Escrow holds a buyer's payment in custody until release or a dispute
// payout. Amount is the purchased quantity in kWh; Payment is the locked
// token amount.
type Escrow struct {
	ID           uint64         `json:"id"`
	Buyer        common.Address `json:"buyer"`
	Seller       common.Address `json:"seller"`
	ListingIndex uint64         `json:"listingIndex"`
	Amount       uint64         `json:"amount"`
	Price        units.Amount   `json:"price"`
	Payment      units.Amount   `json:"payment"`
	Delivered    bool           `json:"delivered"`
	Released     bool           `json:"released"`
	Refunded     bool           `json:"refunded"`
	Disputed     bool           `json:"disputed"` // an unresolved dispute references it
	CreatedAt    time.Time      `json:"createdAt"`
	DeliveredAt  *time.Time     `json:"deliveredAt,omitempty"`
	ReleasedAt   *time.Time     `json:"releasedAt,omitempty"`
	RefundedAt   *time.Time     `json:"refundedAt,omitempty"`
}

// IsTerminal returns true once funds have left custody, either to the
// seller or back to the buyer.
func (e *Escrow) IsTerminal() bool { return e.Released || e.Refunded }

// State returns the lifecycle state.
func (e *Escrow) State() EscrowState {
	switch {
	case e.Refunded:
		return EscrowRefunded
	case e.Released:
		return EscrowReleased
	case e.Disputed:
		return EscrowDisputed
	case e.Delivered:
		return EscrowDelivered
	}
	return EscrowCreated
}

// MarshalJSON adds the derived state.
func (e Escrow) MarshalJSON() ([]byte, error) {
	type alias Escrow
	return json.Marshal(struct {
		alias
		State EscrowState `json:"state"`
	}{alias(e), e.State()})
}

// Outcome is the payout decision attached to a dispute resolution.
type Outcome string

const (
	OutcomeNone    Outcome = "none"
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// ParseOutcome accepts an empty string as OutcomeNone.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(s))); o {
	case "", OutcomeNone:
		return OutcomeNone, nil
	case OutcomeRelease, OutcomeRefund:
		return o, nil
	}
	return OutcomeNone, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
}

// Dispute is raised by one party against another, optionally tied to an
// escrow.
type Dispute struct {
	ID                uint64          `json:"id"`
	Initiator         common.Address  `json:"initiator"`
	Respondent        common.Address  `json:"respondent"`
	Reason            string          `json:"reason"`
	EscrowID          *uint64         `json:"escrowId,omitempty"`
	Resolved          bool            `json:"resolved"`
	ResolutionDetails string          `json:"resolutionDetails"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	ResolvedBy        *common.Address `json:"resolvedBy,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	ResolvedAt        *time.Time      `json:"resolvedAt,omitempty"`
}

// Notification is one entry of a recipient's log. Message is stored as raw
// bytes and rendered as UTF-8.
type Notification struct {
	Recipient common.Address `json:"recipient"`
	Message   []byte         `json:"-"`
	Timestamp time.Time      `json:"timestamp"`
}

// Text decodes the message, replacing invalid sequences.
func (n Notification) Text() string {
	if utf8.Valid(n.Message) {
		return string(n.Message)
	}
	return strings.ToValidUTF8(string(n.Message), "�")
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Recipient common.Address `json:"recipient"`
		Message   string         `json:"message"`
		Timestamp time.Time      `json:"timestamp"`
	}{n.Recipient, n.Text(), n.Timestamp})
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw struct {
		Recipient common.Address `json:"recipient"`
		Message   string         `json:"message"`
		Timestamp time.Time      `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.Recipient = raw.Recipient
	n.Message = []byte(raw.Message)
	n.Timestamp = raw.Timestamp
	return nil
}

// ProductionRecord is written whenever a producer lists energy.
type ProductionRecord struct {
	Producer     common.Address `json:"producer"`
	ListingIndex uint64         `json:"listingIndex"`
	Amount       uint64         `json:"amount"`
	EnergyType   EnergyType     `json:"energyType"`
	Timestamp    time.Time      `json:"timestamp"`
}

// ConsumptionRecord is written whenever a consumer buys energy.
type ConsumptionRecord struct {
	Consumer  common.Address `json:"consumer"`
	Producer  common.Address `json:"producer"`
	EscrowID  uint64         `json:"escrowId"`
	Amount    uint64         `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarketState holds the aggregates behind dynamic pricing.
type MarketState struct {
	TotalSupply  uint64       `json:"totalSupply"` // remaining kWh across active listings
	TotalDemand  uint64       `json:"totalDemand"` // kWh bought to date
	DynamicPrice units.Amount `json:"dynamicPrice"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Stats is a read-only market summary.
type Stats struct {
	TotalSupply      uint64            `json:"totalSupply"`
	TotalDemand      uint64            `json:"totalDemand"`
	DynamicPrice     units.Amount      `json:"dynamicPrice"`
	Users            int               `json:"users"`
	Listings         int               `json:"listings"`
	ActiveListings   int               `json:"activeListings"`
	WeightedAskPrice float64           `json:"weightedAskPrice"` // supply-weighted mean, whole tokens
	Escrows          uint64            `json:"escrows"`
	OpenEscrows      int               `json:"openEscrows"`
	Disputes         int               `json:"disputes"`
	OpenDisputes     int               `json:"openDisputes"`
	SupplyByType     map[string]uint64 `json:"supplyByType"`
}
