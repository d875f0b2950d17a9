// Package model defines the core domain types shared across the vault engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// VaultSeller is the reserved seller identity marking a listing or auction
// whose asset is owned by the vault itself. Vault-owned sales are fee-free
// and their proceeds go to the profit collector.
const VaultSeller = "vault"

// DepositAck is the fixed acknowledgment value returned by the deposit hook.
// A depositing collection must receive exactly this value or its transfer
// reverts.
const DepositAck = "vault-engine/deposit-ack/v1"

// MaxFeeBps is the upper bound for fee rates. 10000 bps = 100%.
const MaxFeeBps = 10000

// identRegex matches collection and asset identifiers as external
// collections put them on the wire.
var identRegex = regexp.MustCompile(`^[0-9a-zA-Z:_.-]+$`)

// ErrInvalidAssetKey is returned when a collection or asset identifier is
// empty or malformed.
var ErrInvalidAssetKey = errors.New("model: invalid asset key")

// ValidateKey checks that a (collection, asset) pair is well-formed.
func ValidateKey(collection, asset string) error {
	if collection == "" || !identRegex.MatchString(collection) {
		return fmt.Errorf("%w: collection %q", ErrInvalidAssetKey, collection)
	}
	if asset == "" || !identRegex.MatchString(asset) {
		return fmt.Errorf("%w: asset %q", ErrInvalidAssetKey, asset)
	}
	return nil
}

// VaultRecord is one entry in the append-only custody log. Records are never
// deleted; Present flips to false exactly once, on withdrawal or settlement.
// Slot is 1-based so that zero in the reverse index means "never deposited".
type VaultRecord struct {
	Slot        int64     `json:"slot" db:"slot"`
	Collection  string    `json:"collection" db:"collection"`
	Asset       string    `json:"asset" db:"asset"`
	Depositor   string    `json:"depositor" db:"depositor"`
	Present     bool      `json:"present" db:"present"`
	DepositedAt time.Time `json:"deposited_at" db:"deposited_at"`
}

// Listing is a fixed-price sale record. At most one active listing exists per
// (collection, asset) key. Active=false marks both sold and cancelled; the
// emitted event distinguishes them.
type Listing struct {
	Collection string          `json:"collection" db:"collection"`
	Asset      string          `json:"asset" db:"asset"`
	Seller     string          `json:"seller" db:"seller"` // VaultSeller or a user identity
	Price      decimal.Decimal `json:"price" db:"price"`
	Active     bool            `json:"active" db:"active"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// VaultOwned reports whether the listing sells a vault-held asset.
func (l *Listing) VaultOwned() bool { return l.Seller == VaultSeller }

// Auction is an ascending-bid sale record. HighestBid is the only value the
// engine holds in transient custody for the key; it is fully refunded or
// disbursed no later than the moment Active becomes false.
type Auction struct {
	Collection    string          `json:"collection" db:"collection"`
	Asset         string          `json:"asset" db:"asset"`
	Seller        string          `json:"seller" db:"seller"`
	InitialPrice  decimal.Decimal `json:"initial_price" db:"initial_price"`
	MinStep       decimal.Decimal `json:"min_step" db:"min_step"`
	MaxBids       int             `json:"max_bids" db:"max_bids"`
	BidCount      int             `json:"bid_count" db:"bid_count"`
	HighestBidder string          `json:"highest_bidder" db:"highest_bidder"`
	HighestBid    decimal.Decimal `json:"highest_bid" db:"highest_bid"`
	Active        bool            `json:"active" db:"active"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// VaultOwned reports whether the auction sells a vault-held asset.
func (a *Auction) VaultOwned() bool { return a.Seller == VaultSeller }

// MinBid returns the lowest value the next bid must carry.
func (a *Auction) MinBid() decimal.Decimal {
	if a.BidCount == 0 {
		return a.InitialPrice
	}
	return a.HighestBid.Add(a.MinStep)
}

// Event types written to the audit trail. The event log is the only query
// surface for history.
const (
	EventEditorAdded            = "editor_added"
	EventEditorRemoved          = "editor_removed"
	EventWhitelistChanged       = "whitelist_changed"
	EventProfitCollectorChanged = "profit_collector_changed"
	EventFeeChanged             = "fee_changed"
	EventParamsChanged          = "params_changed"
	EventDeposit                = "deposit"
	EventWithdrawal             = "withdrawal"
	EventListingCreated         = "listing_created"
	EventListingCancelled       = "listing_cancelled"
	EventListingPurchased       = "listing_purchased"
	EventAuctionCreated         = "auction_created"
	EventBidPlaced              = "bid_placed"
	EventAuctionEnded           = "auction_ended"
	EventAuctionCancelled       = "auction_cancelled"
)

// Event is an immutable audit record. Once created, events are never
// modified or deleted.
type Event struct {
	ID           string          `json:"id" db:"id"`
	Type         string          `json:"type" db:"type"`
	Actor        string          `json:"actor" db:"actor"`
	Collection   string          `json:"collection,omitempty" db:"collection"`
	Asset        string          `json:"asset,omitempty" db:"asset"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Counterparty string          `json:"counterparty,omitempty" db:"counterparty"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Payment is a single outbound value movement. All disbursements of one
// engine operation are applied atomically as a set.
type Payment struct {
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Params holds the editor-tunable engine configuration.
type Params struct {
	ProfitCollector     string          `json:"profit_collector" db:"profit_collector"`
	ListingFeeBps       int64           `json:"listing_fee_bps" db:"listing_fee_bps"`
	AuctionFeeBps       int64           `json:"auction_fee_bps" db:"auction_fee_bps"`
	DefaultListingPrice decimal.Decimal `json:"default_listing_price" db:"default_listing_price"`
	DefaultAuctionPrice decimal.Decimal `json:"default_auction_price" db:"default_auction_price"`
	DefaultAuctionStep  decimal.Decimal `json:"default_auction_step" db:"default_auction_step"`
	DefaultAuctionBids  int             `json:"default_auction_bids" db:"default_auction_bids"`
	MaxBatchSize        int             `json:"max_batch_size" db:"max_batch_size"`
}

// DefaultParams returns the engine configuration applied at first boot.
func DefaultParams(profitCollector string) *Params {
	return &Params{
		ProfitCollector:     profitCollector,
		ListingFeeBps:       0,
		AuctionFeeBps:       0,
		DefaultListingPrice: decimal.NewFromInt(1),
		DefaultAuctionPrice: decimal.NewFromInt(1),
		DefaultAuctionStep:  decimal.NewFromInt(1),
		DefaultAuctionBids:  10,
		MaxBatchSize:        100,
	}
}
