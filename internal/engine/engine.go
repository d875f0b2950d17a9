// Package engine implements the custody, listing, and auction state machine.
//
// Every operation is atomic: it either fully applies or leaves no observable
// effects. Operations are serialized through a single mutex, and a reentrancy
// guard rejects any call entered while an external transfer or payment is in
// flight, so no caller can observe or mutate state mid-transition. State is
// always committed before the corresponding outbound transfer; if an external
// call fails, the operation restores every record it touched before returning.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/metrics"
	"github.com/nexva/vault-engine/internal/model"
	"github.com/nexva/vault-engine/internal/store"
)

// Config carries the identities the engine is constructed with.
type Config struct {
	// Deployer becomes the first editor. Must be non-empty; the editor set
	// is never empty after construction (though editors may later remove
	// every member, which is a documented risk, not a prevented one).
	Deployer string

	// ProfitCollector receives vault-owned sale proceeds and all fees.
	// Editors can change it later.
	ProfitCollector string

	// Custodian is the engine's own identity in the external asset
	// registry: the owner of record for every asset in custody.
	Custodian string
}

// Engine is the custody/listing/auction state machine. All operations are
// serialized; use one Engine per deployment.
type Engine struct {
	store    store.Store
	assets   AssetRegistry
	payments PaymentLedger
	hub      Broadcaster
	cust     string

	mu       sync.Mutex
	external atomic.Bool
}

// New creates an engine, seeding the editor set and default parameters on
// first boot. Pass nil for hub if event broadcasting is not needed.
func New(ctx context.Context, st store.Store, assets AssetRegistry, payments PaymentLedger, hub Broadcaster, cfg Config) (*Engine, error) {
	if cfg.Deployer == "" {
		return nil, fmt.Errorf("engine: deployer identity required")
	}
	if cfg.Custodian == "" {
		cfg.Custodian = "vault-engine"
	}

	e := &Engine{
		store:    st,
		assets:   assets,
		payments: payments,
		hub:      hub,
		cust:     cfg.Custodian,
	}

	// Seeding happens only on first boot: a restart must not resurrect a
	// deployer the editors have since removed.
	params, err := st.GetParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: load params: %w", err)
	}
	if params == nil {
		if err := st.PutParams(ctx, model.DefaultParams(cfg.ProfitCollector)); err != nil {
			return nil, fmt.Errorf("engine: seed params: %w", err)
		}
		if err := st.SetEditor(ctx, cfg.Deployer, true); err != nil {
			return nil, fmt.Errorf("engine: seed editor: %w", err)
		}
	}

	return e, nil
}

// Custodian returns the engine's identity in the external asset registry.
func (e *Engine) Custodian() string { return e.cust }

// Params returns the current engine configuration.
func (e *Engine) Params(ctx context.Context) (*model.Params, error) {
	return e.params(ctx)
}

// --- Operation framing ---

// begin serializes the operation and rejects reentrant entry. The guard flag
// is true only while the lock holder is inside an external call, so a nested
// callback fails immediately instead of deadlocking on the mutex.
//
// The guard is engine-wide, not per goroutine: any caller arriving during
// another operation's external-call window is also rejected. That is a
// deliberate over-approximation — a concurrent caller can simply resubmit,
// while a reentrant callback admitted by a narrower guard could observe
// mid-transition state.
func (e *Engine) begin() error {
	if e.external.Load() {
		return ErrReentrantCall
	}
	e.mu.Lock()
	return nil
}

func (e *Engine) end() {
	e.mu.Unlock()
}

// transferAsset moves an asset through the external registry with the
// reentrancy guard raised.
func (e *Engine) transferAsset(ctx context.Context, collection, from, to, asset string) error {
	e.external.Store(true)
	defer e.external.Store(false)

	if err := e.assets.Transfer(ctx, collection, from, to, asset); err != nil {
		return fmt.Errorf("engine: asset transfer failed: %w", err)
	}
	return nil
}

// ownerOf queries external ownership with the reentrancy guard raised.
func (e *Engine) ownerOf(ctx context.Context, collection, asset string) (string, error) {
	e.external.Store(true)
	defer e.external.Store(false)

	owner, err := e.assets.OwnerOf(ctx, collection, asset)
	if err != nil {
		return "", fmt.Errorf("engine: ownership query failed: %w", err)
	}
	return owner, nil
}

// disburse pushes the operation's payments through the ledger as one atomic
// set. Zero-amount entries are dropped.
func (e *Engine) disburse(ctx context.Context, payments []model.Payment) error {
	out := payments[:0]
	for _, p := range payments {
		if p.Amount.IsPositive() {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}

	e.external.Store(true)
	defer e.external.Store(false)

	if err := e.payments.Disburse(ctx, out); err != nil {
		return fmt.Errorf("engine: payment failed: %w", err)
	}
	return nil
}

func (e *Engine) requireEditor(ctx context.Context, actor string) error {
	ok, err := e.store.IsEditor(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccessDenied
	}
	return nil
}

func (e *Engine) params(ctx context.Context) (*model.Params, error) {
	p, err := e.store.GetParams(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("engine: params not initialized")
	}
	return p, nil
}

var bpsDenominator = decimal.NewFromInt(model.MaxFeeBps)

// feeFor computes fee = floor(price * bps / 10000).
func feeFor(price decimal.Decimal, bps int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(bps)).Div(bpsDenominator).Floor()
}

// emit appends an audit record, updates metrics, broadcasts, and logs.
// Called only after every fallible step of an operation has succeeded.
func (e *Engine) emit(ctx context.Context, typ, actor, collection, asset string, amount decimal.Decimal, counterparty string) {
	ev := &model.Event{
		ID:           uuid.New().String(),
		Type:         typ,
		Actor:        actor,
		Collection:   collection,
		Asset:        asset,
		Amount:       amount,
		Counterparty: counterparty,
		Timestamp:    time.Now().UTC(),
	}

	if err := e.store.InsertEvent(ctx, ev); err != nil {
		slog.Error("event insert failed", "type", typ, "err", err)
	}
	metrics.EventsTotal.WithLabelValues(typ).Inc()
	if e.hub != nil {
		e.hub.BroadcastEvent(ev)
	}

	slog.Info("event",
		"type", typ,
		"actor", actor,
		"collection", collection,
		"asset", asset,
		"amount", amount.String(),
		"counterparty", counterparty,
	)
}

// --- Access control ---

// AddEditor adds an identity to the editor set. Editor-only.
func (e *Engine) AddEditor(ctx context.Context, actor, id string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	ok, err := e.store.IsEditor(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyEditor
	}
	if err := e.store.SetEditor(ctx, id, true); err != nil {
		return err
	}

	e.emit(ctx, model.EventEditorAdded, actor, "", "", decimal.Zero, id)
	return nil
}

// RemoveEditor removes an identity from the editor set. Editor-only. There
// is no self-removal protection: removing the last editor is permitted and
// leaves the system without an administrator.
func (e *Engine) RemoveEditor(ctx context.Context, actor, id string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	ok, err := e.store.IsEditor(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotEditor
	}
	if err := e.store.SetEditor(ctx, id, false); err != nil {
		return err
	}

	e.emit(ctx, model.EventEditorRemoved, actor, "", "", decimal.Zero, id)
	return nil
}

// --- Whitelist ---

// SetWhitelisted approves or revokes a collection. Editor-only. Idempotent;
// an event is emitted whether or not the value changed.
func (e *Engine) SetWhitelisted(ctx context.Context, actor, collection string, status bool) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if err := e.store.SetWhitelisted(ctx, collection, status); err != nil {
		return err
	}

	e.emit(ctx, model.EventWhitelistChanged, actor, collection, "", decimal.Zero, strconv.FormatBool(status))
	return nil
}

// --- Parameters ---

// SetProfitCollector changes the identity receiving vault proceeds and fees.
// Editor-only.
func (e *Engine) SetProfitCollector(ctx context.Context, actor, collector string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	p.ProfitCollector = collector
	if err := e.store.PutParams(ctx, p); err != nil {
		return err
	}

	e.emit(ctx, model.EventProfitCollectorChanged, actor, "", "", decimal.Zero, collector)
	return nil
}

// SetListingFeeBps sets the listing fee rate in basis points. Editor-only.
func (e *Engine) SetListingFeeBps(ctx context.Context, actor string, bps int64) error {
	return e.setFee(ctx, actor, bps, "listing")
}

// SetAuctionFeeBps sets the auction fee rate in basis points. Editor-only.
func (e *Engine) SetAuctionFeeBps(ctx context.Context, actor string, bps int64) error {
	return e.setFee(ctx, actor, bps, "auction")
}

func (e *Engine) setFee(ctx context.Context, actor string, bps int64, kind string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if bps < 0 || bps > model.MaxFeeBps {
		return ErrFeeTooHigh
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	if kind == "listing" {
		p.ListingFeeBps = bps
	} else {
		p.AuctionFeeBps = bps
	}
	if err := e.store.PutParams(ctx, p); err != nil {
		return err
	}

	e.emit(ctx, model.EventFeeChanged, actor, "", "", decimal.NewFromInt(bps), kind)
	return nil
}

// SetDefaultListingPrice sets the price used by mass-listing when no price
// is supplied. Editor-only.
func (e *Engine) SetDefaultListingPrice(ctx context.Context, actor string, price decimal.Decimal) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	p.DefaultListingPrice = price
	if err := e.store.PutParams(ctx, p); err != nil {
		return err
	}

	e.emit(ctx, model.EventParamsChanged, actor, "", "", price, "default_listing_price")
	return nil
}

// SetDefaultAuction sets the parameters used by mass-auctioning. Editor-only.
func (e *Engine) SetDefaultAuction(ctx context.Context, actor string, initialPrice, minStep decimal.Decimal, maxBids int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if !initialPrice.IsPositive() || minStep.IsNegative() {
		return ErrInvalidPrice
	}
	if maxBids < 1 {
		return ErrZeroMaxBids
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	p.DefaultAuctionPrice = initialPrice
	p.DefaultAuctionStep = minStep
	p.DefaultAuctionBids = maxBids
	if err := e.store.PutParams(ctx, p); err != nil {
		return err
	}

	e.emit(ctx, model.EventParamsChanged, actor, "", "", initialPrice, "default_auction")
	return nil
}

// SetMaxBatchSize sets the cap on batch withdrawals and mass operations.
// Editor-only.
func (e *Engine) SetMaxBatchSize(ctx context.Context, actor string, size int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if size < 1 {
		return ErrInvalidBatchSize
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	p.MaxBatchSize = size
	if err := e.store.PutParams(ctx, p); err != nil {
		return err
	}

	e.emit(ctx, model.EventParamsChanged, actor, "", "", decimal.NewFromInt(int64(size)), "max_batch_size")
	return nil
}
