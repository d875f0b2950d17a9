package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/metrics"
	"github.com/nexva/vault-engine/internal/model"
)

// activeListing returns the active listing for a key, or ErrNotListed.
func (e *Engine) activeListing(ctx context.Context, collection, asset string) (*model.Listing, error) {
	l, err := e.store.GetListing(ctx, collection, asset)
	if err != nil {
		return nil, err
	}
	if l == nil || !l.Active {
		return nil, ErrNotListed
	}
	return l, nil
}

// restoreListing puts back the listing record as it was before a failed
// operation mutated it. A nil prior means the record did not exist.
func (e *Engine) restoreListing(ctx context.Context, prior *model.Listing, collection, asset string) {
	var err error
	if prior == nil {
		err = e.store.DeleteListing(ctx, collection, asset)
	} else {
		err = e.store.PutListing(ctx, prior)
	}
	if err != nil {
		slog.Error("listing restore failed", "collection", collection, "asset", asset, "err", err)
	}
}

// ListVaultItem creates a fixed-price listing for a vault-held asset.
// Editor-only, fee-free; proceeds of the eventual sale go to the profit
// collector.
func (e *Engine) ListVaultItem(ctx context.Context, actor, collection, asset string, price decimal.Decimal) error {
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
	if _, err := e.presentSlot(ctx, collection, asset); err != nil {
		return err
	}
	existing, err := e.store.GetListing(ctx, collection, asset)
	if err != nil {
		return err
	}
	if existing != nil && existing.Active {
		return ErrAlreadyListed
	}

	if err := e.store.PutListing(ctx, &model.Listing{
		Collection: collection,
		Asset:      asset,
		Seller:     model.VaultSeller,
		Price:      price,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	metrics.ActiveListings.Inc()
	e.emit(ctx, model.EventListingCreated, actor, collection, asset, price, model.VaultSeller)
	return nil
}

// MassListVaultItems lists every present vault asset that has no active
// listing, at defaultPrice (or the configured default when zero). Safe to
// call repeatedly; already-listed items are skipped. Editor-only, bounded by
// the batch size cap.
func (e *Engine) MassListVaultItems(ctx context.Context, actor string, defaultPrice decimal.Decimal) (int, error) {
	if err := e.begin(); err != nil {
		return 0, err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return 0, err
	}
	p, err := e.params(ctx)
	if err != nil {
		return 0, err
	}
	price := defaultPrice
	if price.IsZero() {
		price = p.DefaultListingPrice
	}
	if !price.IsPositive() {
		return 0, ErrInvalidPrice
	}

	records, err := e.store.ListVaultRecords(ctx)
	if err != nil {
		return 0, err
	}

	var eligible []model.VaultRecord
	for _, rec := range records {
		if !rec.Present {
			continue
		}
		l, err := e.store.GetListing(ctx, rec.Collection, rec.Asset)
		if err != nil {
			return 0, err
		}
		if l != nil && l.Active {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) > p.MaxBatchSize {
		return 0, ErrBatchTooLarge
	}

	now := time.Now().UTC()
	for _, rec := range eligible {
		if err := e.store.PutListing(ctx, &model.Listing{
			Collection: rec.Collection,
			Asset:      rec.Asset,
			Seller:     model.VaultSeller,
			Price:      price,
			Active:     true,
			CreatedAt:  now,
		}); err != nil {
			return 0, err
		}
		metrics.ActiveListings.Inc()
		e.emit(ctx, model.EventListingCreated, actor, rec.Collection, rec.Asset, price, model.VaultSeller)
	}
	return len(eligible), nil
}

// ListUserItem lists an asset owned by the caller. The caller pays the
// listing fee out of paidValue, the asset is pulled into custody, and any
// excess payment is refunded — all within one atomic operation.
func (e *Engine) ListUserItem(ctx context.Context, actor, collection, asset string, price, paidValue decimal.Decimal) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := model.ValidateKey(collection, asset); err != nil {
		return err
	}
	ok, err := e.store.IsWhitelisted(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotWhitelisted
	}
	if !price.IsPositive() {
		return ErrInvalidPrice
	}
	prior, err := e.store.GetListing(ctx, collection, asset)
	if err != nil {
		return err
	}
	if prior != nil && prior.Active {
		return ErrAlreadyListed
	}

	owner, err := e.ownerOf(ctx, collection, asset)
	if err != nil {
		return err
	}
	if owner != actor {
		return ErrNotOwner
	}

	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	fee := feeFor(price, p.ListingFeeBps)
	if paidValue.LessThan(fee) {
		return fmt.Errorf("%w: fee %s, paid %s", ErrInsufficientPayment, fee, paidValue)
	}

	if err := e.store.PutListing(ctx, &model.Listing{
		Collection: collection,
		Asset:      asset,
		Seller:     actor,
		Price:      price,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := e.transferAsset(ctx, collection, actor, e.cust, asset); err != nil {
		e.restoreListing(ctx, prior, collection, asset)
		return err
	}

	if err := e.disburse(ctx, []model.Payment{
		{To: p.ProfitCollector, Amount: fee},
		{To: actor, Amount: paidValue.Sub(fee)},
	}); err != nil {
		if terr := e.transferAsset(ctx, collection, e.cust, actor, asset); terr != nil {
			slog.Error("listing unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
		}
		e.restoreListing(ctx, prior, collection, asset)
		return err
	}

	metrics.ActiveListings.Inc()
	e.emit(ctx, model.EventListingCreated, actor, collection, asset, price, actor)
	return nil
}

// Buy purchases a listed asset at exactly its listed price. The listing is
// deactivated before any external transfer; proceeds go to the profit
// collector for vault-owned listings, otherwise to the seller.
func (e *Engine) Buy(ctx context.Context, actor, collection, asset string, paidValue decimal.Decimal) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	l, err := e.activeListing(ctx, collection, asset)
	if err != nil {
		return err
	}
	if !paidValue.Equal(l.Price) {
		return fmt.Errorf("%w: exact price %s required, paid %s", ErrInsufficientPayment, l.Price, paidValue)
	}

	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	payee := l.Seller
	if l.VaultOwned() {
		payee = p.ProfitCollector
	}

	var slot int64
	if l.VaultOwned() {
		slot, err = e.presentSlot(ctx, collection, asset)
		if err != nil {
			return err
		}
	}

	closed := *l
	closed.Active = false
	if err := e.store.PutListing(ctx, &closed); err != nil {
		return err
	}
	if l.VaultOwned() {
		if err := e.releaseSlot(ctx, collection, asset, slot); err != nil {
			e.restoreListing(ctx, l, collection, asset)
			return err
		}
	}

	if err := e.transferAsset(ctx, collection, e.cust, actor, asset); err != nil {
		if l.VaultOwned() {
			e.restoreSlot(ctx, collection, asset, slot)
		}
		e.restoreListing(ctx, l, collection, asset)
		return err
	}

	if err := e.disburse(ctx, []model.Payment{{To: payee, Amount: l.Price}}); err != nil {
		if terr := e.transferAsset(ctx, collection, actor, e.cust, asset); terr != nil {
			slog.Error("purchase unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
		}
		if l.VaultOwned() {
			e.restoreSlot(ctx, collection, asset, slot)
		}
		e.restoreListing(ctx, l, collection, asset)
		return err
	}

	metrics.ActiveListings.Dec()
	if l.VaultOwned() {
		metrics.VaultItems.Dec()
	}
	e.emit(ctx, model.EventListingPurchased, actor, collection, asset, l.Price, l.Seller)
	return nil
}

// CancelListing deactivates a listing. Vault-owned listings require editor
// identity and leave the asset in the vault; user-owned listings require the
// seller and return the asset to them.
func (e *Engine) CancelListing(ctx context.Context, actor, collection, asset string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	l, err := e.activeListing(ctx, collection, asset)
	if err != nil {
		return err
	}
	if l.VaultOwned() {
		if err := e.requireEditor(ctx, actor); err != nil {
			return err
		}
	} else if actor != l.Seller {
		return ErrNotYourListing
	}

	closed := *l
	closed.Active = false
	if err := e.store.PutListing(ctx, &closed); err != nil {
		return err
	}

	if !l.VaultOwned() {
		if err := e.transferAsset(ctx, collection, e.cust, l.Seller, asset); err != nil {
			e.restoreListing(ctx, l, collection, asset)
			return err
		}
	}

	metrics.ActiveListings.Dec()
	e.emit(ctx, model.EventListingCancelled, actor, collection, asset, l.Price, l.Seller)
	return nil
}

// Listing returns the listing record for a key, nil when none exists.
func (e *Engine) Listing(ctx context.Context, collection, asset string) (*model.Listing, error) {
	return e.store.GetListing(ctx, collection, asset)
}

// ActiveListings returns all currently active listings.
func (e *Engine) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	return e.store.ListActiveListings(ctx)
}
