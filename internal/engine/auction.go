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

// activeAuction returns the active auction for a key, or ErrNotInAuction.
func (e *Engine) activeAuction(ctx context.Context, collection, asset string) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, collection, asset)
	if err != nil {
		return nil, err
	}
	if a == nil || !a.Active {
		return nil, ErrNotInAuction
	}
	return a, nil
}

// restoreAuction puts back the auction record as it was before a failed
// operation mutated it. A nil prior means the record did not exist.
func (e *Engine) restoreAuction(ctx context.Context, prior *model.Auction, collection, asset string) {
	var err error
	if prior == nil {
		err = e.store.DeleteAuction(ctx, collection, asset)
	} else {
		err = e.store.PutAuction(ctx, prior)
	}
	if err != nil {
		slog.Error("auction restore failed", "collection", collection, "asset", asset, "err", err)
	}
}

func validateAuctionTerms(initialPrice, minStep decimal.Decimal, maxBids int) error {
	if !initialPrice.IsPositive() || minStep.IsNegative() {
		return ErrInvalidPrice
	}
	if maxBids < 1 {
		return ErrZeroMaxBids
	}
	return nil
}

// CreateVaultAuction opens an ascending auction for a vault-held asset.
// Editor-only, fee-free; proceeds go to the profit collector.
func (e *Engine) CreateVaultAuction(ctx context.Context, actor, collection, asset string, initialPrice, minStep decimal.Decimal, maxBids int) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if err := validateAuctionTerms(initialPrice, minStep, maxBids); err != nil {
		return err
	}
	if _, err := e.presentSlot(ctx, collection, asset); err != nil {
		return err
	}
	existing, err := e.store.GetAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if existing != nil && existing.Active {
		return ErrAlreadyInAuction
	}

	if err := e.store.PutAuction(ctx, &model.Auction{
		Collection:   collection,
		Asset:        asset,
		Seller:       model.VaultSeller,
		InitialPrice: initialPrice,
		MinStep:      minStep,
		MaxBids:      maxBids,
		HighestBid:   decimal.Zero,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	metrics.ActiveAuctions.Inc()
	e.emit(ctx, model.EventAuctionCreated, actor, collection, asset, initialPrice, model.VaultSeller)
	return nil
}

// MassAuctionVaultItems opens an auction, with the configured default terms,
// for every present vault asset that has no active auction. Safe to call
// repeatedly. Editor-only, bounded by the batch size cap.
func (e *Engine) MassAuctionVaultItems(ctx context.Context, actor string) (int, error) {
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
	if err := validateAuctionTerms(p.DefaultAuctionPrice, p.DefaultAuctionStep, p.DefaultAuctionBids); err != nil {
		return 0, err
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
		a, err := e.store.GetAuction(ctx, rec.Collection, rec.Asset)
		if err != nil {
			return 0, err
		}
		if a != nil && a.Active {
			continue
		}
		eligible = append(eligible, rec)
	}
	if len(eligible) > p.MaxBatchSize {
		return 0, ErrBatchTooLarge
	}

	now := time.Now().UTC()
	for _, rec := range eligible {
		if err := e.store.PutAuction(ctx, &model.Auction{
			Collection:   rec.Collection,
			Asset:        rec.Asset,
			Seller:       model.VaultSeller,
			InitialPrice: p.DefaultAuctionPrice,
			MinStep:      p.DefaultAuctionStep,
			MaxBids:      p.DefaultAuctionBids,
			HighestBid:   decimal.Zero,
			Active:       true,
			CreatedAt:    now,
		}); err != nil {
			return 0, err
		}
		metrics.ActiveAuctions.Inc()
		e.emit(ctx, model.EventAuctionCreated, actor, rec.Collection, rec.Asset, p.DefaultAuctionPrice, model.VaultSeller)
	}
	return len(eligible), nil
}

// CreateUserAuction opens an auction for an asset owned by the caller. The
// caller pays the auction fee out of paidValue, the asset is pulled into
// custody, and any excess payment is refunded — all within one atomic
// operation.
func (e *Engine) CreateUserAuction(ctx context.Context, actor, collection, asset string, initialPrice, minStep decimal.Decimal, maxBids int, paidValue decimal.Decimal) error {
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
	if err := validateAuctionTerms(initialPrice, minStep, maxBids); err != nil {
		return err
	}
	prior, err := e.store.GetAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if prior != nil && prior.Active {
		return ErrAlreadyInAuction
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
	fee := feeFor(initialPrice, p.AuctionFeeBps)
	if paidValue.LessThan(fee) {
		return fmt.Errorf("%w: fee %s, paid %s", ErrInsufficientPayment, fee, paidValue)
	}

	if err := e.store.PutAuction(ctx, &model.Auction{
		Collection:   collection,
		Asset:        asset,
		Seller:       actor,
		InitialPrice: initialPrice,
		MinStep:      minStep,
		MaxBids:      maxBids,
		HighestBid:   decimal.Zero,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := e.transferAsset(ctx, collection, actor, e.cust, asset); err != nil {
		e.restoreAuction(ctx, prior, collection, asset)
		return err
	}

	if err := e.disburse(ctx, []model.Payment{
		{To: p.ProfitCollector, Amount: fee},
		{To: actor, Amount: paidValue.Sub(fee)},
	}); err != nil {
		if terr := e.transferAsset(ctx, collection, e.cust, actor, asset); terr != nil {
			slog.Error("auction unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
		}
		e.restoreAuction(ctx, prior, collection, asset)
		return err
	}

	metrics.ActiveAuctions.Inc()
	e.emit(ctx, model.EventAuctionCreated, actor, collection, asset, initialPrice, actor)
	return nil
}

// PlaceBid submits a bid of exactly paidValue. The first bid must reach the
// initial price, later bids the highest bid plus the minimum step. The
// previous highest bid is refunded in full within the same operation. When
// the bid count reaches maxBids, settlement runs automatically as part of
// the triggering bid.
func (e *Engine) PlaceBid(ctx context.Context, actor, collection, asset string, paidValue decimal.Decimal) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	a, err := e.activeAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if paidValue.LessThan(a.MinBid()) {
		return fmt.Errorf("%w: minimum %s, offered %s", ErrBidTooLow, a.MinBid(), paidValue)
	}

	var payments []model.Payment
	if a.BidCount > 0 {
		payments = append(payments, model.Payment{To: a.HighestBidder, Amount: a.HighestBid})
	}

	updated := *a
	updated.HighestBidder = actor
	updated.HighestBid = paidValue
	updated.BidCount++

	settle := updated.BidCount >= updated.MaxBids
	var slot int64
	var payee string
	if settle {
		updated.Active = false
		if a.VaultOwned() {
			slot, err = e.presentSlot(ctx, collection, asset)
			if err != nil {
				return err
			}
			p, err := e.params(ctx)
			if err != nil {
				return err
			}
			payee = p.ProfitCollector
		} else {
			payee = a.Seller
		}
		payments = append(payments, model.Payment{To: payee, Amount: paidValue})
	}

	if err := e.store.PutAuction(ctx, &updated); err != nil {
		return err
	}
	if settle && a.VaultOwned() {
		if err := e.releaseSlot(ctx, collection, asset, slot); err != nil {
			e.restoreAuction(ctx, a, collection, asset)
			return err
		}
	}

	if settle {
		if err := e.transferAsset(ctx, collection, e.cust, actor, asset); err != nil {
			if a.VaultOwned() {
				e.restoreSlot(ctx, collection, asset, slot)
			}
			e.restoreAuction(ctx, a, collection, asset)
			return err
		}
	}

	if err := e.disburse(ctx, payments); err != nil {
		if settle {
			if terr := e.transferAsset(ctx, collection, actor, e.cust, asset); terr != nil {
				slog.Error("bid unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
			}
			if a.VaultOwned() {
				e.restoreSlot(ctx, collection, asset, slot)
			}
		}
		e.restoreAuction(ctx, a, collection, asset)
		return err
	}

	metrics.BidsTotal.Inc()
	e.emit(ctx, model.EventBidPlaced, actor, collection, asset, paidValue, "")
	if settle {
		metrics.ActiveAuctions.Dec()
		if a.VaultOwned() {
			metrics.VaultItems.Dec()
		}
		e.emit(ctx, model.EventAuctionEnded, actor, collection, asset, paidValue, actor)
	}
	return nil
}

// EndAuction settles an active auction. Public once the bid count has
// reached maxBids; before that, only an editor may force closure. With zero
// bids the asset goes back to the seller and a zero-price close is emitted;
// otherwise the highest bid is disbursed and the asset transfers to the
// highest bidder.
func (e *Engine) EndAuction(ctx context.Context, actor, collection, asset string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	a, err := e.activeAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if a.BidCount < a.MaxBids {
		if err := e.requireEditor(ctx, actor); err != nil {
			return err
		}
	}

	return e.settle(ctx, actor, a)
}

// settle closes an auction that has already passed its access checks. The
// caller holds the operation lock.
func (e *Engine) settle(ctx context.Context, actor string, a *model.Auction) error {
	collection, asset := a.Collection, a.Asset

	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	payee := a.Seller
	if a.VaultOwned() {
		payee = p.ProfitCollector
	}

	var slot int64
	sold := a.BidCount > 0
	if sold && a.VaultOwned() {
		slot, err = e.presentSlot(ctx, collection, asset)
		if err != nil {
			return err
		}
	}

	updated := *a
	updated.Active = false
	if err := e.store.PutAuction(ctx, &updated); err != nil {
		return err
	}

	if !sold {
		// Zero bids: the asset goes back to the seller. For a vault-owned
		// auction the seller is the vault itself, so custody is unchanged.
		if !a.VaultOwned() {
			if err := e.transferAsset(ctx, collection, e.cust, a.Seller, asset); err != nil {
				e.restoreAuction(ctx, a, collection, asset)
				return err
			}
		}
		metrics.ActiveAuctions.Dec()
		e.emit(ctx, model.EventAuctionEnded, actor, collection, asset, decimal.Zero, a.Seller)
		return nil
	}

	if a.VaultOwned() {
		if err := e.releaseSlot(ctx, collection, asset, slot); err != nil {
			e.restoreAuction(ctx, a, collection, asset)
			return err
		}
	}

	if err := e.transferAsset(ctx, collection, e.cust, a.HighestBidder, asset); err != nil {
		if a.VaultOwned() {
			e.restoreSlot(ctx, collection, asset, slot)
		}
		e.restoreAuction(ctx, a, collection, asset)
		return err
	}

	if err := e.disburse(ctx, []model.Payment{{To: payee, Amount: a.HighestBid}}); err != nil {
		if terr := e.transferAsset(ctx, collection, a.HighestBidder, e.cust, asset); terr != nil {
			slog.Error("settlement unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
		}
		if a.VaultOwned() {
			e.restoreSlot(ctx, collection, asset, slot)
		}
		e.restoreAuction(ctx, a, collection, asset)
		return err
	}

	metrics.ActiveAuctions.Dec()
	if a.VaultOwned() {
		metrics.VaultItems.Dec()
	}
	e.emit(ctx, model.EventAuctionEnded, actor, collection, asset, a.HighestBid, a.HighestBidder)
	return nil
}

// CancelAuction deactivates an auction, refunding the current highest bid if
// one exists. Vault-owned auctions require editor identity and leave the
// asset in the vault; user-owned auctions require the seller and return the
// asset to them.
func (e *Engine) CancelAuction(ctx context.Context, actor, collection, asset string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	a, err := e.activeAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if a.VaultOwned() {
		if err := e.requireEditor(ctx, actor); err != nil {
			return err
		}
	} else if actor != a.Seller {
		return ErrNotYourAuction
	}

	updated := *a
	updated.Active = false
	if err := e.store.PutAuction(ctx, &updated); err != nil {
		return err
	}

	if !a.VaultOwned() {
		if err := e.transferAsset(ctx, collection, e.cust, a.Seller, asset); err != nil {
			e.restoreAuction(ctx, a, collection, asset)
			return err
		}
	}

	if a.BidCount > 0 {
		if err := e.disburse(ctx, []model.Payment{{To: a.HighestBidder, Amount: a.HighestBid}}); err != nil {
			if !a.VaultOwned() {
				if terr := e.transferAsset(ctx, collection, a.Seller, e.cust, asset); terr != nil {
					slog.Error("cancel unwind transfer failed", "collection", collection, "asset", asset, "err", terr)
				}
			}
			e.restoreAuction(ctx, a, collection, asset)
			return err
		}
	}

	metrics.ActiveAuctions.Dec()
	e.emit(ctx, model.EventAuctionCancelled, actor, collection, asset, a.HighestBid, a.Seller)
	return nil
}

// Auction returns the auction record for a key, nil when none exists.
func (e *Engine) Auction(ctx context.Context, collection, asset string) (*model.Auction, error) {
	return e.store.GetAuction(ctx, collection, asset)
}

// ActiveAuctions returns all currently active auctions.
func (e *Engine) ActiveAuctions(ctx context.Context) ([]model.Auction, error) {
	return e.store.ListActiveAuctions(ctx)
}

// Events returns the audit trail, optionally filtered by asset key.
func (e *Engine) Events(ctx context.Context, collection, asset string) ([]model.Event, error) {
	if collection == "" && asset == "" {
		return e.store.ListEvents(ctx)
	}
	return e.store.ListEventsByKey(ctx, collection, asset)
}
