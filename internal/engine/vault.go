package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/metrics"
	"github.com/nexva/vault-engine/internal/model"
)

// Deposit records an asset arriving in custody. Invoked by the deposit
// acknowledgment hook after an external collection transfers an asset to the
// custodian; fails if the collection is not whitelisted, which reverts the
// triggering transfer.
func (e *Engine) Deposit(ctx context.Context, collection, asset, depositor string) error {
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

	_, err = e.store.AppendVaultRecord(ctx, &model.VaultRecord{
		Collection:  collection,
		Asset:       asset,
		Depositor:   depositor,
		Present:     true,
		DepositedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	metrics.VaultItems.Inc()
	e.emit(ctx, model.EventDeposit, depositor, collection, asset, decimal.Zero, "")
	return nil
}

// presentSlot resolves a key to its vault slot, requiring the record to be
// present. Both "never deposited" and "deposited then withdrawn" report
// ErrNotInVault.
func (e *Engine) presentSlot(ctx context.Context, collection, asset string) (int64, error) {
	slot, err := e.store.VaultSlot(ctx, collection, asset)
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		return 0, ErrNotInVault
	}
	rec, err := e.store.VaultRecordAt(ctx, slot)
	if err != nil {
		return 0, err
	}
	if !rec.Present {
		return 0, ErrNotInVault
	}
	return slot, nil
}

// requireUnencumbered rejects a key that has an active listing or auction.
// A vault-owned sale record must never outlive the custody record it sells;
// the sale has to be cancelled first, which also refunds any held bid.
func (e *Engine) requireUnencumbered(ctx context.Context, collection, asset string) error {
	l, err := e.store.GetListing(ctx, collection, asset)
	if err != nil {
		return err
	}
	if l != nil && l.Active {
		return ErrAlreadyListed
	}
	a, err := e.store.GetAuction(ctx, collection, asset)
	if err != nil {
		return err
	}
	if a != nil && a.Active {
		return ErrAlreadyInAuction
	}
	return nil
}

// releaseSlot flips the record at slot to absent and clears the reverse
// index, permitting a later re-deposit under a fresh slot.
func (e *Engine) releaseSlot(ctx context.Context, collection, asset string, slot int64) error {
	if err := e.store.SetVaultPresent(ctx, slot, false); err != nil {
		return err
	}
	return e.store.SetVaultSlot(ctx, collection, asset, 0)
}

// restoreSlot undoes releaseSlot after a failed external call.
func (e *Engine) restoreSlot(ctx context.Context, collection, asset string, slot int64) {
	if err := e.store.SetVaultPresent(ctx, slot, true); err != nil {
		slog.Error("vault restore failed", "collection", collection, "asset", asset, "err", err)
	}
	if err := e.store.SetVaultSlot(ctx, collection, asset, slot); err != nil {
		slog.Error("vault index restore failed", "collection", collection, "asset", asset, "err", err)
	}
}

// Withdraw releases one asset from the vault to an external identity.
// Editor-only. An asset with an active listing or auction cannot be
// withdrawn until the sale is cancelled.
func (e *Engine) Withdraw(ctx context.Context, actor, collection, asset, to string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	slot, err := e.presentSlot(ctx, collection, asset)
	if err != nil {
		return err
	}
	if err := e.requireUnencumbered(ctx, collection, asset); err != nil {
		return err
	}

	if err := e.releaseSlot(ctx, collection, asset, slot); err != nil {
		return err
	}
	if err := e.transferAsset(ctx, collection, e.cust, to, asset); err != nil {
		e.restoreSlot(ctx, collection, asset, slot)
		return err
	}

	metrics.VaultItems.Dec()
	e.emit(ctx, model.EventWithdrawal, actor, collection, asset, decimal.Zero, to)
	return nil
}

// WithdrawBatch releases several assets in one atomic operation: any single
// pair failing aborts the entire batch with no withdrawals performed.
// Editor-only; bounded by the configured batch size cap.
func (e *Engine) WithdrawBatch(ctx context.Context, actor string, collections, assets []string, to string) error {
	if err := e.begin(); err != nil {
		return err
	}
	defer e.end()

	if err := e.requireEditor(ctx, actor); err != nil {
		return err
	}
	if len(collections) != len(assets) {
		return ErrLengthMismatch
	}
	p, err := e.params(ctx)
	if err != nil {
		return err
	}
	if len(collections) > p.MaxBatchSize {
		return ErrBatchTooLarge
	}

	// Validate every pair before touching state. A key repeated within the
	// batch would be absent by its second withdrawal, so it fails here too.
	slots := make([]int64, len(collections))
	seen := make(map[[2]string]bool, len(collections))
	for i := range collections {
		key := [2]string{collections[i], assets[i]}
		if seen[key] {
			return ErrNotInVault
		}
		seen[key] = true

		slot, err := e.presentSlot(ctx, collections[i], assets[i])
		if err != nil {
			return err
		}
		if err := e.requireUnencumbered(ctx, collections[i], assets[i]); err != nil {
			return err
		}
		slots[i] = slot
	}

	for i := range collections {
		if err := e.releaseSlot(ctx, collections[i], assets[i], slots[i]); err != nil {
			for j := 0; j < i; j++ {
				e.restoreSlot(ctx, collections[j], assets[j], slots[j])
			}
			return err
		}
	}

	for i := range collections {
		if err := e.transferAsset(ctx, collections[i], e.cust, to, assets[i]); err != nil {
			// Claw back the assets already sent, then restore the log.
			for j := 0; j < i; j++ {
				if terr := e.transferAsset(ctx, collections[j], to, e.cust, assets[j]); terr != nil {
					slog.Error("batch withdrawal clawback failed",
						"collection", collections[j], "asset", assets[j], "err", terr)
				}
			}
			for j := range collections {
				e.restoreSlot(ctx, collections[j], assets[j], slots[j])
			}
			return err
		}
	}

	metrics.VaultItems.Sub(float64(len(collections)))
	for i := range collections {
		e.emit(ctx, model.EventWithdrawal, actor, collections[i], assets[i], decimal.Zero, to)
	}
	return nil
}

// VaultContents returns the full custody log, withdrawn records included.
func (e *Engine) VaultContents(ctx context.Context) ([]model.VaultRecord, error) {
	return e.store.ListVaultRecords(ctx)
}
