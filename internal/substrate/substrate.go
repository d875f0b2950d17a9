// Package substrate provides in-process implementations of the engine's
// external capability interfaces. They back local development and testing;
// production deployments replace them with adapters to the real asset
// registry and payment rails.
package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/model"
)

// LocalRegistry is an in-memory asset ownership registry.
type LocalRegistry struct {
	mu     sync.RWMutex
	owners map[string]string // "collection/asset" -> owner
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{owners: make(map[string]string)}
}

func assetID(collection, asset string) string {
	return collection + "/" + asset
}

// Mint assigns an asset to an owner, creating it if needed.
func (r *LocalRegistry) Mint(collection, asset, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[assetID(collection, asset)] = owner
}

// OwnerOf returns the current owner of an asset.
func (r *LocalRegistry) OwnerOf(ctx context.Context, collection, asset string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[assetID(collection, asset)]
	if !ok {
		return "", fmt.Errorf("unknown asset %s/%s", collection, asset)
	}
	return owner, nil
}

// Transfer moves an asset between accounts. It fails if from does not hold
// the asset, mirroring the registry's ownership check.
func (r *LocalRegistry) Transfer(ctx context.Context, collection, from, to, asset string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := assetID(collection, asset)
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("unknown asset %s/%s", collection, asset)
	}
	if owner != from {
		return fmt.Errorf("asset %s/%s held by %s, not %s", collection, asset, owner, from)
	}
	r.owners[id] = to
	slog.Debug("asset transferred", "collection", collection, "asset", asset, "from", from, "to", to)
	return nil
}

// LocalLedger is an in-memory payment ledger. Every account has unbounded
// funds; disbursements only accumulate balances.
type LocalLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func NewLocalLedger() *LocalLedger {
	return &LocalLedger{balances: make(map[string]decimal.Decimal)}
}

// Disburse applies all payments as one unit.
func (l *LocalLedger) Disburse(ctx context.Context, payments []model.Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, p := range payments {
		l.balances[p.To] = l.balances[p.To].Add(p.Amount)
		slog.Debug("payment disbursed", "to", p.To, "amount", p.Amount)
	}
	return nil
}

// Balance returns the accumulated payouts for an account.
func (l *LocalLedger) Balance(account string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}
