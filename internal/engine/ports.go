package engine

import (
	"context"

	"github.com/nexva/vault-engine/internal/model"
)

// AssetRegistry is the external non-fungible-asset collaborator: ownership
// queries and atomic ownership transfers. A failed Transfer reverts the
// whole enclosing engine operation.
type AssetRegistry interface {
	// OwnerOf returns the current external owner of an asset.
	OwnerOf(ctx context.Context, collection, asset string) (string, error)

	// Transfer moves an asset between identities. Atomic: it either fully
	// applies or fails with no effect.
	Transfer(ctx context.Context, collection, from, to, asset string) error
}

// PaymentLedger is the external value-movement collaborator. Disburse
// applies every payment in the set or none of them, mirroring the
// substrate's atomic payment primitive; a failure reverts the whole
// enclosing engine operation.
type PaymentLedger interface {
	Disburse(ctx context.Context, payments []model.Payment) error
}

// Broadcaster receives every emitted audit event for real-time delivery.
// Pass nil to the engine if broadcasting is not needed.
type Broadcaster interface {
	BroadcastEvent(ev *model.Event)
}
