// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"

	"github.com/nexva/vault-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Lookup methods return (nil, nil) when no record exists for the key, so
// callers can distinguish "absent" from a storage failure.
type Store interface {
	// --- Vault custody log ---

	// AppendVaultRecord appends a record to the custody log, assigns its
	// 1-based slot, and points the reverse index at it.
	AppendVaultRecord(ctx context.Context, rec *model.VaultRecord) (int64, error)

	// VaultSlot returns the reverse-index slot for a key. Zero means the
	// key was never deposited (or its slot was cleared after withdrawal).
	VaultSlot(ctx context.Context, collection, asset string) (int64, error)

	// VaultRecordAt returns the log entry at a 1-based slot.
	VaultRecordAt(ctx context.Context, slot int64) (*model.VaultRecord, error)

	// SetVaultPresent flips the Present flag of the record at slot.
	SetVaultPresent(ctx context.Context, slot int64, present bool) error

	// SetVaultSlot points the reverse index for a key at slot. Zero clears
	// it, permitting a later re-deposit under a fresh slot.
	SetVaultSlot(ctx context.Context, collection, asset string, slot int64) error

	// ListVaultRecords returns the full custody log in slot order.
	ListVaultRecords(ctx context.Context) ([]model.VaultRecord, error)

	// --- Listings ---

	// PutListing upserts the listing for its (collection, asset) key.
	PutListing(ctx context.Context, l *model.Listing) error

	// GetListing returns the listing for a key, or (nil, nil) if none.
	GetListing(ctx context.Context, collection, asset string) (*model.Listing, error)

	// ListActiveListings returns all listings with Active=true.
	ListActiveListings(ctx context.Context) ([]model.Listing, error)

	// DeleteListing removes the listing record for a key. Used only to
	// unwind a partially applied operation.
	DeleteListing(ctx context.Context, collection, asset string) error

	// --- Auctions ---

	// PutAuction upserts the auction for its (collection, asset) key.
	PutAuction(ctx context.Context, a *model.Auction) error

	// GetAuction returns the auction for a key, or (nil, nil) if none.
	GetAuction(ctx context.Context, collection, asset string) (*model.Auction, error)

	// ListActiveAuctions returns all auctions with Active=true.
	ListActiveAuctions(ctx context.Context) ([]model.Auction, error)

	// DeleteAuction removes the auction record for a key. Used only to
	// unwind a partially applied operation.
	DeleteAuction(ctx context.Context, collection, asset string) error

	// --- Immutable audit trail ---

	// InsertEvent appends an immutable audit record.
	InsertEvent(ctx context.Context, ev *model.Event) error

	// ListEvents returns all events in emission order.
	ListEvents(ctx context.Context) ([]model.Event, error)

	// ListEventsByKey returns all events for one (collection, asset) key.
	ListEventsByKey(ctx context.Context, collection, asset string) ([]model.Event, error)

	// --- Access control and configuration ---

	// SetEditor adds or removes an editor identity.
	SetEditor(ctx context.Context, id string, member bool) error

	// IsEditor reports whether an identity is in the editor set.
	IsEditor(ctx context.Context, id string) (bool, error)

	// SetWhitelisted approves or revokes a collection.
	SetWhitelisted(ctx context.Context, collection string, status bool) error

	// IsWhitelisted reports whether a collection is approved.
	IsWhitelisted(ctx context.Context, collection string) (bool, error)

	// GetParams returns the engine configuration, or (nil, nil) before the
	// first PutParams.
	GetParams(ctx context.Context) (*model.Params, error)

	// PutParams replaces the engine configuration.
	PutParams(ctx context.Context, p *model.Params) error
}
