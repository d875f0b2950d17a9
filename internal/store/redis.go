package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexva/vault-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the hot lookup paths: listings, auctions, and vault slots.
// Writes go to the primary store and invalidate the cache; reads check Redis
// first then fall back to the primary. History and membership queries pass
// through uncached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Vault (slot lookups cached) ---

func (s *CachedStore) AppendVaultRecord(ctx context.Context, rec *model.VaultRecord) (int64, error) {
	slot, err := s.primary.AppendVaultRecord(ctx, rec)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, slotKey(rec.Collection, rec.Asset), slot, s.ttl)
	return slot, nil
}

func (s *CachedStore) VaultSlot(ctx context.Context, collection, asset string) (int64, error) {
	if v, err := s.rdb.Get(ctx, slotKey(collection, asset)).Result(); err == nil {
		if slot, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			return slot, nil
		}
	}

	slot, err := s.primary.VaultSlot(ctx, collection, asset)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, slotKey(collection, asset), slot, s.ttl)
	return slot, nil
}

func (s *CachedStore) VaultRecordAt(ctx context.Context, slot int64) (*model.VaultRecord, error) {
	return s.primary.VaultRecordAt(ctx, slot)
}

func (s *CachedStore) SetVaultPresent(ctx context.Context, slot int64, present bool) error {
	return s.primary.SetVaultPresent(ctx, slot, present)
}

func (s *CachedStore) SetVaultSlot(ctx context.Context, collection, asset string, slot int64) error {
	if err := s.primary.SetVaultSlot(ctx, collection, asset, slot); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, slotKey(collection, asset))
	return nil
}

func (s *CachedStore) ListVaultRecords(ctx context.Context) ([]model.VaultRecord, error) {
	return s.primary.ListVaultRecords(ctx)
}

// --- Listings ---

func (s *CachedStore) PutListing(ctx context.Context, l *model.Listing) error {
	if err := s.primary.PutListing(ctx, l); err != nil {
		return err
	}
	s.cacheJSON(ctx, listingKey(l.Collection, l.Asset), l)
	return nil
}

func (s *CachedStore) GetListing(ctx context.Context, collection, asset string) (*model.Listing, error) {
	data, err := s.rdb.Get(ctx, listingKey(collection, asset)).Bytes()
	if err == nil {
		var l model.Listing
		if json.Unmarshal(data, &l) == nil {
			return &l, nil
		}
	}

	l, err := s.primary.GetListing(ctx, collection, asset)
	if err != nil || l == nil {
		return l, err
	}
	s.cacheJSON(ctx, listingKey(collection, asset), l)
	return l, nil
}

func (s *CachedStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	return s.primary.ListActiveListings(ctx)
}

func (s *CachedStore) DeleteListing(ctx context.Context, collection, asset string) error {
	if err := s.primary.DeleteListing(ctx, collection, asset); err != nil {
		return err
	}
	s.rdb.Del(ctx, listingKey(collection, asset))
	return nil
}

// --- Auctions ---

func (s *CachedStore) PutAuction(ctx context.Context, a *model.Auction) error {
	if err := s.primary.PutAuction(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, auctionKey(a.Collection, a.Asset), a)
	return nil
}

func (s *CachedStore) GetAuction(ctx context.Context, collection, asset string) (*model.Auction, error) {
	data, err := s.rdb.Get(ctx, auctionKey(collection, asset)).Bytes()
	if err == nil {
		var a model.Auction
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAuction(ctx, collection, asset)
	if err != nil || a == nil {
		return a, err
	}
	s.cacheJSON(ctx, auctionKey(collection, asset), a)
	return a, nil
}

func (s *CachedStore) ListActiveAuctions(ctx context.Context) ([]model.Auction, error) {
	return s.primary.ListActiveAuctions(ctx)
}

func (s *CachedStore) DeleteAuction(ctx context.Context, collection, asset string) error {
	if err := s.primary.DeleteAuction(ctx, collection, asset); err != nil {
		return err
	}
	s.rdb.Del(ctx, auctionKey(collection, asset))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	return s.primary.InsertEvent(ctx, ev)
}

func (s *CachedStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.primary.ListEvents(ctx)
}

func (s *CachedStore) ListEventsByKey(ctx context.Context, collection, asset string) ([]model.Event, error) {
	return s.primary.ListEventsByKey(ctx, collection, asset)
}

func (s *CachedStore) SetEditor(ctx context.Context, id string, member bool) error {
	return s.primary.SetEditor(ctx, id, member)
}

func (s *CachedStore) IsEditor(ctx context.Context, id string) (bool, error) {
	return s.primary.IsEditor(ctx, id)
}

func (s *CachedStore) SetWhitelisted(ctx context.Context, collection string, status bool) error {
	return s.primary.SetWhitelisted(ctx, collection, status)
}

func (s *CachedStore) IsWhitelisted(ctx context.Context, collection string) (bool, error) {
	return s.primary.IsWhitelisted(ctx, collection)
}

func (s *CachedStore) GetParams(ctx context.Context) (*model.Params, error) {
	return s.primary.GetParams(ctx)
}

func (s *CachedStore) PutParams(ctx context.Context, p *model.Params) error {
	return s.primary.PutParams(ctx, p)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v interface{}) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func slotKey(collection, asset string) string    { return fmt.Sprintf("slot:%s:%s", collection, asset) }
func listingKey(collection, asset string) string { return fmt.Sprintf("listing:%s:%s", collection, asset) }
func auctionKey(collection, asset string) string { return fmt.Sprintf("auction:%s:%s", collection, asset) }
