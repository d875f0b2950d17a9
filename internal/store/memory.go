package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexva/vault-engine/internal/model"
)

type assetKey struct {
	collection string
	asset      string
}

// MemoryStore implements Store with in-memory maps. Used for testing and
// single-node development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	vaultLog  []model.VaultRecord
	slots     map[assetKey]int64
	listings  map[assetKey]*model.Listing
	auctions  map[assetKey]*model.Auction
	events    []model.Event
	editors   map[string]bool
	whitelist map[string]bool
	params    *model.Params
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:     make(map[assetKey]int64),
		listings:  make(map[assetKey]*model.Listing),
		auctions:  make(map[assetKey]*model.Auction),
		editors:   make(map[string]bool),
		whitelist: make(map[string]bool),
	}
}

func (s *MemoryStore) AppendVaultRecord(_ context.Context, rec *model.VaultRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := int64(len(s.vaultLog)) + 1
	stored := *rec
	stored.Slot = slot
	s.vaultLog = append(s.vaultLog, stored)
	s.slots[assetKey{rec.Collection, rec.Asset}] = slot
	return slot, nil
}

func (s *MemoryStore) VaultSlot(_ context.Context, collection, asset string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[assetKey{collection, asset}], nil
}

func (s *MemoryStore) VaultRecordAt(_ context.Context, slot int64) (*model.VaultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if slot < 1 || slot > int64(len(s.vaultLog)) {
		return nil, fmt.Errorf("vault slot %d out of range", slot)
	}
	rec := s.vaultLog[slot-1]
	return &rec, nil
}

func (s *MemoryStore) SetVaultPresent(_ context.Context, slot int64, present bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 1 || slot > int64(len(s.vaultLog)) {
		return fmt.Errorf("vault slot %d out of range", slot)
	}
	s.vaultLog[slot-1].Present = present
	return nil
}

func (s *MemoryStore) SetVaultSlot(_ context.Context, collection, asset string, slot int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := assetKey{collection, asset}
	if slot == 0 {
		delete(s.slots, key)
		return nil
	}
	s.slots[key] = slot
	return nil
}

func (s *MemoryStore) ListVaultRecords(_ context.Context) ([]model.VaultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]model.VaultRecord, len(s.vaultLog))
	copy(records, s.vaultLog)
	return records, nil
}

func (s *MemoryStore) PutListing(_ context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	stored := *l
	s.listings[assetKey{l.Collection, l.Asset}] = &stored
	return nil
}

func (s *MemoryStore) GetListing(_ context.Context, collection, asset string) (*model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[assetKey{collection, asset}]
	if !ok {
		return nil, nil
	}
	out := *l
	return &out, nil
}

func (s *MemoryStore) ListActiveListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if l.Active {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteListing(_ context.Context, collection, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.listings, assetKey{collection, asset})
	return nil
}

func (s *MemoryStore) PutAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *a
	s.auctions[assetKey{a.Collection, a.Asset}] = &stored
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, collection, asset string) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[assetKey{collection, asset}]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) ListActiveAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Auction
	for _, a := range s.auctions {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteAuction(_ context.Context, collection, asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.auctions, assetKey{collection, asset})
	return nil
}

func (s *MemoryStore) InsertEvent(_ context.Context, ev *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]model.Event, len(s.events))
	copy(events, s.events)
	return events, nil
}

func (s *MemoryStore) ListEventsByKey(_ context.Context, collection, asset string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, ev := range s.events {
		if ev.Collection == collection && ev.Asset == asset {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) SetEditor(_ context.Context, id string, member bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if member {
		s.editors[id] = true
	} else {
		delete(s.editors, id)
	}
	return nil
}

func (s *MemoryStore) IsEditor(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editors[id], nil
}

func (s *MemoryStore) SetWhitelisted(_ context.Context, collection string, status bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status {
		s.whitelist[collection] = true
	} else {
		delete(s.whitelist, collection)
	}
	return nil
}

func (s *MemoryStore) IsWhitelisted(_ context.Context, collection string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.whitelist[collection], nil
}

func (s *MemoryStore) GetParams(_ context.Context) (*model.Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.params == nil {
		return nil, nil
	}
	out := *s.params
	return &out, nil
}

func (s *MemoryStore) PutParams(_ context.Context, p *model.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *p
	s.params = &stored
	return nil
}
