package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendVaultRecord(ctx context.Context, rec *model.VaultRecord) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var slot int64
	err = tx.QueryRow(ctx,
		`INSERT INTO vault_log (collection, asset, depositor, present, deposited_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING slot`,
		rec.Collection, rec.Asset, rec.Depositor, rec.Present, rec.DepositedAt,
	).Scan(&slot)
	if err != nil {
		return 0, fmt.Errorf("append vault record: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO vault_index (collection, asset, slot) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, asset) DO UPDATE SET slot = EXCLUDED.slot`,
		rec.Collection, rec.Asset, slot,
	)
	if err != nil {
		return 0, fmt.Errorf("update vault index: %w", err)
	}

	return slot, tx.Commit(ctx)
}

func (s *PostgresStore) VaultSlot(ctx context.Context, collection, asset string) (int64, error) {
	var slot int64
	err := s.pool.QueryRow(ctx,
		`SELECT slot FROM vault_index WHERE collection = $1 AND asset = $2`,
		collection, asset).Scan(&slot)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return slot, nil
}

func (s *PostgresStore) VaultRecordAt(ctx context.Context, slot int64) (*model.VaultRecord, error) {
	var rec model.VaultRecord
	err := s.pool.QueryRow(ctx,
		`SELECT slot, collection, asset, depositor, present, deposited_at
		 FROM vault_log WHERE slot = $1`, slot).
		Scan(&rec.Slot, &rec.Collection, &rec.Asset, &rec.Depositor, &rec.Present, &rec.DepositedAt)
	if err != nil {
		return nil, fmt.Errorf("get vault record at slot %d: %w", slot, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SetVaultPresent(ctx context.Context, slot int64, present bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE vault_log SET present = $2 WHERE slot = $1`, slot, present)
	return err
}

func (s *PostgresStore) SetVaultSlot(ctx context.Context, collection, asset string, slot int64) error {
	if slot == 0 {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM vault_index WHERE collection = $1 AND asset = $2`,
			collection, asset)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO vault_index (collection, asset, slot) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, asset) DO UPDATE SET slot = EXCLUDED.slot`,
		collection, asset, slot)
	return err
}

func (s *PostgresStore) ListVaultRecords(ctx context.Context) ([]model.VaultRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT slot, collection, asset, depositor, present, deposited_at
		 FROM vault_log ORDER BY slot`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.VaultRecord
	for rows.Next() {
		var rec model.VaultRecord
		if err := rows.Scan(&rec.Slot, &rec.Collection, &rec.Asset,
			&rec.Depositor, &rec.Present, &rec.DepositedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) PutListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (collection, asset, seller, price, active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (collection, asset) DO UPDATE
		 SET seller = EXCLUDED.seller, price = EXCLUDED.price,
		     active = EXCLUDED.active, created_at = EXCLUDED.created_at`,
		l.Collection, l.Asset, l.Seller, l.Price.String(), l.Active, l.CreatedAt)
	return err
}

func (s *PostgresStore) GetListing(ctx context.Context, collection, asset string) (*model.Listing, error) {
	var l model.Listing
	var price string

	err := s.pool.QueryRow(ctx,
		`SELECT collection, asset, seller, price::TEXT, active, created_at
		 FROM listings WHERE collection = $1 AND asset = $2`,
		collection, asset).
		Scan(&l.Collection, &l.Asset, &l.Seller, &price, &l.Active, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get listing %s/%s: %w", collection, asset, err)
	}

	l.Price, _ = decimal.NewFromString(price)
	return &l, nil
}

func (s *PostgresStore) ListActiveListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection, asset, seller, price::TEXT, active, created_at
		 FROM listings WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var price string
		if err := rows.Scan(&l.Collection, &l.Asset, &l.Seller, &price, &l.Active, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Price, _ = decimal.NewFromString(price)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) DeleteListing(ctx context.Context, collection, asset string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM listings WHERE collection = $1 AND asset = $2`, collection, asset)
	return err
}

func (s *PostgresStore) PutAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auctions (collection, asset, seller, initial_price, min_step,
		                       max_bids, bid_count, highest_bidder, highest_bid, active, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11)
		 ON CONFLICT (collection, asset) DO UPDATE
		 SET seller = EXCLUDED.seller, initial_price = EXCLUDED.initial_price,
		     min_step = EXCLUDED.min_step, max_bids = EXCLUDED.max_bids,
		     bid_count = EXCLUDED.bid_count, highest_bidder = EXCLUDED.highest_bidder,
		     highest_bid = EXCLUDED.highest_bid, active = EXCLUDED.active,
		     created_at = EXCLUDED.created_at`,
		a.Collection, a.Asset, a.Seller, a.InitialPrice.String(), a.MinStep.String(),
		a.MaxBids, a.BidCount, a.HighestBidder, a.HighestBid.String(), a.Active, a.CreatedAt)
	return err
}

func (s *PostgresStore) GetAuction(ctx context.Context, collection, asset string) (*model.Auction, error) {
	var a model.Auction
	var initial, step, bid string

	err := s.pool.QueryRow(ctx,
		`SELECT collection, asset, seller, initial_price::TEXT, min_step::TEXT,
		        max_bids, bid_count, highest_bidder, highest_bid::TEXT, active, created_at
		 FROM auctions WHERE collection = $1 AND asset = $2`,
		collection, asset).
		Scan(&a.Collection, &a.Asset, &a.Seller, &initial, &step,
			&a.MaxBids, &a.BidCount, &a.HighestBidder, &bid, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auction %s/%s: %w", collection, asset, err)
	}

	a.InitialPrice, _ = decimal.NewFromString(initial)
	a.MinStep, _ = decimal.NewFromString(step)
	a.HighestBid, _ = decimal.NewFromString(bid)
	return &a, nil
}

func (s *PostgresStore) ListActiveAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT collection, asset, seller, initial_price::TEXT, min_step::TEXT,
		        max_bids, bid_count, highest_bidder, highest_bid::TEXT, active, created_at
		 FROM auctions WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		var a model.Auction
		var initial, step, bid string
		if err := rows.Scan(&a.Collection, &a.Asset, &a.Seller, &initial, &step,
			&a.MaxBids, &a.BidCount, &a.HighestBidder, &bid, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.InitialPrice, _ = decimal.NewFromString(initial)
		a.MinStep, _ = decimal.NewFromString(step)
		a.HighestBid, _ = decimal.NewFromString(bid)
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) DeleteAuction(ctx context.Context, collection, asset string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM auctions WHERE collection = $1 AND asset = $2`, collection, asset)
	return err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, type, actor, collection, asset, amount, counterparty, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)`,
		ev.ID, ev.Type, ev.Actor, ev.Collection, ev.Asset,
		ev.Amount.String(), ev.Counterparty, ev.Timestamp)
	return err
}

func (s *PostgresStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, actor, collection, asset, amount::TEXT, counterparty, timestamp
		 FROM events ORDER BY timestamp`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) ListEventsByKey(ctx context.Context, collection, asset string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, actor, collection, asset, amount::TEXT, counterparty, timestamp
		 FROM events WHERE collection = $1 AND asset = $2 ORDER BY timestamp`,
		collection, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) SetEditor(ctx context.Context, id string, member bool) error {
	if !member {
		_, err := s.pool.Exec(ctx, `DELETE FROM editors WHERE id = $1`, id)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO editors (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	return err
}

func (s *PostgresStore) IsEditor(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM editors WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) SetWhitelisted(ctx context.Context, collection string, status bool) error {
	if !status {
		_, err := s.pool.Exec(ctx, `DELETE FROM whitelist WHERE collection = $1`, collection)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO whitelist (collection) VALUES ($1) ON CONFLICT (collection) DO NOTHING`,
		collection)
	return err
}

func (s *PostgresStore) IsWhitelisted(ctx context.Context, collection string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM whitelist WHERE collection = $1)`, collection).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) GetParams(ctx context.Context) (*model.Params, error) {
	var p model.Params
	var listingPrice, auctionPrice, auctionStep string

	err := s.pool.QueryRow(ctx,
		`SELECT profit_collector, listing_fee_bps, auction_fee_bps,
		        default_listing_price::TEXT, default_auction_price::TEXT,
		        default_auction_step::TEXT, default_auction_bids, max_batch_size
		 FROM params WHERE id = 1`).
		Scan(&p.ProfitCollector, &p.ListingFeeBps, &p.AuctionFeeBps,
			&listingPrice, &auctionPrice, &auctionStep,
			&p.DefaultAuctionBids, &p.MaxBatchSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}

	p.DefaultListingPrice, _ = decimal.NewFromString(listingPrice)
	p.DefaultAuctionPrice, _ = decimal.NewFromString(auctionPrice)
	p.DefaultAuctionStep, _ = decimal.NewFromString(auctionStep)
	return &p, nil
}

func (s *PostgresStore) PutParams(ctx context.Context, p *model.Params) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO params (id, profit_collector, listing_fee_bps, auction_fee_bps,
		                     default_listing_price, default_auction_price,
		                     default_auction_step, default_auction_bids, max_batch_size)
		 VALUES (1, $1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET profit_collector = EXCLUDED.profit_collector,
		     listing_fee_bps = EXCLUDED.listing_fee_bps,
		     auction_fee_bps = EXCLUDED.auction_fee_bps,
		     default_listing_price = EXCLUDED.default_listing_price,
		     default_auction_price = EXCLUDED.default_auction_price,
		     default_auction_step = EXCLUDED.default_auction_step,
		     default_auction_bids = EXCLUDED.default_auction_bids,
		     max_batch_size = EXCLUDED.max_batch_size`,
		p.ProfitCollector, p.ListingFeeBps, p.AuctionFeeBps,
		p.DefaultListingPrice.String(), p.DefaultAuctionPrice.String(),
		p.DefaultAuctionStep.String(), p.DefaultAuctionBids, p.MaxBatchSize)
	return err
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var amount string

		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Actor, &ev.Collection, &ev.Asset,
			&amount, &ev.Counterparty, &ev.Timestamp); err != nil {
			return nil, err
		}

		ev.Amount, _ = decimal.NewFromString(amount)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}
