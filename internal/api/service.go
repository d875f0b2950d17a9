// Package api provides the HTTP surface of the vault engine: custody,
// listing, auction, and administrative operations plus the read-only query
// endpoints over vault contents and the audit trail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/engine"
	"github.com/nexva/vault-engine/internal/metrics"
	"github.com/nexva/vault-engine/internal/model"
)

// Service exposes engine operations over HTTP. Acting identity travels in
// the request body; the substrate's identity verification sits in front of
// this service and is out of scope here.
type Service struct {
	engine *engine.Engine
}

// NewService creates a new API service around an engine.
func NewService(eng *engine.Engine) *Service {
	return &Service{engine: eng}
}

// Routes returns the API router, mounted by main under /api/v1.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/vault", s.GetVault)
	r.Post("/vault/deposits", s.Deposit)
	r.Post("/vault/withdrawals", s.Withdraw)
	r.Post("/vault/withdrawals/batch", s.WithdrawBatch)

	r.Get("/listings", s.GetListings)
	r.Get("/listings/{collection}/{asset}", s.GetListing)
	r.Post("/listings", s.ListUserItem)
	r.Post("/listings/vault", s.ListVaultItem)
	r.Post("/listings/vault/mass", s.MassListVaultItems)
	r.Post("/listings/purchase", s.Buy)
	r.Post("/listings/cancel", s.CancelListing)

	r.Get("/auctions", s.GetAuctions)
	r.Get("/auctions/{collection}/{asset}", s.GetAuction)
	r.Post("/auctions", s.CreateUserAuction)
	r.Post("/auctions/vault", s.CreateVaultAuction)
	r.Post("/auctions/vault/mass", s.MassAuctionVaultItems)
	r.Post("/auctions/bids", s.PlaceBid)
	r.Post("/auctions/end", s.EndAuction)
	r.Post("/auctions/cancel", s.CancelAuction)

	r.Get("/events", s.GetEvents)
	r.Get("/events/{collection}/{asset}", s.GetEventsByKey)
	r.Get("/params", s.GetParams)

	r.Post("/admin/editors/add", s.AddEditor)
	r.Post("/admin/editors/remove", s.RemoveEditor)
	r.Post("/admin/whitelist", s.SetWhitelisted)
	r.Post("/admin/profit-collector", s.SetProfitCollector)
	r.Post("/admin/fees/listing", s.SetListingFee)
	r.Post("/admin/fees/auction", s.SetAuctionFee)
	r.Post("/admin/defaults/listing-price", s.SetDefaultListingPrice)
	r.Post("/admin/defaults/auction", s.SetDefaultAuction)
	r.Post("/admin/batch-limit", s.SetMaxBatchSize)

	return r
}

// --- Request types ---

type depositRequest struct {
	Collection string `json:"collection"`
	Asset      string `json:"asset"`
	Depositor  string `json:"depositor"`
}

type assetRequest struct {
	Actor      string `json:"actor"`
	Collection string `json:"collection"`
	Asset      string `json:"asset"`
}

type withdrawRequest struct {
	assetRequest
	To string `json:"to"`
}

type batchWithdrawRequest struct {
	Actor       string   `json:"actor"`
	Collections []string `json:"collections"`
	Assets      []string `json:"assets"`
	To          string   `json:"to"`
}

type listRequest struct {
	assetRequest
	Price     decimal.Decimal `json:"price"`
	PaidValue decimal.Decimal `json:"paid_value"`
}

type massListRequest struct {
	Actor        string          `json:"actor"`
	DefaultPrice decimal.Decimal `json:"default_price"`
}

type paymentRequest struct {
	assetRequest
	PaidValue decimal.Decimal `json:"paid_value"`
}

type auctionRequest struct {
	assetRequest
	InitialPrice decimal.Decimal `json:"initial_price"`
	MinStep      decimal.Decimal `json:"min_step"`
	MaxBids      int             `json:"max_bids"`
	PaidValue    decimal.Decimal `json:"paid_value"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type editorRequest struct {
	Actor  string `json:"actor"`
	Editor string `json:"editor"`
}

type whitelistRequest struct {
	Actor      string `json:"actor"`
	Collection string `json:"collection"`
	Status     bool   `json:"status"`
}

type collectorRequest struct {
	Actor     string `json:"actor"`
	Collector string `json:"collector"`
}

type feeRequest struct {
	Actor string `json:"actor"`
	Bps   int64  `json:"bps"`
}

type priceRequest struct {
	Actor string          `json:"actor"`
	Price decimal.Decimal `json:"price"`
}

type auctionDefaultsRequest struct {
	Actor        string          `json:"actor"`
	InitialPrice decimal.Decimal `json:"initial_price"`
	MinStep      decimal.Decimal `json:"min_step"`
	MaxBids      int             `json:"max_bids"`
}

type batchLimitRequest struct {
	Actor string `json:"actor"`
	Size  int    `json:"size"`
}

// --- Vault handlers ---

// Deposit handles POST /vault/deposits: the deposit acknowledgment hook. The
// fixed ack value in the response is the signal for the triggering transfer
// to proceed; any error status reverts it.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Deposit(r.Context(), req.Collection, req.Asset, req.Depositor); err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"ack": model.DepositAck})
}

// Withdraw handles POST /vault/withdrawals.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Withdraw(r.Context(), req.Actor, req.Collection, req.Asset, req.To); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

// WithdrawBatch handles POST /vault/withdrawals/batch.
func (s *Service) WithdrawBatch(w http.ResponseWriter, r *http.Request) {
	var req batchWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.WithdrawBatch(r.Context(), req.Actor, req.Collections, req.Assets, req.To); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "withdrawn", "count": len(req.Collections),
	})
}

// GetVault handles GET /vault: the full custody log.
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.VaultContents(r.Context())
	if err != nil {
		writeError(w, "failed to list vault", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.VaultRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Listing handlers ---

func (s *Service) ListVaultItem(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.ListVaultItem(r.Context(), req.Actor, req.Collection, req.Asset, req.Price); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "listed"})
}

func (s *Service) MassListVaultItems(w http.ResponseWriter, r *http.Request) {
	var req massListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n, err := s.engine.MassListVaultItems(r.Context(), req.Actor, req.DefaultPrice)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"listed": n})
}

func (s *Service) ListUserItem(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.ListUserItem(r.Context(), req.Actor, req.Collection, req.Asset, req.Price, req.PaidValue); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "listed"})
}

func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Buy(r.Context(), req.Actor, req.Collection, req.Asset, req.PaidValue); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purchased"})
}

func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelListing(r.Context(), req.Actor, req.Collection, req.Asset); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Service) GetListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.engine.ActiveListings(r.Context())
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	asset := chi.URLParam(r, "asset")

	l, err := s.engine.Listing(r.Context(), collection, asset)
	if err != nil {
		writeError(w, "failed to get listing", http.StatusInternalServerError)
		return
	}
	if l == nil {
		writeError(w, "listing not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Auction handlers ---

func (s *Service) CreateVaultAuction(w http.ResponseWriter, r *http.Request) {
	var req auctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.CreateVaultAuction(r.Context(), req.Actor, req.Collection, req.Asset,
		req.InitialPrice, req.MinStep, req.MaxBids); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "auction_created"})
}

func (s *Service) MassAuctionVaultItems(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n, err := s.engine.MassAuctionVaultItems(r.Context(), req.Actor)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"auctioned": n})
}

func (s *Service) CreateUserAuction(w http.ResponseWriter, r *http.Request) {
	var req auctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.CreateUserAuction(r.Context(), req.Actor, req.Collection, req.Asset,
		req.InitialPrice, req.MinStep, req.MaxBids, req.PaidValue); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "auction_created"})
}

func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.PlaceBid(r.Context(), req.Actor, req.Collection, req.Asset, req.PaidValue); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "bid_placed"})
}

func (s *Service) EndAuction(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.EndAuction(r.Context(), req.Actor, req.Collection, req.Asset); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "auction_ended"})
}

func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.CancelAuction(r.Context(), req.Actor, req.Collection, req.Asset); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Service) GetAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := s.engine.ActiveAuctions(r.Context())
	if err != nil {
		writeError(w, "failed to list auctions", http.StatusInternalServerError)
		return
	}
	if auctions == nil {
		auctions = []model.Auction{}
	}
	writeJSON(w, http.StatusOK, auctions)
}

func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	asset := chi.URLParam(r, "asset")

	a, err := s.engine.Auction(r.Context(), collection, asset)
	if err != nil {
		writeError(w, "failed to get auction", http.StatusInternalServerError)
		return
	}
	if a == nil {
		writeError(w, "auction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Audit trail ---

func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.Events(r.Context(), "", "")
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Service) GetEventsByKey(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	asset := chi.URLParam(r, "asset")

	events, err := s.engine.Events(r.Context(), collection, asset)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Service) GetParams(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Params(r.Context())
	if err != nil {
		writeError(w, "failed to get params", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Admin handlers ---

func (s *Service) AddEditor(w http.ResponseWriter, r *http.Request) {
	var req editorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.AddEditor(r.Context(), req.Actor, req.Editor); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "editor_added"})
}

func (s *Service) RemoveEditor(w http.ResponseWriter, r *http.Request) {
	var req editorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.RemoveEditor(r.Context(), req.Actor, req.Editor); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "editor_removed"})
}

func (s *Service) SetWhitelisted(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetWhitelisted(r.Context(), req.Actor, req.Collection, req.Status); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "whitelist_updated"})
}

func (s *Service) SetProfitCollector(w http.ResponseWriter, r *http.Request) {
	var req collectorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetProfitCollector(r.Context(), req.Actor, req.Collector); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "collector_updated"})
}

func (s *Service) SetListingFee(w http.ResponseWriter, r *http.Request) {
	s.setFee(w, r, s.engine.SetListingFeeBps)
}

func (s *Service) SetAuctionFee(w http.ResponseWriter, r *http.Request) {
	s.setFee(w, r, s.engine.SetAuctionFeeBps)
}

func (s *Service) setFee(w http.ResponseWriter, r *http.Request, set func(ctx context.Context, actor string, bps int64) error) {
	var req feeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := set(r.Context(), req.Actor, req.Bps); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fee_updated"})
}

func (s *Service) SetDefaultListingPrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetDefaultListingPrice(r.Context(), req.Actor, req.Price); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "default_updated"})
}

func (s *Service) SetDefaultAuction(w http.ResponseWriter, r *http.Request) {
	var req auctionDefaultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetDefaultAuction(r.Context(), req.Actor, req.InitialPrice, req.MinStep, req.MaxBids); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "default_updated"})
}

func (s *Service) SetMaxBatchSize(w http.ResponseWriter, r *http.Request) {
	var req batchLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetMaxBatchSize(r.Context(), req.Actor, req.Size); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "limit_updated"})
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine sentinel errors to HTTP status codes and
// counts the rejection under the request path.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.OperationsRejected.WithLabelValues(r.URL.Path).Inc()
	writeError(w, err.Error(), statusFor(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAccessDenied),
		errors.Is(err, engine.ErrNotOwner),
		errors.Is(err, engine.ErrNotYourListing),
		errors.Is(err, engine.ErrNotYourAuction),
		errors.Is(err, engine.ErrNotWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotInVault),
		errors.Is(err, engine.ErrNotListed),
		errors.Is(err, engine.ErrNotInAuction):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyListed),
		errors.Is(err, engine.ErrAlreadyInAuction),
		errors.Is(err, engine.ErrAlreadyEditor),
		errors.Is(err, engine.ErrNotEditor),
		errors.Is(err, engine.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientPayment),
		errors.Is(err, engine.ErrBidTooLow):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}
