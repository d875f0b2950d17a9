package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nexva/vault-engine/internal/engine"
	"github.com/nexva/vault-engine/internal/model"
	"github.com/nexva/vault-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// fakeRegistry is an in-memory AssetRegistry with failure injection.
type fakeRegistry struct {
	owners    map[string]string // "collection/asset" -> owner
	failNext  bool
	transfers int
	onXfer    func() error // invoked before each transfer, for reentrancy tests
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{owners: make(map[string]string)}
}

func (r *fakeRegistry) key(collection, asset string) string {
	return collection + "/" + asset
}

func (r *fakeRegistry) OwnerOf(ctx context.Context, collection, asset string) (string, error) {
	owner, ok := r.owners[r.key(collection, asset)]
	if !ok {
		return "", fmt.Errorf("unknown asset %s/%s", collection, asset)
	}
	return owner, nil
}

func (r *fakeRegistry) Transfer(ctx context.Context, collection, from, to, asset string) error {
	if r.onXfer != nil {
		if err := r.onXfer(); err != nil {
			return err
		}
	}
	if r.failNext {
		r.failNext = false
		return errors.New("registry unavailable")
	}
	if r.owners[r.key(collection, asset)] != from {
		return fmt.Errorf("%s does not hold %s/%s", from, collection, asset)
	}
	r.owners[r.key(collection, asset)] = to
	r.transfers++
	return nil
}

// fakeLedger records disbursed payments with failure injection.
type fakeLedger struct {
	balances map[string]decimal.Decimal
	failNext bool
	calls    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]decimal.Decimal)}
}

func (l *fakeLedger) Disburse(ctx context.Context, payments []model.Payment) error {
	if l.failNext {
		l.failNext = false
		return errors.New("ledger unavailable")
	}
	for _, p := range payments {
		l.balances[p.To] = l.balances[p.To].Add(p.Amount)
	}
	l.calls++
	return nil
}

func (l *fakeLedger) balance(account string) decimal.Decimal {
	return l.balances[account]
}

type testEnv struct {
	eng      *engine.Engine
	store    *store.MemoryStore
	registry *fakeRegistry
	ledger   *fakeLedger
}

// newTestEnv boots an engine with an in-memory store, deployer "admin" as
// the only editor, and "treasury" as profit collector.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reg := newFakeRegistry()
	led := newFakeLedger()

	eng, err := engine.New(context.Background(), ms, reg, led, nil, engine.Config{
		Deployer:        "admin",
		ProfitCollector: "treasury",
	})
	if err != nil {
		t.Fatalf("engine boot failed: %v", err)
	}
	return &testEnv{eng: eng, store: ms, registry: reg, ledger: led}
}

// seedDeposit whitelists the collection, marks the custodian as external
// owner, and records the deposit.
func (env *testEnv) seedDeposit(t *testing.T, collection, asset, depositor string) {
	t.Helper()
	ctx := context.Background()
	if err := env.eng.SetWhitelisted(ctx, "admin", collection, true); err != nil {
		t.Fatalf("whitelist failed: %v", err)
	}
	env.registry.owners[env.registry.key(collection, asset)] = env.eng.Custodian()
	if err := env.eng.Deposit(ctx, collection, asset, depositor); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

// --- Deposit ---

func TestDeposit_RequiresWhitelist(t *testing.T) {
	env := newTestEnv(t)
	err := env.eng.Deposit(context.Background(), "kittens", "k1", "alice")
	if !errors.Is(err, engine.ErrNotWhitelisted) {
		t.Fatalf("expected ErrNotWhitelisted, got %v", err)
	}
}

func TestDeposit_InvalidKey(t *testing.T) {
	env := newTestEnv(t)
	err := env.eng.Deposit(context.Background(), "bad collection!", "k1", "alice")
	if !errors.Is(err, model.ErrInvalidAssetKey) {
		t.Fatalf("expected ErrInvalidAssetKey, got %v", err)
	}
	err = env.eng.Deposit(context.Background(), "kittens", "", "alice")
	if !errors.Is(err, model.ErrInvalidAssetKey) {
		t.Fatalf("expected ErrInvalidAssetKey for empty asset, got %v", err)
	}
}

func TestDeposit_RecordsSlot(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	ctx := context.Background()
	slot, err := env.store.VaultSlot(ctx, "kittens", "k1")
	if err != nil {
		t.Fatalf("slot lookup failed: %v", err)
	}
	if slot != 1 {
		t.Errorf("expected slot 1, got %d", slot)
	}
	rec, err := env.store.VaultRecordAt(ctx, slot)
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if !rec.Present || rec.Depositor != "alice" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

// --- Withdraw ---

func TestWithdraw_EditorOnly(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	err := env.eng.Withdraw(context.Background(), "mallory", "kittens", "k1", "mallory")
	if !errors.Is(err, engine.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestWithdraw_OnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	ctx := context.Background()
	if err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob"); err != nil {
		t.Fatalf("first withdraw failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k1"]; owner != "bob" {
		t.Errorf("expected bob to own asset, got %s", owner)
	}

	err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob")
	if !errors.Is(err, engine.ErrNotInVault) {
		t.Fatalf("expected ErrNotInVault on second withdraw, got %v", err)
	}
}

func TestWithdraw_RedepositGetsFreshSlot(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	ctx := context.Background()
	if err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob"); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	// Bob sends it back.
	env.registry.owners["kittens/k1"] = env.eng.Custodian()
	if err := env.eng.Deposit(ctx, "kittens", "k1", "bob"); err != nil {
		t.Fatalf("re-deposit failed: %v", err)
	}

	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 2 {
		t.Errorf("expected fresh slot 2, got %d", slot)
	}
	records, _ := env.store.ListVaultRecords(ctx)
	if len(records) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(records))
	}
	if records[0].Present {
		t.Error("first record should be absent after withdrawal")
	}
	if !records[1].Present || records[1].Depositor != "bob" {
		t.Errorf("unexpected second record: %+v", records[1])
	}
}

func TestWithdraw_TransferFailureRestoresVault(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.registry.failNext = true

	ctx := context.Background()
	if err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob"); err == nil {
		t.Fatal("expected withdraw to fail")
	}

	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected slot restored to 1, got %d", slot)
	}
	rec, _ := env.store.VaultRecordAt(ctx, 1)
	if !rec.Present {
		t.Error("record should still be present after failed withdraw")
	}
}

func TestWithdraw_RejectsListedAsset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(10)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob")
	if !errors.Is(err, engine.ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}

	// Listing and custody record are both untouched.
	l, _ := env.eng.Listing(ctx, "kittens", "k1")
	if l == nil || !l.Active {
		t.Error("listing should still be active")
	}
	rec, _ := env.store.VaultRecordAt(ctx, 1)
	if !rec.Present {
		t.Error("record should still be present")
	}

	// Cancelling the listing unblocks the withdrawal.
	if err := env.eng.CancelListing(ctx, "admin", "kittens", "k1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob"); err != nil {
		t.Fatalf("withdraw after cancel failed: %v", err)
	}
}

func TestWithdraw_RejectsAuctionedAsset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 2); err != nil {
		t.Fatalf("auction create failed: %v", err)
	}
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("bid failed: %v", err)
	}

	err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "carol")
	if !errors.Is(err, engine.ErrAlreadyInAuction) {
		t.Fatalf("expected ErrAlreadyInAuction, got %v", err)
	}

	// The auction remains settleable: the maxBids-reaching bid still works
	// and pays everyone out.
	if err := env.eng.PlaceBid(ctx, "carol", "kittens", "k1", d(110)); err != nil {
		t.Fatalf("settling bid failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k1"]; owner != "carol" {
		t.Errorf("expected carol to win, got %s", owner)
	}
	if !env.ledger.balance("bob").Equal(d(100)) {
		t.Errorf("expected bob refunded 100, got %s", env.ledger.balance("bob"))
	}
	if !env.ledger.balance("treasury").Equal(d(110)) {
		t.Errorf("expected treasury 110, got %s", env.ledger.balance("treasury"))
	}
}

// --- Batch withdraw ---

func TestWithdrawBatch_LengthMismatch(t *testing.T) {
	env := newTestEnv(t)
	err := env.eng.WithdrawBatch(context.Background(), "admin",
		[]string{"kittens", "kittens"}, []string{"k1"}, "bob")
	if !errors.Is(err, engine.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestWithdrawBatch_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.eng.SetMaxBatchSize(ctx, "admin", 2); err != nil {
		t.Fatalf("set batch size failed: %v", err)
	}

	err := env.eng.WithdrawBatch(ctx, "admin",
		[]string{"kittens", "kittens", "kittens"}, []string{"k1", "k2", "k3"}, "bob")
	if !errors.Is(err, engine.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestWithdrawBatch_DuplicateKeyRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	err := env.eng.WithdrawBatch(context.Background(), "admin",
		[]string{"kittens", "kittens"}, []string{"k1", "k1"}, "bob")
	if !errors.Is(err, engine.ErrNotInVault) {
		t.Fatalf("expected ErrNotInVault for duplicate key, got %v", err)
	}

	// Nothing moved.
	if owner := env.registry.owners["kittens/k1"]; owner != env.eng.Custodian() {
		t.Errorf("asset should remain in custody, owner=%s", owner)
	}
}

func TestWithdrawBatch_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "puppies", "p1", "alice")

	ctx := context.Background()
	err := env.eng.WithdrawBatch(ctx, "admin",
		[]string{"kittens", "kittens", "puppies"}, []string{"k1", "missing", "p1"}, "bob")
	if !errors.Is(err, engine.ErrNotInVault) {
		t.Fatalf("expected ErrNotInVault, got %v", err)
	}

	// No asset moved, no record flipped.
	for _, key := range []string{"kittens/k1", "puppies/p1"} {
		if owner := env.registry.owners[key]; owner != env.eng.Custodian() {
			t.Errorf("%s should remain in custody, owner=%s", key, owner)
		}
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected slot 1 intact, got %d", slot)
	}
}

func TestWithdrawBatch_RejectsEncumberedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "kittens", "k2", "alice")
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k2", d(10)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	err := env.eng.WithdrawBatch(ctx, "admin",
		[]string{"kittens", "kittens"}, []string{"k1", "k2"}, "bob")
	if !errors.Is(err, engine.ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}

	// Nothing moved, including the unencumbered key.
	for _, key := range []string{"kittens/k1", "kittens/k2"} {
		if owner := env.registry.owners[key]; owner != env.eng.Custodian() {
			t.Errorf("%s should remain in custody, owner=%s", key, owner)
		}
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected slot 1 intact, got %d", slot)
	}
}

func TestWithdrawBatch_Success(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "puppies", "p1", "alice")

	ctx := context.Background()
	if err := env.eng.WithdrawBatch(ctx, "admin",
		[]string{"kittens", "puppies"}, []string{"k1", "p1"}, "bob"); err != nil {
		t.Fatalf("batch withdraw failed: %v", err)
	}

	for _, key := range []string{"kittens/k1", "puppies/p1"} {
		if owner := env.registry.owners[key]; owner != "bob" {
			t.Errorf("%s should belong to bob, owner=%s", key, owner)
		}
	}
	events, _ := env.eng.Events(ctx, "kittens", "k1")
	last := events[len(events)-1]
	if last.Type != model.EventWithdrawal || last.Counterparty != "bob" {
		t.Errorf("unexpected last event: %+v", last)
	}
}

// --- Vault listings ---

func TestListVaultItem_AndBuy(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")

	ctx := context.Background()
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	// Underpaying and overpaying both fail: exact price only.
	err := env.eng.Buy(ctx, "bob", "kittens", "k1", d(99))
	if !errors.Is(err, engine.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment for underpay, got %v", err)
	}
	err = env.eng.Buy(ctx, "bob", "kittens", "k1", d(101))
	if !errors.Is(err, engine.ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment for overpay, got %v", err)
	}

	if err := env.eng.Buy(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if owner := env.registry.owners["kittens/k1"]; owner != "bob" {
		t.Errorf("expected bob to own asset, got %s", owner)
	}
	if !env.ledger.balance("treasury").Equal(d(100)) {
		t.Errorf("expected treasury to receive 100, got %s", env.ledger.balance("treasury"))
	}

	// Asset left the vault; a second buy finds nothing.
	err = env.eng.Buy(ctx, "carol", "kittens", "k1", d(100))
	if !errors.Is(err, engine.ErrNotListed) {
		t.Fatalf("expected ErrNotListed after sale, got %v", err)
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 0 {
		t.Errorf("expected vault index cleared, got slot %d", slot)
	}
}

func TestListVaultItem_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")
	ctx := context.Background()

	if err := env.eng.ListVaultItem(ctx, "bob", "kittens", "k1", d(10)); !errors.Is(err, engine.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied for non-editor, got %v", err)
	}
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", decimal.Zero); !errors.Is(err, engine.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice, got %v", err)
	}
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "missing", d(10)); !errors.Is(err, engine.ErrNotInVault) {
		t.Errorf("expected ErrNotInVault, got %v", err)
	}

	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(10)); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(20)); !errors.Is(err, engine.ErrAlreadyListed) {
		t.Errorf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestBuy_LedgerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, "kittens", "k1", "alice")
	ctx := context.Background()

	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	env.ledger.failNext = true
	if err := env.eng.Buy(ctx, "bob", "kittens", "k1", d(100)); err == nil {
		t.Fatal("expected buy to fail")
	}

	// Asset clawed back, listing still active, vault record intact.
	if owner := env.registry.owners["kittens/k1"]; owner != env.eng.Custodian() {
		t.Errorf("asset should be back in custody, owner=%s", owner)
	}
	l, _ := env.eng.Listing(ctx, "kittens", "k1")
	if l == nil || !l.Active {
		t.Error("listing should still be active after rollback")
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected vault slot restored, got %d", slot)
	}
	if !env.ledger.balance("treasury").IsZero() {
		t.Errorf("no payment should have landed, treasury=%s", env.ledger.balance("treasury"))
	}

	// And the operation succeeds once the ledger recovers.
	if err := env.eng.Buy(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("retry buy failed: %v", err)
	}
}

// --- User listings ---

func TestListUserItem_FeeAndRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.eng.SetWhitelisted(ctx, "admin", "kittens", true); err != nil {
		t.Fatalf("whitelist failed: %v", err)
	}
	if err := env.eng.SetListingFeeBps(ctx, "admin", 100); err != nil { // 1%
		t.Fatalf("set fee failed: %v", err)
	}
	env.registry.owners["kittens/k9"] = "alice"

	// Fee on price 1000 at 100 bps is 10; alice pays 15 and gets 5 back.
	if err := env.eng.ListUserItem(ctx, "alice", "kittens", "k9", d(1000), d(15)); err != nil {
		t.Fatalf("user listing failed: %v", err)
	}

	if owner := env.registry.owners["kittens/k9"]; owner != env.eng.Custodian() {
		t.Errorf("asset should be in custody, owner=%s", owner)
	}
	if !env.ledger.balance("treasury").Equal(d(10)) {
		t.Errorf("expected fee 10 to treasury, got %s", env.ledger.balance("treasury"))
	}
	if !env.ledger.balance("alice").Equal(d(5)) {
		t.Errorf("expected refund 5 to alice, got %s", env.ledger.balance("alice"))
	}
}

func TestListUserItem_FeeFloorsToZero(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.eng.SetWhitelisted(ctx, "admin", "kittens", true)
	env.eng.SetListingFeeBps(ctx, "admin", 100)
	env.registry.owners["kittens/k9"] = "alice"

	// floor(99 * 100 / 10000) = 0, so zero payment suffices.
	if err := env.eng.ListUserItem(ctx, "alice", "kittens", "k9", d(99), decimal.Zero); err != nil {
		t.Fatalf("user listing failed: %v", err)
	}
	if !env.ledger.balance("treasury").IsZero() {
		t.Errorf("expected no fee, treasury=%s", env.ledger.balance("treasury"))
	}
}

func TestListUserItem_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.eng.SetWhitelisted(ctx, "admin", "kittens", true)
	env.eng.SetListingFeeBps(ctx, "admin", 500)
	env.registry.owners["kittens/k9"] = "alice"

	if err := env.eng.ListUserItem(ctx, "alice", "puppies", "p1", d(10), d(10)); !errors.Is(err, engine.ErrNotWhitelisted) {
		t.Errorf("expected ErrNotWhitelisted, got %v", err)
	}
	if err := env.eng.ListUserItem(ctx, "bob", "kittens", "k9", d(10), d(10)); !errors.Is(err, engine.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	// Fee on 100 at 500 bps is 5.
	if err := env.eng.ListUserItem(ctx, "alice", "kittens", "k9", d(100), d(4)); !errors.Is(err, engine.ErrInsufficientPayment) {
		t.Errorf("expected ErrInsufficientPayment, got %v", err)
	}
}

func TestBuyUserListing_PaysSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.eng.SetWhitelisted(ctx, "admin", "kittens", true)
	env.registry.owners["kittens/k9"] = "alice"

	if err := env.eng.ListUserItem(ctx, "alice", "kittens", "k9", d(50), decimal.Zero); err != nil {
		t.Fatalf("user listing failed: %v", err)
	}
	if err := env.eng.Buy(ctx, "bob", "kittens", "k9", d(50)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	if owner := env.registry.owners["kittens/k9"]; owner != "bob" {
		t.Errorf("expected bob to own asset, got %s", owner)
	}
	if !env.ledger.balance("alice").Equal(d(50)) {
		t.Errorf("expected 50 to alice, got %s", env.ledger.balance("alice"))
	}
	if !env.ledger.balance("treasury").IsZero() {
		t.Errorf("treasury should get nothing, got %s", env.ledger.balance("treasury"))
	}
}

func TestCancelListing_Access(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(10))

	// Vault listing: editor only.
	if err := env.eng.CancelListing(ctx, "bob", "kittens", "k1"); !errors.Is(err, engine.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
	if err := env.eng.CancelListing(ctx, "admin", "kittens", "k1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	// Asset stays in the vault.
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected asset still vaulted at slot 1, got %d", slot)
	}

	// User listing: seller only, asset returned on cancel.
	env.registry.owners["kittens/k9"] = "carol"
	if err := env.eng.ListUserItem(ctx, "carol", "kittens", "k9", d(10), decimal.Zero); err != nil {
		t.Fatalf("user listing failed: %v", err)
	}
	if err := env.eng.CancelListing(ctx, "bob", "kittens", "k9"); !errors.Is(err, engine.ErrNotYourListing) {
		t.Errorf("expected ErrNotYourListing, got %v", err)
	}
	if err := env.eng.CancelListing(ctx, "carol", "kittens", "k9"); err != nil {
		t.Fatalf("seller cancel failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k9"]; owner != "carol" {
		t.Errorf("asset should return to carol, owner=%s", owner)
	}
}

func TestMassListVaultItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "kittens", "k2", "alice")
	env.seedDeposit(t, "kittens", "k3", "alice")

	// One item already listed; mass-list covers the rest.
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k2", d(7)); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	n, err := env.eng.MassListVaultItems(ctx, "admin", d(3))
	if err != nil {
		t.Fatalf("mass list failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 new listings, got %d", n)
	}

	// Repeat is a no-op.
	n, err = env.eng.MassListVaultItems(ctx, "admin", d(3))
	if err != nil {
		t.Fatalf("second mass list failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 new listings, got %d", n)
	}

	// k2 kept its original price.
	l, _ := env.eng.Listing(ctx, "kittens", "k2")
	if !l.Price.Equal(d(7)) {
		t.Errorf("expected k2 price 7, got %s", l.Price)
	}
}

func TestMassListVaultItems_UsesDefaultPrice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	if err := env.eng.SetDefaultListingPrice(ctx, "admin", d(42)); err != nil {
		t.Fatalf("set default failed: %v", err)
	}

	if _, err := env.eng.MassListVaultItems(ctx, "admin", decimal.Zero); err != nil {
		t.Fatalf("mass list failed: %v", err)
	}
	l, _ := env.eng.Listing(ctx, "kittens", "k1")
	if !l.Price.Equal(d(42)) {
		t.Errorf("expected default price 42, got %s", l.Price)
	}
}

func TestMassListVaultItems_BatchCap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "kittens", "k2", "alice")
	if err := env.eng.SetMaxBatchSize(ctx, "admin", 1); err != nil {
		t.Fatalf("set batch size failed: %v", err)
	}

	_, err := env.eng.MassListVaultItems(ctx, "admin", d(1))
	if !errors.Is(err, engine.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	listings, _ := env.eng.ActiveListings(ctx)
	if len(listings) != 0 {
		t.Errorf("expected no listings created, got %d", len(listings))
	}
}

// --- Auctions ---

func TestAuction_BidFlowAndAutoSettle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")

	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 3); err != nil {
		t.Fatalf("auction create failed: %v", err)
	}

	// First bid must reach the initial price.
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(99)); !errors.Is(err, engine.ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow, got %v", err)
	}
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}

	// Second bid must beat highest + step; the outbid bidder is refunded.
	if err := env.eng.PlaceBid(ctx, "carol", "kittens", "k1", d(105)); !errors.Is(err, engine.ErrBidTooLow) {
		t.Fatalf("expected ErrBidTooLow for sub-step raise, got %v", err)
	}
	if err := env.eng.PlaceBid(ctx, "carol", "kittens", "k1", d(110)); err != nil {
		t.Fatalf("second bid failed: %v", err)
	}
	if !env.ledger.balance("bob").Equal(d(100)) {
		t.Errorf("expected bob refunded 100, got %s", env.ledger.balance("bob"))
	}

	// Third bid hits maxBids and settles automatically.
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(120)); err != nil {
		t.Fatalf("third bid failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k1"]; owner != "bob" {
		t.Errorf("expected bob to win asset, got %s", owner)
	}
	// Carol refunded 110, treasury got the winning 120.
	if !env.ledger.balance("carol").Equal(d(110)) {
		t.Errorf("expected carol refunded 110, got %s", env.ledger.balance("carol"))
	}
	if !env.ledger.balance("treasury").Equal(d(120)) {
		t.Errorf("expected treasury 120, got %s", env.ledger.balance("treasury"))
	}

	a, _ := env.eng.Auction(ctx, "kittens", "k1")
	if a.Active {
		t.Error("auction should be settled")
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 0 {
		t.Errorf("expected vault index cleared, got slot %d", slot)
	}
}

func TestAuction_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")

	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", decimal.Zero, d(1), 3); !errors.Is(err, engine.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for zero initial, got %v", err)
	}
	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(10), d(-1), 3); !errors.Is(err, engine.ErrInvalidPrice) {
		t.Errorf("expected ErrInvalidPrice for negative step, got %v", err)
	}
	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(10), d(1), 0); !errors.Is(err, engine.ErrZeroMaxBids) {
		t.Errorf("expected ErrZeroMaxBids, got %v", err)
	}
	if err := env.eng.CreateVaultAuction(ctx, "bob", "kittens", "k1", d(10), d(1), 3); !errors.Is(err, engine.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(10), d(1), 3); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(10), d(1), 3); !errors.Is(err, engine.ErrAlreadyInAuction) {
		t.Errorf("expected ErrAlreadyInAuction, got %v", err)
	}
}

func TestAuction_ZeroStepAllowsEqualRebid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")

	if err := env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), decimal.Zero, 5); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("first bid failed: %v", err)
	}
	// With zero step an equal bid displaces the leader.
	if err := env.eng.PlaceBid(ctx, "carol", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("equal rebid failed: %v", err)
	}

	a, _ := env.eng.Auction(ctx, "kittens", "k1")
	if a.HighestBidder != "carol" {
		t.Errorf("expected carol leading, got %s", a.HighestBidder)
	}
	if !env.ledger.balance("bob").Equal(d(100)) {
		t.Errorf("expected bob refunded, got %s", env.ledger.balance("bob"))
	}
}

func TestEndAuction_EditorRequiredBeforeMaxBids(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 5)
	env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100))

	if err := env.eng.EndAuction(ctx, "carol", "kittens", "k1"); !errors.Is(err, engine.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied for early public end, got %v", err)
	}

	if err := env.eng.EndAuction(ctx, "admin", "kittens", "k1"); err != nil {
		t.Fatalf("editor end failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k1"]; owner != "bob" {
		t.Errorf("expected bob to win, got %s", owner)
	}
	if !env.ledger.balance("treasury").Equal(d(100)) {
		t.Errorf("expected treasury 100, got %s", env.ledger.balance("treasury"))
	}
}

func TestEndAuction_ZeroBidsVaultOwned(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 5)

	if err := env.eng.EndAuction(ctx, "admin", "kittens", "k1"); err != nil {
		t.Fatalf("end failed: %v", err)
	}

	// Asset stays vaulted, no payments, zero-price close recorded.
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected asset still vaulted, slot=%d", slot)
	}
	if env.ledger.calls != 0 {
		t.Errorf("expected no disbursements, got %d", env.ledger.calls)
	}
	events, _ := env.eng.Events(ctx, "kittens", "k1")
	last := events[len(events)-1]
	if last.Type != model.EventAuctionEnded || !last.Amount.IsZero() {
		t.Errorf("expected zero-amount auction_ended, got %+v", last)
	}
}

func TestUserAuction_ZeroBidsReturnsAsset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.eng.SetWhitelisted(ctx, "admin", "kittens", true)
	env.registry.owners["kittens/k9"] = "alice"

	if err := env.eng.CreateUserAuction(ctx, "alice", "kittens", "k9", d(100), d(10), 5, decimal.Zero); err != nil {
		t.Fatalf("user auction failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k9"]; owner != env.eng.Custodian() {
		t.Errorf("asset should be in custody, owner=%s", owner)
	}

	if err := env.eng.EndAuction(ctx, "admin", "kittens", "k9"); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if owner := env.registry.owners["kittens/k9"]; owner != "alice" {
		t.Errorf("asset should return to alice, owner=%s", owner)
	}
}

func TestUserAuction_SoldPaysSeller(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.eng.SetWhitelisted(ctx, "admin", "kittens", true)
	env.registry.owners["kittens/k9"] = "alice"

	if err := env.eng.CreateUserAuction(ctx, "alice", "kittens", "k9", d(100), d(10), 1, decimal.Zero); err != nil {
		t.Fatalf("user auction failed: %v", err)
	}
	// maxBids=1: the first valid bid settles immediately.
	if err := env.eng.PlaceBid(ctx, "bob", "kittens", "k9", d(100)); err != nil {
		t.Fatalf("bid failed: %v", err)
	}

	if owner := env.registry.owners["kittens/k9"]; owner != "bob" {
		t.Errorf("expected bob to win, got %s", owner)
	}
	if !env.ledger.balance("alice").Equal(d(100)) {
		t.Errorf("expected alice paid 100, got %s", env.ledger.balance("alice"))
	}
}

func TestCancelAuction_RefundsHighestBid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 5)
	env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100))

	if err := env.eng.CancelAuction(ctx, "carol", "kittens", "k1"); !errors.Is(err, engine.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if err := env.eng.CancelAuction(ctx, "admin", "kittens", "k1"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if !env.ledger.balance("bob").Equal(d(100)) {
		t.Errorf("expected bob refunded 100, got %s", env.ledger.balance("bob"))
	}
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("asset should stay vaulted, slot=%d", slot)
	}
	// The asset can be listed again.
	if err := env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(50)); err != nil {
		t.Fatalf("relist after cancel failed: %v", err)
	}
}

func TestBid_FailedRefundRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.CreateVaultAuction(ctx, "admin", "kittens", "k1", d(100), d(10), 5)
	env.eng.PlaceBid(ctx, "bob", "kittens", "k1", d(100))

	env.ledger.failNext = true
	if err := env.eng.PlaceBid(ctx, "carol", "kittens", "k1", d(110)); err == nil {
		t.Fatal("expected bid to fail")
	}

	a, _ := env.eng.Auction(ctx, "kittens", "k1")
	if a.HighestBidder != "bob" || !a.HighestBid.Equal(d(100)) || a.BidCount != 1 {
		t.Errorf("auction state should be unchanged: %+v", a)
	}
}

func TestMassAuctionVaultItems(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.seedDeposit(t, "kittens", "k2", "alice")
	if err := env.eng.SetDefaultAuction(ctx, "admin", d(25), d(5), 4); err != nil {
		t.Fatalf("set defaults failed: %v", err)
	}

	n, err := env.eng.MassAuctionVaultItems(ctx, "admin")
	if err != nil {
		t.Fatalf("mass auction failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 auctions, got %d", n)
	}

	a, _ := env.eng.Auction(ctx, "kittens", "k1")
	if !a.InitialPrice.Equal(d(25)) || !a.MinStep.Equal(d(5)) || a.MaxBids != 4 {
		t.Errorf("unexpected auction terms: %+v", a)
	}

	// Repeat is a no-op.
	n, err = env.eng.MassAuctionVaultItems(ctx, "admin")
	if err != nil {
		t.Fatalf("second mass auction failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 new auctions, got %d", n)
	}
}

// --- Admin and parameters ---

func TestEditors_AddRemove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.AddEditor(ctx, "bob", "carol"); !errors.Is(err, engine.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
	if err := env.eng.AddEditor(ctx, "admin", "bob"); err != nil {
		t.Fatalf("add editor failed: %v", err)
	}
	if err := env.eng.AddEditor(ctx, "admin", "bob"); !errors.Is(err, engine.ErrAlreadyEditor) {
		t.Errorf("expected ErrAlreadyEditor, got %v", err)
	}

	// The new editor can act.
	env.seedDeposit(t, "kittens", "k1", "alice")
	if err := env.eng.Withdraw(ctx, "bob", "kittens", "k1", "alice"); err != nil {
		t.Fatalf("new editor withdraw failed: %v", err)
	}

	if err := env.eng.RemoveEditor(ctx, "admin", "bob"); err != nil {
		t.Fatalf("remove editor failed: %v", err)
	}
	if err := env.eng.RemoveEditor(ctx, "admin", "bob"); !errors.Is(err, engine.ErrNotEditor) {
		t.Errorf("expected ErrNotEditor, got %v", err)
	}
}

func TestRestart_PreservesEditorSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The editors hand over control and remove the deployer.
	if err := env.eng.AddEditor(ctx, "admin", "bob"); err != nil {
		t.Fatalf("add editor failed: %v", err)
	}
	if err := env.eng.RemoveEditor(ctx, "bob", "admin"); err != nil {
		t.Fatalf("remove editor failed: %v", err)
	}

	// A restart over the same store must not resurrect the deployer.
	eng2, err := engine.New(ctx, env.store, env.registry, env.ledger, nil, engine.Config{
		Deployer:        "admin",
		ProfitCollector: "treasury",
	})
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if ok, _ := env.store.IsEditor(ctx, "admin"); ok {
		t.Error("removed deployer regained editorship across restart")
	}
	if ok, _ := env.store.IsEditor(ctx, "bob"); !ok {
		t.Error("surviving editor lost membership across restart")
	}

	// The surviving editor keeps working through the new engine.
	if err := eng2.SetWhitelisted(ctx, "bob", "kittens", true); err != nil {
		t.Errorf("surviving editor rejected after restart: %v", err)
	}
	if err := eng2.SetWhitelisted(ctx, "admin", "puppies", true); err == nil {
		t.Error("removed deployer accepted after restart")
	}
}

func TestSetFee_Bounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.eng.SetListingFeeBps(ctx, "admin", 10001); !errors.Is(err, engine.ErrFeeTooHigh) {
		t.Errorf("expected ErrFeeTooHigh, got %v", err)
	}
	if err := env.eng.SetListingFeeBps(ctx, "admin", -1); !errors.Is(err, engine.ErrFeeTooHigh) {
		t.Errorf("expected ErrFeeTooHigh for negative, got %v", err)
	}
	if err := env.eng.SetListingFeeBps(ctx, "admin", 10000); err != nil {
		t.Errorf("10000 bps should be allowed: %v", err)
	}
	if err := env.eng.SetAuctionFeeBps(ctx, "admin", 250); err != nil {
		t.Errorf("set auction fee failed: %v", err)
	}

	p, _ := env.eng.Params(ctx)
	if p.ListingFeeBps != 10000 || p.AuctionFeeBps != 250 {
		t.Errorf("unexpected params: %+v", p)
	}
}

func TestSetProfitCollector_RedirectsProceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(100))

	if err := env.eng.SetProfitCollector(ctx, "admin", "newtreasury"); err != nil {
		t.Fatalf("set collector failed: %v", err)
	}
	if err := env.eng.Buy(ctx, "bob", "kittens", "k1", d(100)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !env.ledger.balance("newtreasury").Equal(d(100)) {
		t.Errorf("expected proceeds at new collector, got %s", env.ledger.balance("newtreasury"))
	}
}

// --- Reentrancy ---

func TestReentrantCallRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")

	// The registry calls back into the engine mid-transfer.
	var nested error
	env.registry.onXfer = func() error {
		nested = env.eng.Deposit(ctx, "kittens", "k2", "mallory")
		return nested
	}

	err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob")
	if err == nil {
		t.Fatal("expected withdraw to fail")
	}
	if !errors.Is(nested, engine.ErrReentrantCall) {
		t.Fatalf("expected nested call to hit ErrReentrantCall, got %v", nested)
	}

	// The outer operation rolled back.
	slot, _ := env.store.VaultSlot(ctx, "kittens", "k1")
	if slot != 1 {
		t.Errorf("expected vault state restored, slot=%d", slot)
	}

	// And the engine is usable again afterwards.
	env.registry.onXfer = nil
	if err := env.eng.Withdraw(ctx, "admin", "kittens", "k1", "bob"); err != nil {
		t.Fatalf("post-recovery withdraw failed: %v", err)
	}
}

// --- Audit trail ---

func TestEvents_RecordedPerKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedDeposit(t, "kittens", "k1", "alice")
	env.eng.ListVaultItem(ctx, "admin", "kittens", "k1", d(10))
	env.eng.Buy(ctx, "bob", "kittens", "k1", d(10))

	events, err := env.eng.Events(ctx, "kittens", "k1")
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	want := []string{model.EventDeposit, model.EventListingCreated, model.EventListingPurchased}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}

	// Failed operations leave no events.
	before := len(events)
	if err := env.eng.Buy(ctx, "carol", "kittens", "k1", d(10)); err == nil {
		t.Fatal("expected buy of sold item to fail")
	}
	events, _ = env.eng.Events(ctx, "kittens", "k1")
	if len(events) != before {
		t.Errorf("failed operation added events: %d -> %d", before, len(events))
	}
}
