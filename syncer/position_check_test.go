package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"copytrade-worker/api"
	"copytrade-worker/config"
	"copytrade-worker/models"
	"copytrade-worker/storage"

	"github.com/shopspring/decimal"
)

type fakeMarket struct {
	mu        sync.Mutex
	positions map[string][]api.OpenPosition // wallet -> snapshot
	posErr    error
	prices    map[string]decimal.Decimal // market_outcome -> price
	priceErr  error
	redeems   []api.RedeemRequest
	redeemErr error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		positions: make(map[string][]api.OpenPosition),
		prices:    make(map[string]decimal.Decimal),
	}
}

func (f *fakeMarket) GetOpenPositions(ctx context.Context, wallet string) ([]api.OpenPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.positions[wallet], nil
}

func (f *fakeMarket) GetMarketPrice(ctx context.Context, marketID string, outcomeIndex int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return decimal.Zero, f.priceErr
	}
	return f.prices[fmt.Sprintf("%s_%d", marketID, outcomeIndex)], nil
}

func (f *fakeMarket) RedeemPosition(ctx context.Context, req api.RedeemRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.redeemErr != nil {
		return "", f.redeemErr
	}
	f.redeems = append(f.redeems, req)
	return "0xredeemtx", nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

const testAccountWallet = "0x2222222222222222222222222222222222222222"

func newTestChecker(store *storage.MemoryStore, market *fakeMarket, notifier Notifier) *PositionChecker {
	tracker := NewOrderTracker(store)
	return NewPositionChecker(config.Default().Reconcile, store, market, tracker, notifier)
}

func numeric(s string) api.Numeric {
	return api.Numeric{Decimal: decimal.RequireFromString(s)}
}

func TestCheckPositionsGraceWindow(t *testing.T) {
	t.Run("missing position with only young lots is not flagged", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-30*time.Second))
		market := newFakeMarket()
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())
		if got := pc.PendingCount(); got != 0 {
			t.Errorf("expected no pending checks inside the grace window, got %d", got)
		}
	})

	t.Run("missing position past the grace window is flagged", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-5*time.Minute))
		market := newFakeMarket()
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())
		if got := pc.PendingCount(); got != 1 {
			t.Errorf("expected 1 pending check, got %d", got)
		}

		// A second pass must not reset the first-detected time
		pc.pendingMu.Lock()
		var first time.Time
		for _, c := range pc.pending {
			first = c.FirstDetected
		}
		pc.pendingMu.Unlock()

		pc.CheckPositions(context.Background())
		pc.pendingMu.Lock()
		for _, c := range pc.pending {
			if !c.FirstDetected.Equal(first) {
				t.Error("expected FirstDetected to be preserved across passes")
			}
		}
		pc.pendingMu.Unlock()
	})

	t.Run("re-detection refreshes the eligible lot set", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-5*time.Minute))
		market := newFakeMarket()
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())

		// A second lot ages past the grace window before the next pass
		seedLot(store, "lot2", 1, "0.5", "3", time.Now().Add(-5*time.Minute))
		pc.CheckPositions(context.Background())

		pc.pendingMu.Lock()
		defer pc.pendingMu.Unlock()
		if len(pc.pending) != 1 {
			t.Fatalf("expected 1 pending check, got %d", len(pc.pending))
		}
		for _, c := range pc.pending {
			if len(c.LotIDs) != 2 {
				t.Errorf("expected the check to cover both aged lots, got %v", c.LotIDs)
			}
		}
	})

	t.Run("snapshot failure skips the cycle without flagging", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-5*time.Minute))
		market := newFakeMarket()
		market.posErr = fmt.Errorf("data api down")
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())
		if got := pc.PendingCount(); got != 0 {
			t.Errorf("expected no pending checks after fetch failure, got %d", got)
		}
	})
}

func TestRevalidatePending(t *testing.T) {
	seedCheck := func(pc *PositionChecker, age time.Duration, lotIDs ...string) string {
		rel := relationship(1, "1")
		key := pendingKey(rel, "0xcond1", 0)
		pc.pending[key] = &PendingReconciliationCheck{
			Key:            key,
			RelationshipID: 1,
			AccountID:      10,
			AccountWallet:  testAccountWallet,
			MarketID:       "0xcond1",
			OutcomeIndex:   0,
			LotIDs:         lotIDs,
			FirstDetected:  time.Now().Add(-age),
		}
		return key
	}

	t.Run("confirmed absence applies an inferred full sell", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.prices["0xcond1_0"] = decimal.RequireFromString("0.6")
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 4*time.Minute, "lot1")

		pc.RevalidatePending(context.Background())

		if got := pc.PendingCount(); got != 0 {
			t.Errorf("expected check resolved, %d still pending", got)
		}
		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected 1 inferred sell, got %d", len(store.MatchRecords))
		}
		rec := store.MatchRecords[0]
		if !strings.HasPrefix(rec.SellTradeID, "AUTO_") || strings.HasPrefix(rec.SellTradeID, "AUTO_FIFO_") {
			t.Errorf("expected AUTO_ sell id, got %s", rec.SellTradeID)
		}
		if !rec.SellPrice.Equal(decimal.RequireFromString("0.6")) {
			t.Errorf("expected sell at market price 0.6, got %s", rec.SellPrice)
		}
		if !rec.TotalMatchedQuantity.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected full close of 5, got %s", rec.TotalMatchedQuantity)
		}
	})

	t.Run("lot opened after the check is left alone", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		seedLot(store, "lot2", 1, "0.5", "7", time.Now().Add(-10*time.Second))
		market := newFakeMarket()
		market.prices["0xcond1_0"] = decimal.RequireFromString("0.6")
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 4*time.Minute, "lot1")

		pc.RevalidatePending(context.Background())

		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected 1 inferred sell, got %d", len(store.MatchRecords))
		}
		if !store.MatchRecords[0].TotalMatchedQuantity.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected only the checked lot's 5 closed, got %s", store.MatchRecords[0].TotalMatchedQuantity)
		}
		if !store.Lots["lot2"].RemainingQuantity.Equal(decimal.NewFromInt(7)) {
			t.Errorf("expected the fresh lot untouched, got remaining %s", store.Lots["lot2"].RemainingQuantity)
		}
	})

	t.Run("absence inside the confirmation window waits", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.prices["0xcond1_0"] = decimal.RequireFromString("0.6")
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 1*time.Minute, "lot1")

		pc.RevalidatePending(context.Background())

		if got := pc.PendingCount(); got != 1 {
			t.Errorf("expected check kept, got %d pending", got)
		}
		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no sell yet, got %d", len(store.MatchRecords))
		}
	})

	t.Run("reappeared position discards the check without selling", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = []api.OpenPosition{{
			ConditionID:  "0xcond1",
			OutcomeIndex: 0,
			Size:         numeric("5"),
		}}
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 4*time.Minute, "lot1")

		pc.RevalidatePending(context.Background())

		if got := pc.PendingCount(); got != 0 {
			t.Errorf("expected check discarded, got %d pending", got)
		}
		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no sell, got %d", len(store.MatchRecords))
		}
	})

	t.Run("checks past the safety ceiling are dropped", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-3*time.Hour))
		market := newFakeMarket()
		market.prices["0xcond1_0"] = decimal.RequireFromString("0.6")
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 2*time.Hour, "lot1")

		pc.RevalidatePending(context.Background())

		if got := pc.PendingCount(); got != 0 {
			t.Errorf("expected stale check dropped, got %d pending", got)
		}
		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no sell for stale check, got %d", len(store.MatchRecords))
		}
	})

	t.Run("price failure keeps the check for the next pass", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.priceErr = fmt.Errorf("clob down")
		pc := newTestChecker(store, market, nil)
		seedCheck(pc, 4*time.Minute, "lot1")

		pc.RevalidatePending(context.Background())

		if got := pc.PendingCount(); got != 1 {
			t.Errorf("expected check retained after price failure, got %d pending", got)
		}
	})
}

func TestCheckPositionsPartialSell(t *testing.T) {
	t.Run("snapshot below tracked sum closes the difference FIFO", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		now := time.Now()
		seedLot(store, "lot1", 1, "0.4", "5", now.Add(-2*time.Hour))
		seedLot(store, "lot2", 1, "0.5", "10", now.Add(-1*time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = []api.OpenPosition{{
			ConditionID:  "0xcond1",
			OutcomeIndex: 0,
			Size:         numeric("3"),
		}}
		market.prices["0xcond1_0"] = decimal.RequireFromString("0.7")
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())

		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected 1 inferred partial sell, got %d", len(store.MatchRecords))
		}
		rec := store.MatchRecords[0]
		if !strings.HasPrefix(rec.SellTradeID, "AUTO_FIFO_") {
			t.Errorf("expected AUTO_FIFO_ sell id, got %s", rec.SellTradeID)
		}
		// Tracked 15 vs snapshot 3: close 12 = all of lot1 plus 7 of lot2
		if !rec.TotalMatchedQuantity.Equal(decimal.NewFromInt(12)) {
			t.Errorf("expected 12 closed, got %s", rec.TotalMatchedQuantity)
		}
		if store.Lots["lot1"].Status != models.LotFullyMatched {
			t.Errorf("expected lot1 fully matched, got %s", store.Lots["lot1"].Status)
		}
		if !store.Lots["lot2"].RemainingQuantity.Equal(decimal.NewFromInt(3)) {
			t.Errorf("expected 3 left on lot2, got %s", store.Lots["lot2"].RemainingQuantity)
		}
	})

	t.Run("matching snapshot leaves the ledger alone", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = []api.OpenPosition{{
			ConditionID:  "0xcond1",
			OutcomeIndex: 0,
			Size:         numeric("5"),
		}}
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())

		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no sells, got %d", len(store.MatchRecords))
		}
	})

	t.Run("price failure skips only that market group", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = []api.OpenPosition{{
			ConditionID:  "0xcond1",
			OutcomeIndex: 0,
			Size:         numeric("2"),
		}}
		market.priceErr = fmt.Errorf("clob down")
		pc := newTestChecker(store, market, nil)

		pc.CheckPositions(context.Background())

		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no sell without a price, got %d", len(store.MatchRecords))
		}
		if !store.Lots["lot1"].RemainingQuantity.Equal(decimal.NewFromInt(5)) {
			t.Errorf("expected lot untouched, got remaining %s", store.Lots["lot1"].RemainingQuantity)
		}
	})
}

func TestHandleRedeemable(t *testing.T) {
	redeemablePos := func(size string) []api.OpenPosition {
		return []api.OpenPosition{{
			ConditionID:  "0xcond1",
			OutcomeIndex: 0,
			Size:         numeric(size),
			CurPrice:     numeric("1"),
			Redeemable:   true,
			Title:        "Test market",
			Outcome:      "Yes",
		}}
	}

	t.Run("notifies once per window when auto-redeem is off", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = redeemablePos("5")
		notifier := &fakeNotifier{}
		pc := newTestChecker(store, market, notifier)

		pc.CheckPositions(context.Background())
		pc.CheckPositions(context.Background())

		if got := notifier.count(); got != 1 {
			t.Errorf("expected exactly 1 notification, got %d", got)
		}
		if len(market.redeems) != 0 {
			t.Errorf("expected no redeem calls, got %d", len(market.redeems))
		}
	})

	t.Run("redeems and settles the books when auto-redeem is on", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = redeemablePos("5")
		pc := newTestChecker(store, market, nil)
		pc.cfg.AutoRedeem = true

		pc.CheckPositions(context.Background())

		if len(market.redeems) != 1 {
			t.Fatalf("expected 1 redeem call, got %d", len(market.redeems))
		}
		if market.redeems[0].Amount != "5000000" {
			t.Errorf("expected 6-decimal base units, got %s", market.redeems[0].Amount)
		}
		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected settlement sell, got %d records", len(store.MatchRecords))
		}
		rec := store.MatchRecords[0]
		// Winning outcome settles at $1: PnL = (1-0.4)*5 = 3
		if !rec.SellPrice.Equal(decimal.NewFromInt(1)) {
			t.Errorf("expected settlement at 1, got %s", rec.SellPrice)
		}
		if !rec.TotalRealizedPnl.Equal(decimal.NewFromInt(3)) {
			t.Errorf("expected PnL 3, got %s", rec.TotalRealizedPnl)
		}
	})

	t.Run("redeemable with no open lots still notifies", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		market := newFakeMarket()
		market.positions[testAccountWallet] = redeemablePos("5")
		notifier := &fakeNotifier{}
		pc := newTestChecker(store, market, notifier)

		pc.CheckPositions(context.Background())

		if got := notifier.count(); got != 1 {
			t.Errorf("expected a notification with an empty ledger, got %d", got)
		}
	})

	t.Run("redeemable with no open lots redeems without a settlement sell", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		market := newFakeMarket()
		market.positions[testAccountWallet] = redeemablePos("5")
		pc := newTestChecker(store, market, nil)
		pc.cfg.AutoRedeem = true

		pc.CheckPositions(context.Background())

		if len(market.redeems) != 1 {
			t.Fatalf("expected 1 redeem call, got %d", len(market.redeems))
		}
		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no settlement sell without lots, got %d", len(store.MatchRecords))
		}
	})

	t.Run("redeem cooldown suppresses repeat submissions", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		market.positions[testAccountWallet] = redeemablePos("5")
		pc := newTestChecker(store, market, nil)
		pc.cfg.AutoRedeem = true

		pc.CheckPositions(context.Background())
		pc.CheckPositions(context.Background())

		if len(market.redeems) != 1 {
			t.Errorf("expected cooldown to hold redeems at 1, got %d", len(market.redeems))
		}
	})

	t.Run("losing outcome settles at zero", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		market := newFakeMarket()
		pos := redeemablePos("5")
		pos[0].CurPrice = numeric("0")
		market.positions[testAccountWallet] = pos
		pc := newTestChecker(store, market, nil)
		pc.cfg.AutoRedeem = true

		pc.CheckPositions(context.Background())

		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected settlement sell, got %d", len(store.MatchRecords))
		}
		if !store.MatchRecords[0].SellPrice.IsZero() {
			t.Errorf("expected settlement at 0, got %s", store.MatchRecords[0].SellPrice)
		}
		// (0-0.4)*5 = -2
		if !store.MatchRecords[0].TotalRealizedPnl.Equal(decimal.NewFromInt(-2)) {
			t.Errorf("expected PnL -2, got %s", store.MatchRecords[0].TotalRealizedPnl)
		}
	})
}
