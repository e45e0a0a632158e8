package syncer

import (
	"context"
	"testing"
	"time"

	"copytrade-worker/models"
	"copytrade-worker/storage"

	"github.com/shopspring/decimal"
)

func intPtr(i int) *int { return &i }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func buyEvent(id string, price, size string) models.TradeEvent {
	return models.TradeEvent{
		ID:              id,
		LeaderID:        1,
		TraderAddress:   "0x1111111111111111111111111111111111111111",
		MarketID:        "0xcond1",
		AssetID:         "777",
		OutcomeIndex:    intPtr(0),
		Side:            models.SideBuy,
		Price:           dec(price),
		Size:            dec(size),
		TimestampMillis: time.Now().UnixMilli(),
		SourceChannel:   models.SourceOnChainWS,
	}
}

func sellEvent(id string, price, size string) models.TradeEvent {
	evt := buyEvent(id, price, size)
	evt.Side = models.SideSell
	return evt
}

func seedLot(store *storage.MemoryStore, id string, relID int64, buyPrice, qty string, createdAt time.Time) {
	store.Lots[id] = &models.Lot{
		ID:                id,
		RelationshipID:    relID,
		AccountID:         10,
		MarketID:          "0xcond1",
		OutcomeIndex:      0,
		BuyPrice:          dec(buyPrice),
		OriginalQuantity:  dec(qty),
		MatchedQuantity:   decimal.Zero,
		RemainingQuantity: dec(qty),
		Status:            models.LotOpen,
		SourceTradeID:     "seed_" + id,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
}

func relationship(id int64, ratio string) models.CopyRelationship {
	return models.CopyRelationship{
		ID:            id,
		AccountID:     10,
		AccountWallet: "0x2222222222222222222222222222222222222222",
		LeaderID:      1,
		Ratio:         dec(ratio),
		Enabled:       true,
	}
}

func TestProcessTradeBuy(t *testing.T) {
	t.Run("opens one ratio-scaled lot per enabled relationship", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{
			relationship(1, "0.5"),
			relationship(2, "2"),
		}
		tracker := NewOrderTracker(store)

		if err := tracker.ProcessTrade(context.Background(), buyEvent("0xtx1", "0.4", "10")); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}

		if len(store.Lots) != 2 {
			t.Fatalf("expected 2 lots, got %d", len(store.Lots))
		}
		sizes := map[int64]decimal.Decimal{}
		for _, lot := range store.Lots {
			sizes[lot.RelationshipID] = lot.OriginalQuantity
			if lot.Status != models.LotOpen {
				t.Errorf("expected OPEN lot, got %s", lot.Status)
			}
			if !lot.MatchedQuantity.Add(lot.RemainingQuantity).Equal(lot.OriginalQuantity) {
				t.Errorf("lot %s violates matched+remaining==original", lot.ID)
			}
		}
		if !sizes[1].Equal(dec("5")) {
			t.Errorf("expected relationship 1 lot of 5, got %s", sizes[1])
		}
		if !sizes[2].Equal(dec("20")) {
			t.Errorf("expected relationship 2 lot of 20, got %s", sizes[2])
		}
	})

	t.Run("ignores disabled relationships", func(t *testing.T) {
		store := storage.NewMemoryStore()
		rel := relationship(1, "1")
		rel.Enabled = false
		store.Relationships = []models.CopyRelationship{rel}
		tracker := NewOrderTracker(store)

		if err := tracker.ProcessTrade(context.Background(), buyEvent("0xtx1", "0.4", "10")); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}
		if len(store.Lots) != 0 {
			t.Errorf("expected no lots, got %d", len(store.Lots))
		}
	})

	t.Run("leaves trades with unresolved markets unprocessed", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		tracker := NewOrderTracker(store)

		evt := buyEvent("0xtx1", "0.4", "10")
		evt.MarketID = ""
		evt.OutcomeIndex = nil
		if err := tracker.ProcessTrade(context.Background(), evt); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}
		if len(store.Lots) != 0 {
			t.Errorf("expected no lots, got %d", len(store.Lots))
		}

		// A later resolved report of the same tx must still apply
		if err := tracker.ProcessTrade(context.Background(), buyEvent("0xtx1", "0.4", "10")); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}
		if len(store.Lots) != 1 {
			t.Errorf("expected lot from resolved retry, got %d", len(store.Lots))
		}
	})
}

func TestProcessTradeDedup(t *testing.T) {
	t.Run("same tx reported by both channels applies once", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "1")}
		tracker := NewOrderTracker(store)

		onchain := buyEvent("0xtx1", "0.4", "10")
		activity := buyEvent("0xtx1", "0.4", "10")
		activity.SourceChannel = models.SourceActivityWS

		if err := tracker.ProcessTrade(context.Background(), onchain); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}
		if err := tracker.ProcessTrade(context.Background(), activity); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}

		if len(store.Lots) != 1 {
			t.Errorf("expected 1 lot after duplicate report, got %d", len(store.Lots))
		}
	})
}

func TestMatchSellFIFO(t *testing.T) {
	t.Run("consumes lots oldest first with per-slice PnL", func(t *testing.T) {
		store := storage.NewMemoryStore()
		now := time.Now()
		seedLot(store, "lot1", 1, "0.4", "5", now.Add(-2*time.Hour))
		seedLot(store, "lot2", 1, "0.5", "10", now.Add(-1*time.Hour))
		tracker := NewOrderTracker(store)

		rec, err := tracker.MatchSell(context.Background(), 1, "0xcond1", 0, dec("0.6"), dec("8"), "0xsell1")
		if err != nil {
			t.Fatalf("MatchSell failed: %v", err)
		}
		if rec == nil {
			t.Fatal("expected a match record")
		}

		if !rec.TotalMatchedQuantity.Equal(dec("8")) {
			t.Errorf("expected matched 8, got %s", rec.TotalMatchedQuantity)
		}
		// (0.6-0.4)*5 + (0.6-0.5)*3 = 1.3
		if !rec.TotalRealizedPnl.Equal(dec("1.3")) {
			t.Errorf("expected PnL 1.3, got %s", rec.TotalRealizedPnl)
		}
		if len(store.MatchDetails) != 2 {
			t.Fatalf("expected 2 detail rows, got %d", len(store.MatchDetails))
		}
		if store.MatchDetails[0].LotID != "lot1" {
			t.Errorf("expected oldest lot consumed first, got %s", store.MatchDetails[0].LotID)
		}
		if !store.MatchDetails[0].MatchedQuantity.Equal(dec("5")) {
			t.Errorf("expected first slice of 5, got %s", store.MatchDetails[0].MatchedQuantity)
		}
		if !store.MatchDetails[1].MatchedQuantity.Equal(dec("3")) {
			t.Errorf("expected second slice of 3, got %s", store.MatchDetails[1].MatchedQuantity)
		}

		lot1 := store.Lots["lot1"]
		if lot1.Status != models.LotFullyMatched || !lot1.RemainingQuantity.IsZero() {
			t.Errorf("expected lot1 fully matched, got %s remaining %s", lot1.Status, lot1.RemainingQuantity)
		}
		lot2 := store.Lots["lot2"]
		if lot2.Status != models.LotPartiallyMatched || !lot2.RemainingQuantity.Equal(dec("7")) {
			t.Errorf("expected lot2 partially matched with 7 left, got %s remaining %s", lot2.Status, lot2.RemainingQuantity)
		}
		for _, lot := range store.Lots {
			if !lot.MatchedQuantity.Add(lot.RemainingQuantity).Equal(lot.OriginalQuantity) {
				t.Errorf("lot %s violates matched+remaining==original", lot.ID)
			}
		}
	})

	t.Run("oversized sell matches only the open quantity", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		tracker := NewOrderTracker(store)

		rec, err := tracker.MatchSell(context.Background(), 1, "0xcond1", 0, dec("0.6"), dec("50"), "0xsell1")
		if err != nil {
			t.Fatalf("MatchSell failed: %v", err)
		}
		if !rec.TotalMatchedQuantity.Equal(dec("5")) {
			t.Errorf("expected matched 5, got %s", rec.TotalMatchedQuantity)
		}
	})

	t.Run("no open lots yields no record", func(t *testing.T) {
		store := storage.NewMemoryStore()
		tracker := NewOrderTracker(store)

		rec, err := tracker.MatchSell(context.Background(), 1, "0xcond1", 0, dec("0.6"), dec("5"), "0xsell1")
		if err != nil {
			t.Fatalf("MatchSell failed: %v", err)
		}
		if rec != nil {
			t.Errorf("expected nil record, got %+v", rec)
		}
		if len(store.MatchRecords) != 0 {
			t.Errorf("expected no stored records, got %d", len(store.MatchRecords))
		}
	})

	t.Run("negative-PnL sells record losses", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.8", "10", time.Now().Add(-time.Hour))
		tracker := NewOrderTracker(store)

		rec, err := tracker.MatchSell(context.Background(), 1, "0xcond1", 0, dec("0.3"), dec("10"), "0xsell1")
		if err != nil {
			t.Fatalf("MatchSell failed: %v", err)
		}
		if !rec.TotalRealizedPnl.Equal(dec("-5")) {
			t.Errorf("expected PnL -5, got %s", rec.TotalRealizedPnl)
		}
	})
}

func TestProcessTradeSell(t *testing.T) {
	t.Run("observed sell goes through the FIFO path", func(t *testing.T) {
		store := storage.NewMemoryStore()
		store.Relationships = []models.CopyRelationship{relationship(1, "0.5")}
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-time.Hour))
		tracker := NewOrderTracker(store)

		// Leader sells 10, ratio 0.5 means our sell is 5
		if err := tracker.ProcessTrade(context.Background(), sellEvent("0xsell1", "0.6", "10")); err != nil {
			t.Fatalf("ProcessTrade failed: %v", err)
		}

		if len(store.MatchRecords) != 1 {
			t.Fatalf("expected 1 match record, got %d", len(store.MatchRecords))
		}
		if !store.MatchRecords[0].TotalMatchedQuantity.Equal(dec("5")) {
			t.Errorf("expected ratio-scaled match of 5, got %s", store.MatchRecords[0].TotalMatchedQuantity)
		}
		if store.Lots["lot1"].Status != models.LotFullyMatched {
			t.Errorf("expected lot1 fully matched, got %s", store.Lots["lot1"].Status)
		}
	})
}

func TestOpenQuantity(t *testing.T) {
	t.Run("sums remaining quantity across open lots", func(t *testing.T) {
		store := storage.NewMemoryStore()
		seedLot(store, "lot1", 1, "0.4", "5", time.Now().Add(-2*time.Hour))
		seedLot(store, "lot2", 1, "0.5", "10", time.Now().Add(-time.Hour))
		tracker := NewOrderTracker(store)

		if _, err := tracker.MatchSell(context.Background(), 1, "0xcond1", 0, dec("0.6"), dec("3"), "0xsell1"); err != nil {
			t.Fatalf("MatchSell failed: %v", err)
		}

		qty, err := tracker.OpenQuantity(context.Background(), 1, "0xcond1", 0)
		if err != nil {
			t.Fatalf("OpenQuantity failed: %v", err)
		}
		if !qty.Equal(dec("12")) {
			t.Errorf("expected 12 open after selling 3 of 15, got %s", qty)
		}
	})
}
