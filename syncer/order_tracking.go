// Package syncer provides real-time trade detection, lot tracking and
// position reconciliation for copy trading.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-worker/models"
	"copytrade-worker/storage"
	"copytrade-worker/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderTracker maintains the FIFO lot ledger. Every leader trade fans out to
// one ledger application per enabled copy relationship, sized by the copy
// ratio. BUYs open lots; SELLs consume open lots oldest-first and record the
// realized PnL per consumed slice.
type OrderTracker struct {
	store storage.Store

	// Per (relationship, market, outcome) serialization of ledger writes
	keyLocks   map[string]*sync.Mutex
	keyLocksMu sync.Mutex
}

// NewOrderTracker creates a tracker on top of the given store.
func NewOrderTracker(store storage.Store) *OrderTracker {
	return &OrderTracker{
		store:    store,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (t *OrderTracker) lockKey(relationshipID int64, marketID string, outcomeIndex int) *sync.Mutex {
	key := fmt.Sprintf("%d_%s_%d", relationshipID, marketID, outcomeIndex)
	t.keyLocksMu.Lock()
	defer t.keyLocksMu.Unlock()
	mu, ok := t.keyLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		t.keyLocks[key] = mu
	}
	return mu
}

// ProcessTrade applies a detected leader trade to the ledger. Reprocessing
// the same (leader, trade id) pair is a no-op, which makes it safe for both
// detection channels to report the same transaction.
func (t *OrderTracker) ProcessTrade(ctx context.Context, trade models.TradeEvent) error {
	if trade.ID == "" {
		return fmt.Errorf("trade has no id")
	}

	processed, err := t.store.IsTradeProcessed(ctx, trade.LeaderID, trade.ID)
	if err != nil {
		return fmt.Errorf("processed-trade lookup failed: %w", err)
	}
	if processed {
		log.Printf("[OrderTracker] Skipping already-processed trade %s (leader %d, via %s)",
			trade.ID, trade.LeaderID, trade.SourceChannel)
		return nil
	}

	if trade.MarketID == "" || trade.OutcomeIndex == nil {
		// Market resolution failed upstream. Leave the trade unmarked so a
		// later report with a resolved market can still be applied.
		log.Printf("[OrderTracker] Trade %s from %s has unresolved market, not applying",
			trade.ID, utils.ShortAddress(trade.TraderAddress))
		return nil
	}

	rels, err := t.store.ListEnabledRelationshipsByLeader(ctx, trade.LeaderID)
	if err != nil {
		return fmt.Errorf("relationship lookup failed: %w", err)
	}
	if len(rels) == 0 {
		log.Printf("[OrderTracker] Leader %d has no enabled relationships, ignoring trade %s",
			trade.LeaderID, trade.ID)
		return nil
	}

	for _, rel := range rels {
		copiedSize := trade.Size.Mul(rel.Ratio)
		if !copiedSize.IsPositive() {
			continue
		}

		switch trade.Side {
		case models.SideBuy:
			if err := t.openLot(ctx, rel, trade, copiedSize); err != nil {
				log.Printf("[OrderTracker] Failed to open lot for relationship %d: %v", rel.ID, err)
				continue
			}
		case models.SideSell:
			rec, err := t.MatchSell(ctx, rel.ID, trade.MarketID, *trade.OutcomeIndex,
				trade.Price, copiedSize, trade.ID)
			if err != nil {
				log.Printf("[OrderTracker] Failed to match sell for relationship %d: %v", rel.ID, err)
				continue
			}
			if rec == nil {
				log.Printf("[OrderTracker] SELL %s matched nothing for relationship %d (no open lots)",
					trade.ID, rel.ID)
			}
		default:
			log.Printf("[OrderTracker] Unknown trade side %q on %s, ignoring", trade.Side, trade.ID)
		}
	}

	if err := t.store.MarkTradeProcessed(ctx, models.ProcessedTrade{
		LeaderID:    trade.LeaderID,
		TradeID:     trade.ID,
		Side:        trade.Side,
		Source:      trade.SourceChannel,
		ProcessedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to mark trade processed: %w", err)
	}

	log.Printf("[OrderTracker] Applied %s %s x %s @ %s on market %s to %d relationship(s) (via %s)",
		trade.Side, trade.ID, trade.Size.String(), trade.Price.String(),
		trade.MarketID, len(rels), trade.SourceChannel)
	return nil
}

func (t *OrderTracker) openLot(ctx context.Context, rel models.CopyRelationship, trade models.TradeEvent, size decimal.Decimal) error {
	mu := t.lockKey(rel.ID, trade.MarketID, *trade.OutcomeIndex)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	lot := &models.Lot{
		ID:                uuid.NewString(),
		RelationshipID:    rel.ID,
		AccountID:         rel.AccountID,
		MarketID:          trade.MarketID,
		OutcomeIndex:      *trade.OutcomeIndex,
		BuyPrice:          trade.Price,
		OriginalQuantity:  size,
		MatchedQuantity:   decimal.Zero,
		RemainingQuantity: size,
		Status:            models.LotOpen,
		SourceTradeID:     trade.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := t.store.SaveLot(ctx, lot); err != nil {
		return err
	}
	log.Printf("[OrderTracker] Opened lot %s: %s @ %s (relationship %d, market %s outcome %d)",
		lot.ID, size.String(), trade.Price.String(), rel.ID, trade.MarketID, *trade.OutcomeIndex)
	return nil
}

// MatchSell consumes open lots for (relationship, market, outcome) FIFO by
// creation time, up to quantity. It writes one SellMatchRecord with one
// detail row per consumed slice and returns the record, or nil when there
// was nothing to match. Observed sells and reconciliation-inferred sells go
// through this same path.
func (t *OrderTracker) MatchSell(ctx context.Context, relationshipID int64, marketID string, outcomeIndex int, sellPrice, quantity decimal.Decimal, sellTradeID string) (*models.SellMatchRecord, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("sell quantity must be positive, got %s", quantity.String())
	}

	mu := t.lockKey(relationshipID, marketID, outcomeIndex)
	mu.Lock()
	defer mu.Unlock()

	lots, err := t.store.OpenLots(ctx, relationshipID, marketID, outcomeIndex)
	if err != nil {
		return nil, fmt.Errorf("open-lot lookup failed: %w", err)
	}
	if len(lots) == 0 {
		return nil, nil
	}

	now := time.Now()
	rec := &models.SellMatchRecord{
		ID:                   uuid.NewString(),
		RelationshipID:       relationshipID,
		SellTradeID:          sellTradeID,
		MarketID:             marketID,
		OutcomeIndex:         outcomeIndex,
		SellPrice:            sellPrice,
		TotalMatchedQuantity: decimal.Zero,
		TotalRealizedPnl:     decimal.Zero,
		CreatedAt:            now,
	}

	var details []models.SellMatchDetail
	var updated []models.Lot
	stillToMatch := quantity

	for i := range lots {
		if !stillToMatch.IsPositive() {
			break
		}
		lot := lots[i]

		matched := utils.MinDecimal(lot.RemainingQuantity, stillToMatch)
		pnl := sellPrice.Sub(lot.BuyPrice).Mul(matched)

		lot.MatchedQuantity = lot.MatchedQuantity.Add(matched)
		lot.RemainingQuantity = lot.RemainingQuantity.Sub(matched)
		lot.UpdatedAt = now
		if lot.RemainingQuantity.IsZero() {
			lot.Status = models.LotFullyMatched
		} else {
			lot.Status = models.LotPartiallyMatched
		}

		details = append(details, models.SellMatchDetail{
			ID:              uuid.NewString(),
			MatchRecordID:   rec.ID,
			LotID:           lot.ID,
			MatchedQuantity: matched,
			BuyPrice:        lot.BuyPrice,
			SellPrice:       sellPrice,
			RealizedPnl:     pnl,
		})
		updated = append(updated, lot)

		rec.TotalMatchedQuantity = rec.TotalMatchedQuantity.Add(matched)
		rec.TotalRealizedPnl = rec.TotalRealizedPnl.Add(pnl)
		stillToMatch = stillToMatch.Sub(matched)
	}

	if err := t.store.SaveSellMatch(ctx, rec, details, updated); err != nil {
		return nil, fmt.Errorf("failed to save sell match: %w", err)
	}

	if stillToMatch.IsPositive() {
		log.Printf("[OrderTracker] SELL %s matched %s of %s, %s had no corresponding lot",
			sellTradeID, rec.TotalMatchedQuantity.String(), quantity.String(), stillToMatch.String())
	}
	log.Printf("[OrderTracker] SELL %s: matched %s across %d lot(s), realized PnL %s",
		sellTradeID, rec.TotalMatchedQuantity.String(), len(details), rec.TotalRealizedPnl.String())
	return rec, nil
}

// OpenQuantity sums the remaining quantity of open lots for a position key.
func (t *OrderTracker) OpenQuantity(ctx context.Context, relationshipID int64, marketID string, outcomeIndex int) (decimal.Decimal, error) {
	lots, err := t.store.OpenLots(ctx, relationshipID, marketID, outcomeIndex)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingQuantity)
	}
	return total, nil
}
