package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"copytrade-worker/api"
	"copytrade-worker/config"
	"copytrade-worker/models"
	"copytrade-worker/storage"
	"copytrade-worker/utils"

	"github.com/shopspring/decimal"
)

// PendingReconciliationCheck marks a tracked position that disappeared from
// the exchange snapshot. It is revalidated on a faster cadence than the main
// poll and resolved as an inferred sell only after the absence is confirmed.
type PendingReconciliationCheck struct {
	Key            string // account_market_outcome_relationship
	RelationshipID int64
	AccountID      int64
	AccountWallet  string
	MarketID       string
	OutcomeIndex   int
	// Lots believed sold: only these are closed when the absence is
	// confirmed, so a lot opened after detection is never swept in.
	LotIDs        []string
	FirstDetected time.Time
}

// marketAPI is the slice of the market client the checker needs.
type marketAPI interface {
	GetOpenPositions(ctx context.Context, wallet string) ([]api.OpenPosition, error)
	GetMarketPrice(ctx context.Context, marketID string, outcomeIndex int) (decimal.Decimal, error)
	RedeemPosition(ctx context.Context, req api.RedeemRequest) (string, error)
}

// PositionChecker reconciles the lot ledger against exchange position
// snapshots. It notifies (or redeems) resolved positions and applies
// inferred FIFO sells when tracked lots no longer exist on the exchange.
type PositionChecker struct {
	cfg     config.ReconcileConfig
	store   storage.Store
	market  marketAPI
	tracker *OrderTracker

	notifier Notifier // nil downgrades alerts to log lines

	pending   map[string]*PendingReconciliationCheck
	pendingMu sync.Mutex

	// Last notification per account_market_outcome key
	notifiedAt map[string]time.Time
	// Last successful redeem per account_market_outcome key
	redeemedAt map[string]time.Time
	cooldownMu sync.Mutex

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPositionChecker creates a checker with the given reconciliation tuning.
func NewPositionChecker(cfg config.ReconcileConfig, store storage.Store, market marketAPI, tracker *OrderTracker, notifier Notifier) *PositionChecker {
	return &PositionChecker{
		cfg:        cfg,
		store:      store,
		market:     market,
		tracker:    tracker,
		notifier:   notifier,
		pending:    make(map[string]*PendingReconciliationCheck),
		notifiedAt: make(map[string]time.Time),
		redeemedAt: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the poll, revalidation and cooldown-sweep loops.
func (pc *PositionChecker) Start(ctx context.Context) error {
	if pc.running {
		return fmt.Errorf("position checker already running")
	}
	pc.running = true
	pc.stopCh = make(chan struct{})

	pc.wg.Add(3)
	go pc.pollLoop(ctx)
	go pc.recheckLoop(ctx)
	go pc.sweepLoop(ctx)

	log.Printf("[PositionCheck] Started - poll every %ds, recheck every %ds, auto-redeem=%v",
		pc.cfg.PollIntervalSec, pc.cfg.RecheckIntervalSec, pc.cfg.AutoRedeem)
	return nil
}

// Stop halts all loops.
func (pc *PositionChecker) Stop() {
	if !pc.running {
		return
	}
	pc.running = false
	close(pc.stopCh)
	pc.wg.Wait()
	log.Printf("[PositionCheck] Stopped")
}

// PendingCount reports how many disappearance checks are outstanding.
func (pc *PositionChecker) PendingCount() int {
	pc.pendingMu.Lock()
	defer pc.pendingMu.Unlock()
	return len(pc.pending)
}

func (pc *PositionChecker) pollLoop(ctx context.Context) {
	defer pc.wg.Done()

	pc.CheckPositions(ctx)

	ticker := time.NewTicker(time.Duration(pc.cfg.PollIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.stopCh:
			return
		case <-ticker.C:
			pc.CheckPositions(ctx)
		}
	}
}

func (pc *PositionChecker) recheckLoop(ctx context.Context) {
	defer pc.wg.Done()

	ticker := time.NewTicker(time.Duration(pc.cfg.RecheckIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.stopCh:
			return
		case <-ticker.C:
			pc.RevalidatePending(ctx)
		}
	}
}

func (pc *PositionChecker) sweepLoop(ctx context.Context) {
	defer pc.wg.Done()

	ticker := time.NewTicker(time.Duration(pc.cfg.CacheSweepSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.stopCh:
			return
		case <-ticker.C:
			pc.sweepCooldowns()
		}
	}
}

func (pc *PositionChecker) sweepCooldowns() {
	pc.cooldownMu.Lock()
	defer pc.cooldownMu.Unlock()
	notifyCutoff := time.Now().Add(-time.Duration(pc.cfg.NotifyWindowSec) * time.Second)
	for key, at := range pc.notifiedAt {
		if at.Before(notifyCutoff) {
			delete(pc.notifiedAt, key)
		}
	}
	redeemCutoff := time.Now().Add(-time.Duration(pc.cfg.RedeemCooldownSec) * time.Second)
	for key, at := range pc.redeemedAt {
		if at.Before(redeemCutoff) {
			delete(pc.redeemedAt, key)
		}
	}
}

// lotGroup is the tracked open exposure for one (relationship, market,
// outcome) key.
type lotGroup struct {
	rel          models.CopyRelationship
	marketID     string
	outcomeIndex int
	lots         []models.Lot
	openQty      decimal.Decimal
}

// CheckPositions runs one reconciliation pass over every enabled
// relationship. A snapshot-fetch failure skips that wallet's cycle; a
// market-price failure skips only that market group.
func (pc *PositionChecker) CheckPositions(ctx context.Context) {
	rels, err := pc.store.ListEnabledRelationships(ctx)
	if err != nil {
		log.Printf("[PositionCheck] Failed to list relationships: %v", err)
		return
	}
	if len(rels) == 0 {
		return
	}

	// One snapshot fetch per wallet, shared by its relationships
	byWallet := make(map[string][]models.CopyRelationship)
	for _, rel := range rels {
		wallet := utils.NormalizeAddress(rel.AccountWallet)
		byWallet[wallet] = append(byWallet[wallet], rel)
	}

	for wallet, walletRels := range byWallet {
		positions, err := pc.market.GetOpenPositions(ctx, wallet)
		if err != nil {
			log.Printf("[PositionCheck] Snapshot fetch failed for %s, skipping cycle: %v",
				utils.ShortAddress(wallet), err)
			continue
		}

		posByKey := make(map[string]api.OpenPosition, len(positions))
		for _, pos := range positions {
			posByKey[fmt.Sprintf("%s_%d", pos.ConditionID, pos.OutcomeIndex)] = pos
		}

		for _, rel := range walletRels {
			pc.reconcileRelationship(ctx, rel, posByKey)
		}
	}
}

func (pc *PositionChecker) reconcileRelationship(ctx context.Context, rel models.CopyRelationship, posByKey map[string]api.OpenPosition) {
	lots, err := pc.store.OpenLotsByRelationship(ctx, rel.ID)
	if err != nil {
		log.Printf("[PositionCheck] Failed to load lots for relationship %d: %v", rel.ID, err)
		return
	}

	groups := make(map[string]*lotGroup)
	for _, lot := range lots {
		key := fmt.Sprintf("%s_%d", lot.MarketID, lot.OutcomeIndex)
		g, ok := groups[key]
		if !ok {
			g = &lotGroup{
				rel:          rel,
				marketID:     lot.MarketID,
				outcomeIndex: lot.OutcomeIndex,
				openQty:      decimal.Zero,
			}
			groups[key] = g
		}
		g.lots = append(g.lots, lot)
		g.openQty = g.openQty.Add(lot.RemainingQuantity)
	}

	// Settled markets are handled off the snapshot itself, so a redeemable
	// position is caught even after its lots were already closed out.
	for key, pos := range posByKey {
		if pos.Redeemable {
			pc.handleRedeemable(ctx, rel, groups[key], pos)
		}
	}

	now := time.Now()
	grace := time.Duration(pc.cfg.GraceSec) * time.Second

	for key, g := range groups {
		pos, present := posByKey[key]
		checkKey := pendingKey(rel, g.marketID, g.outcomeIndex)

		if !present {
			// Only lots past the grace window count; a freshly opened lot
			// may simply not have reached the snapshot API yet.
			var eligible []string
			for _, lot := range g.lots {
				if now.Sub(lot.CreatedAt) >= grace {
					eligible = append(eligible, lot.ID)
				}
			}
			if len(eligible) == 0 {
				continue
			}
			pc.addPendingCheck(checkKey, rel, g, eligible)
			continue
		}

		// Position exists again, drop any outstanding disappearance check
		pc.dropPendingCheck(checkKey)

		if pos.Redeemable {
			continue
		}

		snapQty := pos.Size.Decimal
		if snapQty.LessThan(g.openQty) {
			pc.applyInferredPartialSell(ctx, g, g.openQty.Sub(snapQty))
		}
	}
}

func pendingKey(rel models.CopyRelationship, marketID string, outcomeIndex int) string {
	return fmt.Sprintf("%s_%d", models.PositionKeyOf(rel.AccountID, marketID, outcomeIndex), rel.ID)
}

func (pc *PositionChecker) addPendingCheck(key string, rel models.CopyRelationship, g *lotGroup, lotIDs []string) {
	pc.pendingMu.Lock()
	defer pc.pendingMu.Unlock()
	if existing, exists := pc.pending[key]; exists {
		// Keep FirstDetected, refresh the lot set to what is eligible now
		existing.LotIDs = lotIDs
		return
	}
	pc.pending[key] = &PendingReconciliationCheck{
		Key:            key,
		RelationshipID: rel.ID,
		AccountID:      rel.AccountID,
		AccountWallet:  rel.AccountWallet,
		MarketID:       g.marketID,
		OutcomeIndex:   g.outcomeIndex,
		LotIDs:         lotIDs,
		FirstDetected:  time.Now(),
	}
	log.Printf("[PositionCheck] Tracked position %s missing from snapshot (open %s), will recheck",
		key, g.openQty.String())
}

func (pc *PositionChecker) dropPendingCheck(key string) {
	pc.pendingMu.Lock()
	defer pc.pendingMu.Unlock()
	if _, exists := pc.pending[key]; exists {
		delete(pc.pending, key)
		log.Printf("[PositionCheck] Position %s reappeared, check discarded", key)
	}
}

// RevalidatePending re-examines outstanding disappearance checks. Absence
// confirmed past the confirmation window becomes an inferred full sell at
// the current market price; checks past the safety ceiling are dropped.
func (pc *PositionChecker) RevalidatePending(ctx context.Context) {
	pc.pendingMu.Lock()
	checks := make([]*PendingReconciliationCheck, 0, len(pc.pending))
	for _, c := range pc.pending {
		checks = append(checks, c)
	}
	pc.pendingMu.Unlock()

	if len(checks) == 0 {
		return
	}

	confirm := time.Duration(pc.cfg.ConfirmSec) * time.Second
	ceiling := time.Duration(pc.cfg.SafetyCeilingSec) * time.Second

	// One snapshot per wallet per pass
	snapshots := make(map[string]map[string]api.OpenPosition)

	for _, check := range checks {
		age := time.Since(check.FirstDetected)
		if age >= ceiling {
			pc.pendingMu.Lock()
			delete(pc.pending, check.Key)
			pc.pendingMu.Unlock()
			log.Printf("[PositionCheck] Check %s exceeded safety ceiling after %v, discarded", check.Key, age)
			continue
		}

		wallet := utils.NormalizeAddress(check.AccountWallet)
		posByKey, ok := snapshots[wallet]
		if !ok {
			positions, err := pc.market.GetOpenPositions(ctx, wallet)
			if err != nil {
				log.Printf("[PositionCheck] Recheck snapshot failed for %s: %v", utils.ShortAddress(wallet), err)
				continue
			}
			posByKey = make(map[string]api.OpenPosition, len(positions))
			for _, pos := range positions {
				posByKey[fmt.Sprintf("%s_%d", pos.ConditionID, pos.OutcomeIndex)] = pos
			}
			snapshots[wallet] = posByKey
		}

		posKey := fmt.Sprintf("%s_%d", check.MarketID, check.OutcomeIndex)
		if pos, present := posByKey[posKey]; present && pos.Size.Decimal.IsPositive() {
			pc.dropPendingCheck(check.Key)
			continue
		}

		if age < confirm {
			continue
		}

		if pc.applyInferredFullSell(ctx, check) {
			pc.pendingMu.Lock()
			delete(pc.pending, check.Key)
			pc.pendingMu.Unlock()
		}
	}
}

func (pc *PositionChecker) applyInferredFullSell(ctx context.Context, check *PendingReconciliationCheck) bool {
	lots, err := pc.store.OpenLots(ctx, check.RelationshipID, check.MarketID, check.OutcomeIndex)
	if err != nil {
		log.Printf("[PositionCheck] Failed to load lots for %s: %v", check.Key, err)
		return false
	}

	// Close only the lots recorded on the check. They are the oldest open
	// lots for the key, so the FIFO match consumes exactly them.
	inCheck := make(map[string]bool, len(check.LotIDs))
	for _, id := range check.LotIDs {
		inCheck[id] = true
	}
	openQty := decimal.Zero
	for _, lot := range lots {
		if inCheck[lot.ID] {
			openQty = openQty.Add(lot.RemainingQuantity)
		}
	}
	if !openQty.IsPositive() {
		return true // nothing left to close
	}

	price, err := pc.market.GetMarketPrice(ctx, check.MarketID, check.OutcomeIndex)
	if err != nil {
		log.Printf("[PositionCheck] Price lookup failed for %s, will retry: %v", check.Key, err)
		return false
	}

	sellID := fmt.Sprintf("AUTO_%d_%d", time.Now().Unix(), check.RelationshipID)
	rec, err := pc.tracker.MatchSell(ctx, check.RelationshipID, check.MarketID, check.OutcomeIndex,
		price, openQty, sellID)
	if err != nil {
		log.Printf("[PositionCheck] Inferred full sell failed for %s: %v", check.Key, err)
		return false
	}
	if rec != nil {
		log.Printf("[PositionCheck] 📉 Inferred full sell %s: closed %s @ %s, realized PnL %s",
			sellID, rec.TotalMatchedQuantity.String(), price.String(), rec.TotalRealizedPnl.String())
	}
	return true
}

func (pc *PositionChecker) applyInferredPartialSell(ctx context.Context, g *lotGroup, diff decimal.Decimal) {
	price, err := pc.market.GetMarketPrice(ctx, g.marketID, g.outcomeIndex)
	if err != nil {
		log.Printf("[PositionCheck] Price lookup failed for market %s outcome %d, skipping group: %v",
			g.marketID, g.outcomeIndex, err)
		return
	}

	sellID := fmt.Sprintf("AUTO_FIFO_%d_%d", time.Now().Unix(), g.rel.ID)
	rec, err := pc.tracker.MatchSell(ctx, g.rel.ID, g.marketID, g.outcomeIndex, price, diff, sellID)
	if err != nil {
		log.Printf("[PositionCheck] Inferred partial sell failed for relationship %d: %v", g.rel.ID, err)
		return
	}
	if rec != nil {
		log.Printf("[PositionCheck] 📉 Inferred partial sell %s: snapshot short by %s, closed @ %s, realized PnL %s",
			sellID, diff.String(), price.String(), rec.TotalRealizedPnl.String())
	}
}

// handleRedeemable notifies about (or redeems) one resolved snapshot
// position. g carries the tracked open lots for the key and may be nil;
// redemption does not depend on the ledger still holding lots.
func (pc *PositionChecker) handleRedeemable(ctx context.Context, rel models.CopyRelationship, g *lotGroup, pos api.OpenPosition) {
	cooldownKey := models.PositionKeyOf(rel.AccountID, pos.ConditionID, pos.OutcomeIndex)

	if !pc.cfg.AutoRedeem {
		pc.cooldownMu.Lock()
		last, notified := pc.notifiedAt[cooldownKey]
		window := time.Duration(pc.cfg.NotifyWindowSec) * time.Second
		if notified && time.Since(last) < window {
			pc.cooldownMu.Unlock()
			return
		}
		pc.notifiedAt[cooldownKey] = time.Now()
		pc.cooldownMu.Unlock()

		msg := fmt.Sprintf("Position redeemable: %s - %s (%s tokens, wallet %s)",
			pos.Title, pos.Outcome, pos.Size.Decimal.String(), utils.ShortAddress(rel.AccountWallet))
		if pc.notifier != nil {
			if err := pc.notifier.Notify(ctx, msg); err != nil {
				log.Printf("[PositionCheck] Notification failed: %v", err)
			}
		} else {
			log.Printf("[PositionCheck] 🔔 %s", msg)
		}
		return
	}

	pc.cooldownMu.Lock()
	last, redeemed := pc.redeemedAt[cooldownKey]
	cooldown := time.Duration(pc.cfg.RedeemCooldownSec) * time.Second
	if redeemed && time.Since(last) < cooldown {
		pc.cooldownMu.Unlock()
		return
	}
	pc.cooldownMu.Unlock()

	// Amount in 6-decimal base units
	amount := pos.Size.Decimal.Shift(6).Truncate(0).String()
	txHash, err := pc.market.RedeemPosition(ctx, api.RedeemRequest{
		ProxyWallet:  rel.AccountWallet,
		ConditionID:  pos.ConditionID,
		OutcomeIndex: pos.OutcomeIndex,
		Amount:       amount,
	})
	if err != nil {
		log.Printf("[PositionCheck] Redeem failed for %s - %s: %v", pos.Title, pos.Outcome, err)
		return
	}
	log.Printf("[PositionCheck] ✅ Redeemed %s - %s (tx %s)", pos.Title, pos.Outcome, txHash)

	pc.cooldownMu.Lock()
	pc.redeemedAt[cooldownKey] = time.Now()
	pc.cooldownMu.Unlock()

	if g == nil || !g.openQty.IsPositive() {
		return // no tracked lots left to settle
	}

	// Close the books at the settlement value. A winning outcome pays $1
	// per token, a losing one pays nothing.
	settle := decimal.Zero
	if pos.CurPrice.Decimal.GreaterThan(decimal.NewFromFloat(0.5)) {
		settle = decimal.NewFromInt(1)
	}
	sellID := fmt.Sprintf("AUTO_%d_%d", time.Now().Unix(), rel.ID)
	rec, err := pc.tracker.MatchSell(ctx, rel.ID, g.marketID, g.outcomeIndex, settle, g.openQty, sellID)
	if err != nil {
		log.Printf("[PositionCheck] Redemption sell failed for relationship %d: %v", rel.ID, err)
		return
	}
	if rec != nil {
		log.Printf("[PositionCheck] Redemption %s closed %s lot quantity, realized PnL %s",
			sellID, rec.TotalMatchedQuantity.String(), rec.TotalRealizedPnl.String())
	}
}
