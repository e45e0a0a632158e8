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
)

// CopyTradingMonitor combines two detection channels for leader trades:
// 1. Polygon blockchain WebSocket (RELIABLE: confirmed transfer logs, ~10-20s)
// 2. Activity-stream WebSocket (LOW LATENCY: ~1-2s, best-effort delivery)
// Both feed the same tracking path; the processed-trade registry keyed by
// tx hash keeps double reports from applying twice.
type CopyTradingMonitor struct {
	cfg     *config.Config
	store   storage.Store
	market  *api.MarketClient
	tracker *OrderTracker

	onchainWS  *api.OnChainWSClient
	activityWS *api.ActivityWSClient

	// Watched leaders keyed by lowercase wallet address
	leaders   map[string]models.Leader
	leadersMu sync.RWMutex

	// Context handed to Start, read by the WS callbacks
	ctx   context.Context
	ctxMu sync.Mutex

	running bool
	runMu   sync.Mutex
}

// NewCopyTradingMonitor wires both channel clients to the tracker.
func NewCopyTradingMonitor(cfg *config.Config, store storage.Store, market *api.MarketClient, tracker *OrderTracker) *CopyTradingMonitor {
	m := &CopyTradingMonitor{
		cfg:     cfg,
		store:   store,
		market:  market,
		tracker: tracker,
		leaders: make(map[string]models.Leader),
	}

	m.onchainWS = api.NewOnChainWSClient(api.OnChainWSClientConfig{
		WSRPCURL:          cfg.Chain.WSRPCURL,
		HTTPRPCURL:        cfg.Chain.HTTPRPCURL,
		USDCAddress:       cfg.Chain.USDCAddress,
		CTFAddress:        cfg.Chain.CTFAddress,
		ConnectTimeout:    time.Duration(cfg.Chain.ConnectTimeoutMS) * time.Millisecond,
		ReconnectDelay:    time.Duration(cfg.Chain.ReconnectDelayMS) * time.Millisecond,
		ReceiptRatePerSec: cfg.Chain.ReceiptRatePerSec,
		ReceiptRateBurst:  cfg.Chain.ReceiptRateBurst,
	}, m.handleOnChainTrade)

	m.activityWS = api.NewActivityWSClient(api.ActivityWSClientConfig{
		WSURL:          cfg.Activity.WSURL,
		ConnectTimeout: time.Duration(cfg.Activity.ConnectTimeoutMS) * time.Millisecond,
		ReconnectDelay: time.Duration(cfg.Activity.ReconnectDelayMS) * time.Millisecond,
		StaleAfter:     time.Duration(cfg.Activity.StaleAfterSec) * time.Second,
	}, m.handleActivityTrade)

	return m
}

// Start loads the leaders with enabled relationships and opens both channels.
func (m *CopyTradingMonitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("monitor already running")
	}
	m.ctxMu.Lock()
	m.ctx = ctx
	m.ctxMu.Unlock()

	if err := m.refreshLeaders(ctx); err != nil {
		return fmt.Errorf("failed to load leaders: %w", err)
	}

	addrs := m.watchedAddresses()
	m.activityWS.SetWatchedAddresses(addrs)

	if err := m.onchainWS.Start(ctx, addrs); err != nil {
		return fmt.Errorf("on-chain channel failed to start: %w", err)
	}
	if err := m.activityWS.Start(ctx); err != nil {
		m.onchainWS.Stop()
		return fmt.Errorf("activity channel failed to start: %w", err)
	}

	m.running = true
	log.Printf("[Monitor] Started watching %d leader(s) on both channels", len(addrs))
	return nil
}

// Stop closes both channels.
func (m *CopyTradingMonitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.activityWS.Stop()
	m.onchainWS.Stop()
	m.running = false
	log.Printf("[Monitor] Stopped")
}

// Restart tears down both channels and brings them back up. Used after
// leader set changes that are easier to apply with a clean slate.
func (m *CopyTradingMonitor) Restart(ctx context.Context) error {
	log.Printf("[Monitor] Restarting both channels...")
	m.Stop()
	time.Sleep(1 * time.Second)
	return m.Start(ctx)
}

// AddLeader starts watching a leader's wallet on both channels.
func (m *CopyTradingMonitor) AddLeader(leader models.Leader) {
	addr := utils.NormalizeAddress(leader.Address)
	m.leadersMu.Lock()
	_, exists := m.leaders[addr]
	m.leaders[addr] = leader
	m.leadersMu.Unlock()
	if exists {
		return
	}
	m.onchainWS.AddAddress(addr)
	m.activityWS.AddAddress(addr)
	log.Printf("[Monitor] Now watching leader %d (%s)", leader.ID, utils.ShortAddress(addr))
}

// RemoveLeader stops watching a leader, but only when no enabled
// relationship still follows them.
func (m *CopyTradingMonitor) RemoveLeader(ctx context.Context, leader models.Leader) error {
	rels, err := m.store.ListEnabledRelationshipsByLeader(ctx, leader.ID)
	if err != nil {
		return fmt.Errorf("relationship lookup failed: %w", err)
	}
	if len(rels) > 0 {
		log.Printf("[Monitor] Leader %d still has %d enabled relationship(s), keeping watch", leader.ID, len(rels))
		return nil
	}

	addr := utils.NormalizeAddress(leader.Address)
	m.leadersMu.Lock()
	delete(m.leaders, addr)
	m.leadersMu.Unlock()
	m.onchainWS.RemoveAddress(addr)
	m.activityWS.RemoveAddress(addr)
	log.Printf("[Monitor] Stopped watching leader %d (%s)", leader.ID, utils.ShortAddress(addr))
	return nil
}

func (m *CopyTradingMonitor) refreshLeaders(ctx context.Context) error {
	leaders, err := m.store.ListLeaders(ctx)
	if err != nil {
		return err
	}
	rels, err := m.store.ListEnabledRelationships(ctx)
	if err != nil {
		return err
	}

	followed := make(map[int64]bool)
	for _, rel := range rels {
		followed[rel.LeaderID] = true
	}

	m.leadersMu.Lock()
	m.leaders = make(map[string]models.Leader)
	for _, l := range leaders {
		if followed[l.ID] {
			m.leaders[utils.NormalizeAddress(l.Address)] = l
		}
	}
	m.leadersMu.Unlock()
	return nil
}

func (m *CopyTradingMonitor) watchedAddresses() []string {
	m.leadersMu.RLock()
	defer m.leadersMu.RUnlock()
	addrs := make([]string, 0, len(m.leaders))
	for addr := range m.leaders {
		addrs = append(addrs, addr)
	}
	return addrs
}

// runCtx is what the WS callbacks run under. Callbacks can fire before
// Start has stored a context; they fall back to the background context.
func (m *CopyTradingMonitor) runCtx() context.Context {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

func (m *CopyTradingMonitor) leaderByAddress(addr string) (models.Leader, bool) {
	m.leadersMu.RLock()
	defer m.leadersMu.RUnlock()
	l, ok := m.leaders[utils.NormalizeAddress(addr)]
	return l, ok
}

// resolveToken maps an ERC-1155 token id to its market and outcome. Cache
// first, Gamma API fallback, cache the result on success.
func (m *CopyTradingMonitor) resolveToken(ctx context.Context, tokenID string) *models.TokenInfo {
	info, err := m.store.GetTokenInfo(ctx, tokenID)
	if err != nil {
		log.Printf("[Monitor] Token cache lookup failed for %s: %v", tokenID, err)
	}
	if info != nil {
		return info
	}

	gamma, err := m.market.GetTokenInfoByID(ctx, tokenID)
	if err != nil {
		log.Printf("[Monitor] Gamma lookup failed for token %s: %v", tokenID, err)
		return nil
	}

	resolved := &models.TokenInfo{
		TokenID:      tokenID,
		MarketID:     gamma.ConditionID,
		OutcomeIndex: gamma.OutcomeIndex,
		Outcome:      gamma.Outcome,
		Question:     gamma.Title,
	}
	if err := m.store.SaveTokenInfo(ctx, *resolved); err != nil {
		log.Printf("[Monitor] Failed to cache token %s: %v", tokenID, err)
	}
	return resolved
}

func (m *CopyTradingMonitor) handleOnChainTrade(evt api.OnChainTradeEvent) {
	leader, ok := m.leaderByAddress(evt.Wallet)
	if !ok {
		return
	}

	ctx := m.runCtx()

	trade := models.TradeEvent{
		ID:              evt.TxHash,
		LeaderID:        leader.ID,
		TraderAddress:   evt.Wallet,
		AssetID:         evt.Trade.TokenID,
		Side:            models.TradeSide(evt.Trade.Side),
		Price:           evt.Trade.Price,
		Size:            evt.Trade.Size,
		TimestampMillis: evt.TimestampMillis,
		SourceChannel:   models.SourceOnChainWS,
	}

	// Emit even when the market cannot be resolved; the tracker leaves
	// unresolved trades unprocessed so a later report can pick them up.
	if info := m.resolveToken(ctx, evt.Trade.TokenID); info != nil {
		trade.MarketID = info.MarketID
		idx := info.OutcomeIndex
		trade.OutcomeIndex = &idx
	}

	log.Printf("[Monitor] ⛓️ On-chain %s by leader %d: %s @ %s (market %s, tx %s, handled in %v)",
		trade.Side, leader.ID, trade.Size.String(), trade.Price.String(),
		trade.MarketID, evt.TxHash, time.Since(evt.DetectedAt))

	if err := m.tracker.ProcessTrade(ctx, trade); err != nil {
		log.Printf("[Monitor] Failed to process on-chain trade %s: %v", evt.TxHash, err)
	}
}

func (m *CopyTradingMonitor) handleActivityTrade(evt api.ActivityTradeEvent) {
	leader, ok := m.leaderByAddress(evt.Wallet)
	if !ok {
		return
	}

	ctx := m.runCtx()

	trade := models.TradeEvent{
		ID:              evt.TradeID,
		LeaderID:        leader.ID,
		TraderAddress:   evt.Wallet,
		MarketID:        evt.MarketID,
		AssetID:         evt.AssetID,
		OutcomeIndex:    evt.OutcomeIndex,
		Side:            models.TradeSide(evt.Side),
		Price:           evt.Price.Decimal,
		Size:            evt.Size.Decimal,
		TimestampMillis: evt.TimestampMillis,
		SourceChannel:   models.SourceActivityWS,
	}

	// The stream sometimes omits the condition id; fall back to the token.
	if (trade.MarketID == "" || trade.OutcomeIndex == nil) && evt.AssetID != "" {
		if info := m.resolveToken(ctx, evt.AssetID); info != nil {
			trade.MarketID = info.MarketID
			idx := info.OutcomeIndex
			trade.OutcomeIndex = &idx
		}
	}

	log.Printf("[Monitor] ⚡ Activity %s by leader %d: %s @ %s (market %s, trade %s)",
		trade.Side, leader.ID, trade.Size.String(), trade.Price.String(), trade.MarketID, trade.ID)

	if err := m.tracker.ProcessTrade(ctx, trade); err != nil {
		log.Printf("[Monitor] Failed to process activity trade %s: %v", trade.ID, err)
	}
}
