package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copytrade-worker/utils"
)

// ActivityTradeEvent is a trade observed on the live activity stream.
// MarketID and OutcomeIndex may be unresolved; the stream is best-effort
// and the on-chain channel remains the source of truth.
type ActivityTradeEvent struct {
	TradeID         string
	Wallet          string // lowercase
	MarketID        string // conditionId, may be empty
	AssetID         string
	OutcomeIndex    *int
	Side            string // "BUY" or "SELL"
	Price           Numeric
	Size            Numeric
	TimestampMillis int64
	DetectedAt      time.Time
}

// ActivityTradeHandler is called for every matching activity trade.
type ActivityTradeHandler func(event ActivityTradeEvent)

// ActivityWSClientConfig carries endpoints and tuning for the client.
type ActivityWSClientConfig struct {
	WSURL          string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	StaleAfter     time.Duration
}

// ActivityWSClient holds one subscription to the global activity stream and
// filters client-side by watched wallet. The feed carries every trade on
// the exchange, so a cheap substring check runs before any JSON parsing.
type ActivityWSClient struct {
	cfg ActivityWSClientConfig

	conn   *websocket.Conn
	connMu sync.Mutex

	onTrade ActivityTradeHandler

	watched   map[string]bool
	watchedMu sync.RWMutex

	// tx hashes already emitted: hash -> first seen
	seenTxs   map[string]time.Time
	seenTxsMu sync.Mutex

	lastFrame   time.Time
	lastFrameMu sync.Mutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	framesSeen     int64
	tradesDetected int64
	statsMu        sync.RWMutex
}

// NewActivityWSClient creates the low-latency detection client.
func NewActivityWSClient(cfg ActivityWSClientConfig, onTrade ActivityTradeHandler) *ActivityWSClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	return &ActivityWSClient{
		cfg:     cfg,
		onTrade: onTrade,
		watched: make(map[string]bool),
		seenTxs: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// SetWatchedAddresses replaces the watched wallet set.
func (c *ActivityWSClient) SetWatchedAddresses(addrs []string) {
	c.watchedMu.Lock()
	defer c.watchedMu.Unlock()

	c.watched = make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		c.watched[utils.NormalizeAddress(addr)] = true
	}
	log.Printf("[ActivityWS] Monitoring %d addresses on activity stream", len(c.watched))
}

// AddAddress adds one wallet to the watched set.
func (c *ActivityWSClient) AddAddress(addr string) {
	c.watchedMu.Lock()
	defer c.watchedMu.Unlock()
	c.watched[utils.NormalizeAddress(addr)] = true
}

// RemoveAddress drops one wallet from the watched set. Dropping the last
// wallet shuts the whole channel down instead of filtering a dead set.
func (c *ActivityWSClient) RemoveAddress(addr string) {
	c.watchedMu.Lock()
	delete(c.watched, utils.NormalizeAddress(addr))
	empty := len(c.watched) == 0
	c.watchedMu.Unlock()

	if empty {
		log.Printf("[ActivityWS] Watched set empty, shutting down channel")
		c.Stop()
	}
}

// Start connects to the activity stream and subscribes to trade topics.
func (c *ActivityWSClient) Start(ctx context.Context) error {
	if c.running {
		return fmt.Errorf("ActivityWS client already running")
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	if err := c.subscribe(); err != nil {
		c.conn.Close()
		return fmt.Errorf("subscription failed: %w", err)
	}

	// Fresh lifecycle channels so a stopped client can be started again.
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.running = true
	go c.readLoop(ctx)
	go c.staleWatch(ctx)

	log.Printf("[ActivityWS] Started - listening to global activity stream")
	return nil
}

// Stop gracefully shuts down the client.
func (c *ActivityWSClient) Stop() {
	if !c.running {
		return
	}

	c.running = false
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Printf("[ActivityWS] Shutdown timeout")
	}

	log.Printf("[ActivityWS] Stopped")
}

// GetStats returns detection counters.
func (c *ActivityWSClient) GetStats() (framesSeen, tradesDetected int64) {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.framesSeen, c.tradesDetected
}

func (c *ActivityWSClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.Dial(c.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.WSURL, err)
	}

	c.conn = conn
	c.touch()
	log.Printf("[ActivityWS] Connected to activity stream")
	return nil
}

func (c *ActivityWSClient) subscribe() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	subMsg := map[string]any{
		"action": "subscribe",
		"subscriptions": []map[string]string{
			{"topic": "activity", "type": "trades"},
			{"topic": "activity", "type": "orders_matched"},
		},
	}
	if err := c.conn.WriteJSON(subMsg); err != nil {
		return fmt.Errorf("subscribe write failed: %w", err)
	}

	log.Printf("[ActivityWS] Subscribed to activity trades + orders_matched")
	return nil
}

func (c *ActivityWSClient) touch() {
	c.lastFrameMu.Lock()
	c.lastFrame = time.Now()
	c.lastFrameMu.Unlock()
}

// staleWatch force-closes the connection when the feed goes silent, which
// kicks the read loop into its reconnect path.
func (c *ActivityWSClient) staleWatch(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StaleAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		c.lastFrameMu.Lock()
		last := c.lastFrame
		c.lastFrameMu.Unlock()

		if time.Since(last) > c.cfg.StaleAfter {
			log.Printf("[ActivityWS] No frames for %s, forcing reconnect", time.Since(last).Round(time.Second))
			c.connMu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.connMu.Unlock()
		}
	}
}

func (c *ActivityWSClient) readLoop(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			default:
			}
			log.Printf("[ActivityWS] Read error: %v, reconnecting...", err)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		c.touch()
		c.handleMessage(msg)
	}
}

// reconnect waits out the delay and redials. It reports false when the read
// loop should exit instead: the client was stopped, the context ended, or
// nothing is watched anymore.
func (c *ActivityWSClient) reconnect(ctx context.Context) bool {
	c.watchedMu.RLock()
	empty := len(c.watched) == 0
	c.watchedMu.RUnlock()
	if empty {
		log.Printf("[ActivityWS] Watched set empty, not reconnecting")
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.running = false
		return false
	}

	log.Printf("[ActivityWS] Reconnecting in %s...", c.cfg.ReconnectDelay)

	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(c.cfg.ReconnectDelay):
	}

	if err := c.connect(); err != nil {
		log.Printf("[ActivityWS] Reconnection failed: %v", err)
		return true
	}

	if err := c.subscribe(); err != nil {
		log.Printf("[ActivityWS] Resubscription failed: %v", err)
	}
	return true
}

// containsWatchedAddress is the pre-parse filter: nearly every frame is
// someone else's trade, so scan the raw bytes for a watched wallet before
// paying for JSON decoding.
func (c *ActivityWSClient) containsWatchedAddress(raw string) bool {
	c.watchedMu.RLock()
	defer c.watchedMu.RUnlock()

	for addr := range c.watched {
		if strings.Contains(raw, addr) {
			return true
		}
	}
	return false
}

func (c *ActivityWSClient) handleMessage(data []byte) {
	c.statsMu.Lock()
	c.framesSeen++
	c.statsMu.Unlock()

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return
	}
	if strings.EqualFold(trimmed, "ping") {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteMessage(websocket.TextMessage, []byte("PONG"))
		}
		c.connMu.Unlock()
		return
	}

	if !c.containsWatchedAddress(strings.ToLower(trimmed)) {
		return
	}

	// Frames carry either a single payload object or a batch.
	var envelope struct {
		Topic   string          `json:"topic"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return
	}

	payload := envelope.Payload
	if len(payload) == 0 {
		payload = data
	}

	if strings.HasPrefix(strings.TrimSpace(string(payload)), "[") {
		var trades []ActivityTrade
		if err := json.Unmarshal(payload, &trades); err != nil {
			return
		}
		for i := range trades {
			c.handleTrade(&trades[i])
		}
		return
	}

	var trade ActivityTrade
	if err := json.Unmarshal(payload, &trade); err != nil {
		return
	}
	c.handleTrade(&trade)
}

func (c *ActivityWSClient) handleTrade(t *ActivityTrade) {
	wallet := utils.NormalizeAddress(t.TraderAddress())
	if wallet == "" {
		return
	}

	c.watchedMu.RLock()
	watched := c.watched[wallet]
	c.watchedMu.RUnlock()
	if !watched {
		return
	}

	side := strings.ToUpper(strings.TrimSpace(t.Side))
	if side != "BUY" && side != "SELL" {
		return
	}

	txHash := strings.ToLower(t.TransactionHash)
	if txHash != "" {
		c.seenTxsMu.Lock()
		if _, seen := c.seenTxs[txHash]; seen {
			c.seenTxsMu.Unlock()
			return
		}
		c.seenTxs[txHash] = time.Now()
		if len(c.seenTxs) > 1000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for h, ts := range c.seenTxs {
				if ts.Before(cutoff) {
					delete(c.seenTxs, h)
				}
			}
		}
		c.seenTxsMu.Unlock()
	}

	// Some feeds report seconds, others milliseconds.
	ts := int64(t.Timestamp)
	if ts > 0 && ts < 1_000_000_000_000 {
		ts *= 1000
	}
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	var outcomeIndex *int
	if t.OutcomeIndex != nil {
		idx := int(*t.OutcomeIndex)
		outcomeIndex = &idx
	} else if idx, ok := utils.OutcomeIndexFromLabel(t.Outcome); ok {
		outcomeIndex = &idx
	}

	tradeID := txHash
	if tradeID == "" {
		asset := t.Asset
		if len(asset) > 10 {
			asset = asset[:10]
		}
		tradeID = fmt.Sprintf("%s_%d_%s", wallet, time.Now().UnixMilli(), asset)
	}

	c.statsMu.Lock()
	c.tradesDetected++
	c.statsMu.Unlock()

	log.Printf("[ActivityWS] Trade detected: wallet=%s side=%s size=%s price=%s market=%s",
		utils.ShortAddress(wallet), side, t.Size.Decimal.String(), t.Price.Decimal.StringFixed(4), t.ConditionID)

	if c.onTrade != nil {
		c.onTrade(ActivityTradeEvent{
			TradeID:         tradeID,
			Wallet:          wallet,
			MarketID:        t.ConditionID,
			AssetID:         t.Asset,
			OutcomeIndex:    outcomeIndex,
			Side:            side,
			Price:           t.Price,
			Size:            t.Size,
			TimestampMillis: ts,
			DetectedAt:      time.Now(),
		})
	}
}
