// Package api provides the exchange and chain clients for the copy-trading
// worker: the on-chain log subscription channel, the live activity-stream
// channel, and the HTTP market/position clients.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// OnChainTradeEvent is a trade reconstructed from a confirmed transaction's
// transfer logs.
type OnChainTradeEvent struct {
	TxHash          string
	Wallet          string // watched wallet, lowercase
	Trade           ChainTrade
	TimestampMillis int64
	DetectedAt      time.Time
}

// OnChainTradeHandler is called for every reconstructed trade.
type OnChainTradeHandler func(event OnChainTradeEvent)

// OnChainWSClientConfig carries the endpoints and tuning for the client.
type OnChainWSClientConfig struct {
	WSRPCURL          string
	HTTPRPCURL        string
	USDCAddress       string
	CTFAddress        string
	ConnectTimeout    time.Duration
	ReconnectDelay    time.Duration
	ReceiptRatePerSec int
	ReceiptRateBurst  int
}

type pendingSub struct {
	address string
	label   string
}

// OnChainWSClient maintains one WebSocket connection to a Polygon RPC node
// and six log subscriptions per watched address (USDC in/out, ERC-1155
// single in/out, ERC-1155 batch in/out). Subscription acks arrive
// asynchronously and are correlated back through the request id.
type OnChainWSClient struct {
	cfg OnChainWSClientConfig

	conn   *websocket.Conn
	connMu sync.Mutex

	httpClient *http.Client
	limiter    *rate.Limiter

	onTrade OnChainTradeHandler

	reqID atomic.Int64

	// watched addresses and subscription bookkeeping
	subMu      sync.Mutex
	watched    map[string]bool
	pending    map[int64]pendingSub // request id -> awaited ack
	subs       map[string]string    // subscription id -> address
	subsByAddr map[string][]string

	// tx hashes already handled: hash -> first seen
	processedTxs map[string]time.Time
	processedMu  sync.Mutex

	// block number -> timestamp millis
	blockTimes   map[string]int64
	blockTimesMu sync.Mutex

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logsSeen       int64
	tradesDetected int64
	statsMu        sync.RWMutex
}

// NewOnChainWSClient creates the on-chain detection client.
func NewOnChainWSClient(cfg OnChainWSClientConfig, onTrade OnChainTradeHandler) *OnChainWSClient {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ReceiptRatePerSec == 0 {
		cfg.ReceiptRatePerSec = 5
	}
	if cfg.ReceiptRateBurst == 0 {
		cfg.ReceiptRateBurst = 10
	}
	return &OnChainWSClient{
		cfg:          cfg,
		onTrade:      onTrade,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(cfg.ReceiptRatePerSec), cfg.ReceiptRateBurst),
		watched:      make(map[string]bool),
		pending:      make(map[int64]pendingSub),
		subs:         make(map[string]string),
		subsByAddr:   make(map[string][]string),
		processedTxs: make(map[string]time.Time),
		blockTimes:   make(map[string]int64),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start connects and subscribes for the given addresses.
func (c *OnChainWSClient) Start(ctx context.Context, addrs []string) error {
	if c.running {
		return fmt.Errorf("OnChainWS client already running")
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	c.subMu.Lock()
	for _, addr := range addrs {
		c.watched[normalizeAddr(addr)] = true
	}
	c.subMu.Unlock()

	// Fresh lifecycle channels so a stopped client can be started again.
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	c.running = true
	go c.readLoop(ctx)

	if err := c.subscribeAll(); err != nil {
		log.Printf("[OnChainWS] Initial subscription failed: %v", err)
	}

	log.Printf("[OnChainWS] Started - monitoring %d addresses", len(addrs))
	return nil
}

// Stop gracefully shuts down the client.
func (c *OnChainWSClient) Stop() {
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
		log.Printf("[OnChainWS] Shutdown timeout")
	}

	log.Printf("[OnChainWS] Stopped")
}

// AddAddress begins monitoring one more wallet.
func (c *OnChainWSClient) AddAddress(addr string) {
	addr = normalizeAddr(addr)

	c.subMu.Lock()
	already := c.watched[addr]
	c.watched[addr] = true
	c.subMu.Unlock()

	if already || !c.running {
		return
	}
	if err := c.subscribeAddress(addr); err != nil {
		log.Printf("[OnChainWS] Subscribe %s failed: %v", addr, err)
	}
}

// RemoveAddress stops monitoring a wallet and tears down its subscriptions.
// Removing the last wallet shuts the whole channel down; there is nothing
// left worth holding a connection for.
func (c *OnChainWSClient) RemoveAddress(addr string) {
	addr = normalizeAddr(addr)

	c.subMu.Lock()
	delete(c.watched, addr)
	subIDs := c.subsByAddr[addr]
	delete(c.subsByAddr, addr)
	for _, id := range subIDs {
		delete(c.subs, id)
	}
	empty := len(c.watched) == 0
	c.subMu.Unlock()

	for _, id := range subIDs {
		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      c.reqID.Add(1),
			Method:  "eth_unsubscribe",
			Params:  []string{id},
		}
		if err := c.writeJSON(req); err != nil {
			log.Printf("[OnChainWS] Unsubscribe %s failed: %v", id, err)
		}
	}

	if empty {
		log.Printf("[OnChainWS] Watched set empty, shutting down channel")
		c.Stop()
	}
}

// GetStats returns detection counters.
func (c *OnChainWSClient) GetStats() (logsSeen, tradesDetected int64) {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return c.logsSeen, c.tradesDetected
}

func normalizeAddr(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

func (c *OnChainWSClient) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.Dial(c.cfg.WSRPCURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.WSRPCURL, err)
	}

	c.conn = conn
	log.Printf("[OnChainWS] Connected to Polygon RPC")
	return nil
}

func (c *OnChainWSClient) writeJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(v)
}

// addressTopic packs an address into a 32-byte topic value.
func addressTopic(addr string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(normalizeAddr(addr), "0x")
}

type logFilter struct {
	Address []string `json:"address,omitempty"`
	Topics  []any    `json:"topics"`
}

// addressFilters builds the six log filters for one watched wallet. ERC-20
// Transfer indexes from/to as topics 1/2; the ERC-1155 events index them as
// topics 2/3 behind the operator.
func (c *OnChainWSClient) addressFilters(addr string) []struct {
	label  string
	filter logFilter
} {
	at := addressTopic(addr)
	usdc := []string{c.cfg.USDCAddress}
	ctf := []string{c.cfg.CTFAddress}
	erc20 := TopicERC20Transfer.Hex()
	single := TopicERC1155Single.Hex()
	batch := TopicERC1155Batch.Hex()

	return []struct {
		label  string
		filter logFilter
	}{
		{"usdc-out", logFilter{Address: usdc, Topics: []any{erc20, at}}},
		{"usdc-in", logFilter{Address: usdc, Topics: []any{erc20, nil, at}}},
		{"ctf-single-out", logFilter{Address: ctf, Topics: []any{single, nil, at}}},
		{"ctf-single-in", logFilter{Address: ctf, Topics: []any{single, nil, nil, at}}},
		{"ctf-batch-out", logFilter{Address: ctf, Topics: []any{batch, nil, at}}},
		{"ctf-batch-in", logFilter{Address: ctf, Topics: []any{batch, nil, nil, at}}},
	}
}

func (c *OnChainWSClient) subscribeAddress(addr string) error {
	for _, f := range c.addressFilters(addr) {
		id := c.reqID.Add(1)

		c.subMu.Lock()
		c.pending[id] = pendingSub{address: addr, label: f.label}
		c.subMu.Unlock()

		req := rpcRequest{
			JSONRPC: "2.0",
			ID:      id,
			Method:  "eth_subscribe",
			Params:  []any{"logs", f.filter},
		}
		if err := c.writeJSON(req); err != nil {
			c.subMu.Lock()
			delete(c.pending, id)
			c.subMu.Unlock()
			return fmt.Errorf("subscribe %s/%s: %w", addr, f.label, err)
		}
	}
	return nil
}

func (c *OnChainWSClient) subscribeAll() error {
	c.subMu.Lock()
	addrs := make([]string, 0, len(c.watched))
	for addr := range c.watched {
		addrs = append(addrs, addr)
	}
	c.subMu.Unlock()

	for _, addr := range addrs {
		if err := c.subscribeAddress(addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *OnChainWSClient) readLoop(ctx context.Context) {
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
			log.Printf("[OnChainWS] Read error: %v, reconnecting...", err)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		c.handleMessage(ctx, msg)
	}
}

// reconnect waits out the delay and redials. It reports false when the read
// loop should exit instead: the client was stopped, the context ended, or
// nothing is watched anymore.
func (c *OnChainWSClient) reconnect(ctx context.Context) bool {
	c.subMu.Lock()
	empty := len(c.watched) == 0
	c.subMu.Unlock()
	if empty {
		log.Printf("[OnChainWS] Watched set empty, not reconnecting")
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		c.running = false
		return false
	}

	log.Printf("[OnChainWS] Reconnecting in %s...", c.cfg.ReconnectDelay)

	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-time.After(c.cfg.ReconnectDelay):
	}

	// Server-side subscription state died with the old connection.
	c.subMu.Lock()
	c.pending = make(map[int64]pendingSub)
	c.subs = make(map[string]string)
	c.subsByAddr = make(map[string][]string)
	c.subMu.Unlock()

	if err := c.connect(); err != nil {
		log.Printf("[OnChainWS] Reconnection failed: %v", err)
		return true
	}

	if err := c.subscribeAll(); err != nil {
		log.Printf("[OnChainWS] Resubscription failed: %v", err)
	}
	return true
}

func (c *OnChainWSClient) handleMessage(ctx context.Context, data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	// Subscription ack or error for one of our requests.
	if msg.ID != nil {
		c.handleAck(msg)
		return
	}

	if msg.Method != "eth_subscription" {
		return
	}

	var params subscriptionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return
	}

	c.subMu.Lock()
	addr, ok := c.subs[params.Subscription]
	c.subMu.Unlock()
	if !ok {
		return
	}

	var lg RPCLog
	if err := json.Unmarshal(params.Result, &lg); err != nil || lg.TransactionHash == "" {
		return
	}

	c.statsMu.Lock()
	c.logsSeen++
	c.statsMu.Unlock()

	txHash := strings.ToLower(lg.TransactionHash)

	c.processedMu.Lock()
	if _, seen := c.processedTxs[txHash]; seen {
		c.processedMu.Unlock()
		return
	}
	c.processedTxs[txHash] = time.Now()
	if len(c.processedTxs) > 1000 {
		cutoff := time.Now().Add(-10 * time.Minute)
		for h, t := range c.processedTxs {
			if t.Before(cutoff) {
				delete(c.processedTxs, h)
			}
		}
	}
	c.processedMu.Unlock()

	go c.processTx(ctx, txHash, addr)
}

func (c *OnChainWSClient) handleAck(msg rpcMessage) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	req, ok := c.pending[*msg.ID]
	if !ok {
		return
	}
	delete(c.pending, *msg.ID)

	if msg.Error != nil {
		log.Printf("[OnChainWS] Subscription %s/%s rejected: %s", req.address, req.label, msg.Error.Message)
		return
	}

	var subID string
	if err := json.Unmarshal(msg.Result, &subID); err != nil || subID == "" {
		log.Printf("[OnChainWS] Malformed subscription ack for %s/%s", req.address, req.label)
		return
	}

	// The address may have been removed while the ack was in flight.
	if !c.watched[req.address] {
		return
	}

	c.subs[subID] = req.address
	c.subsByAddr[req.address] = append(c.subsByAddr[req.address], subID)
}

// processTx fetches the full receipt and reconstructs the trade from every
// transfer log in it. The single log that triggered us is not enough: the
// wallet's USDC and token legs arrive in separate logs of the same tx.
func (c *OnChainWSClient) processTx(ctx context.Context, txHash, wallet string) {
	if err := c.limiter.Wait(ctx); err != nil {
		return
	}

	receipt, err := c.getReceipt(txHash)
	if err != nil {
		log.Printf("[OnChainWS] Receipt fetch failed for %s: %v", txHash, err)
		return
	}
	if receipt.Status != "" && receipt.Status != "0x1" {
		return
	}

	erc20, erc1155 := DecodeTransfers(receipt.Logs)
	trade, ok := NetTrade(wallet, c.cfg.USDCAddress, erc20, erc1155)
	if !ok {
		return
	}

	ts := c.blockTimestampMillis(receipt.BlockNumber)

	c.statsMu.Lock()
	c.tradesDetected++
	c.statsMu.Unlock()

	log.Printf("[OnChainWS] Trade detected: wallet=%s side=%s size=%s price=%s tx=%s",
		wallet[:10], trade.Side, trade.Size.String(), trade.Price.StringFixed(4), txHash[:16])

	if c.onTrade != nil {
		c.onTrade(OnChainTradeEvent{
			TxHash:          txHash,
			Wallet:          wallet,
			Trade:           *trade,
			TimestampMillis: ts,
			DetectedAt:      time.Now(),
		})
	}
}

func (c *OnChainWSClient) rpcCall(method string, params any, out any) error {
	reqBody, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})

	resp, err := c.httpClient.Post(c.cfg.HTTPRPCURL, "application/json", strings.NewReader(string(reqBody)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var result struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return err
	}
	if result.Error != nil {
		return fmt.Errorf("rpc error: %s", result.Error.Message)
	}
	if len(result.Result) == 0 || string(result.Result) == "null" {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(result.Result, out)
}

func (c *OnChainWSClient) getReceipt(txHash string) (*RPCReceipt, error) {
	var receipt RPCReceipt
	if err := c.rpcCall("eth_getTransactionReceipt", []string{txHash}, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// blockTimestampMillis resolves a block's timestamp, caching per block and
// falling back to wall time when the lookup fails.
func (c *OnChainWSClient) blockTimestampMillis(blockNumber string) int64 {
	if blockNumber == "" {
		return time.Now().UnixMilli()
	}

	c.blockTimesMu.Lock()
	if ts, ok := c.blockTimes[blockNumber]; ok {
		c.blockTimesMu.Unlock()
		return ts
	}
	c.blockTimesMu.Unlock()

	var block struct {
		Timestamp string `json:"timestamp"`
	}
	if err := c.rpcCall("eth_getBlockByNumber", []any{blockNumber, false}, &block); err != nil {
		return time.Now().UnixMilli()
	}

	secs, err := strconv.ParseInt(strings.TrimPrefix(block.Timestamp, "0x"), 16, 64)
	if err != nil {
		return time.Now().UnixMilli()
	}
	ts := secs * 1000

	c.blockTimesMu.Lock()
	c.blockTimes[blockNumber] = ts
	if len(c.blockTimes) > 500 {
		c.blockTimes = map[string]int64{blockNumber: ts}
	}
	c.blockTimesMu.Unlock()

	return ts
}
