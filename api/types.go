package api

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Numeric handles Polymarket numbers that may arrive as strings or numbers.
// Values are kept as exact decimals, never floats.
type Numeric struct {
	decimal.Decimal
}

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || strings.EqualFold(string(data), "null") {
		n.Decimal = decimal.Zero
		return nil
	}

	// Handle quoted numbers.
	if data[0] == '"' && data[len(data)-1] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			n.Decimal = decimal.Zero
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		n.Decimal = d
		return nil
	}

	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return err
	}
	n.Decimal = d
	return nil
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

// FlexInt64 handles integers that may arrive quoted, unquoted, or with a
// fractional part (some feeds send timestamps as floats).
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var n Numeric
	if err := n.UnmarshalJSON(data); err != nil {
		return err
	}
	*f = FlexInt64(n.Decimal.IntPart())
	return nil
}

// GammaMarket represents a market returned by the gamma API.
type GammaMarket struct {
	ID           string `json:"id"`
	Question     string `json:"question"`
	ConditionID  string `json:"conditionId"`
	Slug         string `json:"slug"`
	Closed       *bool  `json:"closed"`
	ClobTokenIds string `json:"clobTokenIds"` // JSON array as string
	Outcomes     string `json:"outcomes"`     // JSON array as string e.g. "[\"Yes\",\"No\"]"
}

// OpenPosition represents an open position (current holdings) for an account.
type OpenPosition struct {
	Asset        string  `json:"asset"` // Token ID
	ConditionID  string  `json:"conditionId"`
	Size         Numeric `json:"size"`
	AvgPrice     Numeric `json:"avgPrice"`
	CurPrice     Numeric `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
	Title        string  `json:"title"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	ProxyWallet  string  `json:"proxyWallet"`
}

// ActivityTrade is one message from the live activity stream. The feed mixes
// quoted and bare numbers between markets, so all numeric fields go through
// the flexible decoders.
type ActivityTrade struct {
	Asset           string          `json:"asset"`
	ConditionID     string          `json:"conditionId"`
	Side            string          `json:"side"`
	Price           Numeric         `json:"price"`
	Size            Numeric         `json:"size"`
	Timestamp       FlexInt64       `json:"timestamp"`
	Outcome         string          `json:"outcome"`
	OutcomeIndex    *FlexInt64      `json:"outcomeIndex"`
	ProxyWallet     string          `json:"proxyWallet"`
	Trader          *ActivityTrader `json:"trader"`
	TransactionHash string          `json:"transactionHash"`
}

// ActivityTrader is the nested trader object some activity payloads carry.
type ActivityTrader struct {
	Address string `json:"address"`
}

// TraderAddress returns the wallet behind an activity trade, preferring the
// nested trader object over the proxy wallet field.
func (t *ActivityTrade) TraderAddress() string {
	if t.Trader != nil && t.Trader.Address != "" {
		return t.Trader.Address
	}
	return t.ProxyWallet
}

// rpcRequest is a JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// rpcMessage is any inbound JSON-RPC frame: a response to one of our
// requests (ID set) or a subscription notification (Method set).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Params  json.RawMessage `json:"params"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// RPCLog is one log entry as delivered by eth_subscribe or a receipt.
type RPCLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

// RPCReceipt is the subset of eth_getTransactionReceipt we consume.
type RPCReceipt struct {
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     string   `json:"blockNumber"`
	Status          string   `json:"status"`
	Logs            []RPCLog `json:"logs"`
}
