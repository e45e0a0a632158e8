// Package models defines the shared domain types for the copy-trading worker.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionKeyOf builds the account_market_outcome key used by
// reconciliation maps and pending checks.
func PositionKeyOf(accountID int64, marketID string, outcomeIndex int) string {
	return fmt.Sprintf("%d_%s_%d", accountID, marketID, outcomeIndex)
}

// TradeSide is the direction of a leader trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Source channels for detected trades.
const (
	SourceOnChainWS  = "onchain-ws"
	SourceActivityWS = "activity-ws"
)

// Lot lifecycle statuses.
const (
	LotOpen             = "OPEN"
	LotPartiallyMatched = "PARTIALLY_MATCHED"
	LotFullyMatched     = "FULLY_MATCHED"
)

// Leader is a wallet we monitor for trades.
type Leader struct {
	ID      int64  `json:"id"`
	Address string `json:"address"` // lowercase hex
	Name    string `json:"name"`
}

// CopyRelationship links a follower account to a leader. A leader trade
// fans out to one ledger application per enabled relationship.
type CopyRelationship struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	AccountWallet string          `json:"account_wallet"` // follower proxy wallet, lowercase
	LeaderID      int64           `json:"leader_id"`
	Ratio         decimal.Decimal `json:"ratio"` // follower size = leader size * ratio
	Enabled       bool            `json:"enabled"`
}

// TradeEvent is a normalized leader trade from either detection channel.
// MarketID may be empty when the channel could not resolve the asset;
// OutcomeIndex is nil when unresolved.
type TradeEvent struct {
	ID              string          `json:"id"` // tx hash when available
	LeaderID        int64           `json:"leader_id"`
	TraderAddress   string          `json:"trader_address"`
	MarketID        string          `json:"market_id"`
	AssetID         string          `json:"asset_id"` // ERC-1155 token id, decimal string
	OutcomeIndex    *int            `json:"outcome_index"`
	Side            TradeSide       `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	TimestampMillis int64           `json:"timestamp_millis"`
	SourceChannel   string          `json:"source_channel"`
}

// Lot is an open or consumed buy position tracked for one copy relationship.
// MatchedQuantity + RemainingQuantity always equals OriginalQuantity.
type Lot struct {
	ID                string          `json:"id"`
	RelationshipID    int64           `json:"relationship_id"`
	AccountID         int64           `json:"account_id"`
	MarketID          string          `json:"market_id"`
	OutcomeIndex      int             `json:"outcome_index"`
	BuyPrice          decimal.Decimal `json:"buy_price"`
	OriginalQuantity  decimal.Decimal `json:"original_quantity"`
	MatchedQuantity   decimal.Decimal `json:"matched_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            string          `json:"status"`
	SourceTradeID     string          `json:"source_trade_id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SellMatchRecord aggregates one sell application over the FIFO ledger.
// Inferred sells created by reconciliation carry an "AUTO_" prefixed ID.
type SellMatchRecord struct {
	ID                   string          `json:"id"`
	RelationshipID       int64           `json:"relationship_id"`
	SellTradeID          string          `json:"sell_trade_id"`
	MarketID             string          `json:"market_id"`
	OutcomeIndex         int             `json:"outcome_index"`
	SellPrice            decimal.Decimal `json:"sell_price"`
	TotalMatchedQuantity decimal.Decimal `json:"total_matched_quantity"`
	TotalRealizedPnl     decimal.Decimal `json:"total_realized_pnl"`
	CreatedAt            time.Time       `json:"created_at"`
}

// SellMatchDetail is one lot slice consumed by a sell.
type SellMatchDetail struct {
	ID              string          `json:"id"`
	MatchRecordID   string          `json:"match_record_id"`
	LotID           string          `json:"lot_id"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	BuyPrice        decimal.Decimal `json:"buy_price"`
	SellPrice       decimal.Decimal `json:"sell_price"`
	RealizedPnl     decimal.Decimal `json:"realized_pnl"`
}

// PositionSnapshot is one exchange-reported position for a follower account.
type PositionSnapshot struct {
	AccountID    int64           `json:"account_id"`
	MarketID     string          `json:"market_id"`
	OutcomeIndex int             `json:"outcome_index"`
	Quantity     decimal.Decimal `json:"quantity"`
	Redeemable   bool            `json:"redeemable"`
}

// PositionKey identifies a position within a snapshot.
func (p PositionSnapshot) Key() string {
	return PositionKeyOf(p.AccountID, p.MarketID, p.OutcomeIndex)
}

// TokenInfo maps an ERC-1155 token id to its market and outcome.
type TokenInfo struct {
	TokenID      string `json:"token_id"`
	MarketID     string `json:"market_id"`
	OutcomeIndex int    `json:"outcome_index"`
	Outcome      string `json:"outcome"`
	Question     string `json:"question"`
}

// ProcessedTrade records that a (leader, trade) pair has been applied to
// the ledger. Both channels use the tx hash as the trade id when one
// exists, so this table also deduplicates across channels.
type ProcessedTrade struct {
	LeaderID    int64     `json:"leader_id"`
	TradeID     string    `json:"trade_id"`
	Side        TradeSide `json:"side"`
	Source      string    `json:"source"`
	ProcessedAt time.Time `json:"processed_at"`
}
