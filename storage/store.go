// Package storage provides PostgreSQL persistence with Redis caching for
// the copy-trading worker, plus an in-memory implementation for tests.
package storage

import (
	"context"

	"copytrade-worker/models"
)

// Store is the persistence surface the workers depend on.
type Store interface {
	// Leaders and copy relationships.
	ListLeaders(ctx context.Context) ([]models.Leader, error)
	GetLeaderByAddress(ctx context.Context, address string) (*models.Leader, error)
	ListEnabledRelationships(ctx context.Context) ([]models.CopyRelationship, error)
	ListEnabledRelationshipsByLeader(ctx context.Context, leaderID int64) ([]models.CopyRelationship, error)

	// Processed-trade registry. Both channels use the tx hash as the trade
	// id when one exists, so this doubles as cross-channel dedup.
	IsTradeProcessed(ctx context.Context, leaderID int64, tradeID string) (bool, error)
	MarkTradeProcessed(ctx context.Context, rec models.ProcessedTrade) error

	// Lot ledger.
	SaveLot(ctx context.Context, lot *models.Lot) error
	OpenLots(ctx context.Context, relationshipID int64, marketID string, outcomeIndex int) ([]models.Lot, error)
	OpenLotsByRelationship(ctx context.Context, relationshipID int64) ([]models.Lot, error)
	// SaveSellMatch persists the match record, its details, and the
	// consumed lots' new quantities in one transaction.
	SaveSellMatch(ctx context.Context, rec *models.SellMatchRecord, details []models.SellMatchDetail, lots []models.Lot) error

	// Token metadata cache.
	GetTokenInfo(ctx context.Context, tokenID string) (*models.TokenInfo, error)
	SaveTokenInfo(ctx context.Context, info models.TokenInfo) error

	Close() error
}
