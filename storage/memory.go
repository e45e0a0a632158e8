package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"copytrade-worker/models"
)

// MemoryStore is an in-memory Store used by tests. Calls counts method
// invocations by name.
type MemoryStore struct {
	mu sync.Mutex

	Leaders       []models.Leader
	Relationships []models.CopyRelationship
	Lots          map[string]*models.Lot
	MatchRecords  []models.SellMatchRecord
	MatchDetails  []models.SellMatchDetail
	Processed     map[string]models.ProcessedTrade // "leaderID:tradeID"
	Tokens        map[string]models.TokenInfo

	Calls map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Lots:      make(map[string]*models.Lot),
		Processed: make(map[string]models.ProcessedTrade),
		Tokens:    make(map[string]models.TokenInfo),
		Calls:     make(map[string]int),
	}
}

func (m *MemoryStore) record(name string) {
	m.Calls[name]++
}

func processedKey(leaderID int64, tradeID string) string {
	return fmt.Sprintf("%d:%s", leaderID, tradeID)
}

func (m *MemoryStore) ListLeaders(ctx context.Context) ([]models.Leader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListLeaders")
	out := make([]models.Leader, len(m.Leaders))
	copy(out, m.Leaders)
	return out, nil
}

func (m *MemoryStore) GetLeaderByAddress(ctx context.Context, address string) (*models.Leader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetLeaderByAddress")
	for _, l := range m.Leaders {
		if l.Address == address {
			leader := l
			return &leader, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListEnabledRelationships(ctx context.Context) ([]models.CopyRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListEnabledRelationships")
	var out []models.CopyRelationship
	for _, r := range m.Relationships {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEnabledRelationshipsByLeader(ctx context.Context, leaderID int64) ([]models.CopyRelationship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListEnabledRelationshipsByLeader")
	var out []models.CopyRelationship
	for _, r := range m.Relationships {
		if r.Enabled && r.LeaderID == leaderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) IsTradeProcessed(ctx context.Context, leaderID int64, tradeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("IsTradeProcessed")
	_, ok := m.Processed[processedKey(leaderID, tradeID)]
	return ok, nil
}

func (m *MemoryStore) MarkTradeProcessed(ctx context.Context, rec models.ProcessedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkTradeProcessed")
	key := processedKey(rec.LeaderID, rec.TradeID)
	if _, ok := m.Processed[key]; !ok {
		m.Processed[key] = rec
	}
	return nil
}

func (m *MemoryStore) SaveLot(ctx context.Context, lot *models.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveLot")
	stored := *lot
	m.Lots[lot.ID] = &stored
	return nil
}

func (m *MemoryStore) OpenLots(ctx context.Context, relationshipID int64, marketID string, outcomeIndex int) ([]models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("OpenLots")
	var out []models.Lot
	for _, lot := range m.Lots {
		if lot.RelationshipID == relationshipID && lot.MarketID == marketID &&
			lot.OutcomeIndex == outcomeIndex && lot.RemainingQuantity.IsPositive() {
			out = append(out, *lot)
		}
	}
	sortLots(out)
	return out, nil
}

func (m *MemoryStore) OpenLotsByRelationship(ctx context.Context, relationshipID int64) ([]models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("OpenLotsByRelationship")
	var out []models.Lot
	for _, lot := range m.Lots {
		if lot.RelationshipID == relationshipID && lot.RemainingQuantity.IsPositive() {
			out = append(out, *lot)
		}
	}
	sortLots(out)
	return out, nil
}

func sortLots(lots []models.Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if lots[i].CreatedAt.Equal(lots[j].CreatedAt) {
			return lots[i].ID < lots[j].ID
		}
		return lots[i].CreatedAt.Before(lots[j].CreatedAt)
	})
}

func (m *MemoryStore) SaveSellMatch(ctx context.Context, rec *models.SellMatchRecord, details []models.SellMatchDetail, lots []models.Lot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveSellMatch")
	m.MatchRecords = append(m.MatchRecords, *rec)
	m.MatchDetails = append(m.MatchDetails, details...)
	for _, lot := range lots {
		stored := lot
		m.Lots[lot.ID] = &stored
	}
	return nil
}

func (m *MemoryStore) GetTokenInfo(ctx context.Context, tokenID string) (*models.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetTokenInfo")
	if info, ok := m.Tokens[tokenID]; ok {
		return &info, nil
	}
	return nil, nil
}

func (m *MemoryStore) SaveTokenInfo(ctx context.Context, info models.TokenInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SaveTokenInfo")
	m.Tokens[info.TokenID] = info
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
