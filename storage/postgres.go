package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"copytrade-worker/models"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and
// a Redis cache, both configured from the environment.
func NewPostgres() (*PostgresStore, error) {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "copytrade")
	password := getEnv("POSTGRES_PASSWORD", "copytrade123")
	dbname := getEnv("POSTGRES_DB", "copytrade")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?pool_max_conns=10&pool_min_conns=2",
		user, password, host, port, dbname)

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Query timeouts to keep a slow query from wedging a worker loop.
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"
	config.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = "60000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	redisPassword := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", redisHost, redisPort),
		Password:     redisPassword,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &PostgresStore{
		pool:  pool,
		redis: rdb,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// EnsureSchema creates the worker's tables if they don't exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS leaders (
			id BIGSERIAL PRIMARY KEY,
			address VARCHAR(42) NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS copy_relationships (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL,
			account_wallet VARCHAR(42) NOT NULL,
			leader_id BIGINT NOT NULL REFERENCES leaders(id),
			ratio DECIMAL(20, 8) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE
		);
		CREATE INDEX IF NOT EXISTS idx_copy_relationships_leader
			ON copy_relationships(leader_id) WHERE enabled;

		CREATE TABLE IF NOT EXISTS processed_trades (
			leader_id BIGINT NOT NULL,
			trade_id TEXT NOT NULL,
			side VARCHAR(4) NOT NULL,
			source VARCHAR(20) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (leader_id, trade_id)
		);

		CREATE TABLE IF NOT EXISTS lots (
			id UUID PRIMARY KEY,
			relationship_id BIGINT NOT NULL,
			account_id BIGINT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_index INT NOT NULL,
			buy_price DECIMAL(20, 8) NOT NULL,
			original_quantity DECIMAL(30, 8) NOT NULL,
			matched_quantity DECIMAL(30, 8) NOT NULL,
			remaining_quantity DECIMAL(30, 8) NOT NULL,
			status VARCHAR(20) NOT NULL,
			source_trade_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lots_open
			ON lots(relationship_id, market_id, outcome_index, created_at)
			WHERE remaining_quantity > 0;

		CREATE TABLE IF NOT EXISTS sell_match_records (
			id UUID PRIMARY KEY,
			relationship_id BIGINT NOT NULL,
			sell_trade_id TEXT NOT NULL,
			market_id TEXT NOT NULL,
			outcome_index INT NOT NULL,
			sell_price DECIMAL(20, 8) NOT NULL,
			total_matched_quantity DECIMAL(30, 8) NOT NULL,
			total_realized_pnl DECIMAL(30, 8) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sell_match_details (
			id UUID PRIMARY KEY,
			match_record_id UUID NOT NULL REFERENCES sell_match_records(id),
			lot_id UUID NOT NULL,
			matched_quantity DECIMAL(30, 8) NOT NULL,
			buy_price DECIMAL(20, 8) NOT NULL,
			sell_price DECIMAL(20, 8) NOT NULL,
			realized_pnl DECIMAL(30, 8) NOT NULL
		);

		CREATE TABLE IF NOT EXISTS token_map_cache (
			token_id TEXT PRIMARY KEY,
			market_id TEXT NOT NULL,
			outcome_index INT NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ListLeaders returns all monitored leader wallets.
func (s *PostgresStore) ListLeaders(ctx context.Context) ([]models.Leader, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, address, name
		FROM leaders
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leaders []models.Leader
	for rows.Next() {
		var l models.Leader
		if err := rows.Scan(&l.ID, &l.Address, &l.Name); err != nil {
			return nil, err
		}
		leaders = append(leaders, l)
	}
	return leaders, rows.Err()
}

// GetLeaderByAddress returns the leader for a wallet, or nil when unknown.
func (s *PostgresStore) GetLeaderByAddress(ctx context.Context, address string) (*models.Leader, error) {
	var l models.Leader
	err := s.pool.QueryRow(ctx, `
		SELECT id, address, name
		FROM leaders
		WHERE address = $1`, address).Scan(&l.ID, &l.Address, &l.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// ListEnabledRelationships returns every enabled copy relationship.
func (s *PostgresStore) ListEnabledRelationships(ctx context.Context) ([]models.CopyRelationship, error) {
	return s.queryRelationships(ctx, `
		SELECT id, account_id, account_wallet, leader_id, ratio::text, enabled
		FROM copy_relationships
		WHERE enabled
		ORDER BY id`)
}

// ListEnabledRelationshipsByLeader returns the enabled relationships that
// copy one leader.
func (s *PostgresStore) ListEnabledRelationshipsByLeader(ctx context.Context, leaderID int64) ([]models.CopyRelationship, error) {
	return s.queryRelationships(ctx, `
		SELECT id, account_id, account_wallet, leader_id, ratio::text, enabled
		FROM copy_relationships
		WHERE enabled AND leader_id = $1
		ORDER BY id`, leaderID)
}

func (s *PostgresStore) queryRelationships(ctx context.Context, sql string, args ...any) ([]models.CopyRelationship, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []models.CopyRelationship
	for rows.Next() {
		var r models.CopyRelationship
		var ratio string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.AccountWallet, &r.LeaderID, &ratio, &r.Enabled); err != nil {
			return nil, err
		}
		if r.Ratio, err = decimal.NewFromString(ratio); err != nil {
			return nil, fmt.Errorf("relationship %d: bad ratio %q: %w", r.ID, ratio, err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// IsTradeProcessed reports whether a (leader, trade) pair has already been
// applied to the ledger.
func (s *PostgresStore) IsTradeProcessed(ctx context.Context, leaderID int64, tradeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_trades
			WHERE leader_id = $1 AND trade_id = $2
		)`, leaderID, tradeID).Scan(&exists)
	return exists, err
}

// MarkTradeProcessed records a handled trade. Conflicts are ignored so a
// race between channels resolves quietly.
func (s *PostgresStore) MarkTradeProcessed(ctx context.Context, rec models.ProcessedTrade) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_trades (leader_id, trade_id, side, source, processed_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (leader_id, trade_id) DO NOTHING
	`, rec.LeaderID, rec.TradeID, string(rec.Side), rec.Source)
	return err
}

// SaveLot inserts a new buy lot.
func (s *PostgresStore) SaveLot(ctx context.Context, lot *models.Lot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lots (
			id, relationship_id, account_id, market_id, outcome_index,
			buy_price, original_quantity, matched_quantity, remaining_quantity,
			status, source_trade_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		lot.ID, lot.RelationshipID, lot.AccountID, lot.MarketID, lot.OutcomeIndex,
		lot.BuyPrice.String(), lot.OriginalQuantity.String(), lot.MatchedQuantity.String(),
		lot.RemainingQuantity.String(), lot.Status, lot.SourceTradeID, lot.CreatedAt, lot.UpdatedAt,
	)
	return err
}

// OpenLots returns the unconsumed lots for one relationship on one
// market/outcome, oldest first. This ordering is the FIFO contract.
func (s *PostgresStore) OpenLots(ctx context.Context, relationshipID int64, marketID string, outcomeIndex int) ([]models.Lot, error) {
	return s.queryLots(ctx, `
		SELECT id, relationship_id, account_id, market_id, outcome_index,
		       buy_price::text, original_quantity::text, matched_quantity::text,
		       remaining_quantity::text, status, source_trade_id, created_at, updated_at
		FROM lots
		WHERE relationship_id = $1 AND market_id = $2 AND outcome_index = $3
		  AND remaining_quantity > 0
		ORDER BY created_at ASC, id ASC`, relationshipID, marketID, outcomeIndex)
}

// OpenLotsByRelationship returns every unconsumed lot for one relationship.
func (s *PostgresStore) OpenLotsByRelationship(ctx context.Context, relationshipID int64) ([]models.Lot, error) {
	return s.queryLots(ctx, `
		SELECT id, relationship_id, account_id, market_id, outcome_index,
		       buy_price::text, original_quantity::text, matched_quantity::text,
		       remaining_quantity::text, status, source_trade_id, created_at, updated_at
		FROM lots
		WHERE relationship_id = $1 AND remaining_quantity > 0
		ORDER BY created_at ASC, id ASC`, relationshipID)
}

func (s *PostgresStore) queryLots(ctx context.Context, sql string, args ...any) ([]models.Lot, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []models.Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func scanLot(row pgx.Row) (*models.Lot, error) {
	var lot models.Lot
	var buyPrice, original, matched, remaining string
	if err := row.Scan(
		&lot.ID, &lot.RelationshipID, &lot.AccountID, &lot.MarketID, &lot.OutcomeIndex,
		&buyPrice, &original, &matched, &remaining,
		&lot.Status, &lot.SourceTradeID, &lot.CreatedAt, &lot.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if lot.BuyPrice, err = decimal.NewFromString(buyPrice); err != nil {
		return nil, err
	}
	if lot.OriginalQuantity, err = decimal.NewFromString(original); err != nil {
		return nil, err
	}
	if lot.MatchedQuantity, err = decimal.NewFromString(matched); err != nil {
		return nil, err
	}
	if lot.RemainingQuantity, err = decimal.NewFromString(remaining); err != nil {
		return nil, err
	}
	return &lot, nil
}

// SaveSellMatch persists one sell application atomically: the aggregate
// record, its per-lot details, and the consumed lots' updated quantities.
func (s *PostgresStore) SaveSellMatch(ctx context.Context, rec *models.SellMatchRecord, details []models.SellMatchDetail, lots []models.Lot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO sell_match_records (
			id, relationship_id, sell_trade_id, market_id, outcome_index,
			sell_price, total_matched_quantity, total_realized_pnl, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID, rec.RelationshipID, rec.SellTradeID, rec.MarketID, rec.OutcomeIndex,
		rec.SellPrice.String(), rec.TotalMatchedQuantity.String(), rec.TotalRealizedPnl.String(), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert match record: %w", err)
	}

	batch := &pgx.Batch{}
	for _, d := range details {
		batch.Queue(`
			INSERT INTO sell_match_details (
				id, match_record_id, lot_id, matched_quantity, buy_price, sell_price, realized_pnl
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, d.ID, d.MatchRecordID, d.LotID, d.MatchedQuantity.String(), d.BuyPrice.String(), d.SellPrice.String(), d.RealizedPnl.String())
	}
	for _, lot := range lots {
		batch.Queue(`
			UPDATE lots
			SET matched_quantity = $2, remaining_quantity = $3, status = $4, updated_at = $5
			WHERE id = $1
		`, lot.ID, lot.MatchedQuantity.String(), lot.RemainingQuantity.String(), lot.Status, lot.UpdatedAt)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch exec %d: %w", i, err)
		}
	}
	br.Close()

	return tx.Commit(ctx)
}

// GetTokenInfo retrieves token metadata, redis first, postgres behind it.
// Returns nil without error on a miss.
func (s *PostgresStore) GetTokenInfo(ctx context.Context, tokenID string) (*models.TokenInfo, error) {
	cacheKey := "token:" + tokenID
	if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var info models.TokenInfo
		if json.Unmarshal(cached, &info) == nil {
			return &info, nil
		}
	}

	var info models.TokenInfo
	err := s.pool.QueryRow(ctx, `
		SELECT token_id, market_id, outcome_index, outcome, question
		FROM token_map_cache
		WHERE token_id = $1
	`, tokenID).Scan(&info.TokenID, &info.MarketID, &info.OutcomeIndex, &info.Outcome, &info.Question)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if data, err := json.Marshal(info); err == nil {
		s.redis.Set(ctx, cacheKey, data, 24*time.Hour)
	}
	return &info, nil
}

// SaveTokenInfo stores token metadata in both layers.
func (s *PostgresStore) SaveTokenInfo(ctx context.Context, info models.TokenInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_map_cache (token_id, market_id, outcome_index, outcome, question, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (token_id) DO UPDATE SET
			market_id = EXCLUDED.market_id,
			outcome_index = EXCLUDED.outcome_index,
			outcome = EXCLUDED.outcome,
			question = EXCLUDED.question,
			updated_at = NOW()
	`, info.TokenID, info.MarketID, info.OutcomeIndex, info.Outcome, info.Question)
	if err != nil {
		return err
	}

	if data, err := json.Marshal(info); err == nil {
		s.redis.Set(ctx, "token:"+info.TokenID, data, 24*time.Hour)
	}
	return nil
}
