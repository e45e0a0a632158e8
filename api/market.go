package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketClientConfig carries the HTTP API endpoints.
type MarketClientConfig struct {
	GammaURL   string
	CLOBURL    string
	DataAPIURL string
	RelayerURL string
	Timeout    time.Duration
}

// MarketClient wraps the Gamma, CLOB, Data-API and relayer HTTP endpoints.
type MarketClient struct {
	cfg        MarketClientConfig
	httpClient *http.Client
}

// GammaTokenInfo holds the parsed token info from the Gamma API.
type GammaTokenInfo struct {
	TokenID      string
	ConditionID  string
	Outcome      string
	OutcomeIndex int
	Title        string
}

// NewMarketClient creates the HTTP market client.
func NewMarketClient(cfg MarketClientConfig) *MarketClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.GammaURL = strings.TrimRight(cfg.GammaURL, "/")
	cfg.CLOBURL = strings.TrimRight(cfg.CLOBURL, "/")
	cfg.DataAPIURL = strings.TrimRight(cfg.DataAPIURL, "/")
	cfg.RelayerURL = strings.TrimRight(cfg.RelayerURL, "/")
	return &MarketClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *MarketClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// GetTokenInfoByID fetches token information from the Gamma API by token ID.
// Used as a fallback when the token is not in the local cache.
func (c *MarketClient) GetTokenInfoByID(ctx context.Context, tokenID string) (*GammaTokenInfo, error) {
	var markets []GammaMarket
	if err := c.getJSON(ctx, c.cfg.GammaURL+"/markets?clob_token_ids="+url.QueryEscape(tokenID), &markets); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("no market found for token %s", tokenID)
	}

	market := markets[0]
	outcomes := parseStringArray(market.Outcomes, []string{"Yes", "No"})
	tokens := parseStringArray(market.ClobTokenIds, nil)

	info := &GammaTokenInfo{
		TokenID:      tokenID,
		ConditionID:  market.ConditionID,
		OutcomeIndex: -1,
		Title:        market.Question,
	}
	for idx, mtid := range tokens {
		if strings.TrimSpace(mtid) == tokenID {
			info.OutcomeIndex = idx
			if idx < len(outcomes) {
				info.Outcome = outcomes[idx]
			}
			break
		}
	}
	if info.OutcomeIndex < 0 {
		return nil, fmt.Errorf("token %s not listed on market %s", tokenID, market.ConditionID)
	}

	log.Printf("[Market] Resolved token %s...: market=%s outcome=%s(%d)",
		tokenID[:min(16, len(tokenID))], info.ConditionID, info.Outcome, info.OutcomeIndex)
	return info, nil
}

// GetMarketPrice returns the current midpoint price for one outcome of a
// market.
func (c *MarketClient) GetMarketPrice(ctx context.Context, marketID string, outcomeIndex int) (decimal.Decimal, error) {
	var markets []GammaMarket
	if err := c.getJSON(ctx, c.cfg.GammaURL+"/markets?condition_ids="+url.QueryEscape(marketID), &markets); err != nil {
		return decimal.Zero, fmt.Errorf("market lookup: %w", err)
	}
	if len(markets) == 0 {
		return decimal.Zero, fmt.Errorf("no market found for %s", marketID)
	}

	tokens := parseStringArray(markets[0].ClobTokenIds, nil)
	if outcomeIndex < 0 || outcomeIndex >= len(tokens) {
		return decimal.Zero, fmt.Errorf("market %s has no outcome %d", marketID, outcomeIndex)
	}
	tokenID := strings.TrimSpace(tokens[outcomeIndex])

	var mid struct {
		Mid Numeric `json:"mid"`
	}
	if err := c.getJSON(ctx, c.cfg.CLOBURL+"/midpoint?token_id="+url.QueryEscape(tokenID), &mid); err != nil {
		return decimal.Zero, fmt.Errorf("midpoint lookup: %w", err)
	}
	if mid.Mid.Decimal.IsZero() {
		return decimal.Zero, fmt.Errorf("no midpoint for token %s", tokenID)
	}
	return mid.Mid.Decimal, nil
}

// GetOpenPositions fetches the current open positions for a wallet from the
// Data API.
func (c *MarketClient) GetOpenPositions(ctx context.Context, wallet string) ([]OpenPosition, error) {
	endpoint := fmt.Sprintf("%s/positions?user=%s&sizeThreshold=0", c.cfg.DataAPIURL, url.QueryEscape(strings.ToLower(wallet)))
	var positions []OpenPosition
	if err := c.getJSON(ctx, endpoint, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// RedeemRequest asks the relayer to redeem a resolved position.
type RedeemRequest struct {
	ProxyWallet  string `json:"proxyWallet"`
	ConditionID  string `json:"conditionId"`
	OutcomeIndex int    `json:"outcomeIndex"`
	Amount       string `json:"amount"` // 6-decimal base units
}

type redeemResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error"`
}

// RedeemPosition submits a redemption through the relayer and returns the
// settlement tx hash.
func (c *MarketClient) RedeemPosition(ctx context.Context, req RedeemRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RelayerURL+"/redeem", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("relayer error %d: %s", resp.StatusCode, string(respBody))
	}

	var result redeemResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("redeem rejected: %s", result.Error)
	}
	return result.TransactionHash, nil
}

// parseStringArray parses fields Gamma serves as a JSON array inside a
// string, falling back to comma splitting and then to def.
func parseStringArray(raw string, def []string) []string {
	if raw == "" {
		return def
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		out = strings.Split(raw, ",")
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
