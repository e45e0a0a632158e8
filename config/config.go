package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ChainConfig controls the on-chain detection channel.
type ChainConfig struct {
	WSRPCURL          string `yaml:"ws_rpc_url"`
	HTTPRPCURL        string `yaml:"http_rpc_url"`
	USDCAddress       string `yaml:"usdc_address"`
	CTFAddress        string `yaml:"ctf_address"`
	ConnectTimeoutMS  int    `yaml:"connect_timeout_ms"`
	ReconnectDelayMS  int    `yaml:"reconnect_delay_ms"`
	ReceiptRatePerSec int    `yaml:"receipt_rate_per_sec"`
	ReceiptRateBurst  int    `yaml:"receipt_rate_burst"`
}

// ActivityConfig controls the low-latency activity-stream channel.
type ActivityConfig struct {
	WSURL            string `yaml:"ws_url"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	ReconnectDelayMS int    `yaml:"reconnect_delay_ms"`
	StaleAfterSec    int    `yaml:"stale_after_sec"`
}

// MarketConfig points at the market metadata and pricing APIs.
type MarketConfig struct {
	GammaURL   string `yaml:"gamma_url"`
	CLOBURL    string `yaml:"clob_url"`
	DataAPIURL string `yaml:"data_api_url"`
	RelayerURL string `yaml:"relayer_url"`
	TimeoutMS  int    `yaml:"timeout_ms"`
}

// ReconcileConfig controls the position reconciliation loop.
type ReconcileConfig struct {
	PollIntervalSec    int  `yaml:"poll_interval_sec"`
	RecheckIntervalSec int  `yaml:"recheck_interval_sec"`
	GraceSec           int  `yaml:"grace_sec"`
	ConfirmSec         int  `yaml:"confirm_sec"`
	SafetyCeilingSec   int  `yaml:"safety_ceiling_sec"`
	NotifyWindowSec    int  `yaml:"notify_window_sec"`
	RedeemCooldownSec  int  `yaml:"redeem_cooldown_sec"`
	CacheSweepSec      int  `yaml:"cache_sweep_sec"`
	AutoRedeem         bool `yaml:"auto_redeem"`
}

// Config aggregates all worker configuration knobs. Database and redis
// endpoints come from environment variables, not from this file.
type Config struct {
	Chain     ChainConfig     `yaml:"chain"`
	Activity  ActivityConfig  `yaml:"activity"`
	Market    MarketConfig    `yaml:"market"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Chain: ChainConfig{
			WSRPCURL:          "wss://polygon-rpc.com",
			HTTPRPCURL:        "https://polygon-rpc.com",
			USDCAddress:       "0x2791bca1f2de4661ed88a30c99a7a9449aa84174",
			CTFAddress:        "0x4d97dcd97ec945f40cf65f87097ace5ea0476045",
			ConnectTimeoutMS:  10000,
			ReconnectDelayMS:  2000,
			ReceiptRatePerSec: 5,
			ReceiptRateBurst:  10,
		},
		Activity: ActivityConfig{
			WSURL:            "wss://ws-live-data.polymarket.com",
			ConnectTimeoutMS: 10000,
			ReconnectDelayMS: 2000,
			StaleAfterSec:    30,
		},
		Market: MarketConfig{
			GammaURL:   "https://gamma-api.polymarket.com",
			CLOBURL:    "https://clob.polymarket.com",
			DataAPIURL: "https://data-api.polymarket.com",
			RelayerURL: "https://relayer-v2.polymarket.com",
			TimeoutMS:  15000,
		},
		Reconcile: ReconcileConfig{
			PollIntervalSec:    60,
			RecheckIntervalSec: 30,
			GraceSec:           120,
			ConfirmSec:         180,
			SafetyCeilingSec:   3600,
			NotifyWindowSec:    7200,
			RedeemCooldownSec:  1800,
			CacheSweepSec:      7200,
			AutoRedeem:         false,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Chain.WSRPCURL == "" {
		c.Chain.WSRPCURL = def.Chain.WSRPCURL
	}
	if c.Chain.HTTPRPCURL == "" {
		c.Chain.HTTPRPCURL = def.Chain.HTTPRPCURL
	}
	if c.Chain.USDCAddress == "" {
		c.Chain.USDCAddress = def.Chain.USDCAddress
	}
	if c.Chain.CTFAddress == "" {
		c.Chain.CTFAddress = def.Chain.CTFAddress
	}
	if c.Chain.ConnectTimeoutMS == 0 {
		c.Chain.ConnectTimeoutMS = def.Chain.ConnectTimeoutMS
	}
	if c.Chain.ReconnectDelayMS == 0 {
		c.Chain.ReconnectDelayMS = def.Chain.ReconnectDelayMS
	}
	if c.Chain.ReceiptRatePerSec == 0 {
		c.Chain.ReceiptRatePerSec = def.Chain.ReceiptRatePerSec
	}
	if c.Chain.ReceiptRateBurst == 0 {
		c.Chain.ReceiptRateBurst = def.Chain.ReceiptRateBurst
	}

	if c.Activity.WSURL == "" {
		c.Activity.WSURL = def.Activity.WSURL
	}
	if c.Activity.ConnectTimeoutMS == 0 {
		c.Activity.ConnectTimeoutMS = def.Activity.ConnectTimeoutMS
	}
	if c.Activity.ReconnectDelayMS == 0 {
		c.Activity.ReconnectDelayMS = def.Activity.ReconnectDelayMS
	}
	if c.Activity.StaleAfterSec == 0 {
		c.Activity.StaleAfterSec = def.Activity.StaleAfterSec
	}

	if c.Market.GammaURL == "" {
		c.Market.GammaURL = def.Market.GammaURL
	}
	if c.Market.CLOBURL == "" {
		c.Market.CLOBURL = def.Market.CLOBURL
	}
	if c.Market.DataAPIURL == "" {
		c.Market.DataAPIURL = def.Market.DataAPIURL
	}
	if c.Market.RelayerURL == "" {
		c.Market.RelayerURL = def.Market.RelayerURL
	}
	if c.Market.TimeoutMS == 0 {
		c.Market.TimeoutMS = def.Market.TimeoutMS
	}

	if c.Reconcile.PollIntervalSec == 0 {
		c.Reconcile.PollIntervalSec = def.Reconcile.PollIntervalSec
	}
	if c.Reconcile.RecheckIntervalSec == 0 {
		c.Reconcile.RecheckIntervalSec = def.Reconcile.RecheckIntervalSec
	}
	if c.Reconcile.GraceSec == 0 {
		c.Reconcile.GraceSec = def.Reconcile.GraceSec
	}
	if c.Reconcile.ConfirmSec == 0 {
		c.Reconcile.ConfirmSec = def.Reconcile.ConfirmSec
	}
	if c.Reconcile.SafetyCeilingSec == 0 {
		c.Reconcile.SafetyCeilingSec = def.Reconcile.SafetyCeilingSec
	}
	if c.Reconcile.NotifyWindowSec == 0 {
		c.Reconcile.NotifyWindowSec = def.Reconcile.NotifyWindowSec
	}
	if c.Reconcile.RedeemCooldownSec == 0 {
		c.Reconcile.RedeemCooldownSec = def.Reconcile.RedeemCooldownSec
	}
	if c.Reconcile.CacheSweepSec == 0 {
		c.Reconcile.CacheSweepSec = def.Reconcile.CacheSweepSec
	}
}
