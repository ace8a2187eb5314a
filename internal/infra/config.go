// Package infra holds the runtime plumbing shared by the rest of the
// system: configuration, logging, backoff, rate limiting, circuit breaking
// and the websocket worker base.
package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the trading system. Values load from a
// yaml file; secrets may appear there but environment variables always win.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Trading struct {
		Mode    string   `yaml:"mode"` // paper | live
		Symbols []string `yaml:"symbols"`
	} `yaml:"trading"`

	API struct {
		Binance struct {
			RestURL      string `yaml:"rest_url"`
			WSURL        string `yaml:"ws_url"`
			APIKey       string `yaml:"api_key"`
			SecretKey    string `yaml:"secret_key"`
			RecvWindowMS int    `yaml:"recv_window_ms"`
		} `yaml:"binance"`
	} `yaml:"api"`

	Market struct {
		DepthLimit    int    `yaml:"depth_limit"`
		KlineInterval string `yaml:"kline_interval"`
	} `yaml:"market"`

	Strategy struct {
		SpreadBps        float64 `yaml:"spread_bps"`
		QuoteSize        float64 `yaml:"quote_size"`
		RequoteBps       float64 `yaml:"requote_bps"`
		MaxOrdersPerSide int     `yaml:"max_orders_per_side"`
		TickSize         float64 `yaml:"tick_size"`
		QuoteIntervalMS  int     `yaml:"quote_interval_ms"`
	} `yaml:"strategy"`

	Inventory struct {
		Max        float64 `yaml:"max"`
		SkewMode   string  `yaml:"skew_mode"`
		SkewFactor float64 `yaml:"skew_factor"`
		PriceUnit  float64 `yaml:"price_unit"`
		Tiers      []struct {
			Threshold  float64 `yaml:"threshold"`
			Multiplier float64 `yaml:"multiplier"`
		} `yaml:"tiers"`
		RebalanceThreshold float64 `yaml:"rebalance_threshold"`
		EmergencyThreshold float64 `yaml:"emergency_threshold"`
	} `yaml:"inventory"`

	Paper struct {
		Deposits map[string]float64 `yaml:"deposits"`
	} `yaml:"paper"`

	Storage struct {
		Dir            string `yaml:"dir"`
		CaptureCandles bool   `yaml:"capture_candles"`
	} `yaml:"storage"`

	Debug struct {
		// Addr serves pprof, prometheus metrics and healthz. Empty disables.
		Addr string `yaml:"addr"`
	} `yaml:"debug"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json | console
	} `yaml:"logging"`
}

// LoadConfig reads and parses the config file, applies environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "goquant"
	}
	if c.Trading.Mode == "" {
		c.Trading.Mode = "paper"
	}
	if c.API.Binance.RestURL == "" {
		c.API.Binance.RestURL = "https://api.binance.com"
	}
	if c.API.Binance.WSURL == "" {
		c.API.Binance.WSURL = "wss://stream.binance.com:9443"
	}
	if c.API.Binance.RecvWindowMS <= 0 {
		c.API.Binance.RecvWindowMS = 5000
	}
	if c.Market.DepthLimit <= 0 {
		c.Market.DepthLimit = 1000
	}
	if c.Market.KlineInterval == "" {
		c.Market.KlineInterval = "1m"
	}
	if c.Strategy.SpreadBps <= 0 {
		c.Strategy.SpreadBps = 10
	}
	if c.Strategy.MaxOrdersPerSide <= 0 {
		c.Strategy.MaxOrdersPerSide = 1
	}
	if c.Strategy.QuoteIntervalMS <= 0 {
		c.Strategy.QuoteIntervalMS = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate fails fast on configuration the system cannot safely run with.
func (c *Config) Validate() error {
	mode := strings.ToLower(c.Trading.Mode)
	if mode != "paper" && mode != "live" {
		return fmt.Errorf("unknown trading mode %q", c.Trading.Mode)
	}
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("at least one trading symbol is required")
	}

	if !strings.HasPrefix(c.API.Binance.RestURL, "https://") &&
		!strings.HasPrefix(c.API.Binance.RestURL, "http://") {
		return fmt.Errorf("invalid Binance REST URL: %s", c.API.Binance.RestURL)
	}
	if !strings.HasPrefix(c.API.Binance.WSURL, "wss://") &&
		!strings.HasPrefix(c.API.Binance.WSURL, "ws://") {
		return fmt.Errorf("invalid Binance WS URL: %s", c.API.Binance.WSURL)
	}

	if mode == "live" && (c.API.Binance.APIKey == "" || c.API.Binance.SecretKey == "") {
		return fmt.Errorf("live mode needs Binance API credentials")
	}

	if c.Strategy.QuoteSize <= 0 {
		return fmt.Errorf("strategy quote size must be positive")
	}
	if c.Inventory.Max <= 0 {
		return fmt.Errorf("max inventory must be positive")
	}
	return nil
}

// overrideWithEnv lets the environment trump file values for secrets and
// the trading mode.
func overrideWithEnv(cfg *Config) {
	if cfg.API.Binance.SecretKey != "" {
		fmt.Println("WARNING: API secret found in config file; prefer GOQUANT_BINANCE_KEY / GOQUANT_BINANCE_SECRET")
	}

	if key := os.Getenv("GOQUANT_BINANCE_KEY"); key != "" {
		cfg.API.Binance.APIKey = key
	}
	if secret := os.Getenv("GOQUANT_BINANCE_SECRET"); secret != "" {
		cfg.API.Binance.SecretKey = secret
	}
	if mode := os.Getenv("GOQUANT_MODE"); mode != "" {
		cfg.Trading.Mode = mode
	}
}
