package infra

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
trading:
  mode: paper
  symbols: [BTCUSDT]
strategy:
  quote_size: 0.5
inventory:
  max: 10
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.App.Name != "goquant" {
		t.Errorf("app name = %q", cfg.App.Name)
	}
	if cfg.API.Binance.RestURL != "https://api.binance.com" {
		t.Errorf("rest url = %q", cfg.API.Binance.RestURL)
	}
	if cfg.API.Binance.WSURL != "wss://stream.binance.com:9443" {
		t.Errorf("ws url = %q", cfg.API.Binance.WSURL)
	}
	if cfg.API.Binance.RecvWindowMS != 5000 {
		t.Errorf("recv window = %d", cfg.API.Binance.RecvWindowMS)
	}
	if cfg.Market.DepthLimit != 1000 || cfg.Market.KlineInterval != "1m" {
		t.Errorf("market defaults = %d/%q", cfg.Market.DepthLimit, cfg.Market.KlineInterval)
	}
	if cfg.Strategy.SpreadBps != 10 || cfg.Strategy.MaxOrdersPerSide != 1 {
		t.Errorf("strategy defaults = %v/%d", cfg.Strategy.SpreadBps, cfg.Strategy.MaxOrdersPerSide)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("logging defaults = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("GOQUANT_BINANCE_KEY", "env-key")
	t.Setenv("GOQUANT_BINANCE_SECRET", "env-secret")
	t.Setenv("GOQUANT_MODE", "live")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Binance.APIKey != "env-key" || cfg.API.Binance.SecretKey != "env-secret" {
		t.Error("environment credentials must win over the file")
	}
	if cfg.Trading.Mode != "live" {
		t.Errorf("mode = %q", cfg.Trading.Mode)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown mode", `
trading:
  mode: backtest
  symbols: [BTCUSDT]
strategy: {quote_size: 0.5}
inventory: {max: 10}
`},
		{"no symbols", `
trading:
  mode: paper
  symbols: []
strategy: {quote_size: 0.5}
inventory: {max: 10}
`},
		{"live without credentials", `
trading:
  mode: live
  symbols: [BTCUSDT]
strategy: {quote_size: 0.5}
inventory: {max: 10}
`},
		{"zero quote size", `
trading:
  mode: paper
  symbols: [BTCUSDT]
inventory: {max: 10}
`},
		{"zero max inventory", `
trading:
  mode: paper
  symbols: [BTCUSDT]
strategy: {quote_size: 0.5}
`},
		{"bad ws url", `
trading:
  mode: paper
  symbols: [BTCUSDT]
strategy: {quote_size: 0.5}
inventory: {max: 10}
api:
  binance:
    ws_url: "http://not-a-websocket"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GOQUANT_BINANCE_KEY", "")
			t.Setenv("GOQUANT_BINANCE_SECRET", "")
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
