package execution

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/infra"
	"goquant/internal/infra/binance"
)

// Mode selects the execution venue.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// confirmLiveEnv must be set to "YES" before the factory will build a
// venue that spends real money.
const confirmLiveEnv = "GOQUANT_CONFIRM_LIVE"

// Factory builds the execution venue for the configured trading mode.
type Factory struct {
	cfg *infra.Config
	log *zap.Logger
}

// NewFactory creates a venue factory.
func NewFactory(cfg *infra.Config, log *zap.Logger) *Factory {
	return &Factory{cfg: cfg, log: log}
}

// Build returns the venue for cfg.Trading.Mode. Paper venues are seeded
// with the configured virtual deposits. Live venues refuse to start
// without an explicit confirmation in the environment; that check panics
// rather than returning an error so a misconfigured deploy dies loudly.
func (f *Factory) Build() (domain.Exchange, error) {
	mode := Mode(f.cfg.Trading.Mode)
	f.log.Info("initializing execution venue", zap.String("mode", string(mode)))

	switch mode {
	case ModePaper:
		paper := NewPaper(f.log.Named("paper"))
		for asset, qty := range f.cfg.Paper.Deposits {
			paper.Deposit(asset, decimal.NewFromFloat(qty))
		}
		return paper, nil

	case ModeLive:
		if os.Getenv(confirmLiveEnv) != "YES" {
			err := fmt.Errorf("live trading requires %s=YES in the environment", confirmLiveEnv)
			f.log.Error("safety latch", zap.Error(err))
			panic(err)
		}
		f.log.Warn("connecting to Binance with REAL funds")
		return binance.NewClient(f.cfg, f.log.Named("binance"))

	default:
		return nil, fmt.Errorf("unknown trading mode: %s", mode)
	}
}
