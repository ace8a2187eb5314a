// Package app assembles the trading system: configuration in, a wired
// engine with its venue, workers and stores out. New is side-effectful
// (directories, lock file, sqlite) but starts nothing; Run owns the
// lifecycle and the teardown order.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"goquant/internal/book"
	"goquant/internal/domain"
	"goquant/internal/engine"
	"goquant/internal/event"
	"goquant/internal/execution"
	"goquant/internal/infra"
	"goquant/internal/infra/binance"
	"goquant/internal/inventory"
	"goquant/internal/storage"
	"goquant/internal/strategy"
)

// startupTimeout bounds venue calls made before the engine runs.
const startupTimeout = 15 * time.Second

// App owns every long-lived component and the order they start and stop in.
type App struct {
	cfg *infra.Config
	log *zap.Logger

	unlock    func()
	capture   *storage.CaptureStore
	snapshots *storage.SnapshotManager

	books       *book.Manager
	inventories *inventory.Set
	venue       domain.Exchange
	paper       *execution.Paper // non-nil in paper mode
	orders      *execution.Manager
	reconciler  *execution.Reconciler
	engine      *engine.Engine

	market *binance.MarketWorker
	user   *binance.UserWorker // live mode only

	seq uint64 // shared event sequence for all workers
}

// New builds the component graph for cfg. On error every resource taken
// so far is released again.
func New(cfg *infra.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg, log := a.cfg, a.log
	mode := strings.ToLower(cfg.Trading.Mode)

	// Runtime state is split per mode so a paper run can never touch
	// live data.
	workDir := infra.WorkspaceDir()
	dataDir := filepath.Join(workDir, "data", mode)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	a.unlock = unlock

	storageDir := cfg.Storage.Dir
	if storageDir == "" {
		storageDir = dataDir
	}
	if cfg.Storage.CaptureCandles {
		capture, err := storage.NewCaptureStore(filepath.Join(storageDir, "capture.db"))
		if err != nil {
			return fmt.Errorf("open capture store: %w", err)
		}
		a.capture = capture
	}
	a.snapshots = storage.NewSnapshotManager(
		filepath.Join(storageDir, "snapshots"), log.Named("snapshot"))

	a.books = book.NewManager()

	inventories, err := inventory.NewSet(inventoryConfig(cfg))
	if err != nil {
		return err
	}
	a.inventories = inventories

	venue, err := execution.NewFactory(cfg, log).Build()
	if err != nil {
		return err
	}
	a.venue = venue
	if paper, ok := venue.(*execution.Paper); ok {
		a.paper = paper
	}

	a.orders = execution.NewManager(execution.NewStore(), venue, inventories,
		log.Named("orders"), execution.ManagerConfig{})
	a.reconciler = execution.NewReconciler(a.orders, log.Named("reconcile"),
		execution.ReconcilerConfig{})

	skew := make(map[string]strategy.Skewer, len(cfg.Trading.Symbols))
	for _, symbol := range cfg.Trading.Symbols {
		skew[symbol] = inventories.GetOrCreate(symbol)
	}
	maker, err := strategy.NewMaker(strategyParams(cfg), skew)
	if err != nil {
		return err
	}

	deps := engine.Deps{
		Books:       a.books,
		Strategy:    maker,
		Orders:      a.orders,
		Inventories: inventories,
		Capture:     a.capture,
		Snapshots:   a.snapshots,
	}
	if a.paper != nil {
		deps.Pricer = a.paper
	}
	eng, err := engine.New(deps, engine.Config{
		QuoteInterval: time.Duration(cfg.Strategy.QuoteIntervalMS) * time.Millisecond,
		DumpPath:      filepath.Join(dataDir, "dump.json"),
	}, log.Named("engine"))
	if err != nil {
		return err
	}
	a.engine = eng

	// Market data always streams from Binance; paper mode only swaps the
	// order path, not the feed.
	if client, ok := venue.(*binance.Client); ok {
		a.market = binance.NewMarketWorker(cfg, client, eng.Inbox(), &a.seq, log.Named("market_ws"))
		a.user = binance.NewUserWorker(cfg, client, eng.Inbox(), &a.seq, log.Named("user_ws"))
	} else {
		rest := binance.NewPublicClient(cfg, log.Named("binance"))
		a.market = binance.NewMarketWorker(cfg, rest, eng.Inbox(), &a.seq, log.Named("market_ws"))
	}

	if a.paper != nil {
		a.restoreSnapshot()
	}
	return nil
}

// Run starts workers and the engine loop and blocks until ctx is cancelled
// or the engine fails. Feeds stop before the reconciler so no late event
// races a closing component.
func (a *App) Run(ctx context.Context) error {
	if a.paper == nil {
		if err := a.seedInventories(ctx); err != nil {
			return err
		}
	}

	a.reconciler.Start(ctx)
	defer a.reconciler.Stop()

	// The paper venue reports acks and fills on its own channel and a
	// forwarder copies them into the engine inbox. Pointing the venue at
	// the inbox directly could deadlock: the engine thread triggers fills
	// via UpdatePrice and would then block on its own full inbox.
	var (
		forwarderStop chan struct{}
		forwarderDone sync.WaitGroup
	)
	if a.paper != nil {
		paperCh := make(chan event.Event, 1024)
		a.paper.SetEvents(paperCh)
		forwarderStop = make(chan struct{})
		forwarderDone.Add(1)
		go func() {
			defer forwarderDone.Done()
			forward(forwarderStop, paperCh, a.engine.Inbox())
		}()
	}

	a.market.Start(ctx)
	defer a.market.Stop()

	if a.user != nil {
		if err := a.user.Start(ctx); err != nil {
			return err
		}
		defer a.user.Stop()
	}

	err := a.engine.Run(ctx)

	// The engine loop and dispatcher have exited here, so nothing produces
	// venue events anymore and the forwarder can be released.
	if forwarderStop != nil {
		close(forwarderStop)
		forwarderDone.Wait()
	}
	return err
}

// Close releases resources taken in New. Safe on a partially built App.
func (a *App) Close() {
	if a.capture != nil {
		if err := a.capture.Close(); err != nil {
			a.log.Warn("capture store close failed", zap.Error(err))
		}
		a.capture = nil
	}
	if client, ok := a.venue.(*binance.Client); ok {
		client.Close()
	}
	if a.unlock != nil {
		a.unlock()
		a.unlock = nil
	}
}

// restoreSnapshot reloads virtual inventory so paper runs survive restarts.
func (a *App) restoreSnapshot() {
	snap, err := a.snapshots.LoadLatest()
	if err != nil {
		a.log.Warn("snapshot load failed", zap.Error(err))
		return
	}
	if snap == nil {
		return
	}
	a.inventories.Restore(snap.Inventories)
	a.log.Info("inventory restored from snapshot",
		zap.Uint64("seq", snap.Seq),
		zap.Int("symbols", len(snap.Inventories)))
}

// seedInventories primes per-symbol inventory from the venue's account so
// skew reflects holdings that predate this process.
func (a *App) seedInventories(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	positions, err := a.venue.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("load venue positions: %w", err)
	}

	traded := make(map[string]bool, len(a.cfg.Trading.Symbols))
	for _, s := range a.cfg.Trading.Symbols {
		traded[s] = true
	}
	for _, p := range positions {
		if !traded[p.Symbol] {
			continue
		}
		a.inventories.GetOrCreate(p.Symbol).SetInventory(p.Quantity)
		a.log.Info("inventory seeded from venue",
			zap.String("symbol", p.Symbol),
			zap.String("quantity", p.Quantity.String()))
	}
	return nil
}

// forward pumps src into dst until stop closes. The caller guarantees
// nothing sends to src once stop is closed.
func forward(stop <-chan struct{}, src <-chan event.Event, dst chan<- event.Event) {
	for {
		select {
		case <-stop:
			return
		case ev := <-src:
			select {
			case dst <- ev:
			case <-stop:
				return
			}
		}
	}
}

func inventoryConfig(cfg *infra.Config) inventory.Config {
	tiers := make([]inventory.Tier, 0, len(cfg.Inventory.Tiers))
	for _, t := range cfg.Inventory.Tiers {
		tiers = append(tiers, inventory.Tier{Threshold: t.Threshold, Multiplier: t.Multiplier})
	}
	return inventory.Config{
		MaxInventory:       decimal.NewFromFloat(cfg.Inventory.Max),
		Mode:               inventory.SkewMode(cfg.Inventory.SkewMode),
		SkewFactor:         cfg.Inventory.SkewFactor,
		Tiers:              tiers,
		RebalanceThreshold: cfg.Inventory.RebalanceThreshold,
		EmergencyThreshold: cfg.Inventory.EmergencyThreshold,
		PriceUnit:          decimal.NewFromFloat(cfg.Inventory.PriceUnit),
	}
}

func strategyParams(cfg *infra.Config) strategy.Params {
	return strategy.Params{
		SpreadBps:        cfg.Strategy.SpreadBps,
		QuoteSize:        decimal.NewFromFloat(cfg.Strategy.QuoteSize),
		RequoteBps:       cfg.Strategy.RequoteBps,
		MaxOrdersPerSide: cfg.Strategy.MaxOrdersPerSide,
		TickSize:         decimal.NewFromFloat(cfg.Strategy.TickSize),
	}
}
