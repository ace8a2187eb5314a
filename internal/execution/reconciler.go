package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/metrics"
)

// ReconcilerConfig tunes the reconciliation sweep.
type ReconcilerConfig struct {
	Interval     time.Duration // between sweeps, default 30s
	PendingGrace time.Duration // how long a PENDING order may sit before being chased, default 10s
}

// ReconcileOnce squares the local order store with the venue: orders stuck
// in PENDING past the grace period are resolved by client id (ones the
// venue never received become REJECTED), acknowledged orders that vanished
// from the venue's open set are refreshed to their final state, and
// still-open orders pick up fills the stream missed.
// Inventory is deliberately not touched here, fills own that.
func (m *Manager) ReconcileOnce(ctx context.Context, pendingGrace time.Duration) error {
	actives := m.store.ActiveOrders()
	if len(actives) == 0 {
		return nil
	}

	symbols := make(map[string]bool)
	for _, o := range actives {
		symbols[o.Symbol] = true
	}

	venueOpen := make(map[string]domain.OrderState)
	var firstErr error
	for sym := range symbols {
		cctx, cancel := m.callCtx(ctx)
		states, err := m.venue.GetOpenOrders(cctx, sym)
		cancel()
		if err != nil {
			m.log.Warn("reconcile: open orders query failed",
				zap.String("symbol", sym), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, st := range states {
			venueOpen[st.ExchangeOrderID] = st
		}
	}

	var stale, vanished int
	for _, o := range actives {
		if o.Status == domain.StatusPending {
			if time.Since(o.CreatedAt) < pendingGrace {
				continue
			}
			stale++
			if _, err := m.RefreshOrderStatus(ctx, o.ClientOrderID); err != nil {
				if errors.Is(err, domain.ErrOrderUnknown) {
					m.abandonPending(o.ClientOrderID)
					continue
				}
				m.log.Warn("reconcile: pending order unresolved",
					zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			}
			continue
		}
		if o.ExchangeOrderID == "" {
			continue
		}

		st, open := venueOpen[o.ExchangeOrderID]
		if !open {
			vanished++
			if _, err := m.RefreshOrderStatus(ctx, o.ClientOrderID); err != nil {
				m.log.Warn("reconcile: final state query failed",
					zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			}
			continue
		}

		if !st.FilledQuantity.Equal(o.FilledQuantity) {
			m.mu.Lock()
			updated, uerr := m.store.Update(o.ClientOrderID, func(x *domain.Order) {
				applyVenueState(x, st)
			})
			m.mu.Unlock()
			if uerr == nil {
				m.notifyUpdate(updated)
				if updated.Status == domain.StatusFilled && o.Status != domain.StatusFilled {
					m.notifyFill(updated)
				}
			}
		}
	}

	if stale > 0 || vanished > 0 {
		m.log.Info("reconcile sweep",
			zap.Int("active", len(actives)),
			zap.Int("stale_pending", stale),
			zap.Int("vanished", vanished))
	}
	return firstErr
}

// abandonPending rejects a pending order the venue has no record of, so it
// stops occupying a quote slot. The submit ack path never overwrites a
// non-pending status, so a late ack cannot resurrect it.
func (m *Manager) abandonPending(clientID string) {
	m.mu.Lock()
	updated, err := m.store.Update(clientID, func(x *domain.Order) {
		if x.Status == domain.StatusPending {
			x.Status = domain.StatusRejected
		}
	})
	m.mu.Unlock()
	if err != nil || updated.Status != domain.StatusRejected {
		return
	}

	metrics.OrdersRejected.WithLabelValues(updated.Symbol, "undelivered").Inc()
	m.log.Warn("pending order unknown to venue, rejected locally",
		zap.String("client_order_id", clientID),
		zap.String("symbol", updated.Symbol))
	m.notifyUpdate(updated)
}

// Reconciler runs ReconcileOnce on a timer.
type Reconciler struct {
	mgr    *Manager
	log    *zap.Logger
	cfg    ReconcilerConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler around the manager. Zero config fields
// get defaults.
func NewReconciler(mgr *Manager, log *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = 10 * time.Second
	}
	return &Reconciler{mgr: mgr, log: log, cfg: cfg}
}

// Start launches the sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.mgr.ReconcileOnce(ctx, r.cfg.PendingGrace); err != nil {
				r.log.Warn("reconcile sweep had errors", zap.Error(err))
			}
		}
	}
}
