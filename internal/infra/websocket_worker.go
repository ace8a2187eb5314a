package infra

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"goquant/internal/metrics"
)

const workerUserAgent = "goquant/1.0"

// WSHandler supplies venue-specific behavior to a WSWorker.
type WSHandler interface {
	ID() string
	URL() string
	OnConnect(ctx context.Context, conn *websocket.Conn) error
	OnMessage(ctx context.Context, msg []byte)
	OnPing(ctx context.Context, conn *websocket.Conn) error
}

// WSWorker owns one websocket connection: it dials, reconnects with
// exponential backoff, enforces read deadlines, and serializes writes.
type WSWorker struct {
	handler WSHandler
	log     *zap.Logger

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
}

// NewWSWorker creates a worker around handler.
func NewWSWorker(handler WSHandler, log *zap.Logger) *WSWorker {
	return &WSWorker{
		handler:      handler,
		log:          log,
		ReadTimeout:  60 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Start launches the connect loop.
func (w *WSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for the loop to exit.
func (w *WSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

func (w *WSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	backoff := DefaultBackoff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			delay := backoff.Next()
			w.log.Warn("ws connect failed",
				zap.String("id", w.handler.ID()),
				zap.Int("attempt", backoff.Attempts()),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			metrics.WSReconnects.WithLabelValues(w.handler.ID()).Inc()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		backoff.Reset()
		w.process(ctx)
		if ctx.Err() == nil {
			metrics.WSReconnects.WithLabelValues(w.handler.ID()).Inc()
		}
	}
}

func (w *WSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", workerUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, conn); err != nil {
		w.close()
		return fmt.Errorf("on connect: %w", err)
	}

	if w.PingInterval > 0 {
		go w.pingLoop(ctx)
	}

	w.log.Info("ws connected", zap.String("id", w.handler.ID()))
	return nil
}

func (w *WSWorker) process(ctx context.Context) {
	for {
		w.mu.RLock()
		c := w.conn
		w.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("ws read error",
					zap.String("id", w.handler.ID()), zap.Error(err))
			}
			w.close()
			return
		}

		w.handler.OnMessage(ctx, msg)
	}
}

func (w *WSWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			c := w.conn
			w.mu.RUnlock()
			if c == nil {
				return
			}
			if err := w.handler.OnPing(ctx, c); err != nil {
				w.log.Warn("ws ping error",
					zap.String("id", w.handler.ID()), zap.Error(err))
				w.close()
				return
			}
		}
	}
}

// Write sends one message; safe for concurrent use.
func (w *WSWorker) Write(msgType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()

	if c == nil {
		return fmt.Errorf("ws not connected")
	}
	return c.WriteMessage(msgType, data)
}

func (w *WSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Reconnect drops the current connection. The run loop redials with a fresh
// handler URL, which is how listen key rotation takes effect.
func (w *WSWorker) Reconnect() {
	w.close()
}
