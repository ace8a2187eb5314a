// bookwatch streams live depth for the configured symbols and prints the
// top of each book once a second. No credentials and no orders: it is a
// connectivity and book-sync probe for a new deployment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"goquant/internal/book"
	"goquant/internal/event"
	"goquant/internal/infra"
	"goquant/internal/infra/binance"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default: configs/config.yaml, then the OS config dir)")
		symbols    = flag.String("symbols", "", "comma-separated symbol override, e.g. BTCUSDT,ETHUSDT")
		interval   = flag.Duration("interval", time.Second, "print interval")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		path = infra.ResolveConfigPath()
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *symbols != "" {
		cfg.Trading.Symbols = strings.Split(*symbols, ",")
	}

	log, err := infra.NewLogger("warn", "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	books := book.NewManager()
	inbox := make(chan event.Event, 4096)
	var seq uint64

	client := binance.NewPublicClient(cfg, log.Named("binance"))
	worker := binance.NewMarketWorker(cfg, client, inbox, &seq, log.Named("market_ws"))
	worker.Start(ctx)
	defer worker.Stop()

	fmt.Printf("watching %s (ctrl-c to exit)\n", strings.Join(cfg.Trading.Symbols, " "))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var updates, candles uint64
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case ev := <-inbox:
			switch t := ev.(type) {
			case *event.BookSnapshotEvent:
				books.GetOrCreate(t.Symbol).ApplySnapshot(t.Bids, t.Asks, t.Ts)
			case *event.BookUpdateEvent:
				b := books.GetOrCreate(t.Symbol)
				if err := b.ApplyUpdate(t.Side, t.Price, t.Size, t.NumOrders, t.Ts); err == nil {
					updates++
				}
				event.ReleaseBookUpdateEvent(t)
			case *event.CandleEvent:
				candles++
			}
		case <-ticker.C:
			printTops(books, updates, candles)
		}
	}
}

func printTops(books *book.Manager, updates, candles uint64) {
	for _, symbol := range books.Symbols() {
		b, ok := books.Get(symbol)
		if !ok {
			continue
		}
		bid, okB := b.BestBid()
		ask, okA := b.BestAsk()
		if !okB || !okA {
			fmt.Printf("%-10s (syncing)\n", symbol)
			continue
		}
		spread, _ := b.Spread()
		nb, na := b.Levels()
		fmt.Printf("%-10s bid %s x %s | ask %s x %s | spread %s | levels %d/%d | upd %d cndl %d\n",
			symbol,
			bid.Price.String(), bid.Size.String(),
			ask.Price.String(), ask.Size.String(),
			spread.String(), nb, na, updates, candles)
	}
}
