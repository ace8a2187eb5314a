package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"goquant/internal/app"
	"goquant/internal/infra"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default: configs/config.yaml, then the OS config dir)")
		mode       = flag.String("mode", "", "override the configured trading mode (paper|live)")
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
	if *mode != "" {
		cfg.Trading.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
	}

	log, err := infra.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	infra.PrintBanner(cfg)

	// Debug listener: pprof, prometheus metrics and a liveness probe.
	var debugSrv *http.Server
	if cfg.Debug.Addr != "" {
		debugSrv = &http.Server{Addr: cfg.Debug.Addr, Handler: debugMux()}
		go func() {
			log.Info("debug listener up", zap.String("addr", cfg.Debug.Addr))
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("debug listener failed", zap.Error(err))
			}
		}()
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := a.Run(ctx)

	if debugSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		debugSrv.Shutdown(sctx)
		cancel()
	}

	if runErr != nil {
		log.Error("engine stopped with error", zap.Error(runErr))
		a.Close()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
