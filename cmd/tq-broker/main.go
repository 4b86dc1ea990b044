// Command tq-broker runs the task queue broker: it opens the store and WAL,
// recovers from any unclean shutdown, starts the background sweeps, and
// serves the frame transport until told to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swarmguard/taskqueue/internal/config"
	"github.com/swarmguard/taskqueue/internal/dispatcher"
	"github.com/swarmguard/taskqueue/internal/logging"
	"github.com/swarmguard/taskqueue/internal/otelinit"
	"github.com/swarmguard/taskqueue/internal/queue"
	"github.com/swarmguard/taskqueue/internal/registry"
	"github.com/swarmguard/taskqueue/internal/store"
	"github.com/swarmguard/taskqueue/internal/transport"
	"github.com/swarmguard/taskqueue/internal/wal"
	"github.com/swarmguard/taskqueue/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to broker config YAML (optional)")
		host       = flag.String("host", "", "override broker.host")
		port       = flag.Int("port", 0, "override broker.port")
		dataDir    = flag.String("data-dir", "", "override persistence.data_dir")
		apiPort    = flag.Int("api-port", 0, "override broker.api_port (serves /metrics and /healthz)")
		codecName  = flag.String("codec", "binary", "wire codec: binary|json")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 2
	}
	if *host != "" {
		cfg.Broker.Host = *host
	}
	if *port != 0 {
		cfg.Broker.Port = *port
	}
	if *dataDir != "" {
		cfg.Persistence.DataDir = *dataDir
	}
	if *apiPort != 0 {
		cfg.Broker.APIPort = *apiPort
	}

	var codec wire.Codec
	switch *codecName {
	case "binary":
		codec = wire.BinaryCodec{}
	case "json":
		codec = wire.JSONCodec{}
	default:
		fmt.Fprintf(os.Stderr, "unknown codec %q (want binary|json)\n", *codecName)
		return 2
	}

	logger := logging.Init("tq-broker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, metricsHandler, meter := otelinit.InitMetrics(ctx, "tq-broker")
	defer otelinit.Flush(context.Background(), shutdownMetrics)
	shutdownTracer := otelinit.InitTracer(ctx, "tq-broker")
	defer otelinit.Flush(context.Background(), shutdownTracer)

	storeDir := filepath.Join(cfg.Persistence.DataDir, "store")
	walDir := filepath.Join(cfg.Persistence.DataDir, "wal")
	for _, dir := range []string{storeDir, walDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("create data dir", "error", err)
			return 1
		}
	}

	st, err := store.Open(filepath.Join(storeDir, "tasks.db"), meter)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	w, err := wal.Open(filepath.Join(walDir, "wal.db"), cfg.Persistence.WALSyncInterval(), 0)
	if err != nil {
		logger.Error("open wal", "error", err)
		return 1
	}
	defer w.Close()

	ready := queue.New()
	reg := registry.New()
	disp := dispatcher.New(st, w, ready, reg, cfg, logger, meter)

	logger.Info("recovering from previous shutdown")
	if err := disp.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
		return 1
	}

	cron, err := disp.Start(ctx)
	if err != nil {
		logger.Error("start sweeps", "error", err)
		return 1
	}
	defer cron.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)
	srv := transport.New(addr, codec, disp.Handle, int64(cfg.Broker.MaxConnections), 30*time.Second, logger)

	apiSrv := startAPIServer(cfg.Broker.APIPort, metricsHandler, logger)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	logger.Info("broker listening", "addr", addr, "api_port", cfg.Broker.APIPort, "codec", *codecName)

	transportDone := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serveErr:
		transportDone = true
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("transport stopped unexpectedly", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}

	// serveErr is only read once: the case above may already have drained
	// it, and reading it unconditionally here would then block forever.
	if !transportDone {
		<-serveErr
	}
	logger.Info("broker stopped cleanly")
	return 0
}

// startAPIServer mounts /metrics (Prometheus scrape) and /healthz on a
// plain net/http server, separate from the frame transport.
func startAPIServer(port int, metricsHandler http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
		}
	}()
	return srv
}
