// Command tq-worker runs a worker process against a broker, executing
// tasks with the in-tree echo handler until a real task_type dispatcher is
// wired in by an operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskqueue/internal/logging"
	"github.com/swarmguard/taskqueue/internal/otelinit"
	"github.com/swarmguard/taskqueue/internal/worker"
	"github.com/swarmguard/taskqueue/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		brokerAddr  = flag.String("broker", "127.0.0.1:7070", "broker address host:port")
		workerID    = flag.String("worker-id", "", "stable worker identifier (defaults to a random uuid)")
		concurrency = flag.Int("concurrency", 4, "max tasks this worker runs at once")
		codecName   = flag.String("codec", "binary", "wire codec: binary|json")
	)
	flag.Parse()

	id := *workerID
	if id == "" {
		id = uuid.NewString()
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

	logger := logging.Init("tq-worker").With("worker_id", id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, _, _ := otelinit.InitMetrics(ctx, "tq-worker")
	defer otelinit.Flush(context.Background(), shutdownMetrics)

	rt := worker.New(worker.Config{
		BrokerAddr:        *brokerAddr,
		WorkerID:          id,
		Codec:             codec,
		Concurrency:       *concurrency,
		ClaimInterval:     500 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		DialRetries:       10,
		DialBackoff:       time.Second,
	}, worker.EchoHandler{}, logger)

	logger.Info("worker starting", "broker", *brokerAddr, "concurrency", *concurrency, "codec", *codecName)
	if err := rt.Run(ctx); err != nil {
		logger.Error("worker exited with error", "error", err)
		return 1
	}
	logger.Info("worker stopped cleanly")
	return 0
}
