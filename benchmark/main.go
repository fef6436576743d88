// Package main provides a benchmark tool for txqueue to measure transaction throughput.
// It queues a large number of dummy transactions and measures how long the
// priority lists take to drain, either by a separately running worker or by
// in-process drainers.
//
// Usage:
//
//	go run ./benchmark --transactions 100000 --workers 10 --drainers 4
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/guido-cesarano/txqueue/pkg/config"
	"github.com/guido-cesarano/txqueue/pkg/handler"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/store"
	"github.com/guido-cesarano/txqueue/pkg/transactions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}
	cfg.Namespace = "txqueue-bench"
	cfg.MaxQueueSize = -1
	cfg.AddFlags(pflag.CommandLine)
	numTx := pflag.Int("transactions", 100000, "Number of transactions to queue")
	numWorkers := pflag.Int("workers", 10, "Number of concurrent enqueuers")
	numDrainers := pflag.Int("drainers", 0, "In-process drainers. 0 waits for an external worker.")
	pflag.Parse()

	ctx := context.Background()
	rs, err := store.NewRedis(ctx, cfg.Redis())
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rs.Close()

	opts := cfg.Transactions()
	opts.Handler = handler.Func(func(context.Context, *item.Payload) (item.Result, error) {
		return item.Result{Success: true}, nil
	})
	m := transactions.New(rs, opts)
	defer m.Shutdown()

	fmt.Printf("txqueue Benchmark\n")
	fmt.Printf("=================\n")
	fmt.Printf("Transactions to queue: %d\n", *numTx)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	// Enqueue phase
	fmt.Printf("Starting enqueue phase...\n")
	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	perWorker := *numTx / *numWorkers

	for i := 0; i < *numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				data, _ := json.Marshal(map[string]int{"worker": workerID, "tx": j})
				priority := item.Priorities[j%len(item.Priorities)]
				if _, err := m.QueueTransaction(ctx, item.Payload{Type: "benchmark", Data: data}, item.Metadata{}, priority); err != nil {
					fmt.Printf("Error queueing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}(i)
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)
	total := enqueued.Load()

	fmt.Printf("✓ Queued %d transactions in %s\n", total, enqueueTime)
	fmt.Printf("  Throughput: %.2f tx/sec\n\n", float64(total)/enqueueTime.Seconds())

	// Wait for processing
	fmt.Printf("Waiting for all transactions to be processed...\n")
	startProcess := time.Now()

	drainCtx, stopDrain := context.WithCancel(ctx)
	var g errgroup.Group
	for i := 0; i < *numDrainers; i++ {
		g.Go(func() error {
			for drainCtx.Err() == nil {
				took, err := m.ProcessNext(drainCtx)
				if err != nil && drainCtx.Err() == nil {
					logger.Log.Warn().Err(err).Msg("Drain attempt failed")
				}
				if !took {
					time.Sleep(10 * time.Millisecond)
				}
			}
			return nil
		})
	}

	// Poll until the priority lists are empty
	err = wait.PollUntilContextCancel(ctx, 2*time.Second, false, func(ctx context.Context) (bool, error) {
		snap, err := m.GetMetrics(ctx)
		if err != nil {
			return false, err
		}
		if snap.TotalQueued == 0 && snap.ByStatus[item.StatusProcessing] == 0 {
			return true, nil
		}
		fmt.Printf("  Remaining: %d transactions\n", snap.TotalQueued)
		return false, nil
	})
	stopDrain()
	_ = g.Wait()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Benchmark aborted")
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All transactions processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tx/sec\n", float64(total)/processTime.Seconds())

	totalTime := enqueueTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tx/sec\n", float64(total)/totalTime.Seconds())
}
