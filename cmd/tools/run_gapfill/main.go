// run_gapfill runs one enrichment gap-fill sweep and exits. Useful after
// an explorer outage, or from cron on deployments that keep the in-process
// sweep disabled (ENABLE_GAPFILL=false).
//
// Exit codes: 0 deficit drained, 1 sweep failed or rows left behind, 2 bad usage.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contractscan/internal/config"
	"contractscan/internal/explorer"
	"contractscan/internal/ingester"
	"contractscan/internal/repository"
)

func main() {
	var (
		workers   = flag.Int("workers", 0, "worker count (defaults to GAPFILL_WORKERS)")
		batchSize = flag.Int("batch", 0, "rows per batch (defaults to GAPFILL_BATCH_SIZE)")
		dbURL     = flag.String("db", "", "database url (defaults to DB_URL)")
	)
	flag.Parse()

	if *workers < 0 || *batchSize < 0 {
		log.Println("-workers and -batch must be positive")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.FromEnv()
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *workers > 0 {
		cfg.GapFillWorkers = *workers
	}
	if *batchSize > 0 {
		cfg.GapFillBatchSize = *batchSize
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Printf("connect: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	explorerClient := explorer.NewClient(cfg.ExplorerURL, cfg.ChainID, cfg.Ecosystem,
		explorer.WithMinDelay(time.Duration(cfg.MinRequestDelayMs)*time.Millisecond))

	filler := ingester.NewGapFiller(repo, explorerClient,
		func(ctx context.Context) (ingester.GapWorkerStore, func(), error) {
			workerRepo, err := repository.NewRepositoryWithMaxConns(cfg.DatabaseURL, 2)
			if err != nil {
				return nil, nil, err
			}
			return workerRepo, workerRepo.Close, nil
		},
		cfg.GapFillWorkers, cfg.GapFillBatchSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	stats, err := filler.Run(ctx)
	if err != nil {
		log.Printf("gap-fill sweep: %v", err)
		os.Exit(1)
	}
	log.Printf("sweep finished in %s: %d rounds, %d batches, %d rows enriched, %d failed",
		time.Since(start).Round(time.Second), stats.Rounds, stats.Batches, stats.Processed, stats.Failed)
	if stats.Failed > 0 {
		os.Exit(1)
	}
}
