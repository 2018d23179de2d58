// enqueue_backfill queues a backfill job for one contract.
//
// Usage:
//
//	enqueue_backfill -contract 0x... [-priority 5] [-from 2024-01-01] [-to 2024-06-30]
//
// Exit codes: 0 job queued, 1 queue failed, 2 bad usage.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"contractscan/internal/config"
	"contractscan/internal/models"
	"contractscan/internal/repository"
)

func main() {
	var (
		contract = flag.String("contract", "", "contract address (0x...)")
		priority = flag.Int("priority", 5, "job priority, lower runs first")
		fromDate = flag.String("from", "", "optional start date (YYYY-MM-DD)")
		toDate   = flag.String("to", "", "optional end date (YYYY-MM-DD)")
		dbURL    = flag.String("db", "", "database url (defaults to DB_URL)")
	)
	flag.Parse()

	if *contract == "" || !strings.HasPrefix(*contract, "0x") || len(*contract) != 42 {
		log.Println("a 42-character -contract address is required")
		flag.Usage()
		os.Exit(2)
	}
	for _, d := range []string{*fromDate, *toDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			log.Printf("invalid date %q: want YYYY-MM-DD", d)
			os.Exit(2)
		}
	}

	cfg := config.FromEnv()
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Printf("connect: %v", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	addr := strings.ToLower(*contract)
	job, err := repo.EnqueueJob(ctx, addr, *priority, models.JobPayload{
		ContractAddress: addr,
		FromDate:        *fromDate,
		ToDate:          *toDate,
	})
	if errors.Is(err, repository.ErrJobExists) {
		log.Printf("contract %s already has a pending or processing job", addr)
		os.Exit(1)
	}
	if err != nil {
		log.Printf("enqueue: %v", err)
		os.Exit(1)
	}
	log.Printf("queued job %d for %s (priority %d)", job.ID, addr, job.Priority)
}
