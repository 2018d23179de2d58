package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"contractscan/internal/api"
	"contractscan/internal/chain"
	"contractscan/internal/config"
	"contractscan/internal/eventbus"
	"contractscan/internal/explorer"
	"contractscan/internal/ingester"
	"contractscan/internal/models"
	"contractscan/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// 1. Config
	cfg := config.FromEnv()

	log.Println("Initializing ContractScan Backend...")
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Explorer: %s (ecosystem=%s chain=%d)", cfg.ExplorerURL, cfg.Ecosystem, cfg.ChainID)
	log.Printf("API Port: %d", cfg.APIPort)

	// 2. Dependencies
	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	// 2a. Auto-Migration (skip with SKIP_MIGRATION=true for API-only containers)
	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	explorerClient := explorer.NewClient(cfg.ExplorerURL, cfg.ChainID, cfg.Ecosystem,
		explorer.WithMinDelay(time.Duration(cfg.MinRequestDelayMs)*time.Millisecond))

	// The RPC client is optional: without it, rpc-sourced contracts fall back
	// to the explorer path.
	var chainClient *chain.Client
	if cfg.RPCURL != "" && os.Getenv("DISABLE_RPC") != "true" {
		chainClient, err = chain.NewClient(context.Background(), cfg.RPCURL, cfg.ChainID)
		if err != nil {
			log.Printf("Warning: RPC node unavailable, explorer-only mode: %v", err)
		} else {
			defer chainClient.Close()
		}
	} else {
		log.Println("RPC scanning is DISABLED")
	}

	// 3. Services
	bus := eventbus.New()
	defer bus.Close()

	ing := ingester.NewIngestor(explorerClient, repo, cfg.ChainID, cfg.PageLimit, cfg.PollPageCap)
	ing.OnNewRows = func(contract string, rows []models.TransactionRow) {
		bus.Publish(eventbus.Event{
			Type:      eventbus.TypeTransactionIndexed,
			Contract:  contract,
			Timestamp: time.Now(),
			Data:      map[string]any{"rows": len(rows)},
		})
	}

	var scanner *ingester.RPCScanner
	if chainClient != nil {
		hostname, _ := os.Hostname()
		workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())
		scanner = ingester.NewRPCScanner(chainClient, repo, cfg.ChainID, workerID,
			cfg.RPCBatchBlocks, cfg.RPCBatchParallel)
		scanner.OnNewRows = ing.OnNewRows
	}

	orch := ingester.NewOrchestrator(repo, ing, scanner, cfg.BackfillWorkers)
	poller := ingester.NewPoller(repo, ing)

	listener := ingester.NewEnrichmentListener(repo, explorerClient)
	listener.OnEnriched = func(n models.TxNotification) {
		bus.Publish(eventbus.Event{
			Type:      eventbus.TypeTransactionEnriched,
			Contract:  n.ContractAddress,
			Timestamp: time.Now(),
			Data:      map[string]string{"tx_hash": n.TxHash},
		})
	}

	// Gap-fill workers open private 2-connection pools so fan-out cannot
	// starve the main pool.
	gapFiller := ingester.NewGapFiller(repo, explorerClient,
		func(ctx context.Context) (ingester.GapWorkerStore, func(), error) {
			workerRepo, err := repository.NewRepositoryWithMaxConns(cfg.DatabaseURL, 2)
			if err != nil {
				return nil, nil, err
			}
			return workerRepo, workerRepo.Close, nil
		},
		cfg.GapFillWorkers, cfg.GapFillBatchSize)

	apiServer := api.NewServer(repo, bus, cfg.APIPort)

	// 4. Run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := apiServer.Run(ctx); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	var wg sync.WaitGroup

	enableOrchestrator := os.Getenv("ENABLE_ORCHESTRATOR") != "false"
	if enableOrchestrator {
		wg.Add(1)
		go func() {
			defer wg.Done()
			orch.Run(ctx)
		}()
	} else {
		log.Println("Orchestrator is DISABLED (ENABLE_ORCHESTRATOR=false)")
	}

	enablePoller := os.Getenv("ENABLE_POLLER") != "false"
	if enablePoller {
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
	} else {
		log.Println("Poller is DISABLED (ENABLE_POLLER=false)")
	}

	enableEnrichment := os.Getenv("ENABLE_ENRICHMENT") != "false"
	if enableEnrichment {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.Run(ctx)
		}()
	} else {
		log.Println("Enrichment Listener is DISABLED (ENABLE_ENRICHMENT=false)")
	}

	// Periodic gap-fill sweep: drains whatever enrichment deficit the
	// listener missed while it was down.
	enableGapFill := os.Getenv("ENABLE_GAPFILL") != "false"
	if enableGapFill {
		intervalMin := getEnvInt("GAPFILL_INTERVAL_MIN", 30)

		wg.Add(1)
		go func() {
			defer wg.Done()

			runOnce := func() {
				stats, err := gapFiller.Run(ctx)
				if err != nil && ctx.Err() == nil {
					log.Printf("[gapfill] sweep failed: %v", err)
					return
				}
				if stats.Processed > 0 {
					log.Printf("[gapfill] sweep done: %d rows in %d rounds", stats.Processed, stats.Rounds)
				}
			}

			// Give the ingesters a moment to start and the DB to warm up.
			select {
			case <-ctx.Done():
				return
			case <-time.After(15 * time.Second):
			}
			runOnce()

			ticker := time.NewTicker(time.Duration(intervalMin) * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					runOnce()
				}
			}
		}()
	} else {
		log.Println("Gap Filler is DISABLED (ENABLE_GAPFILL=false)")
	}

	// Block until shutdown signal. The API server also needs to stay alive
	// even with zero workers (API-only mode).
	<-sigChan
	log.Println("Shutting down...")
	cancel()
	wg.Wait()
}

func getEnvInt(key string, defaultVal int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			return val
		}
	}
	return defaultVal
}

func redactDatabaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path for debugging.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for malformed/DSN-like URLs.
	re := regexp.MustCompile(`(?i)(postgres(?:ql)?://[^:/?#]+):([^@]+)@`)
	if re.MatchString(raw) {
		return re.ReplaceAllString(raw, `$1:****@`)
	}
	re = regexp.MustCompile(`(?i)(password=)([^\\s]+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
