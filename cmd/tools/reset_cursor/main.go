// reset_cursor clears the pagination cursor and scan leases for one
// contract so the next backfill restarts from the beginning of the stream.
// Indexed rows stay; the conflict-ignore insert absorbs the replay.
//
// Exit codes: 0 reset, 1 reset failed, 2 bad usage.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"contractscan/internal/config"
	"contractscan/internal/repository"
)

func main() {
	var (
		contract = flag.String("contract", "", "contract address (0x...)")
		dbURL    = flag.String("db", "", "database url (defaults to DB_URL)")
	)
	flag.Parse()

	if *contract == "" || !strings.HasPrefix(*contract, "0x") || len(*contract) != 42 {
		log.Println("a 42-character -contract address is required")
		flag.Usage()
		os.Exit(2)
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
	c, err := repo.GetContract(ctx, addr)
	if err != nil {
		log.Printf("lookup: %v", err)
		os.Exit(1)
	}
	if c == nil {
		log.Printf("contract %s is not registered", addr)
		os.Exit(1)
	}

	if err := repo.ResetCursor(ctx, addr); err != nil {
		log.Printf("reset cursor: %v", err)
		os.Exit(1)
	}
	if err := repo.ResetScanLeases(ctx, addr); err != nil {
		log.Printf("reset scan leases: %v", err)
		os.Exit(1)
	}
	log.Printf("cursor reset for %s; next backfill restarts from the beginning", addr)
}
