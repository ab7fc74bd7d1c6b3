package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/rl1809/collectible-market/internal/adapter/storage"
	"github.com/rl1809/collectible-market/internal/clock"
	"github.com/rl1809/collectible-market/internal/core/domain"
	"github.com/rl1809/collectible-market/internal/core/service"
	"github.com/rl1809/collectible-market/internal/port"
	"github.com/rl1809/collectible-market/migrations"
)

type backend interface {
	port.Store
	port.CatalogRepository
}

func main() {
	var (
		buyers = pflag.Int("buyers", 50, "concurrent buyers")
		store  = pflag.String("store", "sqlite", "memory or sqlite")
		policy = pflag.String("policy", "preempt", "exclusive or preempt")
	)
	pflag.Parse()

	ctx := context.Background()

	db, cleanup, err := openStore(ctx, *store)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer cleanup()

	item := domain.Item{
		Title:    "Stress Test Collectible",
		PriceINR: decimal.NewFromInt(5000),
		PriceUSD: decimal.RequireFromString("59.99"),
	}
	if err := db.CreateItem(ctx, &item); err != nil {
		log.Fatalf("failed to create item: %v", err)
	}

	engine := service.NewReservationService(db, clock.NewSystem(),
		service.WithPolicy(service.ReservationPolicy(*policy)),
	)

	// Counters
	var reserved, refused, paid, lateConfirm, failures atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 1; i <= *buyers; i++ {
		wg.Add(1)
		go func(buyerID int64) {
			defer wg.Done()

			res, err := engine.Reserve(ctx, service.ReserveInput{
				ItemID:   item.ID,
				BuyerID:  buyerID,
				Rail:     domain.RailBankTransfer,
				Currency: domain.CurrencyINR,
			})
			if err != nil {
				if domain.KindOf(err) == domain.KindConflict {
					refused.Add(1)
				} else {
					failures.Add(1)
					log.Printf("buyer %d: reserve failed: %v", buyerID, err)
				}
				return
			}
			reserved.Add(1)

			confirmed, err := engine.Confirm(ctx, service.ConfirmInput{
				Attempt: service.AttemptRef{ID: res.Attempt.ID},
				Outcome: domain.OutcomePaid,
			})
			switch {
			case err != nil:
				failures.Add(1)
				log.Printf("buyer %d: confirm failed: %v", buyerID, err)
			case confirmed.Applied:
				paid.Add(1)
			default:
				lateConfirm.Add(1)
			}
		}(int64(i))
	}

	wg.Wait()
	elapsed := time.Since(start)

	final, err := engine.GetItem(ctx, item.ID)
	if err != nil {
		log.Fatalf("failed to read item: %v", err)
	}

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store / Policy:   %s / %s\n", *store, *policy)
	fmt.Printf("Buyers:           %d\n", *buyers)
	fmt.Printf("Reserved:         %d\n", reserved.Load())
	fmt.Printf("Refused:          %d\n", refused.Load())
	fmt.Printf("Paid:             %d\n", paid.Load())
	fmt.Printf("Late confirms:    %d\n", lateConfirm.Load())
	fmt.Printf("Errors:           %d\n", failures.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	if paid.Load() == 1 {
		fmt.Println("PASS: exactly one attempt was paid")
	} else {
		fmt.Printf("FAIL: expected 1 paid attempt, got %d\n", paid.Load())
		ok = false
	}
	if final.Sold && !final.Reserved && final.BuyerID != nil {
		fmt.Printf("PASS: item sold to buyer %d\n", *final.BuyerID)
	} else {
		fmt.Printf("FAIL: unexpected item state sold=%v reserved=%v\n", final.Sold, final.Reserved)
		ok = false
	}
	if !ok {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, kind string) (backend, func(), error) {
	if kind == "memory" {
		return storage.NewMemoryAdapter(), func() {}, nil
	}

	dir, err := os.MkdirTemp("", "market-stress-")
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(filepath.Join(dir, "stress.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}
	if err := migrations.ApplySQL(ctx, db, "sqlite"); err != nil {
		cleanup()
		return nil, nil, err
	}
	return storage.NewSQLiteAdapter(db), cleanup, nil
}
