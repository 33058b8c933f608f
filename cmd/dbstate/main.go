package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"stoptrail/internal/domain"
	"stoptrail/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "exit_strategy.db", "path to the sqlite database")
	symbol := flag.String("symbol", "DOGE/USD", "symbol to inspect")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	thresholds, err := store.GetThresholds(ctx, *symbol)
	if err != nil {
		fmt.Printf("Failed to list thresholds: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found %d thresholds for %s:\n", len(thresholds), *symbol)
	for _, t := range thresholds {
		mark := " "
		if t.Hit {
			mark = "x"
		}
		fmt.Printf("- [%s] #%d price=%f amount=%f", mark, t.ID, t.Price, t.Amount)
		if t.HitAt != nil {
			fmt.Printf(" hit_at=%s", t.HitAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}

	hopper, err := store.GetHopper(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get hopper: %v\n", err)
	} else {
		fmt.Printf("✅ Hopper: %f\n", hopper)
	}

	stop, ok, err := store.GetStopValue(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get stop value: %v\n", err)
	} else if !ok {
		fmt.Printf("⚠️ No stop value persisted for %s\n", *symbol)
	} else {
		fmt.Printf("✅ Stop value: %f\n", stop)
	}

	tracker, err := store.GetWinTracker(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get win tracker: %v\n", err)
	} else if tracker == nil {
		fmt.Printf("⚠️ No win tracker for %s\n", *symbol)
	} else {
		fmt.Printf("✅ Wins: %d/%d (deposit price %f, buy price %f)\n",
			tracker.WinCount, tracker.BuyCount, tracker.PriceAtDeposit, tracker.PriceAtBuy)
	}

	for _, tradeType := range []domain.Direction{domain.DirectionSell, domain.DirectionBuy} {
		lock, err := store.GetLock(ctx, *symbol, tradeType)
		if err != nil {
			fmt.Printf("❌ Failed to get %s lock: %v\n", tradeType, err)
			continue
		}
		if lock == nil {
			continue
		}
		state := "free"
		if lock.Running {
			state = "RUNNING"
		}
		fmt.Printf("✅ Lock %s: %s, %s\n", tradeType, state, lock)
	}
}
