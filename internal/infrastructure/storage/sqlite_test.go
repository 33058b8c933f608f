package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"stoptrail/internal/domain"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to init store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestThresholdRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	hitAt := time.Date(2026, 8, 20, 12, 30, 0, 0, time.UTC)
	input := []*domain.Threshold{
		{Price: 12, Amount: 150},
		{Price: 11, Amount: 100, Hit: true, HitAt: &hitAt},
	}
	if err := store.SaveThresholds(ctx, "DOGE/USD", input); err != nil {
		t.Fatalf("SaveThresholds: %v", err)
	}
	for _, th := range input {
		if th.ID == 0 {
			t.Fatalf("expected row id assigned, got 0")
		}
	}

	got, err := store.GetThresholds(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 thresholds, got %d", len(got))
	}
	// Rows come back ordered by price.
	if got[0].Price != 11 || got[1].Price != 12 {
		t.Fatalf("expected price order 11,12, got %f,%f", got[0].Price, got[1].Price)
	}
	if !got[0].Hit || got[0].HitAt == nil || !got[0].HitAt.Equal(hitAt) {
		t.Fatalf("hit flag/time lost: %+v", got[0])
	}
	if got[1].Hit || got[1].HitAt != nil {
		t.Fatalf("unexpected hit state: %+v", got[1])
	}

	// Other symbols must not leak in.
	other, err := store.GetThresholds(ctx, "BTC/USD")
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no thresholds for BTC/USD, got %d", len(other))
	}
}

func TestMarkThresholdHit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	input := []*domain.Threshold{{Price: 11, Amount: 100}}
	if err := store.SaveThresholds(ctx, "DOGE/USD", input); err != nil {
		t.Fatalf("SaveThresholds: %v", err)
	}

	at := time.Date(2026, 8, 21, 9, 0, 0, 500e6, time.UTC)
	if err := store.MarkThresholdHit(ctx, input[0].ID, at); err != nil {
		t.Fatalf("MarkThresholdHit: %v", err)
	}

	got, err := store.GetThresholds(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	if !got[0].Hit || got[0].HitAt == nil || !got[0].HitAt.Equal(at) {
		t.Fatalf("expected hit at %s, got %+v", at, got[0])
	}

	if err := store.DeleteThresholds(ctx, "DOGE/USD"); err != nil {
		t.Fatalf("DeleteThresholds: %v", err)
	}
	got, err = store.GetThresholds(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetThresholds: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected thresholds removed, got %d", len(got))
	}
}

func TestHopperDefaultsToZero(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	amount, err := store.GetHopper(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetHopper: %v", err)
	}
	if amount != 0 {
		t.Fatalf("expected empty hopper, got %f", amount)
	}

	if err := store.SetHopper(ctx, "DOGE/USD", 250); err != nil {
		t.Fatalf("SetHopper: %v", err)
	}
	if err := store.SetHopper(ctx, "DOGE/USD", 300); err != nil {
		t.Fatalf("SetHopper overwrite: %v", err)
	}

	amount, err = store.GetHopper(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetHopper: %v", err)
	}
	if amount != 300 {
		t.Fatalf("expected 300, got %f", amount)
	}
}

func TestStopValueLifecycle(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, ok, err := store.GetStopValue(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetStopValue: %v", err)
	}
	if ok {
		t.Fatalf("expected no persisted stop")
	}

	if err := store.SaveStopValue(ctx, "DOGE/USD", 9.5); err != nil {
		t.Fatalf("SaveStopValue: %v", err)
	}
	if err := store.SaveStopValue(ctx, "DOGE/USD", 10.45); err != nil {
		t.Fatalf("SaveStopValue overwrite: %v", err)
	}

	stop, ok, err := store.GetStopValue(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetStopValue: %v", err)
	}
	if !ok || stop != 10.45 {
		t.Fatalf("expected 10.45, got %f (ok=%v)", stop, ok)
	}

	if err := store.DeleteStopValue(ctx, "DOGE/USD"); err != nil {
		t.Fatalf("DeleteStopValue: %v", err)
	}
	_, ok, err = store.GetStopValue(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetStopValue: %v", err)
	}
	if ok {
		t.Fatalf("expected stop removed")
	}
}

func TestWinTrackerUpsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	tracker, err := store.GetWinTracker(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetWinTracker: %v", err)
	}
	if tracker != nil {
		t.Fatalf("expected no tracker, got %+v", tracker)
	}

	if err := store.SaveWinTracker(ctx, &domain.WinTracker{
		Symbol:         "DOGE/USD",
		PriceAtDeposit: 10,
		PriceAtBuy:     10,
	}); err != nil {
		t.Fatalf("SaveWinTracker: %v", err)
	}
	if err := store.SaveWinTracker(ctx, &domain.WinTracker{
		Symbol:         "DOGE/USD",
		PriceAtDeposit: 10,
		PriceAtBuy:     9.4,
		BuyCount:       2,
		WinCount:       1,
	}); err != nil {
		t.Fatalf("SaveWinTracker update: %v", err)
	}

	tracker, err = store.GetWinTracker(ctx, "DOGE/USD")
	if err != nil {
		t.Fatalf("GetWinTracker: %v", err)
	}
	if tracker.BuyCount != 2 || tracker.WinCount != 1 || tracker.PriceAtBuy != 9.4 {
		t.Fatalf("unexpected tracker: %+v", tracker)
	}
}

func TestFundsSnapshotsAppend(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := store.SaveFundsSnapshot(ctx, &domain.AccountSnapshot{
			Symbol:         "DOGE/USD",
			AccountBalance: 500,
			CoinHopper:     float64(i * 100),
		})
		if err != nil {
			t.Fatalf("SaveFundsSnapshot: %v", err)
		}
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()
	stale := now.Add(-90 * time.Second)

	ok, err := store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 100, now, stale)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 200, now, stale)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if ok {
		t.Fatalf("expected second acquire to fail while held")
	}

	lock, err := store.GetLock(ctx, "DOGE/USD", domain.DirectionSell)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if lock == nil || !lock.Running || lock.PID != 100 {
		t.Fatalf("unexpected lock holder: %+v", lock)
	}

	// Other (symbol, type) pairs are unaffected.
	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionBuy, 200, now, stale)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected buy lock to be independent")
	}
}

func TestAcquireLockStaleTakeover(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now()

	ok, err := store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 100, base, base.Add(-90*time.Second))
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	// Heartbeat stopped at base; 3 minutes later the row is stale.
	later := base.Add(3 * time.Minute)
	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 200, later, later.Add(-90*time.Second))
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected stale takeover to succeed")
	}

	lock, err := store.GetLock(ctx, "DOGE/USD", domain.DirectionSell)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if lock.PID != 200 {
		t.Fatalf("expected new holder pid 200, got %d", lock.PID)
	}
}

func TestTouchAndReleaseLock(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now()

	ok, err := store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 100, base, base.Add(-90*time.Second))
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	touched := base.Add(time.Minute)
	ok, err = store.TouchLock(ctx, "DOGE/USD", domain.DirectionSell, 100, touched)
	if err != nil {
		t.Fatalf("TouchLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected heartbeat to refresh the held lock")
	}
	lock, err := store.GetLock(ctx, "DOGE/USD", domain.DirectionSell)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	// Stored timestamps carry millisecond precision.
	if lock.UpdatedAt.Unix() != touched.UTC().Unix() {
		t.Fatalf("expected updated_at %s, got %s", touched.UTC(), lock.UpdatedAt)
	}

	if err := store.ReleaseLock(ctx, "DOGE/USD", domain.DirectionSell, touched); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	lock, err = store.GetLock(ctx, "DOGE/USD", domain.DirectionSell)
	if err != nil {
		t.Fatalf("GetLock: %v", err)
	}
	if lock.Running {
		t.Fatalf("expected lock released")
	}

	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 200, base.Add(2*time.Minute), base.Add(30*time.Second))
	if err != nil || !ok {
		t.Fatalf("expected reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestTouchLockReportsLostOwnership(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now()

	// No row at all.
	ok, err := store.TouchLock(ctx, "DOGE/USD", domain.DirectionSell, 100, base)
	if err != nil {
		t.Fatalf("TouchLock: %v", err)
	}
	if ok {
		t.Fatalf("expected touch of a missing lock to report false")
	}

	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 100, base, base.Add(-90*time.Second))
	if err != nil || !ok {
		t.Fatalf("AcquireLock: ok=%v err=%v", ok, err)
	}

	// Released out from under the owner.
	if err := store.ReleaseLock(ctx, "DOGE/USD", domain.DirectionSell, base); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	ok, err = store.TouchLock(ctx, "DOGE/USD", domain.DirectionSell, 100, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("TouchLock: %v", err)
	}
	if ok {
		t.Fatalf("expected touch of a released lock to report false")
	}

	// Taken over by another pid.
	later := base.Add(5 * time.Minute)
	ok, err = store.AcquireLock(ctx, "DOGE/USD", domain.DirectionSell, 200, later, later.Add(-90*time.Second))
	if err != nil || !ok {
		t.Fatalf("AcquireLock takeover: ok=%v err=%v", ok, err)
	}
	ok, err = store.TouchLock(ctx, "DOGE/USD", domain.DirectionSell, 100, later.Add(time.Minute))
	if err != nil {
		t.Fatalf("TouchLock: %v", err)
	}
	if ok {
		t.Fatalf("expected touch by the old owner to report false")
	}
}
