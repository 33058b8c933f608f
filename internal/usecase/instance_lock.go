package usecase

import (
	"context"
	"fmt"
	"os"
	"time"

	"stoptrail/internal/domain"
)

// DefaultLockStaleness is how old a running lock row's heartbeat may be
// before a new instance treats the owner as crashed and takes over.
// Heartbeats land every tick (default 5s), so 90s tolerates long broker
// stalls while keeping crash takeover fast.
const DefaultLockStaleness = 90 * time.Second

// InstanceLock is the cross-process mutual exclusion handle for one
// (symbol, trade type). Exclusivity is enforced by the store's atomic
// upsert, not by anything in-process.
type InstanceLock struct {
	repo      domain.LockRepository
	symbol    string
	tradeType domain.Direction
	pid       int
	staleness time.Duration
	now       func() time.Time
}

func NewInstanceLock(repo domain.LockRepository, symbol string, tradeType domain.Direction, staleness time.Duration) *InstanceLock {
	if staleness <= 0 {
		staleness = DefaultLockStaleness
	}
	return &InstanceLock{
		repo:      repo,
		symbol:    symbol,
		tradeType: tradeType,
		pid:       os.Getpid(),
		staleness: staleness,
		now:       time.Now,
	}
}

// Acquire takes the lock, or fails with LockHeldError when another
// instance holds it and its heartbeat is fresh.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	now := l.now()
	ok, err := l.repo.AcquireLock(ctx, l.symbol, l.tradeType, l.pid, now, now.Add(-l.staleness))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	holder, err := l.repo.GetLock(ctx, l.symbol, l.tradeType)
	if err != nil {
		return err
	}
	if holder == nil {
		// Row vanished between the failed upsert and the read; treat as
		// contended and let the caller decide whether to retry.
		holder = &domain.InstanceLock{Symbol: l.symbol, TradeType: l.tradeType}
	}
	return &domain.LockHeldError{Lock: holder}
}

// Heartbeat refreshes updated_at; called once per tick while running. An
// error means the lock is no longer held and trading must not continue.
func (l *InstanceLock) Heartbeat(ctx context.Context) error {
	ok, err := l.repo.TouchLock(ctx, l.symbol, l.tradeType, l.pid, l.now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := l.repo.GetLock(ctx, l.symbol, l.tradeType)
	if err != nil {
		return err
	}
	if holder != nil && holder.Running && holder.PID != l.pid {
		return &domain.LockHeldError{Lock: holder}
	}
	return fmt.Errorf("instance lock %s %s lost: no running row to refresh", l.symbol, l.tradeType)
}

// Release clears running on clean shutdown.
func (l *InstanceLock) Release(ctx context.Context) error {
	return l.repo.ReleaseLock(ctx, l.symbol, l.tradeType, l.now())
}

// ForceRelease clears running regardless of owner. Maintenance path for a
// known-dead instance (--reset-lock); not part of engine control flow.
func ForceRelease(ctx context.Context, repo domain.LockRepository, symbol string, tradeType domain.Direction) error {
	return repo.ReleaseLock(ctx, symbol, tradeType, time.Now())
}

// ForceReleaseAll clears every lock row a strategy run may have held: the
// bare symbol key plus the suffixed keys of a split run. Releasing a key
// that was never locked is a no-op.
func ForceReleaseAll(ctx context.Context, repo domain.LockRepository, symbol string, tradeType domain.Direction, split int) error {
	keys := []string{symbol}
	for i := 1; i <= split; i++ {
		keys = append(keys, fmt.Sprintf("%s#%d", symbol, i))
	}
	for _, key := range keys {
		if err := repo.ReleaseLock(ctx, key, tradeType, time.Now()); err != nil {
			return err
		}
	}
	return nil
}
