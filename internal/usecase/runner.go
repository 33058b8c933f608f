package usecase

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"stoptrail/internal/domain"
)

// Runner fans one strategy configuration out over N concurrent engines,
// each trading an equal share of the allocation under its own state key
// and lock row. Engines are independent: one failing does not stop its
// siblings.
type Runner struct {
	engines []*TrailEngine
	logger  *zap.Logger
}

// NewRunner builds one engine per configuration. A Buy config with an
// Allocation and Split > 1 should be pre-divided by the caller; this
// constructor takes configs as given.
func NewRunner(
	configs []EngineConfig,
	broker domain.Broker,
	store domain.StrategyRepository,
	locks domain.LockRepository,
	sink domain.EventSink,
	logger *zap.Logger,
) (*Runner, error) {
	engines := make([]*TrailEngine, 0, len(configs))
	for _, cfg := range configs {
		eng, err := NewTrailEngine(cfg, broker, store, locks, sink, logger)
		if err != nil {
			return nil, err
		}
		engines = append(engines, eng)
	}
	return &Runner{engines: engines, logger: logger}, nil
}

func (r *Runner) Engines() []*TrailEngine {
	return r.engines
}

// Run blocks until every engine has finished. The first error observed is
// returned; later ones are logged.
func (r *Runner) Run(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, eng := range r.engines {
		wg.Add(1)
		go func(eng *TrailEngine) {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil {
				r.logger.Error("engine exited with error",
					zap.String("symbol", eng.StateKey()),
					zap.Error(err),
				)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(eng)
	}

	wg.Wait()
	return firstErr
}

// Stop requests cooperative shutdown of every engine.
func (r *Runner) Stop() {
	for _, eng := range r.engines {
		eng.Stop()
	}
}

// SplitConfigs divides one configuration into n engines with equal
// allocation shares. Each sub-engine gets a suffixed state key, so its
// lock row and persisted rows are fully independent of its siblings.
// n <= 1 returns the config unchanged.
func SplitConfigs(cfg EngineConfig, n int) []EngineConfig {
	if n <= 1 {
		return []EngineConfig{cfg}
	}
	share := cfg.Allocation / float64(n)
	configs := make([]EngineConfig, n)
	for i := range configs {
		configs[i] = cfg
		configs[i].Allocation = share
		configs[i].StateKey = fmt.Sprintf("%s#%d", cfg.Symbol.String(), i+1)
	}
	return configs
}
