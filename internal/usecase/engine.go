package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stoptrail/internal/domain"
)

type EngineState string

const (
	StateInitializing EngineState = "initializing"
	StateActive       EngineState = "active"
	StateTriggered    EngineState = "triggered"
	StateStopped      EngineState = "stopped"
	StateError        EngineState = "error"
)

const (
	DefaultInterval = 5 * time.Second
	// DefaultFeeBuffer shaves the terminal Buy size so the order clears
	// with taker fees taken out of the same funds.
	DefaultFeeBuffer = 0.999
)

type EngineConfig struct {
	Symbol        domain.Symbol
	Direction     domain.Direction
	StopMode      domain.StopMode
	StopDistance  float64
	AllowWideStop bool
	Interval      time.Duration
	// LadderSpec is "" for simple mode, DefaultLadderSpec, or a custom
	// PRICE:AMOUNT list.
	LadderSpec string
	// Allocation caps the quote funds a Buy strategy may spend. Zero
	// means the full quote balance; split runs set a per-engine share.
	Allocation    float64
	FeeBuffer     float64
	LockStaleness time.Duration
	// StateKey scopes all persisted rows and the instance lock. Defaults
	// to the symbol; split runs suffix it so each sub-engine owns fully
	// independent state.
	StateKey string
}

// TrailEngine owns the poll loop and drives the strategy state machine:
// Initializing -> Active -> Triggered -> Stopped, with Error terminal from
// anywhere. All state mutation happens on the single tick worker; ticks
// never overlap, so prices, ladder evaluations and orders are totally
// ordered.
type TrailEngine struct {
	cfg      EngineConfig
	broker   domain.Broker
	store    domain.StrategyRepository
	lock     *InstanceLock
	executor *OrderExecutor
	stop     *StopLossTracker
	sink     domain.EventSink
	logger   *zap.Logger

	mu        sync.RWMutex
	state     EngineState
	ladder    *DcaLadder
	hopper    float64
	lastPrice float64
	tracker   *domain.WinTracker

	// Cancellation is cooperative: the flag is checked at tick boundaries
	// only, so an in-flight order is never interrupted.
	running atomic.Bool
}

func NewTrailEngine(
	cfg EngineConfig,
	broker domain.Broker,
	store domain.StrategyRepository,
	locks domain.LockRepository,
	sink domain.EventSink,
	logger *zap.Logger,
) (*TrailEngine, error) {
	if cfg.Direction != domain.DirectionSell && cfg.Direction != domain.DirectionBuy {
		return nil, domain.Configf("invalid direction %q", cfg.Direction)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FeeBuffer <= 0 || cfg.FeeBuffer > 1 {
		cfg.FeeBuffer = DefaultFeeBuffer
	}
	if cfg.StateKey == "" {
		cfg.StateKey = cfg.Symbol.String()
	}

	tracker, err := NewStopLossTracker(cfg.Direction, cfg.StopMode, cfg.StopDistance, cfg.AllowWideStop)
	if err != nil {
		return nil, err
	}

	return &TrailEngine{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		lock:     NewInstanceLock(locks, cfg.StateKey, cfg.Direction, cfg.LockStaleness),
		executor: NewOrderExecutor(broker, logger),
		stop:     tracker,
		sink:     sink,
		logger:   logger.With(zap.String("symbol", cfg.StateKey), zap.String("side", string(cfg.Direction))),
		state:    StateInitializing,
	}, nil
}

// Run drives the engine until the stop fires, a fatal error occurs, or
// Stop is called. ctx cancellation is honored at tick boundaries only.
func (e *TrailEngine) Run(ctx context.Context) error {
	e.running.Store(true)
	e.setState(StateInitializing)

	// Broker and store calls run on a background context: once a tick is
	// in flight it completes, per the no-mid-call-abort rule.
	callCtx := context.Background()

	if err := e.lock.Acquire(callCtx); err != nil {
		e.setState(StateError)
		return err
	}

	if err := e.startup(callCtx); err != nil {
		if relErr := e.lock.Release(callCtx); relErr != nil {
			e.logger.Warn("lock release after failed startup", zap.Error(relErr))
		}
		e.setState(StateError)
		return err
	}

	e.setState(StateActive)
	e.logger.Info("strategy active",
		zap.Float64("price", e.LastPrice()),
		zap.Float64("stop", e.stop.Stop()),
		zap.Duration("interval", e.cfg.Interval),
	)
	e.emitStatus(fmt.Sprintf("strategy started: price %.8f, stop %.8f", e.LastPrice(), e.stop.Stop()))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for e.running.Load() && ctx.Err() == nil {
		if err := e.tick(callCtx); err != nil {
			e.setState(StateError)
			e.logger.Error("fatal tick error, halting", zap.Error(err))
			return err
		}
		if e.State() == StateStopped {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	// Cooperative shutdown requested mid-strategy.
	if err := e.lock.Release(callCtx); err != nil {
		e.logger.Warn("lock release on shutdown", zap.Error(err))
	}
	e.setState(StateStopped)
	e.emitStatus("strategy stopped by request")
	return nil
}

// Stop requests shutdown. The in-flight tick finishes first, including any
// order in progress.
func (e *TrailEngine) Stop() {
	e.running.Store(false)
}

// startup observes the first price, restores persisted state and builds or
// reloads the ladder. Any failure here is fatal; the engine never starts.
func (e *TrailEngine) startup(ctx context.Context) error {
	price, err := e.broker.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		return err
	}
	e.setLastPrice(price)

	e.stop.Initialize(price)
	persisted, ok, err := e.store.GetStopValue(ctx, e.cfg.StateKey)
	if err != nil {
		return err
	}
	if ok {
		e.stop.Restore(persisted)
	}
	if err := e.store.SaveStopValue(ctx, e.cfg.StateKey, e.stop.Stop()); err != nil {
		return err
	}
	mtxStopPrice.WithLabelValues(e.cfg.StateKey, string(e.cfg.Direction)).Set(e.stop.Stop())

	if err := e.setupLadder(ctx, price); err != nil {
		return err
	}

	tracker, err := e.store.GetWinTracker(ctx, e.cfg.StateKey)
	if err != nil {
		return err
	}
	if tracker == nil {
		tracker = &domain.WinTracker{
			Symbol:         e.cfg.StateKey,
			PriceAtDeposit: price,
			PriceAtBuy:     price,
		}
		if err := e.store.SaveWinTracker(ctx, tracker); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.tracker = tracker
	e.mu.Unlock()

	e.snapshotFunds(ctx)
	return nil
}

// setupLadder reloads persisted threshold rows when they exist (restart
// recovery), otherwise builds a fresh ladder from the spec.
func (e *TrailEngine) setupLadder(ctx context.Context, price float64) error {
	symbol := e.cfg.StateKey

	existing, err := e.store.GetThresholds(ctx, symbol)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		hopper, err := e.store.GetHopper(ctx, symbol)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.ladder = RestoreLadder(e.cfg.Direction, existing)
		e.hopper = hopper
		e.mu.Unlock()
		mtxHopper.WithLabelValues(symbol).Set(hopper)
		e.logger.Info("resumed persisted ladder",
			zap.Int("thresholds", len(existing)),
			zap.Float64("hopper", hopper),
		)
		return nil
	}

	if e.cfg.LadderSpec == "" {
		return nil
	}

	balance, err := e.ladderBalance(ctx)
	if err != nil {
		return err
	}
	ladder, err := BuildLadder(e.cfg.Direction, e.cfg.LadderSpec, price, balance)
	if err != nil {
		return err
	}
	if err := e.store.SaveThresholds(ctx, symbol, ladder.Thresholds()); err != nil {
		return err
	}
	if err := e.store.SetHopper(ctx, symbol, 0); err != nil {
		return err
	}
	e.mu.Lock()
	e.ladder = ladder
	e.mu.Unlock()
	e.logger.Info("ladder built", zap.Int("thresholds", len(ladder.Thresholds())))
	return nil
}

// ladderBalance is the pool the default ladder splits: base holdings for a
// Sell exit, allocated quote funds for a Buy entry.
func (e *TrailEngine) ladderBalance(ctx context.Context) (float64, error) {
	if e.cfg.Direction == domain.DirectionSell {
		return e.broker.GetBalance(ctx, e.cfg.Symbol.Base)
	}
	if e.cfg.Allocation > 0 {
		return e.cfg.Allocation, nil
	}
	return e.broker.GetBalance(ctx, e.cfg.Symbol.Quote)
}

// tick is one pass of the poll loop. A non-nil return is fatal; transient
// broker failures are absorbed and surfaced as status events.
func (e *TrailEngine) tick(ctx context.Context) error {
	if err := e.lock.Heartbeat(ctx); err != nil {
		return err
	}

	symbol := e.cfg.StateKey
	price, err := e.broker.GetPrice(ctx, e.cfg.Symbol)
	if err != nil {
		e.logger.Warn("price fetch failed", zap.Error(err))
		e.emitStatus("price fetch failed: " + err.Error())
		return nil
	}
	e.setLastPrice(price)
	mtxTicks.WithLabelValues(symbol).Inc()

	e.emit(domain.Event{Type: domain.EventPriceUpdate, Price: price, Stop: e.stop.Stop()})

	if e.stop.Observe(price) {
		if err := e.store.SaveStopValue(ctx, symbol, e.stop.Stop()); err != nil {
			return err
		}
		mtxStopPrice.WithLabelValues(symbol, string(e.cfg.Direction)).Set(e.stop.Stop())
		e.emit(domain.Event{Type: domain.EventStopUpdate, Price: price, Stop: e.stop.Stop()})
		e.logger.Info("new extreme observed, stop moved",
			zap.Float64("extreme", e.stop.Extreme()),
			zap.Float64("stop", e.stop.Stop()),
		)
	}

	if ladder := e.Ladder(); ladder != nil {
		if err := e.processLadder(ctx, ladder, price); err != nil {
			return err
		}
	}

	if e.stop.Triggered(price) {
		e.setState(StateTriggered)
		e.logger.Info("trailing stop triggered",
			zap.Float64("price", price),
			zap.Float64("stop", e.stop.Stop()),
		)
		return e.finalize(ctx, price)
	}

	e.logger.Debug("tick",
		zap.Float64("price", price),
		zap.Float64("stop", e.stop.Stop()),
		zap.Float64("hopper", e.Hopper()),
	)
	e.emitStatus(fmt.Sprintf("price %.8f | stop %.8f | hopper %.8f", price, e.stop.Stop(), e.Hopper()))
	return nil
}

// processLadder executes every crossed threshold in ascending price order.
// Each is independently committed before the next is considered, so a
// failure mid-ladder leaves already-hit thresholds durable.
func (e *TrailEngine) processLadder(ctx context.Context, ladder *DcaLadder, price float64) error {
	symbol := e.cfg.StateKey

	for _, th := range ladder.Evaluate(price) {
		size := th.Amount
		if e.cfg.Direction == domain.DirectionBuy {
			// Buy rungs are sized in quote funds; convert at the rung.
			size = th.Amount / price * e.cfg.FeeBuffer
		}

		res, err := e.executor.Execute(ctx, e.cfg.Direction, e.cfg.Symbol, size)
		if err != nil {
			// Rejected or unreachable: the threshold stays unhit and can
			// fire again on a later tick if the price still qualifies.
			mtxOrders.WithLabelValues(symbol, string(e.cfg.Direction), orderOutcome(err)).Inc()
			e.logger.Warn("threshold order not executed",
				zap.Float64("threshold", th.Price),
				zap.Error(err),
			)
			e.emitStatus(fmt.Sprintf("threshold %.8f order failed: %v", th.Price, err))
			return nil
		}

		now := time.Now()
		ladder.MarkHit(th, now)
		if err := e.store.MarkThresholdHit(ctx, th.ID, now); err != nil {
			return err
		}

		hopper := e.addHopper(th.Amount)
		if err := e.store.SetHopper(ctx, symbol, hopper); err != nil {
			return err
		}

		mtxOrders.WithLabelValues(symbol, string(e.cfg.Direction), "executed").Inc()
		mtxThresholdHits.WithLabelValues(symbol).Inc()
		mtxHopper.WithLabelValues(symbol).Set(hopper)

		e.emit(domain.Event{
			Type:           domain.EventThresholdHit,
			Price:          price,
			ThresholdPrice: th.Price,
			Amount:         th.Amount,
			Hopper:         hopper,
		})
		e.emit(domain.Event{
			Type:    domain.EventTradeExecuted,
			Price:   res.AvgPrice(),
			Amount:  res.FilledSize,
			OrderID: res.ID,
			Hopper:  hopper,
		})
		e.logger.Info("threshold hit",
			zap.Float64("threshold", th.Price),
			zap.Float64("amount", th.Amount),
			zap.Float64("hopper", hopper),
			zap.String("order_id", res.ID),
		)
	}
	return nil
}

// finalize executes the terminal trade once the stop has fired: the
// remaining base balance for Sell, the unspent allocated funds for Buy.
// On a non-fatal failure the engine drops back to Active so the condition
// can be retried while it still holds.
func (e *TrailEngine) finalize(ctx context.Context, price float64) error {
	symbol := e.cfg.StateKey

	size, funds, err := e.terminalSize(ctx, price)
	if err != nil {
		e.logger.Warn("terminal size lookup failed, retrying next tick", zap.Error(err))
		e.emitStatus("terminal trade deferred: " + err.Error())
		e.setState(StateActive)
		return nil
	}
	if size <= 0 {
		e.logger.Warn("nothing to trade at trigger, stopping", zap.Float64("size", size))
		return e.shutdown(ctx, price)
	}

	res, err := e.executor.Execute(ctx, e.cfg.Direction, e.cfg.Symbol, size)
	if err != nil {
		mtxOrders.WithLabelValues(symbol, string(e.cfg.Direction), orderOutcome(err)).Inc()
		e.logger.Warn("terminal order not executed, retrying next tick", zap.Error(err))
		e.emitStatus("terminal trade failed: " + err.Error())
		e.setState(StateActive)
		return nil
	}
	mtxOrders.WithLabelValues(symbol, string(e.cfg.Direction), "executed").Inc()

	// Flush the hopper: the ladder's staged amounts are disposed of by
	// this trade's accounting.
	if err := e.store.SetHopper(ctx, symbol, 0); err != nil {
		return err
	}
	mtxHopper.WithLabelValues(symbol).Set(0)

	if err := e.recordOutcome(ctx, res); err != nil {
		return err
	}

	e.emit(domain.Event{
		Type:    domain.EventTradeExecuted,
		Price:   res.AvgPrice(),
		Amount:  res.FilledSize,
		OrderID: res.ID,
	})
	e.emit(domain.Event{
		Type:    domain.EventBalanceUpdate,
		Balance: funds,
		Hopper:  0,
	})
	e.logger.Info("terminal trade executed",
		zap.Float64("size", res.FilledSize),
		zap.Float64("value", res.FilledValue),
		zap.Float64("fee", res.Fee),
		zap.String("order_id", res.ID),
	)

	return e.shutdown(ctx, price)
}

// terminalSize computes the terminal order size and the funds figure it
// disposes of.
func (e *TrailEngine) terminalSize(ctx context.Context, price float64) (size, funds float64, err error) {
	if e.cfg.Direction == domain.DirectionSell {
		balance, err := e.broker.GetBalance(ctx, e.cfg.Symbol.Base)
		if err != nil {
			return 0, 0, err
		}
		return balance, balance, nil
	}

	// Buy: spend what the ladder has not already spent.
	allocation := e.cfg.Allocation
	if allocation <= 0 {
		balance, err := e.broker.GetBalance(ctx, e.cfg.Symbol.Quote)
		if err != nil {
			return 0, 0, err
		}
		allocation = balance + e.Hopper()
	}
	remaining := allocation - e.Hopper()
	if remaining < 0 {
		remaining = 0
	}
	return remaining / price * e.cfg.FeeBuffer, remaining, nil
}

func (e *TrailEngine) recordOutcome(ctx context.Context, res *domain.OrderResult) error {
	e.mu.Lock()
	tracker := e.tracker
	e.mu.Unlock()
	if tracker == nil {
		return nil
	}

	tracker.BuyCount++
	execPrice := res.AvgPrice()
	if e.cfg.Direction == domain.DirectionSell && execPrice > tracker.PriceAtBuy {
		tracker.WinCount++
	}
	if e.cfg.Direction == domain.DirectionBuy && execPrice < tracker.PriceAtBuy {
		tracker.WinCount++
	}
	return e.store.SaveWinTracker(ctx, tracker)
}

// shutdown is the clean exit after the terminal trade: snapshot funds,
// release the lock, stop the loop.
func (e *TrailEngine) shutdown(ctx context.Context, price float64) error {
	e.snapshotFunds(ctx)

	if err := e.lock.Release(ctx); err != nil {
		return err
	}
	e.setState(StateStopped)
	e.emitStatus(fmt.Sprintf("strategy complete at %.8f", price))
	e.logger.Info("strategy complete")
	return nil
}

// snapshotFunds writes the advisory available_funds audit row. Best
// effort: a broker hiccup here must not take the engine down.
func (e *TrailEngine) snapshotFunds(ctx context.Context) {
	currency := e.cfg.Symbol.Base
	if e.cfg.Direction == domain.DirectionBuy {
		currency = e.cfg.Symbol.Quote
	}
	balance, err := e.broker.GetBalance(ctx, currency)
	if err != nil {
		e.logger.Warn("funds snapshot skipped", zap.Error(err))
		return
	}
	snap := &domain.AccountSnapshot{
		Symbol:         e.cfg.StateKey,
		AccountBalance: balance,
		CoinHopper:     e.Hopper(),
	}
	if err := e.store.SaveFundsSnapshot(ctx, snap); err != nil {
		e.logger.Warn("funds snapshot write failed", zap.Error(err))
	}
}

// --- snapshot accessors (read by the web observer) ---

func (e *TrailEngine) State() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *TrailEngine) setState(s EngineState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *TrailEngine) LastPrice() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastPrice
}

func (e *TrailEngine) setLastPrice(p float64) {
	e.mu.Lock()
	e.lastPrice = p
	e.mu.Unlock()
}

func (e *TrailEngine) Hopper() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hopper
}

func (e *TrailEngine) addHopper(amount float64) float64 {
	e.mu.Lock()
	e.hopper += amount
	h := e.hopper
	e.mu.Unlock()
	return h
}

func (e *TrailEngine) Ladder() *DcaLadder {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ladder
}

func (e *TrailEngine) StopPrice() float64 {
	return e.stop.Stop()
}

func (e *TrailEngine) Symbol() domain.Symbol       { return e.cfg.Symbol }
func (e *TrailEngine) Direction() domain.Direction { return e.cfg.Direction }
func (e *TrailEngine) StateKey() string            { return e.cfg.StateKey }

func (e *TrailEngine) emit(ev domain.Event) {
	if e.sink == nil {
		return
	}
	ev.Time = time.Now()
	ev.Symbol = e.cfg.StateKey
	ev.Direction = e.cfg.Direction
	e.sink.Emit(ev)
}

func (e *TrailEngine) emitStatus(msg string) {
	e.emit(domain.Event{Type: domain.EventStatusMessage, Message: msg})
}

func orderOutcome(err error) string {
	var rejected *domain.OrderRejectedError
	if errors.As(err, &rejected) {
		return "rejected"
	}
	return "failed"
}
