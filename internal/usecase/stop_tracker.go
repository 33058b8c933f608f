package usecase

import "stoptrail/internal/domain"

// StopLossTracker maintains the trailing stop boundary from observed price
// extremes. The stop never loosens: for Sell it is monotonically
// non-decreasing over the tracker's life, for Buy non-increasing.
type StopLossTracker struct {
	direction   domain.Direction
	mode        domain.StopMode
	distance    float64
	extreme     float64
	stop        float64
	initialized bool
}

// NewStopLossTracker validates the stop configuration. A percentage
// distance >= 1 is almost always a mis-entered value (5 instead of 0.05)
// and is refused unless allowWide is set.
func NewStopLossTracker(direction domain.Direction, mode domain.StopMode, distance float64, allowWide bool) (*StopLossTracker, error) {
	if distance <= 0 {
		return nil, domain.Configf("stop distance must be positive, got %g", distance)
	}
	if mode == domain.StopModePercentage && distance >= 1 && !allowWide {
		return nil, domain.Configf("percentage stop distance %g >= 1: use a decimal like 0.05 for 5%%", distance)
	}
	switch mode {
	case domain.StopModePercentage, domain.StopModeAbsolute:
	default:
		return nil, domain.Configf("unknown stop mode %q", mode)
	}
	return &StopLossTracker{
		direction: direction,
		mode:      mode,
		distance:  distance,
	}, nil
}

func (t *StopLossTracker) Initialize(firstPrice float64) {
	t.extreme = firstPrice
	t.stop = t.computeStop(firstPrice)
	t.initialized = true
}

// Observe updates the extreme when price improves on it and recomputes the
// stop. The stop only moves when the recomputed boundary is tighter than
// the current one; a restored stop can sit ahead of the fresh extreme.
// Reports whether the stop moved.
func (t *StopLossTracker) Observe(price float64) bool {
	if !t.initialized {
		t.Initialize(price)
		return true
	}

	improved := false
	switch t.direction {
	case domain.DirectionSell:
		improved = price > t.extreme
	case domain.DirectionBuy:
		improved = price < t.extreme
	}
	if !improved {
		return false
	}

	t.extreme = price
	newStop := t.computeStop(price)
	tighter := newStop > t.stop
	if t.direction == domain.DirectionBuy {
		tighter = newStop < t.stop
	}
	if !tighter {
		return false
	}
	t.stop = newStop
	return true
}

// Triggered reports whether price has crossed the stop boundary.
func (t *StopLossTracker) Triggered(price float64) bool {
	if !t.initialized {
		return false
	}
	if t.direction == domain.DirectionSell {
		return price <= t.stop
	}
	return price >= t.stop
}

// Restore adopts a previously persisted stop, but only when it is tighter
// than the freshly computed one, so the monotonicity invariant holds
// across process restarts.
func (t *StopLossTracker) Restore(persisted float64) {
	if !t.initialized {
		return
	}
	if t.direction == domain.DirectionSell && persisted > t.stop {
		t.stop = persisted
	}
	if t.direction == domain.DirectionBuy && persisted < t.stop {
		t.stop = persisted
	}
}

func (t *StopLossTracker) Stop() float64        { return t.stop }
func (t *StopLossTracker) Extreme() float64     { return t.extreme }
func (t *StopLossTracker) Initialized() bool    { return t.initialized }
func (t *StopLossTracker) Mode() domain.StopMode { return t.mode }

// computeStop derives the boundary from an extreme. Percentage mode uses
// extreme ± extreme*distance rather than extreme*(1±distance): the two are
// not bitwise equal, and the additive form keeps a price landing exactly on
// the advertised boundary on the triggering side.
func (t *StopLossTracker) computeStop(extreme float64) float64 {
	if t.direction == domain.DirectionSell {
		if t.mode == domain.StopModePercentage {
			return extreme - extreme*t.distance
		}
		return extreme - t.distance
	}
	if t.mode == domain.StopModePercentage {
		return extreme + extreme*t.distance
	}
	return extreme + t.distance
}
