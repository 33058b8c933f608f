package usecase

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"stoptrail/internal/domain"
)

// DefaultLadderSpec selects the built-in 4-tier ladder: +10%/+20%/+30%/+50%
// from the current price, each sized at 25% of the available balance.
const DefaultLadderSpec = "DEFAULT"

// DcaLadder is an ordered set of price thresholds, each with an amount to
// stage into the hopper once price reaches it. Thresholds are sorted
// ascending by price at build time and never re-sorted.
type DcaLadder struct {
	direction  domain.Direction
	thresholds []*domain.Threshold
}

// BuildLadder constructs the ladder for a strategy start. spec is "" for
// simple mode (no ladder, nil result), DefaultLadderSpec for the built-in
// tiers, or a comma-separated PRICE:AMOUNT list where PRICE is absolute or
// a ±N% offset from currentPrice.
func BuildLadder(direction domain.Direction, spec string, currentPrice, availableBalance float64) (*DcaLadder, error) {
	if spec == "" {
		return nil, nil
	}

	var thresholds []*domain.Threshold
	if spec == DefaultLadderSpec {
		portion := availableBalance / 4
		for _, pct := range []float64{0.10, 0.20, 0.30, 0.50} {
			thresholds = append(thresholds, &domain.Threshold{
				Price:  currentPrice * (1 + pct),
				Amount: portion,
			})
		}
	} else {
		parsed, err := parseLadderSpec(spec, currentPrice)
		if err != nil {
			return nil, err
		}
		thresholds = parsed
	}

	sort.Slice(thresholds, func(i, j int) bool {
		return thresholds[i].Price < thresholds[j].Price
	})

	return &DcaLadder{direction: direction, thresholds: thresholds}, nil
}

// RestoreLadder rebuilds the ladder from persisted threshold rows, hit
// flags included. Rows come back from the store already ordered by price.
func RestoreLadder(direction domain.Direction, thresholds []*domain.Threshold) *DcaLadder {
	return &DcaLadder{direction: direction, thresholds: thresholds}
}

func parseLadderSpec(spec string, currentPrice float64) ([]*domain.Threshold, error) {
	var thresholds []*domain.Threshold

	for i, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, domain.Configf("threshold #%d %q: expected PRICE:AMOUNT", i+1, pair)
		}
		priceStr := strings.TrimSpace(parts[0])
		amountStr := strings.TrimSpace(parts[1])
		if priceStr == "" || amountStr == "" {
			return nil, domain.Configf("threshold #%d %q: empty price or amount", i+1, pair)
		}

		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			return nil, domain.Configf("threshold #%d %q: invalid amount %q", i+1, pair, amountStr)
		}
		if amount <= 0 {
			return nil, domain.Configf("threshold #%d %q: amount must be positive", i+1, pair)
		}

		price, err := resolvePrice(priceStr, currentPrice)
		if err != nil {
			return nil, domain.Configf("threshold #%d %q: %v", i+1, pair, err)
		}

		thresholds = append(thresholds, &domain.Threshold{Price: price, Amount: amount})
	}

	if len(thresholds) == 0 {
		return nil, domain.Configf("DCA spec %q contains no thresholds", spec)
	}
	return thresholds, nil
}

// resolvePrice accepts an absolute price or a signed percentage offset
// (+10% above, -10% below the current price; Buy ladders sit below).
func resolvePrice(priceStr string, currentPrice float64) (float64, error) {
	if strings.HasSuffix(priceStr, "%") {
		pctStr := strings.TrimSuffix(priceStr, "%")
		pct, err := strconv.ParseFloat(pctStr, 64)
		if err != nil {
			return 0, domain.Configf("invalid percentage %q", priceStr)
		}
		price := currentPrice * (1 + pct/100)
		if price <= 0 {
			return 0, domain.Configf("offset %q resolves to non-positive price", priceStr)
		}
		return price, nil
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, domain.Configf("invalid price %q", priceStr)
	}
	if price <= 0 {
		return 0, domain.Configf("price must be positive")
	}
	return price, nil
}

// Evaluate returns the not-yet-hit thresholds now crossed by price, in
// ascending price order. Multiple thresholds may cross in one tick.
func (l *DcaLadder) Evaluate(price float64) []*domain.Threshold {
	var crossed []*domain.Threshold
	for _, t := range l.thresholds {
		if t.Hit {
			continue
		}
		if l.direction == domain.DirectionSell && price >= t.Price {
			crossed = append(crossed, t)
		}
		if l.direction == domain.DirectionBuy && price <= t.Price {
			crossed = append(crossed, t)
		}
	}
	return crossed
}

// MarkHit flips the threshold's one-way hit flag.
func (l *DcaLadder) MarkHit(t *domain.Threshold, at time.Time) {
	t.Hit = true
	t.HitAt = &at
}

func (l *DcaLadder) Thresholds() []*domain.Threshold {
	return l.thresholds
}
