// Package amm implements the constant-product automated market maker used to
// price multi-outcome prediction markets.
//
// Each outcome has a pool balance. Pools are seeded with an equal share of
// the market's initial liquidity and grow by every stake placed on the
// outcome. For an outcome with pool x and the sum y of all other pools the
// invariant k = x * y prices trades:
//
//	price(o)      = x / (x + y)
//	buyCost(o, n) = max((y - k/(x+n)) * FeeBuy, MinBuyCostFraction * n)
//	sellPay(o, n) = max((k/(x-n) - y) * FeeSell, 0),  n <= MaxSellFraction * x
//
// Everything here is a pure function of an explicit PoolSnapshot, so callers
// may price concurrently without locks. Sums are always taken in outcome
// order, which makes results reproducible to the last bit.
//
// Internal math is float64; convert at the boundary with Decimal.
package amm

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidMarketConfig is returned for an empty or duplicated outcome
	// set, a bad liquidity seed, or a malformed stake event.
	ErrInvalidMarketConfig = errors.New("amm: invalid market configuration")

	// ErrInvalidLiquidity is returned when the initial liquidity is negative
	// or not a finite number.
	ErrInvalidLiquidity = errors.New("amm: initial liquidity must be a finite non-negative number")

	// ErrUnknownOutcome is returned when pricing an outcome the market lacks.
	ErrUnknownOutcome = errors.New("amm: unknown outcome")
)

const (
	// FeeBuy is the multiplier applied to the raw constant-product buy cost.
	FeeBuy = 1.005

	// FeeSell is the multiplier applied to the raw constant-product payout.
	FeeSell = 0.995

	// MinBuyCostFraction floors the buy cost at this fraction of the share count.
	MinBuyCostFraction = 0.01

	// MaxSellFraction caps a single sale at this fraction of the outcome pool.
	MaxSellFraction = 0.5

	// DefaultInitialLiquidity is the liquidity seed for new markets.
	DefaultInitialLiquidity = 1000.0

	// PriceScale is the number of decimal places used at the decimal boundary.
	PriceScale int32 = 8
)

// DepthAmounts are the fixed share sizes reported by MarketDepth.
var DepthAmounts = []float64{1, 5, 10, 25, 50, 100}

// StakeEvent is one append-only stake on an outcome. The engine only reads
// events; the bet log owns them.
type StakeEvent struct {
	Outcome   string
	Amount    float64
	Timestamp time.Time
}

// PriceVector maps each outcome to its implied probability.
type PriceVector map[string]float64

// PoolSnapshot holds the pool balance of every outcome at one point in the
// event history. It is derived, never persisted.
type PoolSnapshot struct {
	outcomes []string
	pools    map[string]float64
}

// Outcomes returns the ordered outcome set.
func (p PoolSnapshot) Outcomes() []string {
	return append([]string(nil), p.outcomes...)
}

// Pool returns the balance of outcome o, or 0 if the market lacks it.
func (p PoolSnapshot) Pool(o string) float64 {
	return p.pools[o]
}

// Pools returns a copy of all balances.
func (p PoolSnapshot) Pools() map[string]float64 {
	out := make(map[string]float64, len(p.pools))
	for k, v := range p.pools {
		out[k] = v
	}
	return out
}

// Total is the sum of every pool in outcome order.
func (p PoolSnapshot) Total() float64 {
	var sum float64
	for _, o := range p.outcomes {
		sum += p.pools[o]
	}
	return sum
}

// others is the sum of every pool except o, in outcome order.
func (p PoolSnapshot) others(o string) float64 {
	var sum float64
	for _, x := range p.outcomes {
		if x != o {
			sum += p.pools[x]
		}
	}
	return sum
}

func (p PoolSnapshot) has(o string) bool {
	_, ok := p.pools[o]
	return ok
}

// apply adds a validated event to its outcome pool. Unknown outcomes are
// skipped so one bad record cannot poison the market.
func (p PoolSnapshot) apply(e StakeEvent) {
	if _, ok := p.pools[e.Outcome]; ok {
		p.pools[e.Outcome] += e.Amount
	}
}

func (p PoolSnapshot) clone() PoolSnapshot {
	return PoolSnapshot{outcomes: p.outcomes, pools: p.Pools()}
}

// --- Pool model ---

// seed validates the configuration and returns the empty-history snapshot.
func seed(outcomes []string, initialLiquidity float64) (PoolSnapshot, error) {
	if len(outcomes) == 0 {
		return PoolSnapshot{}, fmt.Errorf("%w: no outcomes", ErrInvalidMarketConfig)
	}
	if !finite(initialLiquidity) || initialLiquidity < 0 {
		return PoolSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidMarketConfig, ErrInvalidLiquidity)
	}

	share := initialLiquidity / float64(len(outcomes))
	pools := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		if _, dup := pools[o]; dup {
			return PoolSnapshot{}, fmt.Errorf("%w: duplicate outcome %q", ErrInvalidMarketConfig, o)
		}
		pools[o] = share
	}
	return PoolSnapshot{outcomes: append([]string(nil), outcomes...), pools: pools}, nil
}

func validateEvent(i int, e StakeEvent) error {
	if !finite(e.Amount) || e.Amount <= 0 {
		return fmt.Errorf("%w: stake event %d has amount %v", ErrInvalidMarketConfig, i, e.Amount)
	}
	return nil
}

// ComputePools seeds every outcome with initialLiquidity/len(outcomes) and
// adds each event's amount to its outcome, in sequence order. Events naming
// an outcome outside the set are ignored. Malformed events fail the whole
// computation.
func ComputePools(outcomes []string, events []StakeEvent, initialLiquidity float64) (PoolSnapshot, error) {
	snap, err := seed(outcomes, initialLiquidity)
	if err != nil {
		return PoolSnapshot{}, err
	}
	for i, e := range events {
		if err := validateEvent(i, e); err != nil {
			return PoolSnapshot{}, err
		}
		snap.apply(e)
	}
	return snap, nil
}

// --- Pricing ---

// Price returns pool[o] / Σpool, or the uniform price when every pool is empty.
func Price(snap PoolSnapshot, outcome string) (float64, error) {
	if !snap.has(outcome) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	total := snap.Total()
	if total == 0 {
		return 1 / float64(len(snap.outcomes)), nil
	}
	return snap.pools[outcome] / total, nil
}

// Prices returns the price of every outcome.
func Prices(snap PoolSnapshot) PriceVector {
	out := make(PriceVector, len(snap.outcomes))
	total := snap.Total()
	for _, o := range snap.outcomes {
		if total == 0 {
			out[o] = 1 / float64(len(snap.outcomes))
		} else {
			out[o] = snap.pools[o] / total
		}
	}
	return out
}

// BuyCost is the cost of buying shares of outcome. Non-positive sizes cost 0.
func BuyCost(snap PoolSnapshot, outcome string, shares float64) (float64, error) {
	if !snap.has(outcome) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	if !(shares > 0) || math.IsInf(shares, 1) {
		return 0, nil
	}

	x := snap.pools[outcome]
	y := snap.others(outcome)
	k := x * y

	newX := x + shares
	newY := k / newX
	cost := (y - newY) * FeeBuy

	return math.Max(cost, MinBuyCostFraction*shares), nil
}

// SellPayout is the payout for selling shares of outcome. The size is
// clamped to MaxSellFraction of the outcome pool; the payout is never negative.
func SellPayout(snap PoolSnapshot, outcome string, shares float64) (float64, error) {
	if !snap.has(outcome) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	if !(shares > 0) {
		return 0, nil
	}

	x := snap.pools[outcome]
	y := snap.others(outcome)
	k := x * y

	shares = math.Min(shares, x*MaxSellFraction)
	newX := x - shares
	if newX <= 0 {
		return 0, nil
	}
	newY := k / newX
	payout := (newY - y) * FeeSell

	return math.Max(payout, 0), nil
}

// AfterBuy returns the constant-product state after buying shares of
// outcome: its pool grows by shares and the other pools shrink
// proportionally so that their sum is k/(x+shares).
func AfterBuy(snap PoolSnapshot, outcome string, shares float64) (PoolSnapshot, error) {
	if !snap.has(outcome) {
		return PoolSnapshot{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	next := snap.clone()
	if !(shares > 0) || math.IsInf(shares, 1) {
		return next, nil
	}

	x := snap.pools[outcome]
	y := snap.others(outcome)
	newX := x + shares
	next.pools[outcome] = newX
	if y > 0 {
		scale := (x * y / newX) / y
		for _, o := range snap.outcomes {
			if o != outcome {
				next.pools[o] = snap.pools[o] * scale
			}
		}
	}
	return next, nil
}

// DepthLevel is the cost and payout of one trade size.
type DepthLevel struct {
	Shares       float64 `json:"shares"`
	BuyCost      float64 `json:"buy_cost"`
	BuyAvgPrice  float64 `json:"buy_avg_price"`
	SellPayout   float64 `json:"sell_payout"`
	SellAvgPrice float64 `json:"sell_avg_price"`
}

// Depth describes how price moves with trade size for one outcome.
type Depth struct {
	Outcome      string       `json:"outcome"`
	CurrentPrice float64      `json:"current_price"`
	Levels       []DepthLevel `json:"levels"`
}

// MarketDepth evaluates BuyCost and SellPayout at every DepthAmounts size.
func MarketDepth(snap PoolSnapshot, outcome string) (Depth, error) {
	price, err := Price(snap, outcome)
	if err != nil {
		return Depth{}, err
	}

	depth := Depth{Outcome: outcome, CurrentPrice: price, Levels: make([]DepthLevel, 0, len(DepthAmounts))}
	for _, n := range DepthAmounts {
		cost, _ := BuyCost(snap, outcome, n)
		payout, _ := SellPayout(snap, outcome, n)
		depth.Levels = append(depth.Levels, DepthLevel{
			Shares:       n,
			BuyCost:      cost,
			BuyAvgPrice:  cost / n,
			SellPayout:   payout,
			SellAvgPrice: payout / n,
		})
	}
	return depth, nil
}

// Decimal converts an engine value to a decimal rounded to PriceScale places.
// Non-finite values map to zero.
func Decimal(x float64) decimal.Decimal {
	if !finite(x) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(x).Round(PriceScale)
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
