package amm

import (
	"time"
)

// HistoryPoint is the market state after a prefix of the event history.
// Index is -1 for the empty-history point.
type HistoryPoint struct {
	Index     int         `json:"index"`
	Timestamp time.Time   `json:"timestamp"`
	Outcome   string      `json:"outcome,omitempty"`
	Prices    PriceVector `json:"prices"`
	Volume    float64     `json:"volume"`
}

// Replay returns one point for the empty history (stamped openedAt) followed
// by one point per event. It folds the events over a running snapshot, so the
// i-th point equals ComputePools over the first i events bit for bit.
// Events must already be in timestamp order.
func Replay(outcomes []string, events []StakeEvent, initialLiquidity float64, openedAt time.Time) ([]HistoryPoint, error) {
	snap, err := seed(outcomes, initialLiquidity)
	if err != nil {
		return nil, err
	}
	for i, e := range events {
		if err := validateEvent(i, e); err != nil {
			return nil, err
		}
	}

	history := make([]HistoryPoint, 0, len(events)+1)
	history = append(history, HistoryPoint{
		Index:     -1,
		Timestamp: openedAt,
		Prices:    Prices(snap),
	})

	var volume float64
	for i, e := range events {
		snap.apply(e)
		volume += e.Amount
		history = append(history, HistoryPoint{
			Index:     i,
			Timestamp: e.Timestamp,
			Outcome:   e.Outcome,
			Prices:    Prices(snap),
			Volume:    volume,
		})
	}
	return history, nil
}

// Engine binds a market's liquidity seed to the pricing functions.
// It is stateless beyond that seed and safe for concurrent use.
type Engine struct {
	initialLiquidity float64
}

// NewEngine creates an engine for markets seeded with initialLiquidity.
// Zero is allowed; such markets price uniformly until the first stake.
func NewEngine(initialLiquidity float64) (*Engine, error) {
	if !finite(initialLiquidity) || initialLiquidity < 0 {
		return nil, ErrInvalidLiquidity
	}
	return &Engine{initialLiquidity: initialLiquidity}, nil
}

// InitialLiquidity returns the liquidity seed.
func (e *Engine) InitialLiquidity() float64 {
	return e.initialLiquidity
}

// Pools computes the current snapshot for a market.
func (e *Engine) Pools(outcomes []string, events []StakeEvent) (PoolSnapshot, error) {
	return ComputePools(outcomes, events, e.initialLiquidity)
}

// CurrentPrices computes the current price vector for a market.
func (e *Engine) CurrentPrices(outcomes []string, events []StakeEvent) (PriceVector, error) {
	snap, err := e.Pools(outcomes, events)
	if err != nil {
		return nil, err
	}
	return Prices(snap), nil
}

// Replay reconstructs the price history of a market.
func (e *Engine) Replay(outcomes []string, events []StakeEvent, openedAt time.Time) ([]HistoryPoint, error) {
	return Replay(outcomes, events, e.initialLiquidity, openedAt)
}
